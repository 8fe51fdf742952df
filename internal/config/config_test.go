package config

import (
	"os"
	"path/filepath"
	"testing"
)

const validRepoConfig = `
merge_mode: review
ownership_model: guild
consensus_threshold: 0.6
min_reviews: 2
human_review_weight: "1.5"
buffer_branch: buffer
promote_target: main
auto_promote_on_green: true
auto_revert_on_red: "true"
stabilize_command: "make test"
plugins_enabled:
  - notifier
`

const validPluginsConfig = `
plugins:
  - name: notifier
    trigger: stream_created
    actions: ["comment"]
    rate_rps: 1
    safe_outputs:
      - action: create-comment
        max: 5
        labels: ["bot"]
`

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRepoConfig_Valid(t *testing.T) {
	path := writeTempFile(t, "repo.yaml", validRepoConfig)
	cfg, err := LoadRepoConfig(path)
	if err != nil {
		t.Fatalf("LoadRepoConfig() error: %v", err)
	}
	if cfg.MergeMode != "review" {
		t.Errorf("MergeMode = %q, want review", cfg.MergeMode)
	}
	if cfg.OwnershipModel != "guild" {
		t.Errorf("OwnershipModel = %q, want guild", cfg.OwnershipModel)
	}
	if cfg.BufferBranch != "buffer" {
		t.Errorf("BufferBranch = %q, want buffer", cfg.BufferBranch)
	}
	if len(cfg.PluginsEnabled) != 1 || cfg.PluginsEnabled[0] != "notifier" {
		t.Errorf("PluginsEnabled = %v", cfg.PluginsEnabled)
	}
}

func TestLoadRepoConfig_Nonexistent(t *testing.T) {
	_, err := LoadRepoConfig("/nonexistent/path/repo.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadRepoConfig_InvalidYAML(t *testing.T) {
	path := writeTempFile(t, "repo.yaml", "merge_mode: [unterminated")
	_, err := LoadRepoConfig(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadPluginsConfig_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := LoadPluginsConfig(filepath.Join(t.TempDir(), "plugins.yaml"))
	if err != nil {
		t.Fatalf("LoadPluginsConfig() error: %v", err)
	}
	if len(cfg.Plugins) != 0 {
		t.Errorf("expected empty plugins, got %v", cfg.Plugins)
	}
}

func TestLoadPluginsConfig_Valid(t *testing.T) {
	path := writeTempFile(t, "plugins.yaml", validPluginsConfig)
	cfg, err := LoadPluginsConfig(path)
	if err != nil {
		t.Fatalf("LoadPluginsConfig() error: %v", err)
	}
	if len(cfg.Plugins) != 1 {
		t.Fatalf("len(Plugins) = %d, want 1", len(cfg.Plugins))
	}
	p := cfg.Plugins[0]
	if p.Name != "notifier" || p.Trigger != "stream_created" {
		t.Errorf("plugin = %+v", p)
	}
	if p.Tier != "automation" {
		t.Errorf("Tier = %q, want automation to be inferred (no engine/model, no AI/governance indicators)", p.Tier)
	}
	if len(p.SafeOutputs) != 1 || p.SafeOutputs[0].Max != 5 {
		t.Errorf("safe outputs = %+v", p.SafeOutputs)
	}
}

func TestCoerceBool(t *testing.T) {
	cases := []struct {
		in   any
		want bool
	}{
		{true, true},
		{false, false},
		{"true", true},
		{"false", false},
		{"yes", false},
		{1, true},
		{0, false},
		{float64(1), true},
		{nil, false},
	}
	for _, c := range cases {
		if got := CoerceBool(c.in); got != c.want {
			t.Errorf("CoerceBool(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestCoerceNumber(t *testing.T) {
	if n, ok := CoerceNumber(float64(3)); !ok || n != 3 {
		t.Errorf("CoerceNumber(3.0) = %v,%v", n, ok)
	}
	if n, ok := CoerceNumber("2.5"); !ok || n != 2.5 {
		t.Errorf("CoerceNumber(\"2.5\") = %v,%v", n, ok)
	}
	if _, ok := CoerceNumber("not-a-number"); ok {
		t.Error("expected ok=false for non-numeric string")
	}
	if _, ok := CoerceNumber(nil); ok {
		t.Error("expected ok=false for nil")
	}
}

func TestValidateRepoConfig_Valid(t *testing.T) {
	path := writeTempFile(t, "repo.yaml", validRepoConfig)
	cfg, err := LoadRepoConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ppath := writeTempFile(t, "plugins.yaml", validPluginsConfig)
	plugins, err := LoadPluginsConfig(ppath)
	if err != nil {
		t.Fatalf("load plugins: %v", err)
	}
	errs := ValidateRepoConfig(cfg, plugins)
	if len(errs) != 0 {
		t.Errorf("ValidateRepoConfig() returned %d errors for valid config:", len(errs))
		for _, e := range errs {
			t.Errorf("  - %s", e)
		}
	}
}

func TestValidateRepoConfig_UnrecognizedMergeMode(t *testing.T) {
	cfg := &RepoConfig{MergeMode: "chaotic", OwnershipModel: "solo", BufferBranch: "buffer", PromoteTarget: "main"}
	errs := ValidateRepoConfig(cfg, nil)
	found := false
	for _, e := range errs {
		if e.Field == "merge_mode" {
			found = true
		}
	}
	if !found {
		t.Error("expected validation error for unrecognized merge_mode")
	}
}

func TestValidateRepoConfig_UnrecognizedOwnershipModel(t *testing.T) {
	cfg := &RepoConfig{MergeMode: "swarm", OwnershipModel: "anarchy", BufferBranch: "buffer", PromoteTarget: "main"}
	errs := ValidateRepoConfig(cfg, nil)
	found := false
	for _, e := range errs {
		if e.Field == "ownership_model" {
			found = true
		}
	}
	if !found {
		t.Error("expected validation error for unrecognized ownership_model")
	}
}

func TestValidateRepoConfig_MissingRequiredFields(t *testing.T) {
	errs := ValidateRepoConfig(&RepoConfig{}, nil)
	fields := map[string]bool{}
	for _, e := range errs {
		fields[e.Field] = true
	}
	for _, want := range []string{"merge_mode", "ownership_model", "buffer_branch", "promote_target"} {
		if !fields[want] {
			t.Errorf("expected a validation error for missing %q", want)
		}
	}
}

func TestValidateRepoConfig_UndeclaredPluginReference(t *testing.T) {
	cfg := &RepoConfig{
		MergeMode: "swarm", OwnershipModel: "solo", BufferBranch: "buffer", PromoteTarget: "main",
		PluginsEnabled: []string{"ghost"},
	}
	plugins := &PluginsConfig{Plugins: []PluginDecl{{Name: "notifier", Trigger: "commit", Actions: []string{"comment"}}}}
	errs := ValidateRepoConfig(cfg, plugins)
	found := false
	for _, e := range errs {
		if e.Field == "plugins_enabled" {
			found = true
		}
	}
	if !found {
		t.Error("expected validation error for plugins_enabled referencing an undeclared plugin")
	}
}

func TestValidatePluginsConfig_MissingActions(t *testing.T) {
	cfg := &PluginsConfig{Plugins: []PluginDecl{{Name: "x", Trigger: "commit"}}}
	errs := ValidatePluginsConfig(cfg)
	found := false
	for _, e := range errs {
		if e.Field == "plugins[0].actions" {
			found = true
		}
	}
	if !found {
		t.Error("expected validation error for missing actions")
	}
}

func TestValidatePluginsConfig_DuplicateName(t *testing.T) {
	cfg := &PluginsConfig{Plugins: []PluginDecl{
		{Name: "dup", Trigger: "commit", Actions: []string{"comment"}},
		{Name: "dup", Trigger: "merge", Actions: []string{"comment"}},
	}}
	errs := ValidatePluginsConfig(cfg)
	found := false
	for _, e := range errs {
		if e.Message == `duplicate plugin name "dup"` {
			found = true
		}
	}
	if !found {
		t.Error("expected validation error for duplicate plugin name")
	}
}

func TestInferTier_GovernanceByTrigger(t *testing.T) {
	if got := InferTier("anything", "gitswarm.consensus.reached", "", ""); got != "governance" {
		t.Errorf("InferTier() = %q, want governance", got)
	}
	if got := InferTier("anything", "gitswarm.council.vote", "", ""); got != "governance" {
		t.Errorf("InferTier() = %q, want governance", got)
	}
}

func TestInferTier_GovernanceByName(t *testing.T) {
	if got := InferTier("karma-fast-track-bot", "commit", "", ""); got != "governance" {
		t.Errorf("InferTier() = %q, want governance", got)
	}
	if got := InferTier("consensus-notifier", "commit", "", ""); got != "governance" {
		t.Errorf("InferTier() = %q, want governance", got)
	}
}

func TestInferTier_AIByEngineOrModel(t *testing.T) {
	if got := InferTier("reviewer", "review_submitted", "subprocess", ""); got != "ai" {
		t.Errorf("InferTier() = %q, want ai (engine set)", got)
	}
	if got := InferTier("reviewer", "review_submitted", "", "gpt-4"); got != "ai" {
		t.Errorf("InferTier() = %q, want ai (model set)", got)
	}
}

func TestInferTier_AIByNameIndicator(t *testing.T) {
	if got := InferTier("claude-reviewer", "review_submitted", "", ""); got != "ai" {
		t.Errorf("InferTier() = %q, want ai", got)
	}
}

func TestInferTier_DefaultsToAutomation(t *testing.T) {
	if got := InferTier("notifier", "stream_created", "", ""); got != "automation" {
		t.Errorf("InferTier() = %q, want automation", got)
	}
}

func TestLocalState_SaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := &LocalState{ServerURL: "https://coordinator.example", AgentID: "agent-1", LastSync: "2026-07-30T00:00:00Z"}
	if err := SaveLocalState(dir, want); err != nil {
		t.Fatalf("SaveLocalState() error: %v", err)
	}
	got, err := LoadLocalState(dir)
	if err != nil {
		t.Fatalf("LoadLocalState() error: %v", err)
	}
	if *got != *want {
		t.Errorf("LoadLocalState() = %+v, want %+v", got, want)
	}
}

func TestLocalState_LoadMissingReturnsZeroValue(t *testing.T) {
	got, err := LoadLocalState(t.TempDir())
	if err != nil {
		t.Fatalf("LoadLocalState() error: %v", err)
	}
	if *got != (LocalState{}) {
		t.Errorf("expected zero-value LocalState, got %+v", got)
	}
}
