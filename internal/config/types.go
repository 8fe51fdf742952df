// Package config implements the repo-embedded YAML configuration layer
// (spec §6: "Configuration discovery from repo-embedded files; the core
// consumes already-parsed configuration structures"). Grounded directly on
// the teacher's internal/config (types.go/loader.go/validate.go), adapted
// from a pipeline-stage schema to GitSwarm's repo/plugin schema.
package config

// RepoConfig is the repo-owned fields of .gitswarm/repo.yaml (spec §6's
// persisted-state layout: "Repo configuration file (yaml). Repo-owned
// fields: merge_mode, consensus_threshold, min_reviews,
// human_review_weight, buffer_branch, promote_target,
// auto_promote_on_green, auto_revert_on_red, stabilize_command,
// plugins_enabled. Booleans normalize from {true, "true", 1} to 1, else 0.
// Numeric fields coerce to Number; non-numeric values are skipped").
type RepoConfig struct {
	MergeMode          string   `yaml:"merge_mode"`
	OwnershipModel     string   `yaml:"ownership_model"`
	ConsensusThreshold any      `yaml:"consensus_threshold"`
	MinReviews         any      `yaml:"min_reviews"`
	HumanReviewWeight  any      `yaml:"human_review_weight"`
	BufferBranch       string   `yaml:"buffer_branch"`
	PromoteTarget      string   `yaml:"promote_target"`
	AutoPromoteOnGreen any      `yaml:"auto_promote_on_green"`
	AutoRevertOnRed    any      `yaml:"auto_revert_on_red"`
	StabilizeCommand   string   `yaml:"stabilize_command"`
	PluginsEnabled     []string `yaml:"plugins_enabled"`
}

// PluginsConfig is .gitswarm/plugins.yaml: the declared automation/ai/
// governance plugins a repo wants the Event Bus to know about (spec §4.8).
type PluginsConfig struct {
	Plugins []PluginDecl `yaml:"plugins"`
}

// PluginDecl mirrors spec §6's plugin schema exactly: {enabled?, trigger,
// conditions?, actions[], safe_outputs{}, engine?, model?, context?,
// risk_rules?} plus the `name`/`rate_rps` fields spec §4.8 assumes but §6
// doesn't enumerate. There is deliberately no `tier` YAML key — tier is
// computed by InferTier, never authored (see loader.go).
type PluginDecl struct {
	Name        string           `yaml:"name"`
	Enabled     any              `yaml:"enabled"`
	Trigger     string           `yaml:"trigger"`
	Conditions  []string         `yaml:"conditions"`
	Actions     []string         `yaml:"actions"`
	SafeOutputs []SafeOutputDecl `yaml:"safe_outputs"`
	Engine      string           `yaml:"engine"`
	Model       string           `yaml:"model"`
	Context     []string         `yaml:"context"`
	RiskRules   []string         `yaml:"risk_rules"`
	RateRPS     float64          `yaml:"rate_rps"`

	// Tier is not read from YAML; LoadPluginsConfig fills it in via
	// InferTier immediately after unmarshaling.
	Tier string `yaml:"-"`
}

type SafeOutputDecl struct {
	Action string   `yaml:"action"`
	Max    int      `yaml:"max"`
	Labels []string `yaml:"labels"`
}

// LocalState is the CLI-local JSON settings file (spec §6: "A JSON config
// file with CLI-local settings (server.url, server.agentId, _lastSync,
// _lastPoll)"). It is distinct from RepoConfig: RepoConfig is committed to
// the repo, LocalState lives in the per-agent data directory.
type LocalState struct {
	ServerURL string `json:"server.url"`
	AgentID   string `json:"server.agentId"`
	LastSync  string `json:"_lastSync"`
	LastPoll  string `json:"_lastPoll"`
}
