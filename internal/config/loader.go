package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/alexngai/gitswarm/internal/pipeline"
)

// RepoConfigFile and PluginsConfigFile are the fixed repo-embedded paths
// spec §6 describes.
const (
	RepoConfigFile    = ".gitswarm/repo.yaml"
	PluginsConfigFile = ".gitswarm/plugins.yaml"
)

// LoadRepoConfig reads and parses .gitswarm/repo.yaml.
func LoadRepoConfig(path string) (*RepoConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading repo config: %w", err)
	}
	var cfg RepoConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing repo config YAML: %w", err)
	}
	return &cfg, nil
}

// LoadPluginsConfig reads and parses .gitswarm/plugins.yaml. A missing file
// is not an error: plugins are optional (spec §4.8 is opt-in per repo).
func LoadPluginsConfig(path string) (*PluginsConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &PluginsConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading plugins config: %w", err)
	}
	var cfg PluginsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing plugins config YAML: %w", err)
	}
	for i := range cfg.Plugins {
		p := &cfg.Plugins[i]
		p.Tier = InferTier(p.Name, p.Trigger, p.Engine, p.Model)
	}
	return &cfg, nil
}

// CoerceBool implements spec §6's "Booleans normalize from {true, \"true\",
// 1} to 1, else 0" rule for the RepoConfig any-typed boolean-ish fields.
func CoerceBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true"
	case int:
		return t == 1
	case float64:
		return t == 1
	default:
		return false
	}
}

// CoerceNumber implements spec §6's "Numeric fields coerce to Number;
// non-numeric values are skipped" rule, returning ok=false (and leaving the
// field at its zero value) rather than failing the whole load.
func CoerceNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// LocalStatePath is where the CLI-local JSON settings file lives, relative
// to the federation's data directory (spec §6: "A JSON config file with
// CLI-local settings").
func LocalStatePath(dataDir string) string {
	return filepath.Join(dataDir, "state.json")
}

// LoadLocalState reads the CLI-local state, returning a zero-value struct
// (not an error) if the file has never been written.
func LoadLocalState(dataDir string) (*LocalState, error) {
	var s LocalState
	path := LocalStatePath(dataDir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &s, nil
	}
	if err := pipeline.ReadJSON(path, &s); err != nil {
		return nil, fmt.Errorf("reading local state: %w", err)
	}
	return &s, nil
}

// SaveLocalState writes the CLI-local state atomically, reusing the
// teacher's WriteJSON/WriteAtomic tempfile-then-rename idiom.
func SaveLocalState(dataDir string, s *LocalState) error {
	return pipeline.WriteJSON(LocalStatePath(dataDir), s)
}
