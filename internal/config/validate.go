package config

import "fmt"

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var validMergeModes = map[string]bool{"swarm": true, "review": true, "gated": true}
var validOwnershipModels = map[string]bool{"solo": true, "guild": true, "open": true}

// ValidateRepoConfig checks a RepoConfig for the enum and reference errors
// spec §3/§4 fix: merge_mode and ownership_model are closed vocabularies,
// and plugins_enabled entries must name a plugin the plugins config
// actually declares.
func ValidateRepoConfig(cfg *RepoConfig, plugins *PluginsConfig) []ValidationError {
	var errs []ValidationError

	if cfg.MergeMode == "" {
		errs = append(errs, ValidationError{Field: "merge_mode", Message: "is required"})
	} else if !validMergeModes[cfg.MergeMode] {
		errs = append(errs, ValidationError{Field: "merge_mode", Message: fmt.Sprintf("unrecognized mode %q", cfg.MergeMode)})
	}

	if cfg.OwnershipModel == "" {
		errs = append(errs, ValidationError{Field: "ownership_model", Message: "is required"})
	} else if !validOwnershipModels[cfg.OwnershipModel] {
		errs = append(errs, ValidationError{Field: "ownership_model", Message: fmt.Sprintf("unrecognized model %q", cfg.OwnershipModel)})
	}

	if cfg.BufferBranch == "" {
		errs = append(errs, ValidationError{Field: "buffer_branch", Message: "is required"})
	}
	if cfg.PromoteTarget == "" {
		errs = append(errs, ValidationError{Field: "promote_target", Message: "is required"})
	}

	if _, ok := CoerceNumber(cfg.ConsensusThreshold); cfg.ConsensusThreshold != nil && !ok {
		errs = append(errs, ValidationError{Field: "consensus_threshold", Message: "not numeric, skipped"})
	}
	if _, ok := CoerceNumber(cfg.MinReviews); cfg.MinReviews != nil && !ok {
		errs = append(errs, ValidationError{Field: "min_reviews", Message: "not numeric, skipped"})
	}
	if _, ok := CoerceNumber(cfg.HumanReviewWeight); cfg.HumanReviewWeight != nil && !ok {
		errs = append(errs, ValidationError{Field: "human_review_weight", Message: "not numeric, skipped"})
	}

	if plugins != nil {
		declared := make(map[string]bool, len(plugins.Plugins))
		for _, p := range plugins.Plugins {
			declared[p.Name] = true
		}
		for _, name := range cfg.PluginsEnabled {
			if !declared[name] {
				errs = append(errs, ValidationError{
					Field:   "plugins_enabled",
					Message: fmt.Sprintf("references undeclared plugin %q", name),
				})
			}
		}
	}

	return errs
}

// ValidatePluginsConfig checks required fields on each declared plugin.
// Tier is computed by InferTier at load time (spec §6), never authored, so
// there is nothing to validate about it here.
func ValidatePluginsConfig(cfg *PluginsConfig) []ValidationError {
	var errs []ValidationError
	seen := make(map[string]bool)
	for i, p := range cfg.Plugins {
		prefix := fmt.Sprintf("plugins[%d]", i)
		if p.Name == "" {
			errs = append(errs, ValidationError{Field: prefix + ".name", Message: "is required"})
		} else if seen[p.Name] {
			errs = append(errs, ValidationError{Field: prefix + ".name", Message: fmt.Sprintf("duplicate plugin name %q", p.Name)})
		}
		seen[p.Name] = true
		if p.Trigger == "" {
			errs = append(errs, ValidationError{Field: prefix + ".trigger", Message: "is required"})
		}
		if len(p.Actions) == 0 {
			errs = append(errs, ValidationError{Field: prefix + ".actions", Message: "at least one action is required"})
		}
	}
	return errs
}
