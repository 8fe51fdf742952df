package config

import "strings"

// aiIndicators are the name/trigger substrings spec §6's tier-inference
// rule treats as "matches AI indicators" when no engine/model is set.
var aiIndicators = []string{"ai", "llm", "claude", "gpt", "copilot", "agent"}

// InferTier implements spec §6's plugin tier-inference rule exactly:
// governance if trigger contains "gitswarm.consensus" or "gitswarm.council",
// or name contains "consensus"/"karma-fast-track"; else ai if engine or
// model is set, or name/trigger matches an AI indicator; else automation.
func InferTier(name, trigger, engine, model string) string {
	lname, ltrigger := strings.ToLower(name), strings.ToLower(trigger)

	if strings.Contains(ltrigger, "gitswarm.consensus") || strings.Contains(ltrigger, "gitswarm.council") ||
		strings.Contains(lname, "consensus") || strings.Contains(lname, "karma-fast-track") {
		return "governance"
	}

	if engine != "" || model != "" {
		return "ai"
	}
	for _, ind := range aiIndicators {
		if strings.Contains(lname, ind) || strings.Contains(ltrigger, ind) {
			return "ai"
		}
	}

	return "automation"
}
