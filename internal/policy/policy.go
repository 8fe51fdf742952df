package policy

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/alexngai/gitswarm/internal/gserr"
	"github.com/alexngai/gitswarm/internal/model"
)

func nowUTC() time.Time { return time.Now().UTC() }

// Engine implements resolvePermissions / canPerform / canPushToBranch /
// checkConsensus (spec §4.1).
type Engine struct {
	repos   *RepoStore
	agents  AgentLookup
	reviews ReviewLookup
}

// AgentLookup is the narrow slice of agent.Store the Policy Engine needs,
// kept as an interface per spec §9's "narrow interface" re-architecture note.
type AgentLookup interface {
	Get(ctx context.Context, id string) (*model.Agent, error)
}

// ReviewLookup is the narrow slice of review.Book the Policy Engine needs.
type ReviewLookup interface {
	ListForStream(ctx context.Context, streamID string) ([]model.Review, error)
}

func NewEngine(repos *RepoStore, agents AgentLookup, reviews ReviewLookup) *Engine {
	return &Engine{repos: repos, agents: agents, reviews: reviews}
}

// PermissionResult is resolvePermissions' return shape.
type PermissionResult struct {
	Level       model.AccessLevel
	Source      string // "explicit_grant" | "maintainer" | "access_mode"
	Diagnostics string
}

// ResolvePermissions implements spec §4.1's three-step short-circuiting
// resolution order.
func (e *Engine) ResolvePermissions(ctx context.Context, agentID string, repo *model.Repository) (PermissionResult, error) {
	if _, err := e.agents.Get(ctx, agentID); err != nil {
		return PermissionResult{}, gserr.New(gserr.NotFound, "agent_not_found", agentID)
	}

	if grant, err := e.repos.GetGrant(ctx, repo.ID, agentID); err != nil {
		return PermissionResult{}, err
	} else if grant != nil {
		return PermissionResult{Level: grant.Level, Source: "explicit_grant"}, nil
	}

	if m, err := e.repos.GetMaintainer(ctx, repo.ID, agentID); err != nil {
		return PermissionResult{}, err
	} else if m != nil {
		if m.Role == model.RoleOwner {
			return PermissionResult{Level: model.AccessAdmin, Source: "maintainer"}, nil
		}
		return PermissionResult{Level: model.AccessMaintain, Source: "maintainer"}, nil
	}

	switch repo.AccessMode {
	case model.AccessModePublic:
		return PermissionResult{Level: model.AccessWrite, Source: "access_mode"}, nil
	case model.AccessModeKarmaThresh:
		a, err := e.agents.Get(ctx, agentID)
		if err != nil {
			return PermissionResult{}, err
		}
		if a.Karma >= repo.MinKarma {
			return PermissionResult{Level: model.AccessWrite, Source: "access_mode"}, nil
		}
		if repo.Private {
			return PermissionResult{Level: model.AccessNone, Source: "access_mode"}, nil
		}
		return PermissionResult{Level: model.AccessRead, Source: "access_mode"}, nil
	case model.AccessModeAllowlist:
		return PermissionResult{Level: model.AccessNone, Source: "access_mode", Diagnostics: "allowlist repo: grants are the only path"}, nil
	default:
		if repo.Private {
			return PermissionResult{Level: model.AccessNone, Source: "access_mode"}, nil
		}
		return PermissionResult{Level: model.AccessRead, Source: "access_mode"}, nil
	}
}

// Action is one of the operations canPerform maps to a minimum level.
type Action string

const (
	ActionRead     Action = "read"
	ActionWrite    Action = "write"
	ActionMerge    Action = "merge"
	ActionSettings Action = "settings"
	ActionDelete   Action = "delete"
)

var actionMinLevels = map[Action][]model.AccessLevel{
	ActionRead:     {model.AccessRead, model.AccessWrite, model.AccessMaintain, model.AccessAdmin},
	ActionWrite:    {model.AccessWrite, model.AccessMaintain, model.AccessAdmin},
	ActionMerge:    {model.AccessMaintain, model.AccessAdmin},
	ActionSettings: {model.AccessAdmin},
	ActionDelete:   {model.AccessAdmin},
}

// CanPerform resolves permissions then checks the level against the action's
// minimum-level set (spec §4.1 canPerform).
func (e *Engine) CanPerform(ctx context.Context, agentID string, repo *model.Repository, action Action) (bool, PermissionResult, error) {
	res, err := e.ResolvePermissions(ctx, agentID, repo)
	if err != nil {
		return false, PermissionResult{}, err
	}
	levels, ok := actionMinLevels[action]
	if !ok {
		return false, res, gserr.New(gserr.Validation, "unknown_action", string(action))
	}
	for _, lvl := range levels {
		if res.Level == lvl {
			return true, res, nil
		}
	}
	return false, res, nil
}

// CompilePattern turns a branch pattern into a matcher per spec §4.1:
// "*" matches all, a pattern with no "*" is an exact match, else the
// pattern is anchored start-to-end with "*" -> ".*" and all other regex
// metacharacters in the literal parts escaped.
//
// Grounded on the teacher's sanitizeBranch regexp idiom in
// internal/worktree/worktree.go, generalized from "strip invalid chars"
// to "compile a glob into an anchored regex".
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "*" {
		return regexp.MustCompile(`^.*$`), nil
	}
	if !strings.Contains(pattern, "*") {
		return regexp.MustCompile("^" + regexp.QuoteMeta(pattern) + "$"), nil
	}
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile("^" + strings.Join(parts, ".*") + "$")
}

// MatchesBranchPattern reports whether branch b matches pattern.
func MatchesBranchPattern(b, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return b == pattern
	}
	re, err := CompilePattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(b)
}

// CanPushToBranch implements spec §4.1 canPushToBranch: iterate branch
// rules priority-desc, first match decides; evaluate direct_push against
// the agent's resolved level.
func (e *Engine) CanPushToBranch(ctx context.Context, agentID string, repo *model.Repository, branch string) (bool, error) {
	rules, err := e.repos.ListBranchRules(ctx, repo.ID)
	if err != nil {
		return false, err
	}
	perm, err := e.ResolvePermissions(ctx, agentID, repo)
	if err != nil {
		return false, err
	}
	for _, rule := range rules {
		if MatchesBranchPattern(branch, rule.Pattern) {
			return levelSatisfiesDirectPush(perm.Level, rule.DirectPush), nil
		}
	}
	// No matching rule: fall back to plain write permission.
	return perm.Level == model.AccessWrite || perm.Level == model.AccessMaintain || perm.Level == model.AccessAdmin, nil
}

func levelSatisfiesDirectPush(level model.AccessLevel, dp model.DirectPush) bool {
	switch dp {
	case model.DirectPushAll:
		return level == model.AccessWrite || level == model.AccessMaintain || level == model.AccessAdmin
	case model.DirectPushMaintainers:
		return level == model.AccessMaintain || level == model.AccessAdmin
	default: // none
		return false
	}
}
