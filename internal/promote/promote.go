// Package promote implements the Promoter (spec §4.6): fast-forwarding the
// promote_target branch from a stabilized source and restoring the working
// copy to buffer afterward. Grounded on the teacher's
// internal/orchestrator.go's checkout/merge/restore sequencing, reused
// already by internal/merge.
package promote

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/alexngai/gitswarm/internal/gitadapter"
	"github.com/alexngai/gitswarm/internal/gserr"
	"github.com/alexngai/gitswarm/internal/model"
	"github.com/alexngai/gitswarm/internal/policy"
	"github.com/alexngai/gitswarm/internal/store"
)

type EventEmitter interface {
	Emit(ctx context.Context, eventType string, payload map[string]any)
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, string, map[string]any) {}

// Promoter runs promote({tag?}) (spec §4.6).
type Promoter struct {
	db     store.Backend
	git    *gitadapter.Adapter
	policy *policy.Engine
	repos  *policy.RepoStore
	events EventEmitter
	log    zerolog.Logger
}

func New(db store.Backend, git *gitadapter.Adapter, policyEngine *policy.Engine, repos *policy.RepoStore, events EventEmitter, log zerolog.Logger) *Promoter {
	if events == nil {
		events = noopEmitter{}
	}
	return &Promoter{db: db, git: git, policy: policyEngine, repos: repos, events: events, log: log}
}

// Promote implements spec §4.6. source is a tag or branch ref; agentID
// "system" marks a service-invoked (auto) promotion and bypasses the
// maintainer check, matching spec's "auto-promotion... is service-invoked."
func (p *Promoter) Promote(ctx context.Context, source string, agentID string) error {
	repo, err := p.repos.Sole(ctx)
	if err != nil {
		return err
	}

	trigger := model.TriggerManual
	if agentID == "system" {
		trigger = model.TriggerAuto
	} else {
		ok, _, err := p.policy.CanPerform(ctx, agentID, repo, policy.ActionMerge)
		if err != nil {
			return err
		}
		if !ok {
			return gserr.New(gserr.PermissionDenied, "insufficient_permissions", "manual promotion requires maintainer level")
		}
	}

	fromCommit, err := p.git.RevParse(ctx, repo.PromoteTarget)
	if err != nil {
		return err
	}

	if err := p.git.Checkout(ctx, repo.PromoteTarget); err != nil {
		return err
	}
	toCommit, mergeErr := p.git.MergeFFOnly(ctx, source)
	if mergeErr != nil {
		// Restore the working copy to buffer even on failure, then surface
		// the original error (spec §4.6: "On failure, attempt to restore...
		// and surface the error").
		if restoreErr := p.git.Checkout(ctx, repo.BufferBranch); restoreErr != nil {
			p.log.Warn().Err(restoreErr).Msg("failed to restore working copy to buffer after a failed promotion")
		}
		return mergeErr
	}

	if err := p.git.Checkout(ctx, repo.BufferBranch); err != nil {
		p.log.Warn().Err(err).Msg("promotion succeeded but failed to restore the working copy to buffer")
	}

	if _, err := p.db.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (repo, from_branch, to_branch, from_commit, to_commit, triggered_by, agent, at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)",
		p.db.Table("promotions")),
		repo.ID, repo.BufferBranch, repo.PromoteTarget, fromCommit, toCommit, string(trigger), agentID, store.NowRFC3339()); err != nil {
		p.log.Warn().Err(err).Msg("failed to record promotion")
	}

	p.events.Emit(ctx, "promote", map[string]any{"repo": repo.ID, "source": source, "to_commit": toCommit, "triggered_by": string(trigger)})
	return nil
}
