// Package merge implements the Merge Orchestration operation mergeToBuffer
// (spec §4.4): the 8-step process that moves a stream's branch onto the
// buffer, gated by mode-specific consensus and serialized by the Buffer
// Merge Serializer. Grounded on the teacher's internal/orchestrator.runMerge
// (checkout/merge/conflict-abort idiom) and internal/triage's
// acquireAdvanceLock-then-transact shape, already reused by bufferlock.
package merge

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/alexngai/gitswarm/internal/bufferlock"
	"github.com/alexngai/gitswarm/internal/gitadapter"
	"github.com/alexngai/gitswarm/internal/gserr"
	"github.com/alexngai/gitswarm/internal/model"
	"github.com/alexngai/gitswarm/internal/policy"
	"github.com/alexngai/gitswarm/internal/store"
	"github.com/alexngai/gitswarm/internal/stream"
)

// RemoteClient is the narrow slice of the sync protocol the orchestrator
// needs for gated/review-mode server consensus (spec §4.4 steps 4 and 6).
// A nil RemoteClient means "no remote configured", which is the common case
// for a solo local repo. Connected and Reachable are deliberately distinct:
// Connected answers "was a coordinator ever configured" (step 5 applies
// when false), Reachable answers "is it responding right now" (a connected
// but currently-unreachable coordinator still requires step 4's queue-and-
// fail path, never step 5's local bypass — spec §4.4 step 4's "do not
// locally bypass").
type RemoteClient interface {
	RequestMerge(ctx context.Context, repoID, streamID string) (approved bool, bufferBranch string, err error)
	FlushQueue(ctx context.Context) (failedTypes []string, err error)
	CheckConsensusRemote(ctx context.Context, repoID, streamID string) (policy.ConsensusResult, error)
	Enqueue(ctx context.Context, eventType string, payloadJSON string) error
	Connected() bool
	Reachable() bool
}

// EventEmitter narrows the step-8 event side effect to an interface so
// tests can run without a real event bus wired up.
type EventEmitter interface {
	Emit(ctx context.Context, eventType string, payload map[string]any)
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, string, map[string]any) {}

// Orchestrator implements stream.AutoMerger and the standalone `gitswarm
// merge` CLI path.
type Orchestrator struct {
	db      store.Backend
	git     *gitadapter.Adapter
	policy  *policy.Engine
	streams *stream.Registry
	repos   *policy.RepoStore
	lock    *bufferlock.Serializer
	remote  RemoteClient // nil when no coordinator is configured
	events  EventEmitter
	log     zerolog.Logger
}

func New(db store.Backend, git *gitadapter.Adapter, policyEngine *policy.Engine, streams *stream.Registry,
	repos *policy.RepoStore, lock *bufferlock.Serializer, remote RemoteClient, events EventEmitter, log zerolog.Logger) *Orchestrator {
	if events == nil {
		events = noopEmitter{}
	}
	return &Orchestrator{db: db, git: git, policy: policyEngine, streams: streams, repos: repos, lock: lock, remote: remote, events: events, log: log}
}

// MergeToBuffer implements spec §4.4's mergeToBuffer(stream, agent) and
// satisfies stream.AutoMerger.
func (o *Orchestrator) MergeToBuffer(ctx context.Context, streamID, agentID string) error {
	// Step 1: load repo, determine mode.
	repo, err := o.repos.Sole(ctx)
	if err != nil {
		return err
	}
	s, err := o.streams.Get(ctx, streamID)
	if err != nil {
		return err
	}

	// Step 2: parent-dependency check.
	if s.ParentStream != nil {
		parent, err := o.streams.Get(ctx, *s.ParentStream)
		if err != nil {
			return err
		}
		if parent.Status != model.StreamMerged {
			return gserr.New(gserr.StateError, "parent_not_merged", *s.ParentStream)
		}
	}

	// Step 3: stream-status check.
	if s.Status != model.StreamInReview && !(repo.MergeMode == model.MergeSwarm && s.Status == model.StreamActive) {
		return gserr.New(gserr.StateError, "invalid_transition", fmt.Sprintf("stream %s is %s, not eligible for merge", streamID, s.Status))
	}

	bufferBranch := repo.BufferBranch
	if err := o.evaluateGate(ctx, repo, s, agentID, &bufferBranch); err != nil {
		return err
	}

	release, err := o.lock.MustAcquire(agentID)
	if err != nil {
		return err
	}
	defer release()

	mergeCommit, err := o.runMergeTransaction(ctx, repo, s, agentID, bufferBranch)
	if err != nil {
		return err
	}

	o.afterMerge(ctx, repo, s, agentID, mergeCommit)
	return nil
}

// evaluateGate implements steps 4-6: mode-specific gating and consensus.
func (o *Orchestrator) evaluateGate(ctx context.Context, repo *model.Repository, s *model.Stream, agentID string, bufferBranch *string) error {
	switch repo.MergeMode {
	case model.MergeSwarm:
		return nil // swarm mode auto-merges; no gate (spec §4.1/§4.4).

	case model.MergeGated:
		if o.remote == nil || !o.remote.Connected() {
			// Step 5: mode gated, no coordinator ever configured — require
			// maintainer level locally.
			ok, _, err := o.policy.CanPerform(ctx, agentID, repo, policy.ActionMerge)
			if err != nil {
				return err
			}
			if !ok {
				return gserr.New(gserr.PermissionDenied, "insufficient_permissions", "gated merge without a configured coordinator requires maintainer level")
			}
			return nil
		}

		if !o.remote.Reachable() {
			// A coordinator is configured but not responding right now.
			// Step 4 requires queue-and-fail, never a local bypass.
			_ = o.remote.Enqueue(ctx, "merge_requested", mergeRequestPayload(repo.ID, s.ID, agentID))
			return gserr.New(gserr.Network, "server_unavailable_for_gated", "coordinator configured but unreachable")
		}

		// Step 4: mode gated with a reachable remote.
		approved, bb, err := o.remote.RequestMerge(ctx, repo.ID, s.ID)
		if err != nil {
			_ = o.remote.Enqueue(ctx, "merge_requested", mergeRequestPayload(repo.ID, s.ID, agentID))
			return gserr.New(gserr.Network, "server_unavailable_for_gated", err.Error())
		}
		if !approved {
			return gserr.New(gserr.ConsensusError, "gated_merge_not_approved", s.ID)
		}
		if bb != "" {
			*bufferBranch = bb
		}
		return nil

	default: // model.MergeReview
		return o.evaluateConsensus(ctx, repo, s)
	}
}

// evaluateConsensus implements step 6.
func (o *Orchestrator) evaluateConsensus(ctx context.Context, repo *model.Repository, s *model.Stream) error {
	if repo.ConsensusAuthority == model.AuthorityServer && o.remote != nil {
		failedTypes, err := o.remote.FlushQueue(ctx)
		if err != nil {
			return gserr.New(gserr.Network, "flush_failed", err.Error())
		}
		for _, t := range failedTypes {
			if t == "review" || t == "submit_review" {
				return gserr.New(gserr.ConsensusError, "review_sync_pending", "unflushed review-critical events remain queued; retry once they sync")
			}
		}
		if !o.remote.Reachable() {
			_ = o.remote.Enqueue(ctx, "merge_requested", mergeRequestPayload(repo.ID, s.ID, s.Owner))
			return gserr.New(gserr.Network, "server_unavailable", "consensus_authority is server but the coordinator is unreachable")
		}
		result, err := o.remote.CheckConsensusRemote(ctx, repo.ID, s.ID)
		if err != nil {
			_ = o.remote.Enqueue(ctx, "merge_requested", mergeRequestPayload(repo.ID, s.ID, s.Owner))
			return gserr.New(gserr.Network, "server_unavailable", err.Error())
		}
		if !result.Reached {
			return gserr.New(gserr.ConsensusError, "consensus_not_reached", result.Reason)
		}
		return nil
	}

	result, err := o.policy.CheckConsensus(ctx, repo, s.ID)
	if err != nil {
		return err
	}
	if !result.Reached {
		return gserr.New(gserr.ConsensusError, "consensus_not_reached", result.Reason)
	}
	return nil
}

// runMergeTransaction implements step 7: the lock is already held by the
// caller; this re-reads the stream, performs the git merge, and commits the
// status transition and Merge Record atomically.
func (o *Orchestrator) runMergeTransaction(ctx context.Context, repo *model.Repository, s *model.Stream, agentID, bufferBranch string) (mergeCommit string, err error) {
	tx, err := o.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin merge tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// 7a: optimistic re-read.
	if err = o.streams.AssertStillInReview(ctx, tx, s.ID); err != nil {
		return "", err
	}

	// 7b: checkout buffer, merge --no-ff.
	if err = o.git.Checkout(ctx, bufferBranch); err != nil {
		return "", err
	}
	mergeCommit, mergeErr := o.git.MergeNoFF(ctx, s.Branch, fmt.Sprintf("merge stream %s (%s)", s.Task, s.ID))
	if mergeErr != nil {
		err = gserr.Wrap(gserr.GitError, "merge_conflict", mergeErr)
		return "", err
	}

	// 7c: stream status transition.
	if err = o.streams.MarkMerged(ctx, tx, s.ID); err != nil {
		return "", err
	}

	// 7d: Merge Record.
	if _, err = tx.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (repo, stream, agent, merge_commit, target_branch, merged_at) VALUES ($1,$2,$3,$4,$5,$6)",
		o.db.Table("merges")), repo.ID, s.ID, agentID, mergeCommit, bufferBranch, store.NowRFC3339()); err != nil {
		return "", fmt.Errorf("insert merge record: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return "", fmt.Errorf("commit merge tx: %w", err)
	}
	return mergeCommit, nil
}

// afterMerge implements step 8: all side effects that happen outside the
// transaction and must not roll back the merge itself if they fail.
func (o *Orchestrator) afterMerge(ctx context.Context, repo *model.Repository, s *model.Stream, agentID, mergeCommit string) {
	if err := o.repos.RecomputeCounters(ctx, repo.ID); err != nil {
		o.log.Warn().Err(err).Str("repo", repo.ID).Msg("failed to recompute repo counters after merge")
	}

	if _, err := o.db.Exec(ctx, fmt.Sprintf("INSERT INTO %s (repo, kind, metadata, at) VALUES ($1,$2,$3,$4)", o.db.Table("activity_log")),
		repo.ID, "stream_merged", fmt.Sprintf(`{"stream":%q,"agent":%q,"commit":%q}`, s.ID, agentID, mergeCommit), store.NowRFC3339()); err != nil {
		o.log.Warn().Err(err).Msg("failed to log merge activity")
	}

	if o.remote != nil {
		if err := o.remote.Enqueue(ctx, "syncMergeCompleted", mergeCompletedPayload(repo.ID, s.ID, agentID, mergeCommit)); err != nil {
			o.log.Warn().Err(err).Msg("failed to queue syncMergeCompleted")
		}
	}

	o.events.Emit(ctx, "stream_merged", map[string]any{
		"repo": repo.ID, "stream": s.ID, "agent": agentID, "commit": mergeCommit,
	})
}

func mergeRequestPayload(repoID, streamID, agentID string) string {
	return fmt.Sprintf(`{"repo":%q,"stream":%q,"agent":%q}`, repoID, streamID, agentID)
}

func mergeCompletedPayload(repoID, streamID, agentID, commit string) string {
	return fmt.Sprintf(`{"repo":%q,"stream":%q,"agent":%q,"merge_commit":%q}`, repoID, streamID, agentID, commit)
}
