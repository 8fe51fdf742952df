// Package stream implements the Stream Registry (spec §4.2): the stream
// state machine, dual-write to the git driver + policy tables, and
// parent/child dependency bookkeeping.
package stream

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/alexngai/gitswarm/internal/gitadapter"
	"github.com/alexngai/gitswarm/internal/gserr"
	"github.com/alexngai/gitswarm/internal/gslog"
	"github.com/alexngai/gitswarm/internal/model"
	"github.com/alexngai/gitswarm/internal/policy"
	"github.com/alexngai/gitswarm/internal/store"
	"github.com/rs/zerolog"
)

// AutoMerger lets Commit trigger a swarm-mode auto-merge without the stream
// package importing the merge package directly (spec §9's "narrow interface"
// re-architecture note; wired concretely by internal/federation).
type AutoMerger interface {
	MergeToBuffer(ctx context.Context, streamID, agentID string) error
}

type Registry struct {
	db     store.Backend
	git    *gitadapter.Adapter
	policy *policy.Engine
	log    zerolog.Logger
}

func New(db store.Backend, git *gitadapter.Adapter, policyEngine *policy.Engine, log zerolog.Logger) *Registry {
	return &Registry{db: db, git: git, policy: policyEngine, log: log}
}

// validTransitions encodes spec §3's stream status invariant. Moves out of
// a terminal status are always rejected through this path; MarkReverted
// below is the one documented exception (see DESIGN.md).
var validTransitions = map[model.StreamStatus]map[model.StreamStatus]bool{
	model.StreamActive:   {model.StreamInReview: true, model.StreamAbandoned: true},
	model.StreamInReview: {model.StreamActive: true, model.StreamMerged: true, model.StreamAbandoned: true},
}

func validateTransition(from, to model.StreamStatus) error {
	if allowed, ok := validTransitions[from]; ok && allowed[to] {
		return nil
	}
	return gserr.New(gserr.StateError, "invalid_transition", fmt.Sprintf("%s -> %s", from, to))
}

// CreateOpts mirrors createWorkspace's input (spec §4.2).
type CreateOpts struct {
	Agent     string
	Task      string
	DependsOn string // parent stream id, optional
	Name      string
}

// Create implements createWorkspace. Requires write permission, forks from
// a parent stream if DependsOn is set (else branches from buffer), and
// dual-writes the git branch + the policy-level stream row.
func (r *Registry) Create(ctx context.Context, repo *model.Repository, o CreateOpts) (streamID, worktreePath string, err error) {
	ok, _, err := r.policy.CanPerform(ctx, o.Agent, repo, policy.ActionWrite)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", gserr.New(gserr.PermissionDenied, "insufficient_permissions", "write access required to create a workspace")
	}

	name := o.Name
	if name == "" {
		name = o.Task
	}
	if name == "" {
		name = "stream-" + uuid.NewString()[:8]
	}

	var branch, baseBranch string
	var parentPtr *string
	if o.DependsOn != "" {
		parent, err := r.Get(ctx, o.DependsOn)
		if err != nil {
			return "", "", err
		}
		branch, err = r.git.ForkStream(ctx, name, parent.Branch)
		if err != nil {
			return "", "", err
		}
		baseBranch = parent.Branch
		parentPtr = &o.DependsOn
	} else {
		branch, err = r.git.CreateStream(ctx, name, repo.BufferBranch)
		if err != nil {
			return "", "", err
		}
		baseBranch = repo.BufferBranch
	}

	worktreePath, err = r.git.CreateWorktree(ctx, o.Agent, branch)
	if err != nil {
		return "", "", err
	}

	id := uuid.NewString()
	now := store.NowRFC3339()
	_, err = r.db.Exec(ctx, fmt.Sprintf(`INSERT INTO %s
		(id, repo, owner, branch, base_branch, parent_stream, task, source, status, review_status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`, r.db.Table("streams")),
		id, repo.ID, o.Agent, branch, baseBranch, parentPtr, o.Task, string(model.SourceCLI),
		string(model.StreamActive), string(model.ReviewNone), now, now)
	if err != nil {
		// Dual-write is intentionally not rolled back: git is authoritative
		// for branches (spec §4.2). We still surface visibility loss loudly.
		r.log.Warn().Str("branch", branch).Err(err).Msg("policy-level stream row failed to persist; git branch already created")
		return "", "", fmt.Errorf("insert stream row (git branch %s already created): %w", branch, err)
	}

	return id, worktreePath, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*model.Stream, error) {
	qr, err := r.db.Query(ctx, fmt.Sprintf("SELECT * FROM %s WHERE id = $1", r.db.Table("streams")), id)
	if err != nil {
		return nil, fmt.Errorf("query stream: %w", err)
	}
	if len(qr.Rows) == 0 {
		return nil, gserr.New(gserr.NotFound, "stream_not_found", id)
	}
	return rowToStream(qr.Rows[0]), nil
}

// OwnerOf satisfies review.StreamOwnerLookup.
func (r *Registry) OwnerOf(ctx context.Context, streamID string) (string, error) {
	s, err := r.Get(ctx, streamID)
	if err != nil {
		return "", err
	}
	return s.Owner, nil
}

func (r *Registry) List(ctx context.Context, repoID string, statusFilter model.StreamStatus) ([]model.Stream, error) {
	q := fmt.Sprintf("SELECT * FROM %s WHERE repo = $1", r.db.Table("streams"))
	args := []any{repoID}
	if statusFilter != "" {
		q += " AND status = $2"
		args = append(args, string(statusFilter))
	}
	qr, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query streams: %w", err)
	}
	out := make([]model.Stream, 0, len(qr.Rows))
	for _, row := range qr.Rows {
		out = append(out, *rowToStream(row))
	}
	return out, nil
}

// ChildStreams returns streams whose parent_stream is id (spec §6 Git
// Adapter contract: getChildStreams).
func (r *Registry) ChildStreams(ctx context.Context, id string) ([]model.Stream, error) {
	qr, err := r.db.Query(ctx, fmt.Sprintf("SELECT * FROM %s WHERE parent_stream = $1", r.db.Table("streams")), id)
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	out := make([]model.Stream, 0, len(qr.Rows))
	for _, row := range qr.Rows {
		out = append(out, *rowToStream(row))
	}
	return out, nil
}

// transition performs a validated status update.
func (r *Registry) transition(ctx context.Context, id string, to model.StreamStatus) error {
	s, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := validateTransition(s.Status, to); err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, fmt.Sprintf("UPDATE %s SET status = $1, updated_at = $2 WHERE id = $3", r.db.Table("streams")),
		string(to), store.NowRFC3339(), id)
	return err
}

// SubmitForReview moves active -> in_review.
func (r *Registry) SubmitForReview(ctx context.Context, id string) error {
	if err := r.transition(ctx, id, model.StreamInReview); err != nil {
		return err
	}
	_, err := r.db.Exec(ctx, fmt.Sprintf("UPDATE %s SET review_status = $1 WHERE id = $2", r.db.Table("streams")),
		string(model.ReviewInReview), id)
	return err
}

// Abandon implements spec §4.2: owner or any maintainer may abandon an
// active or in_review stream; terminal streams may not be abandoned.
func (r *Registry) Abandon(ctx context.Context, repo *model.Repository, id, actingAgent string) error {
	s, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if actingAgent != s.Owner {
		ok, _, err := r.policy.CanPerform(ctx, actingAgent, repo, policy.ActionMerge) // maintain/admin
		if err != nil {
			return err
		}
		if !ok {
			return gserr.New(gserr.PermissionDenied, "insufficient_permissions", "only the owner or a maintainer may abandon a stream")
		}
	}
	return r.transition(ctx, id, model.StreamAbandoned)
}

// MarkMerged is called only by the merge orchestrator inside its
// transaction (spec §4.4 step 7c).
func (r *Registry) MarkMerged(ctx context.Context, tx store.Tx, id string) error {
	s, err := r.getTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := validateTransition(s.Status, model.StreamMerged); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, fmt.Sprintf("UPDATE %s SET status = $1, review_status = $2, updated_at = $3 WHERE id = $4", r.db.Table("streams")),
		string(model.StreamMerged), string(model.ReviewApproved), store.NowRFC3339(), id)
	return err
}

// getTx re-reads the stream inside a transaction — used for the optimistic
// "still in_review" guard in spec §4.4 step 7a.
func (r *Registry) getTx(ctx context.Context, tx store.Tx, id string) (*model.Stream, error) {
	qr, err := tx.Query(ctx, fmt.Sprintf("SELECT * FROM %s WHERE id = $1", r.db.Table("streams")), id)
	if err != nil {
		return nil, fmt.Errorf("query stream (tx): %w", err)
	}
	if len(qr.Rows) == 0 {
		return nil, gserr.New(gserr.NotFound, "stream_not_found", id)
	}
	return rowToStream(qr.Rows[0]), nil
}

// AssertStillInReview implements the optimistic-lock re-read spec §4.4 step
// 7a requires; returns concurrent_merge if another writer already moved it.
func (r *Registry) AssertStillInReview(ctx context.Context, tx store.Tx, id string) error {
	s, err := r.getTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if s.Status != model.StreamInReview && !(s.Status == model.StreamActive) {
		return gserr.New(gserr.StateError, "concurrent_merge", id)
	}
	return nil
}

// MarkReverted is the Stabilizer's documented exception to the general
// terminal-status rule (spec §4.5 / S5): it moves a merged stream to
// reverted after the Git Adapter has rolled back its merge commit. This
// bypasses validateTransition deliberately — see DESIGN.md's "Open
// Question Decisions" for why this is treated as a distinct system path
// rather than a generic transition.
func (r *Registry) MarkReverted(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, fmt.Sprintf("UPDATE %s SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4",
		r.db.Table("streams")), string(model.StreamReverted), store.NowRFC3339(), id, string(model.StreamMerged))
	return err
}

// CommitOpts mirrors the commit contract (spec §4.2).
type CommitOpts struct {
	Agent   string
	Message string
	Stream  string
}

// CommitResult mirrors commit's return shape; MergeError is set (not
// returned as err) when a swarm-mode auto-merge attempt fails, per spec:
// "surface merge_error but keep the commit".
type CommitResult struct {
	Commit     string
	ChangeID   string
	Merged     bool
	MergeError error
}

// Commit implements spec §4.2's commit contract.
func (r *Registry) Commit(ctx context.Context, repo *model.Repository, o CommitOpts, merger AutoMerger) (CommitResult, error) {
	s, err := r.Get(ctx, o.Stream)
	if err != nil {
		return CommitResult{}, err
	}
	if s.Status != model.StreamActive {
		return CommitResult{}, gserr.New(gserr.StateError, "cannot_commit_non_active", string(s.Status))
	}

	worktreePath := r.git.WorktreePath(o.Agent)
	commit, changeID, err := r.git.CommitChanges(ctx, worktreePath, o.Message)
	if err != nil {
		return CommitResult{}, err
	}

	now := store.NowRFC3339()
	_, err = r.db.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (stream, agent, commit_hash, change_id, message, created_at) VALUES ($1,$2,$3,$4,$5,$6)",
		r.db.Table("stream_commits")), o.Stream, o.Agent, commit, changeID, o.Message, now)
	if err != nil {
		return CommitResult{}, fmt.Errorf("insert stream_commit: %w", err)
	}

	result := CommitResult{Commit: commit, ChangeID: changeID}
	if repo.MergeMode == model.MergeSwarm && merger != nil {
		if mergeErr := merger.MergeToBuffer(ctx, o.Stream, o.Agent); mergeErr != nil {
			result.MergeError = mergeErr
		} else {
			result.Merged = true
		}
	}
	return result, nil
}

func rowToStream(r store.Row) *model.Stream {
	return &model.Stream{
		ID:           r.Str("id"),
		Repo:         r.Str("repo"),
		Owner:        r.Str("owner"),
		Branch:       r.Str("branch"),
		BaseBranch:   r.Str("base_branch"),
		ParentStream: r.StrPtr("parent_stream"),
		Task:         r.Str("task"),
		Source:       model.StreamSource(r.Str("source")),
		Status:       model.StreamStatus(r.Str("status")),
		ReviewStatus: model.ReviewStatus(r.Str("review_status")),
		CreatedAt:    r.Time("created_at"),
		UpdatedAt:    r.Time("updated_at"),
	}
}
