// Package policy implements the Policy Engine (spec §4.1): permission
// resolution, branch-rule matching, and consensus evaluation, plus the
// Repository/Maintainer/ExplicitGrant/BranchRule tables it reads.
package policy

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/alexngai/gitswarm/internal/gserr"
	"github.com/alexngai/gitswarm/internal/model"
	"github.com/alexngai/gitswarm/internal/store"
)

// RepoStore owns the Repository row and its policy-adjacent tables
// (Maintainer, ExplicitGrant, BranchRule).
type RepoStore struct {
	db store.Backend
}

func NewRepoStore(db store.Backend) *RepoStore { return &RepoStore{db: db} }

// InitOpts mirrors the `gitswarm init` flags (spec §6 CLI surface).
type InitOpts struct {
	DisplayName      string
	MergeMode        model.MergeMode
	OwnershipModel   model.OwnershipModel
	ConsensusThresh  float64
	MinReviews       int
	BufferBranch     string
	PromoteTarget    string
	StabilizeCommand string
}

// Init creates the single per-federation Repository row (spec §3: "one per
// federation").
func (s *RepoStore) Init(ctx context.Context, o InitOpts) (*model.Repository, error) {
	if o.MergeMode == "" {
		o.MergeMode = model.MergeReview
	}
	if o.OwnershipModel == "" {
		o.OwnershipModel = model.OwnershipGuild
	}
	if o.ConsensusThresh == 0 {
		o.ConsensusThresh = 0.6
	}
	if o.MinReviews == 0 {
		o.MinReviews = 1
	}
	if o.BufferBranch == "" {
		o.BufferBranch = "buffer"
	}
	if o.PromoteTarget == "" {
		o.PromoteTarget = "main"
	}

	id := uuid.NewString()
	_, err := s.db.Exec(ctx, fmt.Sprintf(`INSERT INTO %s
		(id, display_name, ownership_model, merge_mode, consensus_threshold, min_reviews,
		 human_review_weight, buffer_branch, promote_target, stabilize_command,
		 auto_promote_on_green, auto_revert_on_red, consensus_authority, access_mode,
		 min_karma, private, stage, contributor_count, patch_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		s.db.Table("repos")),
		id, o.DisplayName, string(o.OwnershipModel), string(o.MergeMode), o.ConsensusThresh, o.MinReviews,
		1.5, o.BufferBranch, o.PromoteTarget, o.StabilizeCommand,
		0, 0, string(model.AuthorityLocal), string(model.AccessModeDefaultClosed),
		0, 0, string(model.StageSeed), 0, 0)
	if err != nil {
		return nil, fmt.Errorf("insert repo: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *RepoStore) Get(ctx context.Context, id string) (*model.Repository, error) {
	qr, err := s.db.Query(ctx, fmt.Sprintf("SELECT * FROM %s WHERE id = $1", s.db.Table("repos")), id)
	if err != nil {
		return nil, fmt.Errorf("query repo: %w", err)
	}
	if len(qr.Rows) == 0 {
		return nil, gserr.New(gserr.NotFound, "repo_not_found", id)
	}
	return rowToRepo(qr.Rows[0]), nil
}

// Sole returns the single repo row for this federation (there is exactly
// one per spec §3), the common case a single-repo CLI process calls.
func (s *RepoStore) Sole(ctx context.Context) (*model.Repository, error) {
	qr, err := s.db.Query(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 1", s.db.Table("repos")))
	if err != nil {
		return nil, fmt.Errorf("query repo: %w", err)
	}
	if len(qr.Rows) == 0 {
		return nil, gserr.New(gserr.NotFound, "repo_not_found", "no repository initialized")
	}
	return rowToRepo(qr.Rows[0]), nil
}

func (s *RepoStore) SetConsensusAuthority(ctx context.Context, repoID string, authority model.ConsensusAuthority) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf("UPDATE %s SET consensus_authority = $1 WHERE id = $2", s.db.Table("repos")), string(authority), repoID)
	return err
}

// RecomputeCounters recomputes contributor_count/patch_count from the
// streams table (spec §4.4 step 8), grounded on the teacher's "recompute
// from source of truth" idiom rather than a running counter prone to drift.
func (s *RepoStore) RecomputeCounters(ctx context.Context, repoID string) error {
	qr, err := s.db.Query(ctx, fmt.Sprintf(
		"SELECT COUNT(DISTINCT owner) AS contributors, COUNT(*) AS patches FROM %s WHERE repo = $1 AND status = 'merged'",
		s.db.Table("streams")), repoID)
	if err != nil {
		return fmt.Errorf("compute counters: %w", err)
	}
	contributors, patches := 0, 0
	if len(qr.Rows) == 1 {
		contributors = qr.Rows[0].Int("contributors")
		patches = qr.Rows[0].Int("patches")
	}
	_, err = s.db.Exec(ctx, fmt.Sprintf("UPDATE %s SET contributor_count = $1, patch_count = $2 WHERE id = $3", s.db.Table("repos")),
		contributors, patches, repoID)
	return err
}

func (s *RepoStore) SetStage(ctx context.Context, repoID string, stage model.RepoStage) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf("UPDATE %s SET stage = $1 WHERE id = $2", s.db.Table("repos")), string(stage), repoID)
	return err
}

func rowToRepo(r store.Row) *model.Repository {
	return &model.Repository{
		ID:                 r.Str("id"),
		DisplayName:        r.Str("display_name"),
		OwnershipModel:     model.OwnershipModel(r.Str("ownership_model")),
		MergeMode:          model.MergeMode(r.Str("merge_mode")),
		ConsensusThreshold: r.Float("consensus_threshold"),
		MinReviews:         r.Int("min_reviews"),
		HumanReviewWeight:  r.Float("human_review_weight"),
		BufferBranch:       r.Str("buffer_branch"),
		PromoteTarget:      r.Str("promote_target"),
		StabilizeCommand:   r.Str("stabilize_command"),
		AutoPromoteOnGreen: r.Bool("auto_promote_on_green"),
		AutoRevertOnRed:    r.Bool("auto_revert_on_red"),
		ConsensusAuthority: model.ConsensusAuthority(r.Str("consensus_authority")),
		AccessMode:         model.RepoAccessMode(r.Str("access_mode")),
		MinKarma:           r.Int("min_karma"),
		Private:            r.Bool("private"),
		Stage:              model.RepoStage(r.Str("stage")),
		ContributorCount:   r.Int("contributor_count"),
		PatchCount:         r.Int("patch_count"),
	}
}

// --- Maintainers ---

func (s *RepoStore) AddMaintainer(ctx context.Context, repoID, agentID string, role model.MaintainerRole) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (repo, agent, role) VALUES ($1,$2,$3) ON CONFLICT(repo, agent) DO UPDATE SET role = excluded.role",
		s.db.Table("maintainers")), repoID, agentID, string(role))
	return err
}

func (s *RepoStore) GetMaintainer(ctx context.Context, repoID, agentID string) (*model.Maintainer, error) {
	qr, err := s.db.Query(ctx, fmt.Sprintf("SELECT * FROM %s WHERE repo = $1 AND agent = $2", s.db.Table("maintainers")), repoID, agentID)
	if err != nil {
		return nil, err
	}
	if len(qr.Rows) == 0 {
		return nil, nil
	}
	r := qr.Rows[0]
	return &model.Maintainer{Repo: r.Str("repo"), Agent: r.Str("agent"), Role: model.MaintainerRole(r.Str("role"))}, nil
}

// --- Explicit grants ---

func (s *RepoStore) SetGrant(ctx context.Context, g model.ExplicitGrant) error {
	var expires any
	if g.ExpiresAt != nil {
		expires = g.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	_, err := s.db.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (repo, agent, access_level, expires_at) VALUES ($1,$2,$3,$4)
		 ON CONFLICT(repo, agent) DO UPDATE SET access_level = excluded.access_level, expires_at = excluded.expires_at`,
		s.db.Table("explicit_grants")), g.Repo, g.Agent, string(g.Level), expires)
	return err
}

// GetGrant returns the grant for (repo, agent), lazily deleting it first if
// expired (spec §3: "Auto-expires lazily on read").
func (s *RepoStore) GetGrant(ctx context.Context, repoID, agentID string) (*model.ExplicitGrant, error) {
	qr, err := s.db.Query(ctx, fmt.Sprintf("SELECT * FROM %s WHERE repo = $1 AND agent = $2", s.db.Table("explicit_grants")), repoID, agentID)
	if err != nil {
		return nil, err
	}
	if len(qr.Rows) == 0 {
		return nil, nil
	}
	r := qr.Rows[0]
	g := &model.ExplicitGrant{Repo: r.Str("repo"), Agent: r.Str("agent"), Level: model.AccessLevel(r.Str("access_level"))}
	if exp := r.Str("expires_at"); exp != "" {
		t := r.Time("expires_at")
		g.ExpiresAt = &t
		if !t.IsZero() && t.Before(nowUTC()) {
			_, _ = s.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE repo = $1 AND agent = $2", s.db.Table("explicit_grants")), repoID, agentID)
			return nil, nil
		}
	}
	return g, nil
}

// --- Branch rules ---

func (s *RepoStore) AddBranchRule(ctx context.Context, r model.BranchRule) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (repo, branch_pattern, priority, direct_push, required_approvals, require_tests_pass) VALUES ($1,$2,$3,$4,$5,$6)",
		s.db.Table("branch_rules")), r.Repo, r.Pattern, r.Priority, string(r.DirectPush), r.RequiredApprovals, r.RequireTestsPass)
	return err
}

// ListBranchRules returns rules ordered priority-desc, first-match order
// (spec §4.1 canPushToBranch).
func (s *RepoStore) ListBranchRules(ctx context.Context, repoID string) ([]model.BranchRule, error) {
	qr, err := s.db.Query(ctx, fmt.Sprintf("SELECT * FROM %s WHERE repo = $1 ORDER BY priority DESC", s.db.Table("branch_rules")), repoID)
	if err != nil {
		return nil, err
	}
	rules := make([]model.BranchRule, 0, len(qr.Rows))
	for _, r := range qr.Rows {
		rules = append(rules, model.BranchRule{
			Repo:              r.Str("repo"),
			Pattern:           r.Str("branch_pattern"),
			Priority:          r.Int("priority"),
			DirectPush:        model.DirectPush(r.Str("direct_push")),
			RequiredApprovals: r.Int("required_approvals"),
			RequireTestsPass:  r.Bool("require_tests_pass"),
		})
	}
	return rules, nil
}
