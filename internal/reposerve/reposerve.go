// Package reposerve implements the Repo Stage Engine (spec §4.9): fixed
// stage thresholds, eligibility checks, and advancement. Named reposerve
// (not "stage") to avoid colliding with the teacher's unrelated
// agent-session pipeline-stage concept it otherwise reuses verbatim in
// internal/pipeline. Grounded on that package's metrics-then-threshold
// evaluation shape.
package reposerve

import (
	"context"
	"fmt"

	"github.com/alexngai/gitswarm/internal/gserr"
	"github.com/alexngai/gitswarm/internal/model"
	"github.com/alexngai/gitswarm/internal/policy"
	"github.com/alexngai/gitswarm/internal/store"
)

// stageOrder is the fixed ordered set spec §4.9 requires.
var stageOrder = []model.RepoStage{model.StageSeed, model.StageGrowth, model.StageEstablished, model.StageMature}

// thresholds mirrors spec §4.9's table exactly (council is evaluated
// separately via hasActiveCouncil since it isn't a stream/maintainer count).
type threshold struct {
	contributors int
	patches      int
	maintainers  int
	needsCouncil bool
}

var thresholdsByStage = map[model.RepoStage]threshold{
	model.StageGrowth:      {contributors: 2, patches: 3, maintainers: 1},
	model.StageEstablished: {contributors: 5, patches: 10, maintainers: 2},
	model.StageMature:      {contributors: 10, patches: 25, maintainers: 3, needsCouncil: true},
}

func nextStage(current model.RepoStage) (model.RepoStage, bool) {
	for i, s := range stageOrder {
		if s == current && i+1 < len(stageOrder) {
			return stageOrder[i+1], true
		}
	}
	return "", false
}

// Engine runs checkAdvancementEligibility / advanceStage / setStage /
// checkAllReposForAdvancement (spec §4.9).
type Engine struct {
	db    store.Backend
	repos *policy.RepoStore
}

func New(db store.Backend, repos *policy.RepoStore) *Engine {
	return &Engine{db: db, repos: repos}
}

// Eligibility is checkAdvancementEligibility's return shape.
type Eligibility struct {
	Eligible         bool
	NextStage        model.RepoStage
	UnmetRequirements []string
}

// CheckAdvancementEligibility computes metrics from the maintainer/stream
// tables and compares them to the next stage's thresholds.
func (e *Engine) CheckAdvancementEligibility(ctx context.Context, repo *model.Repository) (Eligibility, error) {
	next, ok := nextStage(repo.Stage)
	if !ok {
		return Eligibility{Eligible: false, UnmetRequirements: []string{"already_mature"}}, nil
	}
	th := thresholdsByStage[next]

	maintainerCount, err := e.maintainerCount(ctx, repo.ID)
	if err != nil {
		return Eligibility{}, err
	}
	contributors, patches, err := e.mergedStreamMetrics(ctx, repo.ID)
	if err != nil {
		return Eligibility{}, err
	}

	var unmet []string
	if contributors < th.contributors {
		unmet = append(unmet, fmt.Sprintf("contributors: have %d, need %d", contributors, th.contributors))
	}
	if patches < th.patches {
		unmet = append(unmet, fmt.Sprintf("patches: have %d, need %d", patches, th.patches))
	}
	if maintainerCount < th.maintainers {
		unmet = append(unmet, fmt.Sprintf("maintainers: have %d, need %d", maintainerCount, th.maintainers))
	}
	if th.needsCouncil {
		active, err := e.hasActiveCouncil(ctx, repo.ID)
		if err != nil {
			return Eligibility{}, err
		}
		if !active {
			unmet = append(unmet, "council: none active")
		}
	}

	return Eligibility{Eligible: len(unmet) == 0, NextStage: next, UnmetRequirements: unmet}, nil
}

func (e *Engine) maintainerCount(ctx context.Context, repoID string) (int, error) {
	qr, err := e.db.Query(ctx, fmt.Sprintf("SELECT COUNT(*) AS n FROM %s WHERE repo = $1", e.db.Table("maintainers")), repoID)
	if err != nil {
		return 0, fmt.Errorf("count maintainers: %w", err)
	}
	if len(qr.Rows) == 0 {
		return 0, nil
	}
	return qr.Rows[0].Int("n"), nil
}

func (e *Engine) mergedStreamMetrics(ctx context.Context, repoID string) (contributors, patches int, err error) {
	qr, err := e.db.Query(ctx, fmt.Sprintf(
		"SELECT COUNT(DISTINCT owner) AS contributors, COUNT(*) AS patches FROM %s WHERE repo = $1 AND status = 'merged'",
		e.db.Table("streams")), repoID)
	if err != nil {
		return 0, 0, fmt.Errorf("merged stream metrics: %w", err)
	}
	if len(qr.Rows) == 0 {
		return 0, 0, nil
	}
	return qr.Rows[0].Int("contributors"), qr.Rows[0].Int("patches"), nil
}

// hasActiveCouncil is a stub eligibility check: the council/proposal
// subsystem lives server-side (spec §4.7's syncCouncilProposal/Vote are
// coordinator endpoints); locally we treat "active council" as "at least
// one activity_log row of kind council_active" (of any age)
// so a federation with no coordinator never silently satisfies this gate.
func (e *Engine) hasActiveCouncil(ctx context.Context, repoID string) (bool, error) {
	qr, err := e.db.Query(ctx, fmt.Sprintf(
		"SELECT COUNT(*) AS n FROM %s WHERE repo = $1 AND kind = 'council_active'", e.db.Table("activity_log")), repoID)
	if err != nil {
		return false, fmt.Errorf("check council: %w", err)
	}
	return len(qr.Rows) > 0 && qr.Rows[0].Int("n") > 0, nil
}

// AdvanceStage records a history row and updates repos.stage, after
// re-verifying eligibility unless force is set.
func (e *Engine) AdvanceStage(ctx context.Context, repoID string, force bool) (model.RepoStage, error) {
	repo, err := e.repos.Get(ctx, repoID)
	if err != nil {
		return "", err
	}
	elig, err := e.CheckAdvancementEligibility(ctx, repo)
	if err != nil {
		return "", err
	}
	if !force && !elig.Eligible {
		return "", gserr.New(gserr.Validation, "stage_requirements_unmet", fmt.Sprintf("%v", elig.UnmetRequirements))
	}
	if elig.NextStage == "" {
		return "", gserr.New(gserr.Validation, "already_mature", repoID)
	}

	reason := "eligibility met"
	if force {
		reason = "forced"
	}
	if err := e.recordHistory(ctx, repoID, elig.NextStage, reason); err != nil {
		return "", err
	}
	if err := e.repos.SetStage(ctx, repoID, elig.NextStage); err != nil {
		return "", err
	}
	return elig.NextStage, nil
}

// SetStage bypasses thresholds entirely, for operator use.
func (e *Engine) SetStage(ctx context.Context, repoID string, stage model.RepoStage, reason string) error {
	if reason == "" {
		reason = "operator override"
	}
	if err := e.recordHistory(ctx, repoID, stage, reason); err != nil {
		return err
	}
	return e.repos.SetStage(ctx, repoID, stage)
}

func (e *Engine) recordHistory(ctx context.Context, repoID string, stage model.RepoStage, reason string) error {
	_, err := e.db.Exec(ctx, fmt.Sprintf("INSERT INTO %s (repo, stage, reason, at) VALUES ($1,$2,$3,$4)", e.db.Table("stage_history")),
		repoID, string(stage), reason, store.NowRFC3339())
	if err != nil {
		return fmt.Errorf("record stage history: %w", err)
	}
	return nil
}

// CheckAllReposForAdvancement sweeps every non-mature repo and auto-advances
// the eligible ones (spec §4.9). Since spec §3 fixes exactly one Repository
// row per federation, this sweeps that single repo when present but keeps
// the plural contract for a future multi-repo coordinator process.
func (e *Engine) CheckAllReposForAdvancement(ctx context.Context) ([]model.RepoStage, error) {
	repo, err := e.repos.Sole(ctx)
	if err != nil {
		if gserr.Is(err, "repo_not_found") {
			return nil, nil
		}
		return nil, err
	}
	if repo.Stage == model.StageMature {
		return nil, nil
	}
	elig, err := e.CheckAdvancementEligibility(ctx, repo)
	if err != nil {
		return nil, err
	}
	if !elig.Eligible {
		return nil, nil
	}
	newStage, err := e.AdvanceStage(ctx, repo.ID, false)
	if err != nil {
		return nil, err
	}
	return []model.RepoStage{newStage}, nil
}
