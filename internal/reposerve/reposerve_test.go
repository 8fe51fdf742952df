package reposerve

import (
	"context"
	"fmt"
	"testing"

	"github.com/alexngai/gitswarm/internal/model"
	"github.com/alexngai/gitswarm/internal/policy"
	"github.com/alexngai/gitswarm/internal/store"
)

var seedCounter int

func seedMergedStreams(t *testing.T, db store.Backend, repoID string, owners []string) {
	t.Helper()
	ctx := context.Background()
	for _, owner := range owners {
		seedCounter++
		id := fmt.Sprintf("s%d", seedCounter)
		_, err := db.Exec(ctx, `INSERT INTO streams
			(id, repo, owner, branch, base_branch, task, source, status, review_status, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			id, repoID, owner, "b-"+id, "buffer", "", "cli", "merged", "approved", store.NowRFC3339(), store.NowRFC3339())
		if err != nil {
			t.Fatalf("seed stream: %v", err)
		}
	}
}

func TestCheckAdvancementEligibility_GrowthThresholds(t *testing.T) {
	db, err := store.OpenSQLite(":memory:", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	repos := policy.NewRepoStore(db)
	ctx := context.Background()
	repo, err := repos.Init(ctx, policy.InitOpts{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	eng := New(db, repos)
	elig, err := eng.CheckAdvancementEligibility(ctx, repo)
	if err != nil {
		t.Fatalf("eligibility: %v", err)
	}
	if elig.Eligible {
		t.Fatal("expected not eligible with zero contributors/patches/maintainers")
	}

	if err := repos.AddMaintainer(ctx, repo.ID, "a1", model.RoleOwner); err != nil {
		t.Fatalf("add maintainer: %v", err)
	}
	seedMergedStreams(t, db, repo.ID, []string{"a1", "a1"}) // 2 patches, 1 contributor: neither threshold met

	repo, _ = repos.Get(ctx, repo.ID)
	elig, err = eng.CheckAdvancementEligibility(ctx, repo)
	if err != nil {
		t.Fatalf("eligibility: %v", err)
	}
	if elig.Eligible {
		t.Fatalf("expected still not eligible (only 1 distinct contributor, growth needs 2); unmet=%v", elig.UnmetRequirements)
	}

	seedMergedStreams(t, db, repo.ID, []string{"a2"}) // now 2 contributors, 3 patches, 1 maintainer: all growth thresholds met
	repo, _ = repos.Get(ctx, repo.ID)
	elig, err = eng.CheckAdvancementEligibility(ctx, repo)
	if err != nil {
		t.Fatalf("eligibility: %v", err)
	}
	if !elig.Eligible {
		t.Fatalf("expected eligible for growth once thresholds are met; unmet=%v", elig.UnmetRequirements)
	}
}

func TestAdvanceStage_RecordsHistoryAndUpdatesRepo(t *testing.T) {
	db, err := store.OpenSQLite(":memory:", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	repos := policy.NewRepoStore(db)
	ctx := context.Background()
	repo, err := repos.Init(ctx, policy.InitOpts{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := repos.AddMaintainer(ctx, repo.ID, "a1", model.RoleOwner); err != nil {
		t.Fatalf("add maintainer: %v", err)
	}
	seedMergedStreams(t, db, repo.ID, []string{"a1", "a2", "a3"})

	eng := New(db, repos)
	newStage, err := eng.AdvanceStage(ctx, repo.ID, true)
	if err != nil {
		t.Fatalf("advance (forced): %v", err)
	}
	if newStage != model.StageGrowth {
		t.Fatalf("new stage = %q, want growth", newStage)
	}
	repo, _ = repos.Get(ctx, repo.ID)
	if repo.Stage != model.StageGrowth {
		t.Fatalf("repo.Stage = %q, want growth", repo.Stage)
	}
}

func TestSetStage_BypassesThresholds(t *testing.T) {
	db, err := store.OpenSQLite(":memory:", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	repos := policy.NewRepoStore(db)
	ctx := context.Background()
	repo, err := repos.Init(ctx, policy.InitOpts{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	eng := New(db, repos)
	if err := eng.SetStage(ctx, repo.ID, model.StageMature, "operator override for test"); err != nil {
		t.Fatalf("set stage: %v", err)
	}
	repo, _ = repos.Get(ctx, repo.ID)
	if repo.Stage != model.StageMature {
		t.Fatalf("repo.Stage = %q, want mature", repo.Stage)
	}
}
