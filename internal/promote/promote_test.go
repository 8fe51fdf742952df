package promote

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/alexngai/gitswarm/internal/gitadapter"
	"github.com/alexngai/gitswarm/internal/gserr"
	"github.com/alexngai/gitswarm/internal/model"
	"github.com/alexngai/gitswarm/internal/policy"
	"github.com/alexngai/gitswarm/internal/store"
)

type fakeGit struct {
	failMerge bool
	calls     [][]string
}

func (f *fakeGit) Run(dir string, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	if len(args) > 0 && args[0] == "rev-parse" {
		return "commit-xyz", nil
	}
	if len(args) > 0 && args[0] == "merge" && f.failMerge {
		return "", gserr.New(gserr.GitError, "promote_failed", "not a fast-forward")
	}
	return "", nil
}

type fakeAgents map[string]*model.Agent

func (f fakeAgents) Get(ctx context.Context, id string) (*model.Agent, error) { return f[id], nil }

type fakeReviews struct{}

func (fakeReviews) ListForStream(ctx context.Context, streamID string) ([]model.Review, error) {
	return nil, nil
}

func newHarness(t *testing.T, failMerge bool) (*Promoter, *fakeGit, *policy.RepoStore, *model.Repository) {
	t.Helper()
	db, err := store.OpenSQLite(":memory:", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repos := policy.NewRepoStore(db)
	ctx := context.Background()
	repo, err := repos.Init(ctx, policy.InitOpts{MergeMode: model.MergeReview, PromoteTarget: "main", BufferBranch: "buffer"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := repos.AddMaintainer(ctx, repo.ID, "owner", model.RoleOwner); err != nil {
		t.Fatalf("add maintainer: %v", err)
	}

	git := &fakeGit{failMerge: failMerge}
	adapter := gitadapter.New(git, t.TempDir())
	engine := policy.NewEngine(repos, fakeAgents{"owner": {ID: "owner"}, "outsider": {ID: "outsider"}}, fakeReviews{})

	return New(db, adapter, engine, repos, nil, zerolog.Nop()), git, repos, repo
}

func TestPromote_ManualRequiresMaintainer(t *testing.T) {
	p, _, _, _ := newHarness(t, false)
	ctx := context.Background()

	if err := p.Promote(ctx, "green/2026-01-01T00-00-00Z", "outsider"); !gserr.Is(err, "insufficient_permissions") {
		t.Fatalf("expected insufficient_permissions, got %v", err)
	}
	if err := p.Promote(ctx, "green/2026-01-01T00-00-00Z", "owner"); err != nil {
		t.Fatalf("maintainer promote should succeed: %v", err)
	}
}

func TestPromote_SystemTriggerBypassesPermission(t *testing.T) {
	p, _, _, _ := newHarness(t, false)
	ctx := context.Background()

	if err := p.Promote(ctx, "green/2026-01-01T00-00-00Z", "system"); err != nil {
		t.Fatalf("auto-promotion should bypass the permission check: %v", err)
	}
}

func TestPromote_FailureRestoresToBuffer(t *testing.T) {
	p, git, _, _ := newHarness(t, true)
	ctx := context.Background()

	err := p.Promote(ctx, "green/2026-01-01T00-00-00Z", "owner")
	if !gserr.Is(err, "promote_failed") {
		t.Fatalf("expected promote_failed, got %v", err)
	}
	last := git.calls[len(git.calls)-1]
	if len(last) != 2 || last[0] != "checkout" || last[1] != "buffer" {
		t.Fatalf("last git call = %v, want checkout buffer", last)
	}
}
