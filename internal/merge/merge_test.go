package merge

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/alexngai/gitswarm/internal/bufferlock"
	"github.com/alexngai/gitswarm/internal/gitadapter"
	"github.com/alexngai/gitswarm/internal/gserr"
	"github.com/alexngai/gitswarm/internal/model"
	"github.com/alexngai/gitswarm/internal/policy"
	"github.com/alexngai/gitswarm/internal/store"
	"github.com/alexngai/gitswarm/internal/stream"
)

type fakeGit struct{ failMerge bool }

func (f *fakeGit) Run(dir string, args ...string) (string, error) {
	if len(args) > 0 && args[0] == "rev-parse" {
		return "deadbeef", nil
	}
	if len(args) > 1 && args[0] == "merge" && args[1] != "--abort" && f.failMerge {
		return "", gserr.New(gserr.GitError, "merge_conflict", "conflict")
	}
	return "", nil
}

type fakeAgents map[string]*model.Agent

func (f fakeAgents) Get(ctx context.Context, id string) (*model.Agent, error) { return f[id], nil }

type fakeReviews struct {
	reviews map[string][]model.Review
}

func (f fakeReviews) ListForStream(ctx context.Context, streamID string) ([]model.Review, error) {
	return f.reviews[streamID], nil
}

// fakeRemote lets gated-mode tests distinguish "never connected" from
// "connected but unreachable" independently of Reachable.
type fakeRemote struct {
	connected bool
	reachable bool
	approved  bool
	requestErr error
	enqueued  []string
}

func (f *fakeRemote) Connected() bool { return f.connected }
func (f *fakeRemote) Reachable() bool { return f.reachable }
func (f *fakeRemote) RequestMerge(ctx context.Context, repoID, streamID string) (bool, string, error) {
	if f.requestErr != nil {
		return false, "", f.requestErr
	}
	return f.approved, "", nil
}
func (f *fakeRemote) FlushQueue(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeRemote) CheckConsensusRemote(ctx context.Context, repoID, streamID string) (policy.ConsensusResult, error) {
	return policy.ConsensusResult{}, nil
}
func (f *fakeRemote) Enqueue(ctx context.Context, eventType string, payloadJSON string) error {
	f.enqueued = append(f.enqueued, eventType)
	return nil
}

func newHarness(t *testing.T, mergeMode model.MergeMode, ownership model.OwnershipModel) (*Orchestrator, *stream.Registry, *policy.RepoStore, *model.Repository, *fakeGit) {
	return newHarnessWithRemote(t, mergeMode, ownership, nil)
}

func newHarnessWithRemote(t *testing.T, mergeMode model.MergeMode, ownership model.OwnershipModel, remote RemoteClient) (*Orchestrator, *stream.Registry, *policy.RepoStore, *model.Repository, *fakeGit) {
	t.Helper()
	db, err := store.OpenSQLite(":memory:", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repos := policy.NewRepoStore(db)
	ctx := context.Background()
	repo, err := repos.Init(ctx, policy.InitOpts{MergeMode: mergeMode, OwnershipModel: ownership, ConsensusThresh: 0.6, MinReviews: 1})
	if err != nil {
		t.Fatalf("init repo: %v", err)
	}

	git := &fakeGit{}
	adapter := gitadapter.New(git, t.TempDir())
	agents := fakeAgents{
		"owner":     {ID: "owner", Karma: 0, Status: model.AgentActive},
		"reviewer1": {ID: "reviewer1", Karma: 10, Status: model.AgentActive},
	}
	reviewBook := &fakeReviews{reviews: map[string][]model.Review{}}
	engine := policy.NewEngine(repos, agents, reviewBook)
	if err := repos.AddMaintainer(ctx, repo.ID, "owner", model.RoleOwner); err != nil {
		t.Fatalf("add maintainer: %v", err)
	}
	if err := repos.AddMaintainer(ctx, repo.ID, "reviewer1", model.RoleMaintainer); err != nil {
		t.Fatalf("add maintainer: %v", err)
	}

	streams := stream.New(db, adapter, engine, zerolog.Nop())
	lockPath := t.TempDir() + "/merge.lock"
	orch := New(db, adapter, engine, streams, repos, bufferlock.New(lockPath, bufferlock.DefaultTimeout), remote, nil, zerolog.Nop())
	return orch, streams, repos, repo, git
}

func TestMergeToBuffer_SwarmMode_AutoMergeOnCommit(t *testing.T) {
	orch, streams, _, repo, _ := newHarness(t, model.MergeSwarm, model.OwnershipSolo)
	ctx := context.Background()

	streamID, _, err := streams.Create(ctx, repo, stream.CreateOpts{Agent: "owner", Task: "swarm-feature"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := streams.Commit(ctx, repo, stream.CommitOpts{Agent: "owner", Message: "wip", Stream: streamID}, orch)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if res.MergeError != nil {
		t.Fatalf("unexpected merge error: %v", res.MergeError)
	}
	if !res.Merged {
		t.Fatal("expected swarm-mode commit to auto-merge")
	}

	s, err := streams.Get(ctx, streamID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.Status != model.StreamMerged {
		t.Fatalf("status = %q, want merged", s.Status)
	}
}

func TestMergeToBuffer_ReviewMode_RequiresConsensus(t *testing.T) {
	orch, streams, _, repo, _ := newHarness(t, model.MergeReview, model.OwnershipGuild)
	ctx := context.Background()

	streamID, _, err := streams.Create(ctx, repo, stream.CreateOpts{Agent: "owner", Task: "guild-feature"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := streams.Commit(ctx, repo, stream.CommitOpts{Agent: "owner", Message: "wip", Stream: streamID}, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := streams.SubmitForReview(ctx, streamID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := orch.MergeToBuffer(ctx, streamID, "owner"); !gserr.Is(err, "consensus_not_reached") {
		t.Fatalf("expected consensus_not_reached without reviews, got %v", err)
	}
}

func TestMergeToBuffer_ParentNotMerged(t *testing.T) {
	orch, streams, _, repo, _ := newHarness(t, model.MergeSwarm, model.OwnershipSolo)
	ctx := context.Background()

	parentID, _, err := streams.Create(ctx, repo, stream.CreateOpts{Agent: "owner", Name: "parent"})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	childID, _, err := streams.Create(ctx, repo, stream.CreateOpts{Agent: "owner", Name: "child", DependsOn: parentID})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}

	if err := orch.MergeToBuffer(ctx, childID, "owner"); !gserr.Is(err, "parent_not_merged") {
		t.Fatalf("expected parent_not_merged, got %v", err)
	}
}

func TestMergeToBuffer_ConflictAbortsAndSurfacesReason(t *testing.T) {
	orch, streams, _, repo, git := newHarness(t, model.MergeSwarm, model.OwnershipSolo)
	ctx := context.Background()
	git.failMerge = true

	streamID, _, err := streams.Create(ctx, repo, stream.CreateOpts{Agent: "owner", Task: "conflicting"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	err = orch.MergeToBuffer(ctx, streamID, "owner")
	if !gserr.Is(err, "merge_conflict") {
		t.Fatalf("expected merge_conflict, got %v", err)
	}

	s, getErr := streams.Get(ctx, streamID)
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if s.Status != model.StreamActive {
		t.Fatalf("status after failed merge = %q, want unchanged (active)", s.Status)
	}
}

func gatedStreamReadyForMerge(t *testing.T, ctx context.Context, streams *stream.Registry, repo *model.Repository, agent string) string {
	t.Helper()
	streamID, _, err := streams.Create(ctx, repo, stream.CreateOpts{Agent: agent, Task: "gated-feature"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := streams.Commit(ctx, repo, stream.CommitOpts{Agent: agent, Message: "wip", Stream: streamID}, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := streams.SubmitForReview(ctx, streamID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	return streamID
}

func TestMergeToBuffer_GatedMode_NoCoordinatorConfigured_MaintainerBypasses(t *testing.T) {
	orch, streams, _, repo, _ := newHarnessWithRemote(t, model.MergeGated, model.OwnershipGuild, nil)
	ctx := context.Background()
	streamID := gatedStreamReadyForMerge(t, ctx, streams, repo, "owner")

	if err := orch.MergeToBuffer(ctx, streamID, "owner"); err != nil {
		t.Fatalf("expected maintainer-level local bypass to succeed with no coordinator configured, got %v", err)
	}
}

func TestMergeToBuffer_GatedMode_NoCoordinatorConfigured_NonMaintainerDenied(t *testing.T) {
	orch, streams, repos, repo, _ := newHarnessWithRemote(t, model.MergeGated, model.OwnershipGuild, nil)
	ctx := context.Background()
	// Write access but not maintainer level: can create/commit/submit a
	// stream, but gated mode's local bypass requires maintainer level.
	if err := repos.SetGrant(ctx, model.ExplicitGrant{Repo: repo.ID, Agent: "contributor", Level: model.AccessWrite}); err != nil {
		t.Fatalf("set grant: %v", err)
	}
	streamID := gatedStreamReadyForMerge(t, ctx, streams, repo, "contributor")

	err := orch.MergeToBuffer(ctx, streamID, "contributor")
	if !gserr.Is(err, "insufficient_permissions") {
		t.Fatalf("expected insufficient_permissions, got %v", err)
	}
}

func TestMergeToBuffer_GatedMode_ConnectedButUnreachable_QueuesAndFails(t *testing.T) {
	remote := &fakeRemote{connected: true, reachable: false}
	orch, streams, _, repo, _ := newHarnessWithRemote(t, model.MergeGated, model.OwnershipGuild, remote)
	ctx := context.Background()
	streamID := gatedStreamReadyForMerge(t, ctx, streams, repo, "owner")

	err := orch.MergeToBuffer(ctx, streamID, "owner")
	if !gserr.Is(err, "server_unavailable_for_gated") {
		t.Fatalf("expected server_unavailable_for_gated (never a local bypass) for a configured-but-unreachable coordinator, got %v", err)
	}
	if len(remote.enqueued) != 1 || remote.enqueued[0] != "merge_requested" {
		t.Fatalf("expected merge_requested to be queued, got %v", remote.enqueued)
	}

	s, getErr := streams.Get(ctx, streamID)
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if s.Status != model.StreamInReview {
		t.Fatalf("status after queue-and-fail = %q, want unchanged (in_review)", s.Status)
	}
}

func TestMergeToBuffer_GatedMode_ReachableAndApproved_Merges(t *testing.T) {
	remote := &fakeRemote{connected: true, reachable: true, approved: true}
	orch, streams, _, repo, _ := newHarnessWithRemote(t, model.MergeGated, model.OwnershipGuild, remote)
	ctx := context.Background()
	streamID := gatedStreamReadyForMerge(t, ctx, streams, repo, "owner")

	if err := orch.MergeToBuffer(ctx, streamID, "owner"); err != nil {
		t.Fatalf("expected reachable+approved gated merge to succeed, got %v", err)
	}
}

func TestMergeToBuffer_GatedMode_ReachableButNotApproved_ConsensusError(t *testing.T) {
	remote := &fakeRemote{connected: true, reachable: true, approved: false}
	orch, streams, _, repo, _ := newHarnessWithRemote(t, model.MergeGated, model.OwnershipGuild, remote)
	ctx := context.Background()
	streamID := gatedStreamReadyForMerge(t, ctx, streams, repo, "owner")

	err := orch.MergeToBuffer(ctx, streamID, "owner")
	if !gserr.Is(err, "gated_merge_not_approved") {
		t.Fatalf("expected gated_merge_not_approved, got %v", err)
	}
}
