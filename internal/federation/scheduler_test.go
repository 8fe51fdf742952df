package federation

import (
	"context"
	"testing"
	"time"
)

func TestNewScheduler_OnlyRegistersNonZeroIntervals(t *testing.T) {
	repoDir := newTestRepoDir(t)
	c, err := Init(repoDir, InitOptions{MergeMode: "review", OwnershipModel: "guild", BufferBranch: "buffer", PromoteTarget: "main"})
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	defer c.Close()

	sched, err := NewScheduler(c, SchedulerOptions{StabilizeEvery: time.Minute})
	if err != nil {
		t.Fatalf("NewScheduler() error: %v", err)
	}
	if len(sched.cron.Entries()) != 1 {
		t.Errorf("entries = %d, want 1 (only stabilize registered)", len(sched.cron.Entries()))
	}
}

func TestNewScheduler_RunStopsOnContextCancel(t *testing.T) {
	repoDir := newTestRepoDir(t)
	c, err := Init(repoDir, InitOptions{MergeMode: "review", OwnershipModel: "guild", BufferBranch: "buffer", PromoteTarget: "main"})
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	defer c.Close()

	sched, err := NewScheduler(c, SchedulerOptions{})
	if err != nil {
		t.Fatalf("NewScheduler() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := sched.Run(ctx); err != context.DeadlineExceeded {
		t.Errorf("Run() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestEverySpec(t *testing.T) {
	if got := everySpec(30 * time.Second); got != "@every 30s" {
		t.Errorf("everySpec(30s) = %q, want %q", got, "@every 30s")
	}
}

func TestParseInterval_RejectsNegative(t *testing.T) {
	if err := ParseInterval(-time.Second); err == nil {
		t.Error("ParseInterval(-1s) expected error, got nil")
	}
	if err := ParseInterval(0); err != nil {
		t.Errorf("ParseInterval(0) unexpected error: %v", err)
	}
}
