package eventbus

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/alexngai/gitswarm/internal/model"
	"github.com/alexngai/gitswarm/internal/store"
)

func newBus(t *testing.T) (*Bus, store.Backend) {
	t.Helper()
	db, err := store.OpenSQLite(":memory:", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, zerolog.Nop()), db
}

func TestEmit_RunsMatchingAutomationPlugin(t *testing.T) {
	b, _ := newBus(t)
	var fired int
	b.Register(Plugin{Name: "notifier", Trigger: "stream_created", Tier: model.TierAutomation,
		Execute: func(ctx context.Context, payload map[string]any) error { fired++; return nil }})

	b.Emit(context.Background(), "stream_created", "repo1", map[string]any{"stream": "s1"})
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestRegister_NonAutomationTierNeverExecutes(t *testing.T) {
	b, _ := newBus(t)
	var fired int
	b.Register(Plugin{Name: "ai-reviewer", Trigger: "commit", Tier: model.TierAI,
		Execute: func(ctx context.Context, payload map[string]any) error { fired++; return nil }})

	b.Emit(context.Background(), "commit", "repo1", map[string]any{})
	if fired != 0 {
		t.Fatalf("AI-tier plugin must not execute locally, fired = %d", fired)
	}
}

func TestEmit_SafeOutputBudgetExhaustionBlocks(t *testing.T) {
	b, _ := newBus(t)
	var fired int
	b.Register(Plugin{
		Name: "commenter", Trigger: "commit", Tier: model.TierAutomation,
		Caps:    []SafeOutputCap{{Action: "create-comment", Max: 1}},
		Execute: func(ctx context.Context, payload map[string]any) error { fired++; return nil },
	})

	ctx := context.Background()
	b.Emit(ctx, "commit", "repo1", map[string]any{})
	b.Emit(ctx, "commit", "repo1", map[string]any{})
	if fired != 1 {
		t.Fatalf("fired = %d, want exactly 1 (budget max=1)", fired)
	}
}

func TestEmit_ConsensusEventIdempotentWithinWindow(t *testing.T) {
	b, _ := newBus(t)
	var fired int
	b.Register(Plugin{Name: "council-notify", Trigger: "consensus_reached", Tier: model.TierAutomation,
		Execute: func(ctx context.Context, payload map[string]any) error { fired++; return nil }})

	ctx := context.Background()
	b.Emit(ctx, "consensus_reached", "repo1", map[string]any{"stream": "s1"})
	b.Emit(ctx, "consensus_reached", "repo1", map[string]any{"stream": "s1"})
	if fired != 1 {
		t.Fatalf("fired = %d, want exactly 1 within the 1h idempotence window", fired)
	}

	// A different stream must still fire independently.
	b.Emit(ctx, "consensus_reached", "repo1", map[string]any{"stream": "s2"})
	if fired != 2 {
		t.Fatalf("fired = %d, want 2 after a distinct stream's consensus event", fired)
	}
}
