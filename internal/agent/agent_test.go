package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/alexngai/gitswarm/internal/gserr"
	"github.com/alexngai/gitswarm/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.OpenSQLite(":memory:", "")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestRegisterAndAuthenticate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, key, err := s.Register(ctx, "alice")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !strings.HasPrefix(key, KeyPrefix) {
		t.Errorf("key %q missing prefix %q", key, KeyPrefix)
	}

	agent, err := s.Authenticate(ctx, key)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if agent.ID != id || agent.Name != "alice" {
		t.Errorf("authenticate returned %+v, want id=%s name=alice", agent, id)
	}
}

func TestRegister_DuplicateName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, _, err := s.Register(ctx, "bob"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, _, err := s.Register(ctx, "bob")
	if !gserr.Is(err, "agent_name_taken") {
		t.Fatalf("expected agent_name_taken, got %v", err)
	}
}

func TestAdjustKarma_FloorAtZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, _, _ := s.Register(ctx, "carol")

	if err := s.AdjustKarma(ctx, id, 5); err != nil {
		t.Fatalf("increment: %v", err)
	}
	got, _ := s.Get(ctx, id)
	if got.Karma != 5 {
		t.Fatalf("karma = %d, want 5", got.Karma)
	}

	err := s.AdjustKarma(ctx, id, -10)
	if !gserr.Is(err, "karma_floor") {
		t.Fatalf("expected karma_floor, got %v", err)
	}
	got, _ = s.Get(ctx, id)
	if got.Karma != 5 {
		t.Errorf("karma changed despite floor violation: %d", got.Karma)
	}
}
