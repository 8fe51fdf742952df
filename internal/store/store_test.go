package store

import (
	"context"
	"testing"
)

func TestToSequential(t *testing.T) {
	sqlText := "SELECT * FROM t WHERE a = $1 AND b = $2 AND c = $1"
	out, args, err := ToSequential(sqlText, []any{"x", "y"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "SELECT * FROM t WHERE a = ? AND b = ? AND c = ?"
	if out != want {
		t.Errorf("sql = %q, want %q", out, want)
	}
	if len(args) != 3 || args[0] != "x" || args[1] != "y" || args[2] != "x" {
		t.Errorf("args = %v, want [x y x]", args)
	}
}

func TestToSequential_OutOfRange(t *testing.T) {
	_, _, err := ToSequential("SELECT $2", []any{"only-one"})
	if err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestOpenSQLite_MigratesAndIsIdempotent(t *testing.T) {
	db, err := OpenSQLite(":memory:", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	res, err := db.Exec(ctx,
		"INSERT INTO "+db.Table("agents")+" (id, name, secret_hash, karma, status, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		"a1", "alice", "hash", 10, "active", NowRFC3339())
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if res.Changes != 1 {
		t.Errorf("changes = %d, want 1", res.Changes)
	}

	qr, err := db.Query(ctx, "SELECT name, karma FROM "+db.Table("agents")+" WHERE id = $1", "a1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(qr.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(qr.Rows))
	}
	if qr.Rows[0].Str("name") != "alice" {
		t.Errorf("name = %q, want alice", qr.Rows[0].Str("name"))
	}
	if qr.Rows[0].Int("karma") != 10 {
		t.Errorf("karma = %d, want 10", qr.Rows[0].Int("karma"))
	}

	if err := db.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestTableMap_PrefixedVsUnprefixed(t *testing.T) {
	local := TableMap{}
	shared := TableMap{Prefix: "gitswarm_"}
	if local.Resolve("streams") != "streams" {
		t.Errorf("unprefixed resolve = %q", local.Resolve("streams"))
	}
	if shared.Resolve("streams") != "gitswarm_streams" {
		t.Errorf("prefixed resolve = %q", shared.Resolve("streams"))
	}
}
