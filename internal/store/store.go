// Package store implements the persistence abstraction described in spec
// §4.11: every component talks to storage through a single Backend
// interface built around positional-parameter SQL and a logical table-name
// map, so the same calling code runs against either the sqlite backend
// (internal/store, the CLI's local file) or the Postgres backend
// (internal/store/pgstore, what a coordinator would run against a shared
// schema) without duplicating a code path per schema.
package store

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Row is a bag-of-columns result row. Components scan named columns out of
// it rather than relying on positional struct tags, mirroring the source's
// heterogeneous row objects (spec §9) while still being a concrete Go type.
type Row map[string]any

// QueryResult is the single ergonomic wrapper every query returns (spec §9:
// "keep a single ergonomic QueryResult{rows, changes} wrapper").
type QueryResult struct {
	Rows    []Row
	Changes int64
	LastID  int64
}

// Backend is the storage contract every GitSwarm component depends on.
// Implementations: sqlite (default, local CLI) and pgstore (Postgres, for
// a coordinator-shaped process).
type Backend interface {
	// Query runs sqlText (using $1, $2, ... positional placeholders,
	// converted internally to the backend's native placeholder flavor)
	// and returns matched rows.
	Query(ctx context.Context, sqlText string, params ...any) (QueryResult, error)
	// Exec runs a mutating statement and returns rows-affected / last-insert-id
	// where the backend supports it.
	Exec(ctx context.Context, sqlText string, params ...any) (QueryResult, error)
	// Begin opens a transaction; all component transactions (e.g. the merge
	// transaction in spec §4.4 step 7) go through this.
	Begin(ctx context.Context) (Tx, error)
	// Table resolves a logical table name (e.g. "streams") to its physical
	// name under this backend's schema (e.g. "gitswarm_streams" or "streams").
	Table(logical string) string
	Close() error
}

// Tx mirrors Backend's Query/Exec inside a transaction.
type Tx interface {
	Query(ctx context.Context, sqlText string, params ...any) (QueryResult, error)
	Exec(ctx context.Context, sqlText string, params ...any) (QueryResult, error)
	Commit() error
	Rollback() error
}

// TableMap resolves logical table names to physical ones. A prefixed map
// mirrors a shared/prefixed coordinator schema ("gitswarm_streams"); an
// unprefixed map mirrors a dedicated local database ("streams"). This is
// the "logical-name map" spec §4.11 and §9 require.
type TableMap struct {
	Prefix string
}

var logicalTables = []string{
	"agents", "repos", "maintainers", "explicit_grants", "branch_rules",
	"streams", "stream_commits", "stream_reviews", "merges",
	"stabilizations", "promotions", "sync_queue", "stage_history",
	"activity_log", "plugin_executions",
}

func (m TableMap) Resolve(logical string) string {
	return m.Prefix + logical
}

var positionalParam = regexp.MustCompile(`\$(\d+)`)

// ToSequential rewrites a $N-placeholder SQL string into one using
// sequential "?" placeholders, reordering params into bind order as it
// goes. This lets every component write portable `$1, $2, ...` SQL
// regardless of which backend ends up running it (sqlite and the
// mysql-style drivers both want "?"; only pgx wants native $N, so pgstore
// skips this rewrite and passes params straight through).
func ToSequential(sqlText string, params []any) (string, []any, error) {
	var firstErr error
	reordered := make([]any, 0, len(params))
	out := positionalParam.ReplaceAllStringFunc(sqlText, func(m string) string {
		idxStr := m[1:]
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			firstErr = fmt.Errorf("bad placeholder %q", m)
			return m
		}
		if idx < 1 || idx > len(params) {
			firstErr = fmt.Errorf("placeholder %s out of range (have %d params)", m, len(params))
			return m
		}
		reordered = append(reordered, params[idx-1])
		return "?"
	})
	if firstErr != nil {
		return "", nil, firstErr
	}
	return out, reordered, nil
}

// IsUniqueViolation does a best-effort, driver-agnostic check for a unique
// constraint error, the way the teacher's queries.go matches on
// strings.Contains(err.Error(), "UNIQUE") for sqlite, and additionally
// matches Postgres's "23505" code.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "23505")
}
