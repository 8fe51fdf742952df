package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is the local-CLI Backend, grounded directly on the teacher's
// internal/db/db.go: single-writer WAL-mode connection, foreign keys on,
// schema_version-gated forward migration.
type SQLite struct {
	db     *sql.DB
	path   string
	tables TableMap
}

// DefaultDBPath returns ~/.gitswarm/<repoSlug>/gitswarm.db, the per-repo data
// directory spec §6 requires.
func DefaultDBPath(repoSlug string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	return filepath.Join(home, ".gitswarm", repoSlug, "gitswarm.db"), nil
}

// OpenSQLite opens (creating if needed) the sqlite file at path and runs
// migrations. An empty prefix means unprefixed table names (the common
// local-CLI case); pass "gitswarm_" to mirror a shared/coordinator schema.
func OpenSQLite(path string, prefix string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLite{db: db, path: path, tables: TableMap{Prefix: prefix}}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	prefix := s.tables.Prefix
	var count int
	row := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %sschema_version", prefix))
	if err := row.Scan(&count); err != nil {
		// Table doesn't exist yet; create the whole schema in one transaction.
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration: %w", err)
		}
		if _, err := tx.Exec(fmt.Sprintf(schemaV1Template, prefix)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply schema: %w", err)
		}
		if _, err := tx.Exec(fmt.Sprintf("INSERT INTO %sschema_version (version) VALUES (1)", prefix)); err != nil {
			tx.Rollback()
			return fmt.Errorf("seed schema_version: %w", err)
		}
		return tx.Commit()
	}
	if count == 0 {
		if _, err := s.db.Exec(fmt.Sprintf("INSERT INTO %sschema_version (version) VALUES (1)", prefix)); err != nil {
			return fmt.Errorf("seed schema_version: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Table(logical string) string { return s.tables.Resolve(logical) }

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Query(ctx context.Context, sqlText string, params ...any) (QueryResult, error) {
	text, args, err := ToSequential(sqlText, params)
	if err != nil {
		return QueryResult{}, err
	}
	rows, err := s.db.QueryContext(ctx, text, args...)
	if err != nil {
		return QueryResult{}, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (s *SQLite) Exec(ctx context.Context, sqlText string, params ...any) (QueryResult, error) {
	text, args, err := ToSequential(sqlText, params)
	if err != nil {
		return QueryResult{}, err
	}
	res, err := s.db.ExecContext(ctx, text, args...)
	if err != nil {
		return QueryResult{}, fmt.Errorf("exec: %w", err)
	}
	return resultFrom(res)
}

func (s *SQLite) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Query(ctx context.Context, sqlText string, params ...any) (QueryResult, error) {
	text, args, err := ToSequential(sqlText, params)
	if err != nil {
		return QueryResult{}, err
	}
	rows, err := t.tx.QueryContext(ctx, text, args...)
	if err != nil {
		return QueryResult{}, fmt.Errorf("query (tx): %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (t *sqliteTx) Exec(ctx context.Context, sqlText string, params ...any) (QueryResult, error) {
	text, args, err := ToSequential(sqlText, params)
	if err != nil {
		return QueryResult{}, err
	}
	res, err := t.tx.ExecContext(ctx, text, args...)
	if err != nil {
		return QueryResult{}, fmt.Errorf("exec (tx): %w", err)
	}
	return resultFrom(res)
}

func (t *sqliteTx) Commit() error   { return t.tx.Commit() }
func (t *sqliteTx) Rollback() error { return t.tx.Rollback() }

func scanRows(rows *sql.Rows) (QueryResult, error) {
	cols, err := rows.Columns()
	if err != nil {
		return QueryResult{}, fmt.Errorf("columns: %w", err)
	}
	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return QueryResult{}, fmt.Errorf("scan: %w", err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = normalizeScanned(vals[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, fmt.Errorf("rows: %w", err)
	}
	return QueryResult{Rows: out}, nil
}

// normalizeScanned converts driver []byte values (what sqlite3 returns for
// TEXT columns) into plain strings so callers never need to type-switch on
// the driver's representation.
func normalizeScanned(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func resultFrom(res sql.Result) (QueryResult, error) {
	changes, err := res.RowsAffected()
	if err != nil {
		changes = 0
	}
	lastID, err := res.LastInsertId()
	if err != nil {
		lastID = 0
	}
	return QueryResult{Changes: changes, LastID: lastID}, nil
}
