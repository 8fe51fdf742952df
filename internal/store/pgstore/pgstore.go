// Package pgstore implements store.Backend against a shared Postgres
// schema (spec §4.11: "the same code works against two schemas"). It is
// what a coordinator process would run against instead of the CLI's local
// sqlite file; GitSwarm itself only ships the Backend implementation and a
// coordinator-shaped test harness (internal/syncproto's tests exercise the
// wire contract a coordinator built on pgstore would need to satisfy).
package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alexngai/gitswarm/internal/store"
)

// Postgres is the pgx-backed Backend. Unlike the sqlite backend it passes
// $N placeholders straight through to pgx (pgx is the one driver in the
// stack that speaks native positional params), so it skips
// store.ToSequential entirely.
type Postgres struct {
	pool   *pgxpool.Pool
	tables store.TableMap
}

// Open connects to dsn and migrates the schema under the given logical
// table-name prefix ("gitswarm_" for a shared multi-tenant schema, "" for a
// dedicated database per repo).
func Open(ctx context.Context, dsn string, prefix string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := &Postgres{pool: pool, tables: store.TableMap{Prefix: prefix}}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) Table(logical string) string { return p.tables.Resolve(logical) }

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) Query(ctx context.Context, sqlText string, params ...any) (store.QueryResult, error) {
	rows, err := p.pool.Query(ctx, sqlText, params...)
	if err != nil {
		return store.QueryResult{}, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (p *Postgres) Exec(ctx context.Context, sqlText string, params ...any) (store.QueryResult, error) {
	tag, err := p.pool.Exec(ctx, sqlText, params...)
	if err != nil {
		return store.QueryResult{}, fmt.Errorf("exec: %w", err)
	}
	return store.QueryResult{Changes: tag.RowsAffected()}, nil
}

func (p *Postgres) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Query(ctx context.Context, sqlText string, params ...any) (store.QueryResult, error) {
	rows, err := t.tx.Query(ctx, sqlText, params...)
	if err != nil {
		return store.QueryResult{}, fmt.Errorf("query (tx): %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (t *pgTx) Exec(ctx context.Context, sqlText string, params ...any) (store.QueryResult, error) {
	tag, err := t.tx.Exec(ctx, sqlText, params...)
	if err != nil {
		return store.QueryResult{}, fmt.Errorf("exec (tx): %w", err)
	}
	return store.QueryResult{Changes: tag.RowsAffected()}, nil
}

func (t *pgTx) Commit() error   { return t.tx.Commit(context.Background()) }
func (t *pgTx) Rollback() error { return t.tx.Rollback(context.Background()) }

func scanRows(rows pgx.Rows) (store.QueryResult, error) {
	fields := rows.FieldDescriptions()
	var out []store.Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return store.QueryResult{}, fmt.Errorf("values: %w", err)
		}
		row := make(store.Row, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return store.QueryResult{}, fmt.Errorf("rows: %w", err)
	}
	return store.QueryResult{Rows: out}, nil
}
