package pgstore

import (
	"context"
	"fmt"
)

// schemaV1Template is store.schemaV1Template's Postgres dialect: BIGSERIAL
// instead of INTEGER PRIMARY KEY AUTOINCREMENT and DOUBLE PRECISION instead
// of REAL, everything else (including
// the 0/1 INTEGER flag columns, to keep store.Row.Bool/Int portable across
// both backends) identical column-for-column to the sqlite schema.
const schemaV1Template = `
CREATE TABLE IF NOT EXISTS %[1]sschema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS %[1]sagents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	secret_hash TEXT NOT NULL,
	karma INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'inactive')),
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS %[1]srepos (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	ownership_model TEXT NOT NULL CHECK (ownership_model IN ('solo', 'guild', 'open')),
	merge_mode TEXT NOT NULL CHECK (merge_mode IN ('swarm', 'review', 'gated')),
	consensus_threshold DOUBLE PRECISION NOT NULL DEFAULT 0.6,
	min_reviews INTEGER NOT NULL DEFAULT 1,
	human_review_weight DOUBLE PRECISION NOT NULL DEFAULT 1.5,
	buffer_branch TEXT NOT NULL DEFAULT 'buffer',
	promote_target TEXT NOT NULL DEFAULT 'main',
	stabilize_command TEXT NOT NULL DEFAULT '',
	auto_promote_on_green INTEGER NOT NULL DEFAULT 0,
	auto_revert_on_red INTEGER NOT NULL DEFAULT 0,
	consensus_authority TEXT NOT NULL DEFAULT 'local' CHECK (consensus_authority IN ('local', 'server')),
	access_mode TEXT NOT NULL DEFAULT 'default',
	min_karma INTEGER NOT NULL DEFAULT 0,
	private INTEGER NOT NULL DEFAULT 0,
	stage TEXT NOT NULL DEFAULT 'seed' CHECK (stage IN ('seed', 'growth', 'established', 'mature')),
	contributor_count INTEGER NOT NULL DEFAULT 0,
	patch_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS %[1]smaintainers (
	repo TEXT NOT NULL,
	agent TEXT NOT NULL,
	role TEXT NOT NULL CHECK (role IN ('owner', 'maintainer')),
	PRIMARY KEY (repo, agent)
);

CREATE TABLE IF NOT EXISTS %[1]sexplicit_grants (
	repo TEXT NOT NULL,
	agent TEXT NOT NULL,
	access_level TEXT NOT NULL CHECK (access_level IN ('read', 'write', 'maintain', 'admin')),
	expires_at TEXT,
	PRIMARY KEY (repo, agent)
);

CREATE TABLE IF NOT EXISTS %[1]sbranch_rules (
	id BIGSERIAL PRIMARY KEY,
	repo TEXT NOT NULL,
	branch_pattern TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	direct_push TEXT NOT NULL DEFAULT 'maintainers' CHECK (direct_push IN ('none', 'maintainers', 'all')),
	required_approvals INTEGER NOT NULL DEFAULT 0,
	require_tests_pass INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_%[1]sbranch_rules_repo ON %[1]sbranch_rules(repo, priority DESC);

CREATE TABLE IF NOT EXISTS %[1]sstreams (
	id TEXT PRIMARY KEY,
	repo TEXT NOT NULL,
	owner TEXT NOT NULL,
	branch TEXT NOT NULL,
	base_branch TEXT NOT NULL,
	parent_stream TEXT,
	task TEXT,
	source TEXT NOT NULL DEFAULT 'cli' CHECK (source IN ('cli', 'api', 'github_pr')),
	status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'in_review', 'merged', 'abandoned', 'reverted')),
	review_status TEXT NOT NULL DEFAULT 'none' CHECK (review_status IN ('none', 'in_review', 'approved', 'changes_requested')),
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]sstreams_repo ON %[1]sstreams(repo, status);

CREATE TABLE IF NOT EXISTS %[1]sstream_commits (
	id BIGSERIAL PRIMARY KEY,
	stream TEXT NOT NULL,
	agent TEXT NOT NULL,
	commit_hash TEXT NOT NULL,
	change_id TEXT,
	message TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]sstream_commits_stream ON %[1]sstream_commits(stream, id);

CREATE TABLE IF NOT EXISTS %[1]sstream_reviews (
	stream TEXT NOT NULL,
	reviewer TEXT NOT NULL,
	verdict TEXT NOT NULL CHECK (verdict IN ('approve', 'request_changes', 'comment')),
	feedback TEXT NOT NULL DEFAULT '',
	is_human INTEGER NOT NULL DEFAULT 0,
	tested INTEGER NOT NULL DEFAULT 0,
	reviewed_at TEXT NOT NULL,
	PRIMARY KEY (stream, reviewer)
);

CREATE TABLE IF NOT EXISTS %[1]smerges (
	id BIGSERIAL PRIMARY KEY,
	repo TEXT NOT NULL,
	stream TEXT NOT NULL UNIQUE,
	agent TEXT NOT NULL,
	merge_commit TEXT NOT NULL,
	target_branch TEXT NOT NULL,
	merged_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]smerges_repo ON %[1]smerges(repo, id DESC);

CREATE TABLE IF NOT EXISTS %[1]sstabilizations (
	id BIGSERIAL PRIMARY KEY,
	repo TEXT NOT NULL,
	result TEXT NOT NULL CHECK (result IN ('green', 'red')),
	tag TEXT,
	buffer_commit TEXT NOT NULL,
	breaking_stream TEXT,
	details TEXT NOT NULL DEFAULT '',
	at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]sstabilizations_repo ON %[1]sstabilizations(repo, id DESC);

CREATE TABLE IF NOT EXISTS %[1]spromotions (
	id BIGSERIAL PRIMARY KEY,
	repo TEXT NOT NULL,
	from_branch TEXT NOT NULL,
	to_branch TEXT NOT NULL,
	from_commit TEXT NOT NULL,
	to_commit TEXT NOT NULL,
	triggered_by TEXT NOT NULL CHECK (triggered_by IN ('auto', 'manual', 'council')),
	agent TEXT NOT NULL DEFAULT '',
	at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS %[1]ssync_queue (
	seq BIGSERIAL PRIMARY KEY,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS %[1]sstage_history (
	id BIGSERIAL PRIMARY KEY,
	repo TEXT NOT NULL,
	stage TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS %[1]sactivity_log (
	id BIGSERIAL PRIMARY KEY,
	repo TEXT NOT NULL,
	kind TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]sactivity_log_repo ON %[1]sactivity_log(repo, id DESC);

CREATE TABLE IF NOT EXISTS %[1]splugin_executions (
	id BIGSERIAL PRIMARY KEY,
	repo TEXT NOT NULL,
	trigger_name TEXT NOT NULL,
	plugin TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('executed', 'skipped', 'rate_limited', 'blocked', 'error')),
	at TEXT NOT NULL,
	safe_outputs TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_%[1]splugin_executions_lookup ON %[1]splugin_executions(repo, plugin, trigger_name, at DESC);
`

func (p *Postgres) migrate(ctx context.Context) error {
	prefix := p.tables.Prefix
	var count int
	err := p.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %sschema_version", prefix)).Scan(&count)
	if err != nil {
		tx, err := p.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration: %w", err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(schemaV1Template, prefix)); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("apply schema: %w", err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("INSERT INTO %sschema_version (version) VALUES (1)", prefix)); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("seed schema_version: %w", err)
		}
		return tx.Commit(ctx)
	}
	if count == 0 {
		if _, err := p.pool.Exec(ctx, fmt.Sprintf("INSERT INTO %sschema_version (version) VALUES (1)", prefix)); err != nil {
			return fmt.Errorf("seed schema_version: %w", err)
		}
	}
	return nil
}
