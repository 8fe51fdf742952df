// Package federation implements the Federation Context (spec §4.10): a
// process-lifetime bundle of {store, git adapter, policy engine, stream
// registry, merge serializer, stabilizer, sync client, event bus} that a
// local CLI process builds once via Open or Init and passes by reference
// into every command. Grounded on the teacher's internal/session package
// (the one place it bundles "everything a run needs" into a single struct
// constructed once at process start) and internal/config's load-once idiom.
package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/rs/zerolog"

	"github.com/alexngai/gitswarm/internal/agent"
	"github.com/alexngai/gitswarm/internal/bufferlock"
	"github.com/alexngai/gitswarm/internal/config"
	"github.com/alexngai/gitswarm/internal/eventbus"
	"github.com/alexngai/gitswarm/internal/gitadapter"
	"github.com/alexngai/gitswarm/internal/gserr"
	"github.com/alexngai/gitswarm/internal/gslog"
	"github.com/alexngai/gitswarm/internal/merge"
	"github.com/alexngai/gitswarm/internal/model"
	"github.com/alexngai/gitswarm/internal/policy"
	"github.com/alexngai/gitswarm/internal/promote"
	"github.com/alexngai/gitswarm/internal/reposerve"
	"github.com/alexngai/gitswarm/internal/review"
	"github.com/alexngai/gitswarm/internal/stabilize"
	"github.com/alexngai/gitswarm/internal/store"
	"github.com/alexngai/gitswarm/internal/stream"
	"github.com/alexngai/gitswarm/internal/syncproto"
)

// Context is the bundle every CLI command operates against.
type Context struct {
	RepoDir string // the working copy root (holds .git and .gitswarm/*.yaml)
	DataDir string // ~/.gitswarm/<slug> — db, lock file, local state (worktrees live under RepoDir/.worktrees, not here)

	DB     store.Backend
	Git    *gitadapter.Adapter
	Agents *agent.Store
	Reviews *review.Book
	Policy *policy.Engine
	Repos  *policy.RepoStore
	Streams *stream.Registry
	Lock   *bufferlock.Serializer
	Queue  *syncproto.Queue
	Sync   *syncproto.Client // nil until connectServer
	Events *eventbus.Bus
	Stages *reposerve.Engine
	Merge  *merge.Orchestrator
	Stabilizer *stabilize.Stabilizer
	Promoter   *promote.Promoter

	RepoConfig    *config.RepoConfig
	PluginsConfig *config.PluginsConfig
	Local         *config.LocalState

	Log zerolog.Logger
}

// findRepoRoot walks up from startPath looking for a .gitswarm directory,
// the marker a `gitswarm init` leaves behind.
func findRepoRoot(startPath string) (string, error) {
	dir, err := filepath.Abs(startPath)
	if err != nil {
		return "", fmt.Errorf("resolve start path: %w", err)
	}
	for {
		if fi, err := os.Stat(filepath.Join(dir, ".gitswarm")); err == nil && fi.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", gserr.New(gserr.NotFound, "repo_not_found", startPath)
		}
		dir = parent
	}
}

func slugFor(repoDir string) string {
	return filepath.Base(repoDir)
}

// Open implements spec §4.10's open(startPath): walks up to find the
// gitswarm data dir, loads local config, applies repo-embedded config onto
// the policy tables (idempotent), restores the sync client from saved
// connection state if present, and warns about plugins that require a
// remote.
func Open(startPath string) (*Context, error) {
	repoDir, err := findRepoRoot(startPath)
	if err != nil {
		return nil, err
	}
	return open(repoDir, gslog.New(nil, "info"))
}

func open(repoDir string, log zerolog.Logger) (*Context, error) {
	dataDir := filepath.Dir(mustDBPath(repoDir))
	dbPath := filepath.Join(dataDir, "gitswarm.db")

	db, err := store.OpenSQLite(dbPath, "")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	local, err := config.LoadLocalState(dataDir)
	if err != nil {
		db.Close()
		return nil, err
	}

	c, err := build(repoDir, dataDir, db, local, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := c.applyRepoConfig(context.Background()); err != nil {
		return nil, err
	}
	c.warnPluginsNeedingRemote()

	if local.ServerURL != "" {
		c.Sync = syncproto.NewClient(local.ServerURL, local.AgentID, nil, c.Queue, c.Repos, log)
	}

	return c, nil
}

func mustDBPath(repoDir string) string {
	p, err := store.DefaultDBPath(slugFor(repoDir))
	if err != nil {
		// HOME unset is not recoverable; fall back to a directory alongside
		// the repo rather than failing Open outright.
		return filepath.Join(repoDir, ".gitswarm", "data", "gitswarm.db")
	}
	return p
}

// InitOptions mirrors the `gitswarm init` flags (spec §6 CLI surface).
type InitOptions struct {
	MergeMode        string
	OwnershipModel   string
	ConsensusThresh  float64
	MinReviews       int
	BufferBranch     string
	PromoteTarget    string
	StabilizeCommand string
}

// Init implements spec §4.10's init(path, options): creates the repo data
// directory, the repo-embedded .gitswarm/repo.yaml, and the single
// Repository row.
func Init(repoDir string, o InitOptions) (*Context, error) {
	gitswarmDir := filepath.Join(repoDir, ".gitswarm")
	if err := os.MkdirAll(gitswarmDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", gitswarmDir, err)
	}

	rc := &config.RepoConfig{
		MergeMode:          defaultStr(o.MergeMode, "review"),
		OwnershipModel:     defaultStr(o.OwnershipModel, "guild"),
		ConsensusThreshold: defaultFloat(o.ConsensusThresh, 0.6),
		MinReviews:         defaultInt(o.MinReviews, 1),
		HumanReviewWeight:  1.5,
		BufferBranch:       defaultStr(o.BufferBranch, "buffer"),
		PromoteTarget:      defaultStr(o.PromoteTarget, "main"),
		StabilizeCommand:   o.StabilizeCommand,
		AutoPromoteOnGreen: false,
		AutoRevertOnRed:    false,
	}
	if err := writeRepoConfigYAML(filepath.Join(gitswarmDir, "repo.yaml"), rc); err != nil {
		return nil, err
	}

	log := gslog.New(nil, "info")
	dataDir := filepath.Dir(mustDBPath(repoDir))
	dbPath := filepath.Join(dataDir, "gitswarm.db")
	db, err := store.OpenSQLite(dbPath, "")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	local := &config.LocalState{}
	c, err := build(repoDir, dataDir, db, local, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	if _, err := c.Repos.Init(context.Background(), policy.InitOpts{
		DisplayName:      slugFor(repoDir),
		MergeMode:        model.MergeMode(rc.MergeMode),
		OwnershipModel:   model.OwnershipModel(rc.OwnershipModel),
		ConsensusThresh:  o.ConsensusThresh,
		MinReviews:       o.MinReviews,
		BufferBranch:     rc.BufferBranch,
		PromoteTarget:    rc.PromoteTarget,
		StabilizeCommand: rc.StabilizeCommand,
	}); err != nil {
		return nil, err
	}

	c.RepoConfig = rc
	c.PluginsConfig = &config.PluginsConfig{}
	return c, nil
}

func defaultStr(v, d string) string {
	if v == "" {
		return d
	}
	return v
}
func defaultFloat(v, d float64) float64 {
	if v == 0 {
		return d
	}
	return v
}
func defaultInt(v, d int) int {
	if v == 0 {
		return d
	}
	return v
}

// build wires every component against an already-open db, the way
// internal/session bundles its run-scoped dependencies in one place.
func build(repoDir, dataDir string, db store.Backend, local *config.LocalState, log zerolog.Logger) (*Context, error) {
	git := gitadapter.New(nil, repoDir)
	agents := agent.New(db)
	reviews := review.New(db)
	repos := policy.NewRepoStore(db)
	policyEngine := policy.NewEngine(repos, agents, reviews)
	streams := stream.New(db, git, policyEngine, log)
	lock := bufferlock.New(filepath.Join(dataDir, "merge.lock"), bufferlock.DefaultTimeout)
	queue := syncproto.NewQueue(db)
	events := eventbus.New(db, log)
	stages := reposerve.New(db, repos)

	c := &Context{
		RepoDir: repoDir, DataDir: dataDir,
		DB: db, Git: git, Agents: agents, Reviews: reviews,
		Policy: policyEngine, Repos: repos, Streams: streams,
		Lock: lock, Queue: queue, Events: events, Stages: stages,
		Local: local, Log: log,
	}

	mergeOrch := merge.New(db, git, policyEngine, streams, repos, lock, c, eventEmitterFunc(c.emit), log)
	c.Merge = mergeOrch
	c.Promoter = promote.New(db, git, policyEngine, repos, eventEmitterFunc(c.emit), log)
	c.Stabilizer = stabilize.New(db, git, repos, streams, stabilize.ShellRunner{Dir: repoDir}, promoteAdapter{c}, eventEmitterFunc(c.emit), log)

	rc, err := config.LoadRepoConfig(filepath.Join(repoDir, config.RepoConfigFile))
	if err != nil {
		// repo-embedded config is optional pre-init; Init() writes it, Open()
		// requires it.
		rc = nil
	}
	c.RepoConfig = rc

	pc, err := config.LoadPluginsConfig(filepath.Join(repoDir, config.PluginsConfigFile))
	if err != nil {
		return nil, err
	}
	c.PluginsConfig = pc

	return c, nil
}

// eventEmitterFunc adapts a plain function to merge.EventEmitter /
// stabilize.EventEmitter / promote.EventEmitter, all of which share the
// same single-method shape.
type eventEmitterFunc func(ctx context.Context, eventType string, payload map[string]any)

func (f eventEmitterFunc) Emit(ctx context.Context, eventType string, payload map[string]any) {
	f(ctx, eventType, payload)
}

// emit fans an internal lifecycle event out to both the Event Bus (local
// automations) and the Sync Protocol (remote event stream), per spec §2's
// data-flow description: "on each lifecycle transition the CLI Context (b)
// invokes built-in plugins through the Event Bus, (c) pushes an event to
// the Sync Protocol."
func (c *Context) emit(ctx context.Context, eventType string, payload map[string]any) {
	repoID, _ := payload["repo"].(string)
	c.Events.Emit(ctx, eventType, repoID, payload)

	body, err := json.Marshal(payload)
	if err != nil {
		gslog.Err(c.Log, "marshal event payload for sync", err)
		return
	}
	if c.Sync != nil {
		if err := c.Sync.Enqueue(ctx, eventType, string(body)); err != nil {
			gslog.Err(c.Log, "enqueue sync event", err)
		}
		return
	}
	if err := c.Queue.Enqueue(ctx, eventType, string(body)); err != nil {
		gslog.Err(c.Log, "enqueue offline event", err)
	}
}

// promoteAdapter narrows *promote.Promoter to stabilize.Promoter's single
// method, keeping the stabilize package's import graph free of the promote
// package (spec §9's narrow-interface pattern, reused at the wiring layer).
type promoteAdapter struct{ c *Context }

func (p promoteAdapter) Promote(ctx context.Context, tag, agentID string) error {
	return p.c.Promoter.Promote(ctx, tag, agentID)
}

// RequestMerge / Enqueue / FlushQueue / CheckConsensusRemote / Reachable
// satisfy merge.RemoteClient by delegating to the sync client when
// connected, and reporting "no remote" otherwise — mirroring spec §4.4's
// "gated-without-remote" / "local consensus" fallback paths.
func (c *Context) RequestMerge(ctx context.Context, repoID, streamID string) (approved bool, bufferBranch string, err error) {
	if c.Sync == nil {
		return false, "", gserr.New(gserr.Network, "server_unavailable", "no remote configured")
	}
	return c.Sync.RequestMerge(ctx, repoID, streamID)
}

func (c *Context) FlushQueue(ctx context.Context) ([]string, error) {
	if c.Sync == nil {
		return nil, gserr.New(gserr.Network, "server_unavailable", "no remote configured")
	}
	return c.Sync.FlushQueue(ctx)
}

func (c *Context) CheckConsensusRemote(ctx context.Context, repoID, streamID string) (policy.ConsensusResult, error) {
	if c.Sync == nil {
		return policy.ConsensusResult{}, gserr.New(gserr.Network, "server_unavailable", "no remote configured")
	}
	return c.Sync.CheckConsensusRemote(ctx, repoID, streamID)
}

func (c *Context) Enqueue(ctx context.Context, eventType string, payloadJSON string) error {
	if c.Sync != nil {
		return c.Sync.Enqueue(ctx, eventType, payloadJSON)
	}
	return c.Queue.Enqueue(ctx, eventType, payloadJSON)
}

func (c *Context) Reachable() bool {
	return c.Sync != nil && c.Sync.Reachable()
}

// Connected reports whether a coordinator has ever been configured
// (gitswarm connect has run), independent of whether it's reachable right
// now. merge.RemoteClient uses this to tell "no coordinator configured"
// (gated mode's local-maintainer bypass applies) apart from "coordinator
// configured but currently unreachable" (gated mode must queue and fail,
// never bypass locally).
func (c *Context) Connected() bool {
	return c.Sync != nil
}

// Close releases the storage handle. CLI commands defer this after Open/Init.
func (c *Context) Close() error {
	return c.DB.Close()
}

// applyRepoConfig implements spec §4.10 step 2: "Applies any repo-embedded
// configuration onto the local policy tables (idempotent)." It re-derives
// the RepoConfig's coerced fields and writes them onto the single
// Repository row every time Open runs, so editing .gitswarm/repo.yaml by
// hand takes effect on the next command without a separate "apply" step.
func (c *Context) applyRepoConfig(ctx context.Context) error {
	if c.RepoConfig == nil {
		return nil
	}
	repo, err := c.Repos.Sole(ctx)
	if err != nil {
		if gserr.Is(err, "repo_not_found") {
			return nil // not yet initialized; Init() will create the row
		}
		return err
	}

	errs := config.ValidateRepoConfig(c.RepoConfig, c.PluginsConfig)
	for _, e := range errs {
		c.Log.Warn().Str("field", e.Field).Str("message", e.Message).Msg("bad_config")
	}

	threshold := repo.ConsensusThreshold
	if n, ok := config.CoerceNumber(c.RepoConfig.ConsensusThreshold); ok {
		threshold = n
	}
	minReviews := repo.MinReviews
	if n, ok := config.CoerceNumber(c.RepoConfig.MinReviews); ok {
		minReviews = int(n)
	}
	humanWeight := repo.HumanReviewWeight
	if n, ok := config.CoerceNumber(c.RepoConfig.HumanReviewWeight); ok {
		humanWeight = n
	}

	_, err = c.DB.Exec(ctx, fmt.Sprintf(`UPDATE %s SET
		merge_mode=$1, ownership_model=$2, consensus_threshold=$3, min_reviews=$4,
		human_review_weight=$5, buffer_branch=$6, promote_target=$7, stabilize_command=$8,
		auto_promote_on_green=$9, auto_revert_on_red=$10 WHERE id=$11`, c.DB.Table("repos")),
		c.RepoConfig.MergeMode, c.RepoConfig.OwnershipModel, threshold, minReviews, humanWeight,
		c.RepoConfig.BufferBranch, c.RepoConfig.PromoteTarget, c.RepoConfig.StabilizeCommand,
		boolToInt(config.CoerceBool(c.RepoConfig.AutoPromoteOnGreen)), boolToInt(config.CoerceBool(c.RepoConfig.AutoRevertOnRed)),
		repo.ID)
	if err != nil {
		return fmt.Errorf("apply repo config: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// warnPluginsNeedingRemote implements spec §4.10 step 4: declared plugins
// whose tier is ai/governance never execute locally (eventbus.Register
// already enforces this); Open additionally logs a heads-up at the
// federation level so an operator without a coordinator configured knows
// why those plugins are silent.
func (c *Context) warnPluginsNeedingRemote() {
	if c.PluginsConfig == nil || c.Sync != nil {
		return
	}
	for _, p := range c.PluginsConfig.Plugins {
		if p.Tier == "ai" || p.Tier == "governance" {
			c.Log.Warn().Str("plugin", p.Name).Str("tier", p.Tier).
				Msg("plugin declared with a non-automation tier but no remote coordinator is configured; it will never execute locally")
		}
	}
}

func writeRepoConfigYAML(path string, rc *config.RepoConfig) error {
	data, err := yaml.Marshal(rc)
	if err != nil {
		return fmt.Errorf("marshal repo config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ConnectOptions mirrors the `gitswarm connect` flags (spec §6 CLI surface).
type ConnectOptions struct {
	URL     string
	APIKey  string
	AgentID string
}

// ConnectServer implements spec §4.10's connectServer({url, apiKey,
// agentId}): persists connection state, calls registerRepo if needed,
// flips consensus_authority to 'server' (the split-brain-prevention rule
// spec §4.7 requires), and flushes any queued events.
func (c *Context) ConnectServer(ctx context.Context, o ConnectOptions) error {
	c.Sync = syncproto.NewClient(o.URL, o.APIKey, nil, c.Queue, c.Repos, c.Log)

	repo, err := c.Repos.Sole(ctx)
	if err != nil {
		return err
	}
	if repo.ConsensusAuthority != model.AuthorityServer {
		if err := c.Sync.RegisterRepo(ctx, repo.ID, repo.DisplayName); err != nil {
			return err
		}
	}

	c.Local.ServerURL = o.URL
	c.Local.AgentID = o.AgentID
	if err := config.SaveLocalState(c.DataDir, c.Local); err != nil {
		return err
	}

	if _, err := c.Sync.FlushQueue(ctx); err != nil {
		gslog.Err(c.Log, "flush queue after connect", err)
	}
	return nil
}
