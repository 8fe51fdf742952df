// Package eventbus implements the Event Bus / Plugin Runner (spec §4.8):
// deterministic in-process triggers fired from lifecycle points, with a
// per-plugin safe-outputs budget, in-memory token-bucket rate limiting (grounded on
// r3e-network-service_layer's infrastructure/ratelimit, golang.org/x/time/rate),
// and 1h idempotence for consensus events.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rs/zerolog"

	"github.com/alexngai/gitswarm/internal/model"
	"github.com/alexngai/gitswarm/internal/store"
)

// Triggers is the fixed lifecycle-point vocabulary spec §4.8 names.
var Triggers = []string{
	"stream_created", "commit", "review_submitted", "stream_merged",
	"stabilization_passed", "stabilization_failed",
	"consensus_reached", "consensus_blocked", "promote",
}

var idempotentTriggers = map[string]bool{"consensus_reached": true, "consensus_blocked": true}

// IdempotenceWindow is spec §4.8's fixed 1h consensus-event dedup window.
const IdempotenceWindow = time.Hour

// SafeOutputCap declares one safe-outputs budget line, e.g. {Action:
// "create-comment", Max: 5} or {Action: "add-label", Labels: [...]}.
type SafeOutputCap struct {
	Action string
	Max    int
	Labels []string
}

// Plugin is {name, trigger, tier, execute(ctx)} per spec §4.8.
type Plugin struct {
	Name    string
	Trigger string
	Tier    model.PluginTier
	Caps    []SafeOutputCap
	RateRPS float64 // token-bucket rate in events/second, held in memory per process (not derived from plugin_executions history); 0 disables rate limiting for this plugin
	Execute func(ctx context.Context, payload map[string]any) error
}

type pluginState struct {
	plugin  Plugin
	limiter *rate.Limiter
	usage   map[string]int // action -> count used against its cap this process lifetime
}

// Bus runs automation-tier plugins and tracks everything needed to evaluate
// non-automation tiers' skip/warn path and consensus idempotence.
type Bus struct {
	db      store.Backend
	mu      sync.Mutex
	plugins map[string]*pluginState
	log     zerolog.Logger
}

func New(db store.Backend, log zerolog.Logger) *Bus {
	return &Bus{db: db, plugins: map[string]*pluginState{}, log: log}
}

// Register adds a plugin. Non-automation tiers are recognized but never
// executed locally (spec §4.8: "AI and governance tiers are recognized but
// their execution is delegated to a remote dispatcher"); registering one
// logs plugins_skipped_no_server once, at startup, per spec wording.
func (b *Bus) Register(p Plugin) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p.Tier != model.TierAutomation {
		b.log.Warn().Str("plugin", p.Name).Str("tier", string(p.Tier)).Msg("plugins_skipped_no_server")
		return
	}

	var limiter *rate.Limiter
	if p.RateRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.RateRPS), int(p.RateRPS*2)+1)
	}
	b.plugins[p.Name] = &pluginState{plugin: p, limiter: limiter, usage: map[string]int{}}
}

// Emit fires every automation-tier plugin registered for eventType,
// recording a plugin_executions row per firing (spec §4.8).
func (b *Bus) Emit(ctx context.Context, eventType string, repoID string, payload map[string]any) {
	b.mu.Lock()
	candidates := make([]*pluginState, 0, len(b.plugins))
	for _, st := range b.plugins {
		if st.plugin.Trigger == eventType {
			candidates = append(candidates, st)
		}
	}
	b.mu.Unlock()

	for _, st := range candidates {
		b.fireOne(ctx, repoID, eventType, st, payload)
	}
}

func (b *Bus) fireOne(ctx context.Context, repoID, eventType string, st *pluginState, payload map[string]any) {
	streamID, _ := payload["stream"].(string)
	if idempotentTriggers[eventType] && streamID != "" {
		if fired, err := b.firedRecently(ctx, repoID, st.plugin.Name, eventType, streamID); err != nil {
			b.log.Warn().Err(err).Msg("failed to check consensus-event idempotence; firing anyway")
		} else if fired {
			b.record(ctx, repoID, eventType, st.plugin.Name, model.PluginSkipped, streamID)
			return
		}
	}

	if st.limiter != nil && !st.limiter.Allow() {
		b.record(ctx, repoID, eventType, st.plugin.Name, model.PluginRateLimited, streamID)
		return
	}

	if action, ok := primaryAction(st.plugin); ok {
		b.mu.Lock()
		budget := capFor(st.plugin, action)
		used := st.usage[action]
		if budget > 0 && used >= budget {
			b.mu.Unlock()
			b.record(ctx, repoID, eventType, st.plugin.Name, model.PluginBlocked, streamID)
			return
		}
		st.usage[action] = used + 1
		b.mu.Unlock()
	}

	if err := st.plugin.Execute(ctx, payload); err != nil {
		b.log.Warn().Err(err).Str("plugin", st.plugin.Name).Msg("plugin execution failed")
		b.record(ctx, repoID, eventType, st.plugin.Name, model.PluginError, streamID)
		return
	}
	b.record(ctx, repoID, eventType, st.plugin.Name, model.PluginExecuted, streamID)
}

func primaryAction(p Plugin) (string, bool) {
	if len(p.Caps) == 0 {
		return "", false
	}
	return p.Caps[0].Action, true
}

func capFor(p Plugin, action string) int {
	for _, c := range p.Caps {
		if c.Action == action {
			return c.Max
		}
	}
	return 0
}

func (b *Bus) firedRecently(ctx context.Context, repoID, pluginName, trigger, streamID string) (bool, error) {
	cutoff := time.Now().UTC().Add(-IdempotenceWindow).Format(time.RFC3339)
	qr, err := b.db.Query(ctx, fmt.Sprintf(
		"SELECT * FROM %s WHERE repo = $1 AND plugin = $2 AND trigger_name = $3 AND status = $4 AND at >= $5 AND safe_outputs LIKE $6",
		b.db.Table("plugin_executions")), repoID, pluginName, trigger, string(model.PluginExecuted), cutoff, "%"+streamID+"%")
	if err != nil {
		return false, fmt.Errorf("check idempotence: %w", err)
	}
	return len(qr.Rows) > 0, nil
}

func (b *Bus) record(ctx context.Context, repoID, trigger, pluginName string, status model.PluginStatus, streamID string) {
	safeOutputs := "{}"
	if streamID != "" {
		safeOutputs = fmt.Sprintf(`{"stream":%q}`, streamID)
	}
	_, err := b.db.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (repo, trigger_name, plugin, status, at, safe_outputs) VALUES ($1,$2,$3,$4,$5,$6)",
		b.db.Table("plugin_executions")), repoID, trigger, pluginName, string(status), store.NowRFC3339(), safeOutputs)
	if err != nil {
		b.log.Warn().Err(err).Msg("failed to record plugin execution")
	}
}
