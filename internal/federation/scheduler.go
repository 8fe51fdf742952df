// Scheduler implements the daemon mode referenced, but never specified, by
// spec.md §5 ("stabilize... run[s] periodically or on demand"). Grounded on
// the teacher's internal/web.Server as the precedent for a long-running CLI
// subcommand that outlives a single command invocation, wired here to
// robfig/cron/v3 rather than the teacher's bare http.ListenAndServe loop
// since the work to schedule is a set of ticks, not requests.
package federation

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alexngai/gitswarm/internal/config"
	"github.com/alexngai/gitswarm/internal/gserr"
	"github.com/alexngai/gitswarm/internal/gslog"
	"github.com/alexngai/gitswarm/internal/store"
)

// SchedulerOptions controls the three ticks `gitswarm serve` runs. A zero
// interval disables that tick entirely.
type SchedulerOptions struct {
	StabilizeEvery time.Duration
	SyncPollEvery  time.Duration
	SyncFlushEvery time.Duration
}

// Scheduler wraps a cron.Cron with the three jobs `gitswarm serve` ticks
// against a single Context: stabilize, sync poll, sync flush. Each job run
// is independent of the others and of any interactive command running
// concurrently against the same repo — bufferlock.Serializer and the sync
// queue already make that safe (spec §5's concurrency model).
type Scheduler struct {
	cron *cron.Cron
	c    *Context
}

// NewScheduler builds a Scheduler around an already-open Context and
// registers whichever jobs have a non-zero interval. A job that fails
// logs and waits for its next tick rather than stopping the scheduler.
func NewScheduler(c *Context, o SchedulerOptions) (*Scheduler, error) {
	s := &Scheduler{cron: cron.New(), c: c}

	if o.StabilizeEvery > 0 {
		if _, err := s.cron.AddFunc(everySpec(o.StabilizeEvery), s.runStabilize); err != nil {
			return nil, err
		}
	}
	if o.SyncPollEvery > 0 {
		if _, err := s.cron.AddFunc(everySpec(o.SyncPollEvery), s.runSyncPoll); err != nil {
			return nil, err
		}
	}
	if o.SyncFlushEvery > 0 {
		if _, err := s.cron.AddFunc(everySpec(o.SyncFlushEvery), s.runSyncFlush); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func everySpec(d time.Duration) string {
	return "@every " + d.String()
}

// Run starts the cron scheduler and blocks until ctx is cancelled, then
// stops it and waits (up to 10s) for any in-flight job to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(10 * time.Second):
	}
	return ctx.Err()
}

func (s *Scheduler) runStabilize() {
	ctx := context.Background()
	repo, err := s.c.Repos.Sole(ctx)
	if err != nil {
		gslog.Err(s.c.Log, "serve: stabilize tick: lookup repo", err)
		return
	}
	result, err := s.c.Stabilizer.Stabilize(ctx, repo.ID)
	if err != nil {
		gslog.Err(s.c.Log, "serve: stabilize tick", err)
		return
	}
	s.c.Log.Info().Str("result", string(result.Result)).Str("tag", result.Tag).Msg("serve: stabilize tick complete")
}

func (s *Scheduler) runSyncPoll() {
	ctx := context.Background()
	if s.c.Sync == nil {
		return // not connected; nothing to poll
	}
	since := time.Time{}
	if s.c.Local.LastPoll != "" {
		since, _ = time.Parse(time.RFC3339, s.c.Local.LastPoll)
	}
	if _, err := s.c.Sync.PollUpdates(ctx, since, s.c.Local.AgentID); err != nil {
		gslog.Err(s.c.Log, "serve: sync poll tick", err)
		return
	}
	s.c.Local.LastPoll = store.NowRFC3339()
	if err := config.SaveLocalState(s.c.DataDir, s.c.Local); err != nil {
		gslog.Err(s.c.Log, "serve: sync poll tick: save local state", err)
	}
}

func (s *Scheduler) runSyncFlush() {
	ctx := context.Background()
	if s.c.Sync == nil {
		return
	}
	failed, err := s.c.Sync.FlushQueue(ctx)
	if err != nil {
		gslog.Err(s.c.Log, "serve: sync flush tick", err)
		return
	}
	if len(failed) > 0 {
		s.c.Log.Warn().Strs("failed_event_types", failed).Msg("serve: sync flush tick left events queued")
	}
	s.c.Local.LastSync = store.NowRFC3339()
	if err := config.SaveLocalState(s.c.DataDir, s.c.Local); err != nil {
		gslog.Err(s.c.Log, "serve: sync flush tick: save local state", err)
	}
}

// ParseInterval rejects a negative interval; zero means "disabled" and is
// allowed through so callers can turn a tick off entirely.
func ParseInterval(d time.Duration) error {
	if d < 0 {
		return gserr.New(gserr.Validation, "invalid_interval", "interval must not be negative")
	}
	return nil
}
