// Package bufferlock implements the Buffer Merge Serializer (spec §4.3): an
// exclusive, persistent file lock guaranteeing at-most-one concurrent merge
// to the buffer branch system-wide. Grounded directly on the teacher's
// internal/triage.acquireAdvanceLock (same create-exclusive + staleness
// mechanism; the teacher's 30-minute staleness window becomes the spec's
// configurable 120-second default here).
package bufferlock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alexngai/gitswarm/internal/gserr"
)

// DefaultTimeout is spec §4.3's default stale-lock timeout (120 000 ms).
const DefaultTimeout = 120 * time.Second

// lockRecord is the persisted shape spec §6 requires: "{agent_id,
// acquired_at, pid}".
type lockRecord struct {
	HolderAgent string    `json:"agent_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
	PID         int       `json:"pid"`
}

// Serializer guards one lock file per repository data directory.
type Serializer struct {
	path    string
	timeout time.Duration
}

// New creates a Serializer whose lock file lives at path (spec §6:
// "A transient merge lock file with {agent_id, acquired_at, pid}").
func New(path string, timeout time.Duration) *Serializer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Serializer{path: path, timeout: timeout}
}

// AcquireResult is acquire()'s return shape (spec §4.3).
type AcquireResult struct {
	Acquired bool
	Holder   string
	AgeMs    int64
	Reason   string
}

// Acquire attempts to take the lock for holder, breaking it first if it is
// older than the configured timeout.
func (s *Serializer) Acquire(holder string) (AcquireResult, func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return AcquireResult{}, nil, fmt.Errorf("mkdir lock dir: %w", err)
	}

	if existing, err := s.read(); err == nil {
		age := time.Since(existing.AcquiredAt)
		if age < s.timeout {
			return AcquireResult{Acquired: false, Holder: existing.HolderAgent, AgeMs: age.Milliseconds(), Reason: "lock_held"}, noop, nil
		}
		// Stale: break it before retrying the exclusive create.
		_ = os.Remove(s.path)
	}

	rec := lockRecord{HolderAgent: holder, AcquiredAt: time.Now().UTC(), PID: os.Getpid()}
	data, err := json.Marshal(rec)
	if err != nil {
		return AcquireResult{}, nil, fmt.Errorf("marshal lock record: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			if existing, rerr := s.read(); rerr == nil {
				age := time.Since(existing.AcquiredAt)
				return AcquireResult{Acquired: false, Holder: existing.HolderAgent, AgeMs: age.Milliseconds(), Reason: "lock_held"}, noop, nil
			}
			return AcquireResult{Acquired: false, Reason: "lock_held"}, noop, nil
		}
		return AcquireResult{}, nil, fmt.Errorf("create lock file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return AcquireResult{}, nil, fmt.Errorf("write lock file: %w", err)
	}

	release := func() { _ = os.Remove(s.path) }
	return AcquireResult{Acquired: true, Holder: holder}, release, nil
}

func (s *Serializer) read() (lockRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return lockRecord{}, err
	}
	var rec lockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return lockRecord{}, err
	}
	return rec, nil
}

func noop() {}

// MustAcquire is a convenience wrapper returning gserr.Concurrency/lock_held
// on contention, used by callers (e.g. the merge orchestrator) that want a
// single error value instead of branching on AcquireResult themselves.
func (s *Serializer) MustAcquire(holder string) (func(), error) {
	res, release, err := s.Acquire(holder)
	if err != nil {
		return nil, err
	}
	if !res.Acquired {
		return nil, gserr.New(gserr.Concurrency, "lock_held", fmt.Sprintf("held by %s for %dms", res.Holder, res.AgeMs))
	}
	return release, nil
}
