// Package syncproto implements the Sync Protocol (spec §4.7): bidirectional
// idempotent event exchange between the local CLI and a remote coordinator,
// offline queueing, ordered flush, and split-brain prevention.
package syncproto

import (
	"context"
	"fmt"

	"github.com/alexngai/gitswarm/internal/store"
)

// Queue is the persistent, strictly-FIFO sync_queue table (spec §3 Sync
// Queue Entry, §5 "strictly FIFO by insertion sequence").
type Queue struct {
	db store.Backend
}

func NewQueue(db store.Backend) *Queue { return &Queue{db: db} }

// Enqueue appends an event; seq is assigned by the autoincrement primary key
// so insertion order is preserved without a separate sequence counter.
func (q *Queue) Enqueue(ctx context.Context, eventType string, payloadJSON string) error {
	_, err := q.db.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s (event_type, payload, attempts, last_error, created_at) VALUES ($1,$2,0,'',$3)", q.db.Table("sync_queue")),
		eventType, payloadJSON, store.NowRFC3339())
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", eventType, err)
	}
	return nil
}

// Pending returns up to limit queue rows in FIFO order (seq ascending).
func (q *Queue) Pending(ctx context.Context, limit int) ([]QueueRow, error) {
	qr, err := q.db.Query(ctx, fmt.Sprintf("SELECT * FROM %s ORDER BY seq ASC LIMIT $1", q.db.Table("sync_queue")), limit)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	out := make([]QueueRow, 0, len(qr.Rows))
	for _, r := range qr.Rows {
		out = append(out, QueueRow{
			Seq:       int64(r.Int("seq")),
			EventType: r.Str("event_type"),
			Payload:   r.Str("payload"),
			Attempts:  r.Int("attempts"),
			LastError: r.Str("last_error"),
		})
	}
	return out, nil
}

func (q *Queue) Delete(ctx context.Context, seq int64) error {
	_, err := q.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE seq = $1", q.db.Table("sync_queue")), seq)
	return err
}

func (q *Queue) MarkFailed(ctx context.Context, seq int64, errMsg string) error {
	_, err := q.db.Exec(ctx, fmt.Sprintf("UPDATE %s SET attempts = attempts + 1, last_error = $1 WHERE seq = $2", q.db.Table("sync_queue")), errMsg, seq)
	return err
}

// Len reports the number of currently queued entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	qr, err := q.db.Query(ctx, fmt.Sprintf("SELECT COUNT(*) AS n FROM %s", q.db.Table("sync_queue")))
	if err != nil {
		return 0, err
	}
	if len(qr.Rows) == 0 {
		return 0, nil
	}
	return qr.Rows[0].Int("n"), nil
}

// QueueRow is the in-memory shape of a sync_queue row.
type QueueRow struct {
	Seq       int64
	EventType string
	Payload   string
	Attempts  int
	LastError string
}

// reviewCriticalTypes are the event types spec §4.4 step 6 and P8 require a
// merge to block on if unflushed.
var reviewCriticalTypes = map[string]bool{
	"review":        true,
	"submit_review": true,
}

func IsReviewCritical(eventType string) bool { return reviewCriticalTypes[eventType] }
