// Package review implements the Review Book (spec §3, §4.1): per-stream
// reviews with an idempotent upsert by (stream, reviewer).
package review

import (
	"context"
	"fmt"

	"github.com/alexngai/gitswarm/internal/gserr"
	"github.com/alexngai/gitswarm/internal/model"
	"github.com/alexngai/gitswarm/internal/store"
)

type Book struct {
	db store.Backend
}

func New(db store.Backend) *Book { return &Book{db: db} }

// StreamOwnerLookup is the narrow interface Submit needs to reject
// self-review (spec §3: "Self-review (reviewer = stream owner) is
// forbidden"), kept narrow per spec §9's re-architecture note rather than
// depending on the whole stream.Registry.
type StreamOwnerLookup interface {
	OwnerOf(ctx context.Context, streamID string) (string, error)
}

// Submit upserts a review verdict (spec P4: idempotent per (stream,
// reviewer); later submissions overwrite verdict and refresh timestamp).
// `reject` is normalized to `request_changes` by the CLI layer before this
// is called (spec §6 CLI surface).
func (b *Book) Submit(ctx context.Context, owners StreamOwnerLookup, streamID, reviewer string, verdict model.Verdict, feedback string, isHuman, tested bool) error {
	switch verdict {
	case model.VerdictApprove, model.VerdictRequestChanges, model.VerdictComment:
	default:
		return gserr.New(gserr.Validation, "invalid_verdict", string(verdict))
	}

	owner, err := owners.OwnerOf(ctx, streamID)
	if err != nil {
		return err
	}
	if owner == reviewer {
		return gserr.New(gserr.PermissionDenied, "self_review_forbidden", "stream owner cannot review their own stream")
	}

	_, err = b.db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (stream, reviewer, verdict, feedback, is_human, tested, reviewed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT(stream, reviewer) DO UPDATE SET
			verdict = excluded.verdict, feedback = excluded.feedback,
			is_human = excluded.is_human, tested = excluded.tested, reviewed_at = excluded.reviewed_at
	`, b.db.Table("stream_reviews")),
		streamID, reviewer, string(verdict), feedback, isHuman, tested, store.NowRFC3339())
	if err != nil {
		return fmt.Errorf("upsert review: %w", err)
	}
	return nil
}

// ListForStream satisfies policy.ReviewLookup.
func (b *Book) ListForStream(ctx context.Context, streamID string) ([]model.Review, error) {
	qr, err := b.db.Query(ctx, fmt.Sprintf("SELECT * FROM %s WHERE stream = $1", b.db.Table("stream_reviews")), streamID)
	if err != nil {
		return nil, fmt.Errorf("query reviews: %w", err)
	}
	reviews := make([]model.Review, 0, len(qr.Rows))
	for _, r := range qr.Rows {
		reviews = append(reviews, rowToReview(r))
	}
	return reviews, nil
}

func rowToReview(r store.Row) model.Review {
	return model.Review{
		Stream:     r.Str("stream"),
		Reviewer:   r.Str("reviewer"),
		Verdict:    model.Verdict(r.Str("verdict")),
		Feedback:   r.Str("feedback"),
		IsHuman:    r.Bool("is_human"),
		Tested:     r.Bool("tested"),
		ReviewedAt: r.Time("reviewed_at"),
	}
}
