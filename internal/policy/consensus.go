package policy

import (
	"context"
	"math"

	"github.com/alexngai/gitswarm/internal/model"
)

// ConsensusResult is checkConsensus's return shape (spec §4.1).
type ConsensusResult struct {
	Reached bool
	Reason  string
	Metrics map[string]float64
}

// CheckConsensus implements spec §4.1's ownership-specific consensus math
// exactly, including the exact scenarios worked in spec §8 S2.
func (e *Engine) CheckConsensus(ctx context.Context, repo *model.Repository, streamID string) (ConsensusResult, error) {
	if repo.MergeMode == model.MergeSwarm {
		return ConsensusResult{Reached: true, Reason: "swarm_mode"}, nil
	}

	reviews, err := e.reviews.ListForStream(ctx, streamID)
	if err != nil {
		return ConsensusResult{}, err
	}
	if len(reviews) < repo.MinReviews {
		return ConsensusResult{Reason: "insufficient_reviews", Metrics: map[string]float64{"reviews": float64(len(reviews)), "min_reviews": float64(repo.MinReviews)}}, nil
	}

	switch repo.OwnershipModel {
	case model.OwnershipSolo:
		return e.consensusSolo(ctx, repo, reviews)
	case model.OwnershipGuild:
		return e.consensusGuild(ctx, repo, reviews)
	default:
		return e.consensusOpen(ctx, repo, reviews)
	}
}

func (e *Engine) consensusSolo(ctx context.Context, repo *model.Repository, reviews []model.Review) (ConsensusResult, error) {
	for _, rv := range reviews {
		if rv.Verdict != model.VerdictApprove {
			continue
		}
		m, err := e.repos.GetMaintainer(ctx, repo.ID, rv.Reviewer)
		if err != nil {
			return ConsensusResult{}, err
		}
		if m != nil {
			return ConsensusResult{Reached: true, Reason: "maintainer_approved"}, nil
		}
	}
	return ConsensusResult{Reason: "awaiting_owner"}, nil
}

func (e *Engine) consensusGuild(ctx context.Context, repo *model.Repository, reviews []model.Review) (ConsensusResult, error) {
	var approvals, rejections int
	for _, rv := range reviews {
		m, err := e.repos.GetMaintainer(ctx, repo.ID, rv.Reviewer)
		if err != nil {
			return ConsensusResult{}, err
		}
		if m == nil {
			continue
		}
		switch rv.Verdict {
		case model.VerdictApprove:
			approvals++
		case model.VerdictRequestChanges:
			rejections++
		}
	}
	total := approvals + rejections
	metrics := map[string]float64{"maintainer_approvals": float64(approvals), "maintainer_rejections": float64(rejections)}
	if total == 0 {
		return ConsensusResult{Reason: "no_maintainer_reviews", Metrics: metrics}, nil
	}
	ratio := float64(approvals) / float64(total)
	metrics["ratio"] = ratio
	return ConsensusResult{Reached: ratio >= repo.ConsensusThreshold, Reason: reasonFor(ratio >= repo.ConsensusThreshold, "below_threshold"), Metrics: metrics}, nil
}

func (e *Engine) consensusOpen(ctx context.Context, repo *model.Repository, reviews []model.Review) (ConsensusResult, error) {
	var approvalW, rejectionW float64
	for _, rv := range reviews {
		w, err := e.reviewWeight(ctx, repo, rv)
		if err != nil {
			return ConsensusResult{}, err
		}
		switch rv.Verdict {
		case model.VerdictApprove:
			approvalW += w
		case model.VerdictRequestChanges:
			rejectionW += w
		}
	}
	total := approvalW + rejectionW
	metrics := map[string]float64{"approval_weight": approvalW, "rejection_weight": rejectionW}
	if total == 0 {
		return ConsensusResult{Reason: "no_reviews", Metrics: metrics}, nil
	}
	ratio := approvalW / total
	metrics["ratio"] = ratio
	return ConsensusResult{Reached: ratio >= repo.ConsensusThreshold, Reason: reasonFor(ratio >= repo.ConsensusThreshold, "below_threshold"), Metrics: metrics}, nil
}

// reviewWeight computes a single review's weight in open mode: a human
// review weighs repo.HumanReviewWeight, an agent review weighs sqrt(karma+1)
// (spec §4.1, verified by P2's monotonicity property).
func (e *Engine) reviewWeight(ctx context.Context, repo *model.Repository, rv model.Review) (float64, error) {
	if rv.IsHuman {
		return repo.HumanReviewWeight, nil
	}
	a, err := e.agents.Get(ctx, rv.Reviewer)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(float64(a.Karma) + 1), nil
}

func reasonFor(reached bool, failReason string) string {
	if reached {
		return "threshold_met"
	}
	return failReason
}
