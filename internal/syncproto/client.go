package syncproto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/alexngai/gitswarm/internal/gserr"
	"github.com/alexngai/gitswarm/internal/policy"
)

// RetryConfig mirrors r3e's infrastructure/resilience.RetryConfig; spec §4.7
// fixes these constants (3 retries, 1s/2s/4s, no jitter needed since the
// backoff schedule itself is exact).
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	PerAttempt   time.Duration
}

// DefaultRetryConfig is spec §4.7's retry policy verbatim.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 4, InitialDelay: 1 * time.Second, Multiplier: 2.0, PerAttempt: 10 * time.Second}
}

// httpDo is narrowed to *http.Client's one method the client needs, so
// tests can swap in a fake transport.
type httpDo interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client implements the Sync Protocol (spec §4.7): request/response over
// HTTP with bearer-token auth, retry-with-backoff on transport failure, and
// offline queueing via Queue.
type Client struct {
	baseURL string
	token   string
	http    httpDo
	retry   RetryConfig
	queue   *Queue
	repos   *policy.RepoStore
	log     zerolog.Logger
}

func NewClient(baseURL, token string, httpClient httpDo, queue *Queue, repos *policy.RepoStore, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: baseURL, token: token, http: httpClient, retry: DefaultRetryConfig(), queue: queue, repos: repos, log: log}
}

// Reachable does a best-effort liveness probe (spec §4.7's `ping`).
func (c *Client) Reachable() bool {
	var out struct {
		OK bool `json:"ok"`
	}
	err := c.do(context.Background(), "GET", "/ping", nil, &out)
	return err == nil
}

// do implements the retry policy: three retries with 1s/2s/4s backoff and a
// 10s per-attempt timeout on transport failure; non-2xx status codes are
// not retried and are surfaced directly (spec §4.7).
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	delay := c.retry.InitialDelay
	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.retry.PerAttempt)
		status, respBody, err := c.doOnce(attemptCtx, method, path, bodyBytes)
		cancel()

		if err != nil {
			// Transport-level failure: retry.
			lastErr = err
		} else if status < 200 || status >= 300 {
			// HTTP status error: do not retry, surface immediately.
			return gserr.New(gserr.Network, "http_status_error", fmt.Sprintf("%s %s -> %d: %s", method, path, status, string(respBody)))
		} else {
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return fmt.Errorf("decode response: %w", err)
				}
			}
			return nil
		}

		if attempt < c.retry.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * c.retry.Multiplier)
		}
	}
	return gserr.Wrap(gserr.Network, "unreachable", lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte) (status int, respBody []byte, err error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err = io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// Enqueue implements the offline-queueing half of the protocol: it always
// succeeds locally (spec §4.7: "the originating code path enqueues an
// event"); it does not itself attempt delivery.
func (c *Client) Enqueue(ctx context.Context, eventType string, payloadJSON string) error {
	return c.queue.Enqueue(ctx, eventType, payloadJSON)
}

// batchResponse mirrors sync/batch's per-entry {seq, status} shape (spec §4.7).
type batchResponse struct {
	Results []struct {
		Seq    int64  `json:"seq"`
		Status string `json:"status"`
	} `json:"results"`
}

// FlushQueue implements flushQueue() (spec §4.7): batch endpoint first (up
// to 100 events), stop-on-first-error, 404 falls back to individual
// dispatch with the same stop-on-first-error discipline.
func (c *Client) FlushQueue(ctx context.Context) ([]string, error) {
	pending, err := c.queue.Pending(ctx, 100)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	failedTypes, batchErr := c.flushBatch(ctx, pending)
	if batchErr == nil {
		return failedTypes, nil
	}
	if gserr.Is(batchErr, "http_status_error") {
		// Treat any status error on the batch endpoint (including 404) as
		// "no batch endpoint available" and fall back to individual dispatch.
		return c.flushIndividually(ctx, pending)
	}
	return nil, batchErr
}

func (c *Client) flushBatch(ctx context.Context, pending []QueueRow) ([]string, error) {
	type entry struct {
		Seq       int64  `json:"seq"`
		EventType string `json:"event_type"`
		Payload   string `json:"payload"`
	}
	entries := make([]entry, 0, len(pending))
	for _, p := range pending {
		entries = append(entries, entry{Seq: p.Seq, EventType: p.EventType, Payload: p.Payload})
	}

	var resp batchResponse
	if err := c.do(ctx, "POST", "/sync/batch", map[string]any{"events": entries}, &resp); err != nil {
		return nil, err
	}

	var failedTypes []string
	byTypeAndSeq := map[int64]string{}
	for _, p := range pending {
		byTypeAndSeq[p.Seq] = p.EventType
	}
	for _, r := range resp.Results {
		switch r.Status {
		case "ok", "duplicate":
			if err := c.queue.Delete(ctx, r.Seq); err != nil {
				c.log.Warn().Err(err).Int64("seq", r.Seq).Msg("failed to delete flushed queue row")
			}
		default: // "error": stop and report remaining as failed.
			_ = c.queue.MarkFailed(ctx, r.Seq, "batch sync error")
			failedTypes = append(failedTypes, byTypeAndSeq[r.Seq])
			for _, p := range pending {
				if p.Seq > r.Seq {
					failedTypes = append(failedTypes, p.EventType)
				}
			}
			return failedTypes, nil
		}
	}
	return failedTypes, nil
}

// flushIndividually dispatches each event one at a time, stopping at the
// first failure (spec §4.7's 404 fallback path).
func (c *Client) flushIndividually(ctx context.Context, pending []QueueRow) ([]string, error) {
	var failedTypes []string
	for _, p := range pending {
		if err := c.dispatchOne(ctx, p); err != nil {
			_ = c.queue.MarkFailed(ctx, p.Seq, err.Error())
			failedTypes = append(failedTypes, p.EventType)
			remaining, rerr := c.queue.Pending(ctx, 100)
			if rerr == nil {
				for _, r := range remaining {
					if r.Seq == p.Seq {
						continue
					}
					failedTypes = append(failedTypes, r.EventType)
				}
			}
			return failedTypes, nil
		}
		if err := c.queue.Delete(ctx, p.Seq); err != nil {
			c.log.Warn().Err(err).Int64("seq", p.Seq).Msg("failed to delete flushed queue row")
		}
	}
	return failedTypes, nil
}

// eventEndpoints is the fixed event-type -> dispatch switch spec §4.7
// requires ("Event-type -> dispatch mapping is a fixed switch; unknown
// event types cause the entry to be marked failed").
var eventEndpoints = map[string]string{
	"stream_created":       "/syncStreamCreated",
	"commit":                "/syncCommit",
	"submit_review":         "/syncSubmitForReview",
	"review":                "/syncReview",
	"merge_requested":       "/requestMerge",
	"syncMergeCompleted":    "/syncMergeCompleted",
	"stream_abandoned":      "/syncStreamAbandoned",
	"stabilization":         "/syncStabilization",
	"promotion":             "/syncPromotion",
	"council_proposal":      "/syncCouncilProposal",
	"council_vote":          "/syncCouncilVote",
	"stage_progression":     "/syncStageProgression",
	"task_submission":       "/syncTaskSubmission",
}

func (c *Client) dispatchOne(ctx context.Context, p QueueRow) error {
	endpoint, ok := eventEndpoints[p.EventType]
	if !ok {
		return gserr.New(gserr.Validation, "unknown_event_type", p.EventType)
	}
	var payload any
	if err := json.Unmarshal([]byte(p.Payload), &payload); err != nil {
		payload = p.Payload
	}
	return c.do(ctx, "POST", endpoint, payload, nil)
}

// RequestMerge implements requestMerge (spec §4.4 step 4 / §4.7).
func (c *Client) RequestMerge(ctx context.Context, repoID, streamID string) (approved bool, bufferBranch string, err error) {
	var resp struct {
		Approved     bool   `json:"approved"`
		BufferBranch string `json:"bufferBranch"`
	}
	if err := c.do(ctx, "POST", "/requestMerge", map[string]string{"repo": repoID, "stream": streamID}, &resp); err != nil {
		return false, "", err
	}
	return resp.Approved, resp.BufferBranch, nil
}

// CheckConsensusRemote implements checkConsensus (server-authoritative).
func (c *Client) CheckConsensusRemote(ctx context.Context, repoID, streamID string) (policy.ConsensusResult, error) {
	var resp struct {
		Reached bool               `json:"reached"`
		Reason  string             `json:"reason"`
		Metrics map[string]float64 `json:"metrics"`
	}
	if err := c.do(ctx, "POST", "/checkConsensus", map[string]string{"repo": repoID, "stream": streamID}, &resp); err != nil {
		return policy.ConsensusResult{}, err
	}
	return policy.ConsensusResult{Reached: resp.Reached, Reason: resp.Reason, Metrics: resp.Metrics}, nil
}

// RegisterRepo implements registerRepo (spec §4.7's "first-connect
// assignment of repo to a personal org"). On success it flips
// consensus_authority to server, implementing the split-brain-prevention
// rule: "on first successful connect, the CLI sets
// repo.consensus_authority='server'. Thereafter the CLI refuses to answer
// consensus locally in merge paths."
func (c *Client) RegisterRepo(ctx context.Context, repoID, displayName string) error {
	if err := c.do(ctx, "POST", "/registerRepo", map[string]string{"repo": repoID, "display_name": displayName}, nil); err != nil {
		return err
	}
	return c.repos.SetConsensusAuthority(ctx, repoID, "server")
}

// PollUpdates implements pollUpdates(since, agent) (spec §4.7).
func (c *Client) PollUpdates(ctx context.Context, since time.Time, agentID string) (json.RawMessage, error) {
	var raw json.RawMessage
	path := fmt.Sprintf("/pollUpdates?since=%s&agent=%s", since.UTC().Format(time.RFC3339), agentID)
	if err := c.do(ctx, "GET", path, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
