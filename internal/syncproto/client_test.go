package syncproto

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/rs/zerolog"

	"github.com/alexngai/gitswarm/internal/gserr"
	"github.com/alexngai/gitswarm/internal/policy"
	"github.com/alexngai/gitswarm/internal/store"
)

// scriptedTransport replays canned responses keyed by "METHOD PATH"; a
// missing key simulates a transport failure (err != nil), a fixed status
// code simulates server responses.
type scriptedTransport struct {
	responses map[string]scriptedResponse
	calls     []string
}

type scriptedResponse struct {
	status int
	body   string
	err    error
}

func (t *scriptedTransport) Do(req *http.Request) (*http.Response, error) {
	key := req.Method + " " + req.URL.Path
	t.calls = append(t.calls, key)
	r, ok := t.responses[key]
	if !ok {
		return nil, &http.ProtocolError{ErrorString: "no route for " + key}
	}
	if r.err != nil {
		return nil, r.err
	}
	return &http.Response{StatusCode: r.status, Body: io.NopCloser(bytes.NewBufferString(r.body))}, nil
}

func newHarness(t *testing.T) (*Client, *Queue, *scriptedTransport) {
	t.Helper()
	db, err := store.OpenSQLite(":memory:", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repos := policy.NewRepoStore(db)
	q := NewQueue(db)
	transport := &scriptedTransport{responses: map[string]scriptedResponse{}}
	c := NewClient("http://coordinator.local", "tok", transport, q, repos, zerolog.Nop())
	c.retry.InitialDelay = 0 // keep tests fast; the 1s/2s/4s delays themselves are not exercised by these tests
	return c, q, transport
}

func TestReachable_TrueWhenPingOK(t *testing.T) {
	c, _, transport := newHarness(t)
	transport.responses["GET /ping"] = scriptedResponse{status: 200, body: `{"ok":true}`}
	if !c.Reachable() {
		t.Fatal("expected Reachable to return true")
	}
}

func TestReachable_FalseWhenUnroutable(t *testing.T) {
	c, _, _ := newHarness(t)
	if c.Reachable() {
		t.Fatal("expected Reachable to return false with no route configured")
	}
}

func TestDo_HTTPStatusErrorDoesNotRetry(t *testing.T) {
	c, _, transport := newHarness(t)
	transport.responses["POST /requestMerge"] = scriptedResponse{status: 500, body: "boom"}

	_, _, err := c.RequestMerge(context.Background(), "repo1", "stream1")
	if !gserr.Is(err, "http_status_error") {
		t.Fatalf("expected http_status_error, got %v", err)
	}
	if len(transport.calls) != 1 {
		t.Fatalf("status errors must not retry; got %d calls", len(transport.calls))
	}
}

func TestFlushQueue_BatchSuccessDeletesOkAndDuplicate(t *testing.T) {
	c, q, transport := newHarness(t)
	ctx := context.Background()
	_ = q.Enqueue(ctx, "commit", `{"a":1}`)
	_ = q.Enqueue(ctx, "review", `{"b":2}`)

	respBody, _ := json.Marshal(batchResponse{Results: []struct {
		Seq    int64  `json:"seq"`
		Status string `json:"status"`
	}{{Seq: 1, Status: "ok"}, {Seq: 2, Status: "duplicate"}}})
	transport.responses["POST /sync/batch"] = scriptedResponse{status: 200, body: string(respBody)}

	failed, err := c.FlushQueue(ctx)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("expected no failed types, got %v", failed)
	}
	n, _ := q.Len(ctx)
	if n != 0 {
		t.Fatalf("expected queue drained, %d remain", n)
	}
}

func TestFlushQueue_StopsAtFirstErrorAndReportsType(t *testing.T) {
	c, q, transport := newHarness(t)
	ctx := context.Background()
	_ = q.Enqueue(ctx, "commit", `{}`)
	_ = q.Enqueue(ctx, "review", `{}`)

	respBody, _ := json.Marshal(batchResponse{Results: []struct {
		Seq    int64  `json:"seq"`
		Status string `json:"status"`
	}{{Seq: 1, Status: "error"}}})
	transport.responses["POST /sync/batch"] = scriptedResponse{status: 200, body: string(respBody)}

	failed, err := c.FlushQueue(ctx)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(failed) != 2 || failed[0] != "commit" || failed[1] != "review" {
		t.Fatalf("failedTypes = %v, want [commit review]", failed)
	}
}

func TestFlushQueue_404FallsBackToIndividualDispatch(t *testing.T) {
	c, q, transport := newHarness(t)
	ctx := context.Background()
	_ = q.Enqueue(ctx, "commit", `{"x":1}`)

	transport.responses["POST /sync/batch"] = scriptedResponse{status: 404, body: "not found"}
	transport.responses["POST /syncCommit"] = scriptedResponse{status: 200, body: `{}`}

	failed, err := c.FlushQueue(ctx)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("expected individual dispatch to succeed, failed=%v", failed)
	}
	n, _ := q.Len(ctx)
	if n != 0 {
		t.Fatalf("expected queue drained after individual dispatch, %d remain", n)
	}
}

func TestDispatchOne_UnknownEventTypeFails(t *testing.T) {
	c, q, _ := newHarness(t)
	ctx := context.Background()
	row := QueueRow{Seq: 1, EventType: "not_a_real_type", Payload: `{}`}
	_ = q
	err := c.dispatchOne(ctx, row)
	if !gserr.Is(err, "unknown_event_type") {
		t.Fatalf("expected unknown_event_type, got %v", err)
	}
}
