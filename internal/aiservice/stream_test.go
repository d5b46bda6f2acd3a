package aiservice_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mindweave/mindweave/ai-core/pkg/models"
)

// sseBackend answers /chat/completions with a scripted SSE body.
func sseBackend(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func deltaLine(content string) string {
	return fmt.Sprintf(`data: {"id":"cmpl-1","choices":[{"delta":{"content":%q}}]}`, content)
}

func TestGenerateStream_CompletesWithUsage(t *testing.T) {
	srv := sseBackend(t,
		deltaLine("Hel"),
		deltaLine("lo"),
		`data: {"id":"cmpl-1","choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`data: {"id":"cmpl-1","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":4,"total_tokens":13}}`,
		`data: [DONE]`,
	)
	svc := newService(srv)
	rec := &eventRecorder{}
	svc.SetTransitionListener(rec.record)

	stream, err := svc.GenerateStream(context.Background(), chatReq("hi"))
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}
	defer stream.Close()

	var text strings.Builder
	terminals := 0
	var final *models.TokenUsage
	for {
		chunk, err := stream.Recv()
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		text.WriteString(chunk.Delta)
		if chunk.IsComplete {
			terminals++
			final = chunk.Usage
			break
		}
	}

	if text.String() != "Hello" {
		t.Errorf("assembled text = %q", text.String())
	}
	if terminals != 1 {
		t.Errorf("terminal chunks = %d, want exactly 1", terminals)
	}
	if final == nil || final.InputTokens != 9 || final.OutputTokens != 4 {
		t.Errorf("final usage = %+v", final)
	}

	// No further chunks after the terminal one.
	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("Recv() after terminal = %v, want io.EOF", err)
	}

	if got := svc.ActiveRequestCount(); got != 0 {
		t.Errorf("ActiveRequestCount() = %d after stream end", got)
	}
	stats := svc.UsageStats()
	if stats.TotalRequests != 1 || stats.TotalTokens != 13 {
		t.Errorf("stats = %+v", stats)
	}

	states := rec.states()
	if len(states) != 2 || states[0] != models.RequestIssued || states[1] != models.RequestCompleted {
		t.Errorf("transitions = %v, want [issued completed]", states)
	}
}

func TestGenerateStream_EstimatesUsageWhenOmitted(t *testing.T) {
	srv := sseBackend(t,
		deltaLine("four char chunks here"),
		`data: [DONE]`,
	)
	svc := newService(srv)

	stream, err := svc.GenerateStream(context.Background(), chatReq("a prompt of some length"))
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}
	defer stream.Close()

	var final *models.TokenUsage
	for {
		chunk, err := stream.Recv()
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		if chunk.IsComplete {
			final = chunk.Usage
			break
		}
	}

	if final == nil {
		t.Fatal("terminal chunk missing usage")
	}
	if final.InputTokens == 0 || final.OutputTokens == 0 {
		t.Errorf("estimated usage = %+v, want nonzero token counts", final)
	}
	if final.TotalTokens != final.InputTokens+final.OutputTokens {
		t.Errorf("TotalTokens = %d, want %d", final.TotalTokens, final.InputTokens+final.OutputTokens)
	}
}

func TestGenerateStream_EarlyCloseReleasesSlot(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "%s\n\n", deltaLine("first"))
		flusher.Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	svc := newService(srv)
	rec := &eventRecorder{}
	svc.SetTransitionListener(rec.record)

	stream, err := svc.GenerateStream(context.Background(), chatReq("hi"))
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}

	chunk, err := stream.Recv()
	if err != nil || chunk.Delta != "first" {
		t.Fatalf("Recv() = %+v, %v", chunk, err)
	}
	if got := svc.ActiveRequestCount(); got != 1 {
		t.Fatalf("ActiveRequestCount() = %d mid-stream", got)
	}

	stream.Close()
	stream.Close() // idempotent

	if got := svc.ActiveRequestCount(); got != 0 {
		t.Errorf("ActiveRequestCount() = %d after early close", got)
	}
	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("Recv() after Close = %v, want io.EOF", err)
	}

	states := rec.states()
	if len(states) != 2 || states[1] != models.RequestCancelled {
		t.Errorf("transitions = %v, want [issued cancelled]", states)
	}
	// An abandoned stream counts as neither success nor failure.
	if stats := svc.UsageStats(); stats.TotalRequests != 0 || stats.FailedRequests != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestGenerateStream_CloseUnblocksPendingRecv(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "%s\n\n", deltaLine("first"))
		flusher.Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	svc := newService(srv)

	stream, err := svc.GenerateStream(context.Background(), chatReq("hi"))
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}

	if chunk, err := stream.Recv(); err != nil || chunk.Delta != "first" {
		t.Fatalf("Recv() = %+v, %v", chunk, err)
	}

	// Park a Recv on the network, then close from another goroutine.
	recvErr := make(chan error, 1)
	go func() {
		_, err := stream.Recv()
		recvErr <- err
	}()

	waitFor(t, func() bool { return svc.ActiveRequestCount() == 1 })
	stream.Close()

	select {
	case err := <-recvErr:
		if err != io.EOF {
			t.Errorf("Recv() after Close = %v, want io.EOF", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not unblock the pending Recv")
	}

	if got := svc.ActiveRequestCount(); got != 0 {
		t.Errorf("ActiveRequestCount() = %d after close", got)
	}
}

func TestGenerateStream_TruncatedBody(t *testing.T) {
	srv := sseBackend(t,
		deltaLine("partial"),
		// no [DONE]; the body just ends
	)
	svc := newService(srv)

	stream, err := svc.GenerateStream(context.Background(), chatReq("hi"))
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}
	defer stream.Close()

	if chunk, err := stream.Recv(); err != nil || chunk.Delta != "partial" {
		t.Fatalf("Recv() = %+v, %v", chunk, err)
	}

	_, err = stream.Recv()
	if err == nil {
		t.Fatal("Recv() succeeded past a truncated stream")
	}
	var aiErr *models.AIError
	if !errors.As(err, &aiErr) {
		t.Fatalf("error is %T, want *models.AIError", err)
	}

	if got := svc.ActiveRequestCount(); got != 0 {
		t.Errorf("ActiveRequestCount() = %d after stream failure", got)
	}
	if stats := svc.UsageStats(); stats.FailedRequests != 1 {
		t.Errorf("FailedRequests = %d, want 1", stats.FailedRequests)
	}
}

func TestGenerateStream_MalformedChunk(t *testing.T) {
	srv := sseBackend(t,
		`data: {this is not json`,
	)
	svc := newService(srv)

	stream, err := svc.GenerateStream(context.Background(), chatReq("hi"))
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}
	defer stream.Close()

	if _, err := stream.Recv(); err == nil {
		t.Fatal("Recv() accepted a malformed chunk")
	}
	if got := svc.ActiveRequestCount(); got != 0 {
		t.Errorf("ActiveRequestCount() = %d after decode failure", got)
	}
}

func TestGenerateStream_BackendRejects(t *testing.T) {
	svc := newService(statusBackend(t, http.StatusTooManyRequests))

	_, err := svc.GenerateStream(context.Background(), chatReq("hi"))
	var aiErr *models.AIError
	if !errors.As(err, &aiErr) {
		t.Fatalf("error is %T, want *models.AIError", err)
	}
	if aiErr.Code != models.ErrCodeRateLimited {
		t.Errorf("Code = %q, want %q", aiErr.Code, models.ErrCodeRateLimited)
	}
	if got := svc.ActiveRequestCount(); got != 0 {
		t.Errorf("ActiveRequestCount() = %d after rejected stream open", got)
	}
}
