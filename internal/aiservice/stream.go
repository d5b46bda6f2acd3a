package aiservice

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/mindweave/mindweave/ai-core/pkg/models"
)

// finishFunc resolves the request behind a stream exactly once, applying
// usage accounting and releasing the active-request counter.
type finishFunc func(state models.RequestState, usage *models.TokenUsage)

// Stream is a lazy, finite, non-restartable sequence of partial responses
// terminated by a chunk with IsComplete set.
//
// Callers must Close the stream; Close is idempotent and safe on every
// exit path. Abandoning the stream early (Close before the terminal chunk)
// cancels the backend call and releases the request slot. The usual shape:
//
//	stream, err := svc.GenerateStream(ctx, req)
//	if err != nil { ... }
//	defer stream.Close()
//	for {
//		chunk, err := stream.Recv()
//		if err != nil { ... }
//		...
//		if chunk.IsComplete { break }
//	}
type Stream struct {
	id    string
	model string

	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  func()
	finish  finishFunc

	mu   sync.Mutex
	done bool

	// accumulated output, used to estimate usage when the backend omits it
	outputChars int
	inputTokens int64
	wireUsage   *wireUsage
}

func newStream(id, model string, body io.ReadCloser, cancel func(), finish finishFunc) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Stream{
		id:      id,
		model:   model,
		body:    body,
		scanner: scanner,
		cancel:  cancel,
		finish:  finish,
	}
}

// ID returns the request id backing this stream.
func (st *Stream) ID() string { return st.id }

// Recv returns the next chunk. After the terminal chunk (IsComplete) or an
// error, further calls return io.EOF. Errors are tagged *models.AIError.
//
// The network read happens outside the stream lock, so a concurrent Close
// aborts a pending Recv instead of waiting for the next chunk to arrive.
// Recv itself is meant for a single consumer.
func (st *Stream) Recv() (models.StreamChunk, error) {
	for {
		st.mu.Lock()
		if st.done {
			st.mu.Unlock()
			return models.StreamChunk{}, io.EOF
		}
		st.mu.Unlock()

		if !st.scanner.Scan() {
			st.mu.Lock()
			defer st.mu.Unlock()
			if st.done {
				// Closed underneath us; the slot is already released.
				return models.StreamChunk{}, io.EOF
			}
			if err := st.scanner.Err(); err != nil {
				return models.StreamChunk{}, st.failLocked(err)
			}
			// Body ended without a [DONE] marker: truncated stream.
			return models.StreamChunk{}, st.failLocked(fmt.Errorf("stream truncated before completion"))
		}

		line := strings.TrimSpace(st.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		st.mu.Lock()
		if st.done {
			st.mu.Unlock()
			return models.StreamChunk{}, io.EOF
		}

		if payload == "[DONE]" {
			chunk := st.completeLocked()
			st.mu.Unlock()
			return chunk, nil
		}

		var wire chatStreamChunk
		if err := json.Unmarshal([]byte(payload), &wire); err != nil {
			err = st.failLocked(fmt.Errorf("decode stream chunk: %w", err))
			st.mu.Unlock()
			return models.StreamChunk{}, err
		}

		if wire.Usage != nil {
			st.wireUsage = wire.Usage
		}
		if len(wire.Choices) == 0 || wire.Choices[0].Delta.Content == "" {
			// finish-reason, usage-only, or keepalive chunk, nothing to emit
			st.mu.Unlock()
			continue
		}

		delta := wire.Choices[0].Delta.Content
		st.outputChars += len(delta)
		st.mu.Unlock()
		return models.StreamChunk{
			ID:    st.id,
			Model: st.model,
			Delta: delta,
		}, nil
	}
}

// Close releases the stream. Before the terminal chunk it cancels the
// backend call and records the request as cancelled; afterwards it is a
// no-op. Always safe to defer.
func (st *Stream) Close() {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.done {
		return
	}
	st.done = true
	st.cancel()
	st.body.Close()
	st.finish(models.RequestCancelled, nil)
}

// completeLocked finalizes usage exactly once and emits the terminal chunk.
func (st *Stream) completeLocked() models.StreamChunk {
	st.done = true
	st.body.Close()

	usage := st.finalUsage()
	st.finish(models.RequestCompleted, &usage)

	return models.StreamChunk{
		ID:         st.id,
		Model:      st.model,
		IsComplete: true,
		Usage:      &usage,
	}
}

func (st *Stream) failLocked(err error) error {
	st.done = true
	st.cancel()
	st.body.Close()
	st.finish(models.RequestFailed, nil)
	return classify(err)
}

func (st *Stream) finalUsage() models.TokenUsage {
	var in, out int64
	if st.wireUsage != nil {
		in = st.wireUsage.PromptTokens
		out = st.wireUsage.CompletionTokens
	} else {
		in = st.inputTokens
		out = approxTokens(st.outputChars)
	}
	return models.TokenUsage{
		InputTokens:   in,
		OutputTokens:  out,
		TotalTokens:   in + out,
		EstimatedCost: estimateCost(st.model, in, out),
	}
}

// approxTokens estimates token count from character count when the backend
// does not report usage for a stream.
func approxTokens(chars int) int64 {
	if chars == 0 {
		return 0
	}
	return int64(chars/4) + 1
}
