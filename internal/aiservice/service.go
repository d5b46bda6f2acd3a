// Package aiservice implements the service facade around the
// generative-text backend: unary and streaming generation, model routing,
// active-request tracking, usage accounting, and health checks.
//
// One Service instance is bound to one credential. Replacing the
// credential means replacing the Service (and with it the usage counters);
// non-credential configuration edits flow in through UpdateConfig and only
// affect requests issued afterwards.
package aiservice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mindweave/mindweave/ai-core/pkg/models"
)

// TransitionListener is invoked synchronously on every request state
// transition (issued, completed, failed, cancelled).
type TransitionListener func(models.RequestEvent)

// requestHandle tracks one in-flight call.
// Lifecycle: Issued → {Completed | Failed | Cancelled}; the active counter
// increments on entry to Issued and decrements exactly once on any exit —
// a handle is removed from the registry the moment it leaves Issued, so a
// second resolution finds nothing and is a no-op.
type requestHandle struct {
	id              string
	model           string
	cancel          context.CancelFunc
	cancelRequested bool
}

// Service is the facade around the generative-text backend.
type Service struct {
	client *backendClient
	usage  *usageTracker

	mu       sync.Mutex
	cfg      models.Configuration
	requests map[string]*requestHandle
	active   int

	onTransition TransitionListener
}

// Options configure the backend transport.
type Options struct {
	BaseURL string
	Timeout time.Duration
}

// New creates a facade for the given configuration snapshot.
func New(cfg models.Configuration, opts Options) *Service {
	return &Service{
		client:   newBackendClient(opts.BaseURL, opts.Timeout),
		usage:    newUsageTracker(cfg.CostTracking),
		cfg:      cfg.Clone(),
		requests: make(map[string]*requestHandle),
	}
}

// SetTransitionListener registers the push channel for request lifecycle
// events. Pass nil to disable.
func (s *Service) SetTransitionListener(fn TransitionListener) {
	s.mu.Lock()
	s.onTransition = fn
	s.mu.Unlock()
}

// ── Configuration ───────────────────────────────────────────

// Config returns a snapshot of the effective configuration.
func (s *Service) Config() models.Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone()
}

// UpdateConfig replaces the effective configuration for calls issued after
// this point. Requests already in flight continue under the snapshot
// captured at their issuance.
func (s *Service) UpdateConfig(cfg models.Configuration) {
	s.mu.Lock()
	s.cfg = cfg.Clone()
	s.mu.Unlock()
	s.usage.setCostTracking(cfg.CostTracking)
}

// SelectOptimalModel returns the configured model for an action type,
// falling back to the default model for unmapped actions.
func (s *Service) SelectOptimalModel(action models.ActionType) string {
	return s.Config().ModelFor(action)
}

// ── Health ──────────────────────────────────────────────────

// HealthCheck verifies the backend is reachable with the current
// credential. It never returns an error: transient failures report false.
func (s *Service) HealthCheck(ctx context.Context) bool {
	cfg := s.Config()
	if err := s.client.healthCheck(ctx, cfg.APIKey); err != nil {
		log.Warn().Err(err).Msg("Backend health check failed")
		return false
	}
	return true
}

// ── Generation ──────────────────────────────────────────────

// Generate performs one unary generation round trip. On success the usage
// statistics are updated atomically with the returned accounting; on
// failure a tagged *models.AIError is returned. The active-request counter
// is decremented exactly once regardless of outcome.
func (s *Service) Generate(ctx context.Context, req models.GenerateRequest) (*models.GenerateResponse, error) {
	cfg := s.Config()
	payload, model := buildPayload(cfg, req)

	reqCtx, id, err := s.issue(ctx, req.RequestID, model)
	if err != nil {
		return nil, models.AsAIError(err)
	}

	start := time.Now()
	resp, err := s.client.complete(reqCtx, cfg.APIKey, payload)
	if err != nil {
		s.resolve(id, models.RequestFailed, nil)
		return nil, classify(err)
	}

	content := ""
	finishReason := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finishReason = resp.Choices[0].FinishReason
	}

	usage := models.TokenUsage{
		InputTokens:   resp.Usage.PromptTokens,
		OutputTokens:  resp.Usage.CompletionTokens,
		TotalTokens:   resp.Usage.TotalTokens,
		EstimatedCost: estimateCost(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}
	s.resolve(id, models.RequestCompleted, &usage)

	return &models.GenerateResponse{
		ID:           resp.ID,
		Model:        model,
		Content:      content,
		FinishReason: finishReason,
		Usage:        usage,
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

// GenerateStream starts a streaming generation call. The returned Stream
// owns the request slot: it is released exactly once on normal completion,
// early Close, or failure.
func (s *Service) GenerateStream(ctx context.Context, req models.GenerateRequest) (*Stream, error) {
	cfg := s.Config()
	payload, model := buildPayload(cfg, req)

	reqCtx, id, err := s.issue(ctx, req.RequestID, model)
	if err != nil {
		return nil, models.AsAIError(err)
	}

	body, err := s.client.openStream(reqCtx, cfg.APIKey, payload)
	if err != nil {
		s.resolve(id, models.RequestFailed, nil)
		return nil, classify(err)
	}

	cancel := s.cancelFunc(id)
	st := newStream(id, model, body, cancel, func(state models.RequestState, usage *models.TokenUsage) {
		s.resolve(id, state, usage)
	})
	st.inputTokens = approxTokens(promptChars(req.Messages))
	return st, nil
}

func buildPayload(cfg models.Configuration, req models.GenerateRequest) (chatRequest, string) {
	model := req.Model
	if model == "" {
		model = cfg.ModelFor(req.Action)
	}

	temperature := cfg.Generation.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := cfg.Generation.MaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	return chatRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}, model
}

func promptChars(messages []models.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	return total
}

// ── Cancellation ────────────────────────────────────────────

// Cancel aborts one named request, or all in-flight requests when id is
// empty. Best-effort and idempotent: canceling an unknown, finished, or
// already-cancelled request is a no-op, never an error.
func (s *Service) Cancel(id string) {
	s.mu.Lock()
	var cancels []context.CancelFunc
	if id == "" {
		for _, h := range s.requests {
			h.cancelRequested = true
			cancels = append(cancels, h.cancel)
		}
	} else if h, ok := s.requests[id]; ok {
		h.cancelRequested = true
		cancels = append(cancels, h.cancel)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// ── Observation ─────────────────────────────────────────────

// ActiveRequestCount returns the number of unresolved requests.
func (s *Service) ActiveRequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// UsageStats returns an immutable snapshot of the cumulative usage.
func (s *Service) UsageStats() models.UsageStats {
	return s.usage.snapshot()
}

// ── Lifecycle internals ─────────────────────────────────────

// issue registers a new in-flight request and increments the counter.
func (s *Service) issue(ctx context.Context, id, model string) (context.Context, string, error) {
	if id == "" {
		id = uuid.New().String()
	}

	reqCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if _, exists := s.requests[id]; exists {
		s.mu.Unlock()
		cancel()
		return nil, "", errors.New("request id already in flight: " + id)
	}
	s.requests[id] = &requestHandle{id: id, model: model, cancel: cancel}
	s.active++
	active := s.active
	listener := s.onTransition
	s.mu.Unlock()

	s.emit(listener, models.RequestEvent{
		RequestID:      id,
		State:          models.RequestIssued,
		Model:          model,
		ActiveRequests: active,
		Timestamp:      time.Now().UTC(),
	})
	return reqCtx, id, nil
}

// resolve transitions a request out of Issued. The handle is removed from
// the registry under the lock, so a second resolution for the same id
// finds nothing and the counter can never be decremented twice.
func (s *Service) resolve(id string, state models.RequestState, usage *models.TokenUsage) {
	s.mu.Lock()
	h, ok := s.requests[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if state == models.RequestFailed && h.cancelRequested {
		state = models.RequestCancelled
	}
	delete(s.requests, id)
	s.active--
	active := s.active
	model := h.model
	listener := s.onTransition
	s.mu.Unlock()

	h.cancel()

	switch state {
	case models.RequestCompleted:
		if usage != nil {
			s.usage.recordSuccess(model, *usage)
		}
	case models.RequestFailed:
		s.usage.recordFailure()
	}

	s.emit(listener, models.RequestEvent{
		RequestID:      id,
		State:          state,
		Model:          model,
		ActiveRequests: active,
		Timestamp:      time.Now().UTC(),
	})
}

// cancelFunc returns the cancel for an in-flight request, or a no-op.
func (s *Service) cancelFunc(id string) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.requests[id]; ok {
		return h.cancel
	}
	return func() {}
}

func (s *Service) emit(listener TransitionListener, event models.RequestEvent) {
	if listener == nil {
		return
	}
	listener(event)
}
