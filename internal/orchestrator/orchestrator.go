// Package orchestrator composes the configuration store and the service
// facade behind a single, always-consistent surface for UI-level callers.
//
// The orchestrator owns exactly one live facade. Credential changes
// replace it wholesale (resetting usage statistics); every other
// configuration edit is applied live to the existing facade without
// disturbing in-flight requests.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mindweave/mindweave/ai-core/internal/aiconfig"
	"github.com/mindweave/mindweave/ai-core/internal/aiservice"
	"github.com/mindweave/mindweave/ai-core/pkg/models"
)

const healthCheckTimeout = 15 * time.Second

// Orchestrator exposes the uniform action/read surface over the AI core.
type Orchestrator struct {
	config *aiconfig.Store
	opts   aiservice.Options

	mu          sync.RWMutex
	svc         *aiservice.Service
	initialized bool
	lastErr     *models.AIError

	subMu       sync.Mutex
	eventSubs   map[int]chan models.RequestEvent
	nextSubID   int
	unsubscribe func()
}

// New builds an orchestrator over the given configuration store and
// attempts to hydrate a facade from persisted state. Hydration failure is
// non-fatal: the orchestrator starts uninitialized and setup-capable.
func New(ctx context.Context, config *aiconfig.Store, opts aiservice.Options) *Orchestrator {
	o := &Orchestrator{
		config:    config,
		opts:      opts,
		eventSubs: make(map[int]chan models.RequestEvent),
	}

	if cfg, ok := config.Load(ctx); ok {
		o.installFacade(cfg)
		log.Info().Str("model", cfg.DefaultModel).Msg("AI service hydrated from stored configuration")
	} else {
		log.Info().Msg("No stored AI configuration, awaiting setup")
	}

	// Re-apply every configuration change to the live facade.
	o.unsubscribe = config.Subscribe(o.onConfigChange)
	return o
}

// Close detaches from the configuration store and aborts all in-flight
// requests.
func (o *Orchestrator) Close() {
	if o.unsubscribe != nil {
		o.unsubscribe()
	}

	o.mu.Lock()
	svc := o.svc
	o.mu.Unlock()
	if svc != nil {
		svc.Cancel("")
	}

	o.subMu.Lock()
	for id, ch := range o.eventSubs {
		close(ch)
		delete(o.eventSubs, id)
	}
	o.subMu.Unlock()
}

// ── Initialization ──────────────────────────────────────────

// Initialize validates and persists a credential, constructs a fresh
// facade around it, and health-checks the backend. On any failure the most
// recent error is latched, false is returned, and the orchestrator remains
// in its previous state where possible.
func (o *Orchestrator) Initialize(ctx context.Context, credential string) bool {
	if !aiconfig.ValidAPIKey(credential) {
		o.latch(models.NewAIError(models.ErrCodeInvalidAPIKey, "credential fails format validation"))
		return false
	}

	// Persisting the key fires the store subscription, which installs the
	// new facade before SetAPIKey returns.
	if !o.config.SetAPIKey(ctx, credential) {
		o.latch(models.NewAIError(models.ErrCodeInvalidAPIKey, "credential rejected by configuration store"))
		return false
	}

	o.mu.RLock()
	svc := o.svc
	o.mu.RUnlock()
	if svc == nil {
		o.latch(models.NewAIError(models.ErrCodeUnknown, "no service facade after credential update"))
		return false
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	if !svc.HealthCheck(checkCtx) {
		o.latch(models.NewAIError(models.ErrCodeNetwork, "backend health check failed"))
		o.mu.Lock()
		o.initialized = false
		o.mu.Unlock()
		return false
	}

	o.mu.Lock()
	o.initialized = true
	o.mu.Unlock()
	log.Info().Msg("AI service initialized")
	return true
}

// IsInitialized reports whether a health-checked facade is ready.
func (o *Orchestrator) IsInitialized() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.initialized && o.svc != nil
}

// onConfigChange re-applies a configuration-store mutation to the live
// facade. A credential change replaces the facade (and resets usage
// statistics); anything else is a live update preserving accumulated stats
// and in-flight requests. The zero Configuration signals an explicit clear.
func (o *Orchestrator) onConfigChange(cfg models.Configuration) {
	if cfg.APIKey == "" {
		o.mu.Lock()
		svc := o.svc
		o.svc = nil
		o.initialized = false
		o.mu.Unlock()
		if svc != nil {
			svc.Cancel("")
			log.Info().Msg("AI configuration cleared, facade dropped")
		}
		return
	}

	o.mu.RLock()
	svc := o.svc
	sameCredential := svc != nil && svc.Config().APIKey == cfg.APIKey
	o.mu.RUnlock()

	if sameCredential {
		svc.UpdateConfig(cfg)
		log.Debug().Msg("Applied configuration update to live AI service")
		return
	}

	o.installFacade(cfg)
	log.Info().Msg("Credential changed, AI service facade replaced")
}

// installFacade swaps in a fresh facade for cfg, cancelling whatever the
// previous one still had in flight.
func (o *Orchestrator) installFacade(cfg models.Configuration) {
	svc := aiservice.New(cfg, o.opts)
	svc.SetTransitionListener(o.fanoutEvent)

	o.mu.Lock()
	old := o.svc
	o.svc = svc
	o.initialized = true
	o.mu.Unlock()

	if old != nil {
		old.Cancel("")
	}
}

// ── Actions ─────────────────────────────────────────────────

// Generate delegates a unary generation call to the live facade. Failures
// are returned as tagged *models.AIError and latched for passive observers.
func (o *Orchestrator) Generate(ctx context.Context, req models.GenerateRequest) (*models.GenerateResponse, error) {
	svc, err := o.facade()
	if err != nil {
		return nil, err
	}
	resp, genErr := svc.Generate(ctx, req)
	if genErr != nil {
		aiErr := models.AsAIError(genErr)
		o.latch(aiErr)
		return nil, aiErr
	}
	return resp, nil
}

// GenerateStream delegates a streaming call to the live facade.
func (o *Orchestrator) GenerateStream(ctx context.Context, req models.GenerateRequest) (*aiservice.Stream, error) {
	svc, err := o.facade()
	if err != nil {
		return nil, err
	}
	stream, genErr := svc.GenerateStream(ctx, req)
	if genErr != nil {
		aiErr := models.AsAIError(genErr)
		o.latch(aiErr)
		return nil, aiErr
	}
	return stream, nil
}

// SelectOptimalModel resolves the model for an action type. Without a live
// facade it falls back to the stored configuration, then to defaults.
func (o *Orchestrator) SelectOptimalModel(action models.ActionType) string {
	o.mu.RLock()
	svc := o.svc
	o.mu.RUnlock()
	if svc != nil {
		return svc.SelectOptimalModel(action)
	}
	if cfg, ok := o.config.Current(); ok {
		return cfg.ModelFor(action)
	}
	return models.DefaultConfiguration().ModelFor(action)
}

// Cancel aborts one named request or all in-flight requests. A no-op when
// uninitialized.
func (o *Orchestrator) Cancel(requestID string) {
	o.mu.RLock()
	svc := o.svc
	o.mu.RUnlock()
	if svc != nil {
		svc.Cancel(requestID)
	}
}

// UpdateConfig applies a validated partial configuration update. The store
// subscription re-applies the result to the live facade.
func (o *Orchestrator) UpdateConfig(ctx context.Context, patch models.ConfigurationPatch) bool {
	return o.config.Update(ctx, patch)
}

// UpdateUserPreferences applies a partial preferences update.
func (o *Orchestrator) UpdateUserPreferences(ctx context.Context, patch models.UserPreferencesPatch) bool {
	return o.config.UpdatePreferences(ctx, patch)
}

// ApplyPreset applies a named configuration preset.
func (o *Orchestrator) ApplyPreset(ctx context.Context, name string) bool {
	return o.config.ApplyPreset(ctx, name)
}

// ── Observation ─────────────────────────────────────────────

// ConfigurationStatus reports the configuration store status.
func (o *Orchestrator) ConfigurationStatus() models.ConfigStatus {
	return o.config.Status()
}

// UserPreferences returns the current preferences snapshot.
func (o *Orchestrator) UserPreferences() models.UserPreferences {
	return o.config.Preferences()
}

// ActiveRequestCount returns the in-flight request count (poll surface;
// SubscribeEvents is the push surface carrying the same counter).
func (o *Orchestrator) ActiveRequestCount() int {
	o.mu.RLock()
	svc := o.svc
	o.mu.RUnlock()
	if svc == nil {
		return 0
	}
	return svc.ActiveRequestCount()
}

// UsageStats returns an immutable snapshot of the live facade's usage.
func (o *Orchestrator) UsageStats() models.UsageStats {
	o.mu.RLock()
	svc := o.svc
	o.mu.RUnlock()
	if svc == nil {
		return models.UsageStats{}
	}
	return svc.UsageStats()
}

// LastError returns the latched most-recent error, if any.
func (o *Orchestrator) LastError() *models.AIError {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastErr
}

// ClearError clears the latched error. Nothing clears it implicitly.
func (o *Orchestrator) ClearError() {
	o.mu.Lock()
	o.lastErr = nil
	o.mu.Unlock()
}

// SubscribeConfig registers a listener for configuration changes and
// returns an unsubscribe function.
func (o *Orchestrator) SubscribeConfig(fn aiconfig.Listener) func() {
	return o.config.Subscribe(fn)
}

// SubscribeEvents returns a channel of request lifecycle events and an
// unsubscribe function. Events are pushed on every state transition; slow
// consumers drop events rather than blocking request resolution.
func (o *Orchestrator) SubscribeEvents() (<-chan models.RequestEvent, func()) {
	o.subMu.Lock()
	id := o.nextSubID
	o.nextSubID++
	ch := make(chan models.RequestEvent, 64)
	o.eventSubs[id] = ch
	o.subMu.Unlock()

	return ch, func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		if ch, ok := o.eventSubs[id]; ok {
			delete(o.eventSubs, id)
			close(ch)
		}
	}
}

func (o *Orchestrator) fanoutEvent(event models.RequestEvent) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for _, ch := range o.eventSubs {
		select {
		case ch <- event:
		default:
			// Slow consumer, drop rather than block the request path.
		}
	}
}

// ── Internals ───────────────────────────────────────────────

func (o *Orchestrator) facade() (*aiservice.Service, *models.AIError) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.svc == nil || !o.initialized {
		return nil, models.NewAIError(models.ErrCodeUnknown, "AI service not initialized")
	}
	return o.svc, nil
}

func (o *Orchestrator) latch(err *models.AIError) {
	o.mu.Lock()
	o.lastErr = err
	o.mu.Unlock()
	log.Warn().Str("code", string(err.Code)).Str("message", err.Message).Msg("AI error latched")
}
