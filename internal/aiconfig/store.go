// Package aiconfig owns the persisted AI configuration and user
// preferences: validation, storage, presets, and change notification.
//
// All mutations follow merge-then-validate-then-commit: a rejected update
// leaves both the in-memory state and the persisted state untouched.
// Subscribers are notified synchronously after every successful mutation,
// in subscription order; a panicking subscriber is isolated and cannot
// block delivery to the rest.
package aiconfig

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mindweave/mindweave/ai-core/internal/kv"
	"github.com/mindweave/mindweave/ai-core/pkg/models"
)

// Storage keys. The credential lives under its own key so that reading
// non-secret configuration never touches the secret.
const (
	keyConfig      = "ai/config"
	keyCredential  = "ai/credential"
	keyPreferences = "ai/preferences"
)

// Listener receives the full configuration after each successful mutation.
// On explicit clear it receives the zero Configuration.
type Listener func(models.Configuration)

type subscriber struct {
	id int
	fn Listener
}

// Store validates, persists, and loads Configuration and UserPreferences.
type Store struct {
	kv kv.Store

	// writeMu serializes whole read-merge-validate-commit cycles, so
	// concurrent partial updates never validate against a stale base.
	writeMu sync.Mutex

	mu      sync.RWMutex
	current *models.Configuration
	prefs   models.UserPreferences

	subMu  sync.Mutex
	subs   []subscriber
	nextID int
}

// NewStore creates a configuration store on top of the given key-value
// backend. Call Load to hydrate persisted state.
func NewStore(store kv.Store) *Store {
	return &Store{
		kv:    store,
		prefs: models.DefaultUserPreferences(),
	}
}

// ── Load ────────────────────────────────────────────────────

// Load hydrates Configuration and UserPreferences from storage. It never
// fails hard: corrupt or invalid persisted data is logged and dropped,
// falling back to absent or credential-only configuration. The boolean
// reports whether a usable configuration was loaded.
func (s *Store) Load(ctx context.Context) (models.Configuration, bool) {
	credential := s.loadCredential(ctx)
	cfg, haveCfg := s.loadConfig(ctx)

	if credential == "" {
		// Without a credential there is nothing usable to hydrate.
		return models.Configuration{}, false
	}

	if !haveCfg {
		cfg = models.DefaultConfiguration()
		log.Warn().Msg("Stored configuration missing or corrupt, using credential-only defaults")
	}
	cfg.APIKey = credential

	if errs := Validate(cfg); len(errs) > 0 {
		log.Warn().Strs("errors", errs).Msg("Stored configuration invalid, treating as absent")
		return models.Configuration{}, false
	}

	s.loadPreferences(ctx)

	s.mu.Lock()
	snapshot := cfg.Clone()
	s.current = &snapshot
	s.mu.Unlock()

	return cfg.Clone(), true
}

func (s *Store) loadCredential(ctx context.Context) string {
	raw, err := s.kv.Get(ctx, keyCredential)
	if err != nil {
		if !kv.IsNotFound(err) {
			log.Warn().Err(err).Msg("Cannot read stored credential")
		}
		return ""
	}
	key := string(raw)
	if !ValidAPIKey(key) {
		log.Warn().Msg("Stored credential has invalid format, ignoring")
		return ""
	}
	return key
}

func (s *Store) loadConfig(ctx context.Context) (models.Configuration, bool) {
	raw, err := s.kv.Get(ctx, keyConfig)
	if err != nil {
		if !kv.IsNotFound(err) {
			log.Warn().Err(err).Msg("Cannot read stored configuration")
		}
		return models.Configuration{}, false
	}
	var cfg models.Configuration
	if err := json.Unmarshal(raw, &cfg); err != nil {
		log.Warn().Err(err).Msg("Corrupt stored configuration")
		return models.Configuration{}, false
	}
	return cfg, true
}

func (s *Store) loadPreferences(ctx context.Context) {
	raw, err := s.kv.Get(ctx, keyPreferences)
	if err != nil {
		if !kv.IsNotFound(err) {
			log.Warn().Err(err).Msg("Cannot read stored preferences")
		}
		return
	}
	var prefs models.UserPreferences
	if err := json.Unmarshal(raw, &prefs); err != nil {
		log.Warn().Err(err).Msg("Corrupt stored preferences, keeping defaults")
		return
	}
	s.mu.Lock()
	s.prefs = prefs
	s.mu.Unlock()
}

// ── Save / Update ───────────────────────────────────────────

// Save validates the full configuration and persists it. On any violation
// nothing is mutated and the violations are returned.
func (s *Store) Save(ctx context.Context, cfg models.Configuration) (bool, []string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.save(ctx, cfg)
}

func (s *Store) save(ctx context.Context, cfg models.Configuration) (bool, []string) {
	if errs := Validate(cfg); len(errs) > 0 {
		return false, errs
	}
	cfg.UpdatedAt = time.Now().UTC()
	if !s.persist(ctx, cfg) {
		return false, []string{"failed to persist configuration"}
	}

	s.mu.Lock()
	snapshot := cfg.Clone()
	s.current = &snapshot
	s.mu.Unlock()

	s.notify(cfg.Clone())
	return true, nil
}

// Update applies a partial update: merge into the current configuration,
// validate the result as a whole, then commit. A rejected merge leaves the
// prior state untouched; there is no partial application.
func (s *Store) Update(ctx context.Context, patch models.ConfigurationPatch) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	if s.current == nil {
		s.mu.RUnlock()
		log.Warn().Msg("Update rejected: no configuration present")
		return false
	}
	merged := s.current.Clone()
	s.mu.RUnlock()

	applyPatch(&merged, patch)

	ok, errs := s.save(ctx, merged)
	if !ok {
		log.Warn().Strs("errors", errs).Msg("Configuration update rejected")
	}
	return ok
}

// SetAPIKey validates the credential shape and commits it. Invalid keys
// never reach storage. When no configuration exists yet, a default one is
// created around the new credential.
func (s *Store) SetAPIKey(ctx context.Context, key string) bool {
	if !ValidAPIKey(key) {
		return false
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	var cfg models.Configuration
	if s.current != nil {
		cfg = s.current.Clone()
	} else {
		cfg = models.DefaultConfiguration()
	}
	s.mu.RUnlock()

	cfg.APIKey = key
	ok, errs := s.save(ctx, cfg)
	if !ok {
		log.Warn().Strs("errors", errs).Msg("SetAPIKey rejected")
	}
	return ok
}

// ApplyPreset merges a named preset as a partial update. Unknown names
// return false with no mutation.
func (s *Store) ApplyPreset(ctx context.Context, name string) bool {
	patch, ok := presets[name]
	if !ok {
		log.Warn().Str("preset", name).Msg("Unknown preset")
		return false
	}
	return s.Update(ctx, patch)
}

// Clear removes the configuration and credential from storage and memory.
// Subscribers are notified with the zero Configuration.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.kv.Delete(ctx, keyCredential); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, keyConfig); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()

	s.notify(models.Configuration{})
	return nil
}

// persist writes the non-secret configuration and the credential under
// separate keys. The non-secret record goes first and is rolled back if the
// credential write fails, so a reload never observes a half-written pair.
// The in-memory state is only committed by the caller after both writes
// succeed.
func (s *Store) persist(ctx context.Context, cfg models.Configuration) bool {
	// APIKey is tagged json:"-" so the secret never lands under keyConfig.
	raw, err := json.Marshal(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Cannot marshal configuration")
		return false
	}

	prev, prevErr := s.kv.Get(ctx, keyConfig)

	if err := s.kv.Set(ctx, keyConfig, raw); err != nil {
		log.Error().Err(err).Msg("Cannot persist configuration")
		return false
	}
	if err := s.kv.Set(ctx, keyCredential, []byte(cfg.APIKey)); err != nil {
		log.Error().Err(err).Msg("Cannot persist credential")
		switch {
		case prevErr == nil:
			if err := s.kv.Set(ctx, keyConfig, prev); err != nil {
				log.Error().Err(err).Msg("Cannot restore prior configuration")
			}
		case kv.IsNotFound(prevErr):
			if err := s.kv.Delete(ctx, keyConfig); err != nil {
				log.Error().Err(err).Msg("Cannot remove half-written configuration")
			}
		}
		return false
	}
	return true
}

// ── Preferences ─────────────────────────────────────────────

// Preferences returns the current user preferences snapshot.
func (s *Store) Preferences() models.UserPreferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs
}

// UpdatePreferences applies a partial preferences update and persists it.
// Preferences have their own lifecycle and do not notify configuration
// subscribers.
func (s *Store) UpdatePreferences(ctx context.Context, patch models.UserPreferencesPatch) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	merged := s.prefs
	s.mu.RUnlock()

	if patch.PreferredModel != nil {
		merged.PreferredModel = *patch.PreferredModel
	}
	if patch.Temperature != nil {
		merged.Temperature = *patch.Temperature
	}
	if patch.Verbosity != nil {
		merged.Verbosity = *patch.Verbosity
	}
	if patch.Language != nil {
		merged.Language = *patch.Language
	}
	if patch.Personality != nil {
		merged.Personality = *patch.Personality
	}

	if merged.Temperature < 0 || merged.Temperature > MaxTemperature {
		return false
	}
	merged.UpdatedAt = time.Now().UTC()

	raw, err := json.Marshal(merged)
	if err != nil {
		log.Error().Err(err).Msg("Cannot marshal preferences")
		return false
	}
	if err := s.kv.Set(ctx, keyPreferences, raw); err != nil {
		log.Error().Err(err).Msg("Cannot persist preferences")
		return false
	}

	s.mu.Lock()
	s.prefs = merged
	s.mu.Unlock()
	return true
}

// ── Status / Access ─────────────────────────────────────────

// Current returns a snapshot of the active configuration, if present.
func (s *Store) Current() (models.Configuration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return models.Configuration{}, false
	}
	return s.current.Clone(), true
}

// Status reports the passively observable state of the store.
func (s *Store) Status() models.ConfigStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := models.ConfigStatus{}
	if s.current == nil {
		return status
	}

	status.Configured = true
	status.HasCredential = s.current.APIKey != ""
	errs := Validate(*s.current)
	status.HasValidConfig = len(errs) == 0
	status.Errors = errs
	return status
}

// ── Subscription ────────────────────────────────────────────

// Subscribe registers a listener for configuration changes and returns an
// unsubscribe function. Listeners are invoked synchronously, in
// subscription order.
func (s *Store) Subscribe(fn Listener) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) notify(cfg models.Configuration) {
	s.subMu.Lock()
	subs := make([]subscriber, len(s.subs))
	copy(subs, s.subs)
	s.subMu.Unlock()

	for _, sub := range subs {
		s.deliver(sub, cfg)
	}
}

// deliver invokes one listener, recovering panics so a failing subscriber
// cannot corrupt delivery to the rest.
func (s *Store) deliver(sub subscriber, cfg models.Configuration) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Int("subscriber", sub.id).Msg("Configuration listener panicked")
		}
	}()
	sub.fn(cfg.Clone())
}

// ── Patch merge ─────────────────────────────────────────────

func applyPatch(cfg *models.Configuration, patch models.ConfigurationPatch) {
	if patch.APIKey != nil {
		cfg.APIKey = *patch.APIKey
	}
	if patch.DefaultModel != nil {
		cfg.DefaultModel = *patch.DefaultModel
	}
	if patch.ModelPreferences != nil {
		if cfg.ModelPreferences == nil {
			cfg.ModelPreferences = make(map[models.ActionType]string, len(patch.ModelPreferences))
		}
		for action, model := range patch.ModelPreferences {
			cfg.ModelPreferences[action] = model
		}
	}
	if patch.Temperature != nil {
		cfg.Generation.Temperature = *patch.Temperature
	}
	if patch.MaxTokens != nil {
		cfg.Generation.MaxTokens = *patch.MaxTokens
	}
	if patch.Stream != nil {
		cfg.Generation.Stream = *patch.Stream
	}
	if patch.RequestsPerMinute != nil {
		cfg.RateLimits.RequestsPerMinute = *patch.RequestsPerMinute
	}
	if patch.TokensPerMinute != nil {
		cfg.RateLimits.TokensPerMinute = *patch.TokensPerMinute
	}
	if patch.CostTracking != nil {
		cfg.CostTracking.Enabled = *patch.CostTracking
	}
	if patch.MonthlyBudget != nil {
		cfg.CostTracking.MonthlyBudget = *patch.MonthlyBudget
	}
	if patch.AlertThreshold != nil {
		cfg.CostTracking.AlertThreshold = *patch.AlertThreshold
	}
}
