// Package models defines the shared data types for the MindWeave AI core:
// configuration, user preferences, generation requests/responses, usage
// accounting, and request lifecycle events.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ── Action Types ────────────────────────────────────────────

// ActionType classifies what a caller is using text generation for.
// Each action type can be routed to a different model via Configuration.
type ActionType string

const (
	ActionChat               ActionType = "chat"
	ActionNodeGeneration     ActionType = "node_generation"
	ActionDocumentProcessing ActionType = "document_processing"
	ActionAnalysis           ActionType = "analysis"
)

// ── Configuration ───────────────────────────────────────────

// Configuration holds the persisted settings controlling the backend
// credential, model routing, and generation defaults.
//
// The credential is persisted under a separate storage key from the rest of
// the configuration, so inspecting non-secret settings never requires
// reading the secret. The APIKey field is populated in memory only.
type Configuration struct {
	APIKey           string                `json:"-"`
	DefaultModel     string                `json:"default_model"`
	ModelPreferences map[ActionType]string `json:"model_preferences,omitempty"`
	Generation       GenerationSettings    `json:"generation"`
	RateLimits       RateLimitSettings     `json:"rate_limits"`
	CostTracking     CostTrackingSettings  `json:"cost_tracking"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

// GenerationSettings are the default sampling parameters applied when a
// request does not override them.
type GenerationSettings struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	Stream      bool    `json:"stream"`
}

// RateLimitSettings are the configured backend rate-limit targets.
// They are tracked and reported only — outgoing calls are never throttled
// against them.
type RateLimitSettings struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	TokensPerMinute   int `json:"tokens_per_minute"`
}

// CostTrackingSettings control usage cost accounting and budget alerting.
type CostTrackingSettings struct {
	Enabled        bool            `json:"enabled"`
	MonthlyBudget  decimal.Decimal `json:"monthly_budget"`
	AlertThreshold float64         `json:"alert_threshold"`
}

// Clone returns a deep copy so shared reads never observe later mutation.
func (c Configuration) Clone() Configuration {
	out := c
	if c.ModelPreferences != nil {
		out.ModelPreferences = make(map[ActionType]string, len(c.ModelPreferences))
		for k, v := range c.ModelPreferences {
			out.ModelPreferences[k] = v
		}
	}
	return out
}

// ModelFor returns the preferred model for an action type, falling back to
// the default model for unmapped actions.
func (c Configuration) ModelFor(action ActionType) string {
	if m, ok := c.ModelPreferences[action]; ok && m != "" {
		return m
	}
	return c.DefaultModel
}

// DefaultConfiguration returns the configuration created on first valid
// credential submission.
func DefaultConfiguration() Configuration {
	return Configuration{
		DefaultModel: "gpt-4o-mini",
		ModelPreferences: map[ActionType]string{
			ActionChat:               "gpt-4o",
			ActionNodeGeneration:     "gpt-4o-mini",
			ActionDocumentProcessing: "gpt-4o-mini",
			ActionAnalysis:           "gpt-4o",
		},
		Generation: GenerationSettings{
			Temperature: 0.7,
			MaxTokens:   2048,
			Stream:      true,
		},
		RateLimits: RateLimitSettings{
			RequestsPerMinute: 60,
			TokensPerMinute:   90000,
		},
		CostTracking: CostTrackingSettings{
			Enabled:        true,
			MonthlyBudget:  decimal.NewFromInt(20),
			AlertThreshold: 0.8,
		},
	}
}

// ConfigurationPatch is a partial configuration update. Nil fields are left
// untouched; the merge is validated as a whole before anything is committed.
type ConfigurationPatch struct {
	APIKey            *string               `json:"api_key,omitempty"`
	DefaultModel      *string               `json:"default_model,omitempty"`
	ModelPreferences  map[ActionType]string `json:"model_preferences,omitempty"`
	Temperature       *float64              `json:"temperature,omitempty"`
	MaxTokens         *int                  `json:"max_tokens,omitempty"`
	Stream            *bool                 `json:"stream,omitempty"`
	RequestsPerMinute *int                  `json:"requests_per_minute,omitempty"`
	TokensPerMinute   *int                  `json:"tokens_per_minute,omitempty"`
	CostTracking      *bool                 `json:"cost_tracking,omitempty"`
	MonthlyBudget     *decimal.Decimal      `json:"monthly_budget,omitempty"`
	AlertThreshold    *float64              `json:"alert_threshold,omitempty"`
}

// ── User Preferences ────────────────────────────────────────

// UserPreferences are UI-facing preferences with an independent lifecycle
// from Configuration. They always have defaults.
type UserPreferences struct {
	PreferredModel string    `json:"preferred_model"`
	Temperature    float64   `json:"temperature"`
	Verbosity      string    `json:"verbosity"`
	Language       string    `json:"language"`
	Personality    string    `json:"personality"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DefaultUserPreferences returns the out-of-the-box preferences.
func DefaultUserPreferences() UserPreferences {
	return UserPreferences{
		PreferredModel: "gpt-4o-mini",
		Temperature:    0.7,
		Verbosity:      "normal",
		Language:       "en",
		Personality:    "helpful",
	}
}

// UserPreferencesPatch is a partial preferences update.
type UserPreferencesPatch struct {
	PreferredModel *string  `json:"preferred_model,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	Verbosity      *string  `json:"verbosity,omitempty"`
	Language       *string  `json:"language,omitempty"`
	Personality    *string  `json:"personality,omitempty"`
}

// ── Generation ──────────────────────────────────────────────

// ChatMessage is one turn of a conversation sent to the backend.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest describes one unary or streaming generation call.
// RequestID is optional; when set it can be used for targeted Cancel.
type GenerateRequest struct {
	RequestID   string        `json:"request_id,omitempty"`
	Action      ActionType    `json:"action,omitempty"`
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// GenerateResponse is the result of one completed unary call.
type GenerateResponse struct {
	ID           string     `json:"id"`
	Model        string     `json:"model"`
	Content      string     `json:"content"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        TokenUsage `json:"usage"`
	LatencyMs    int64      `json:"latency_ms"`
}

// StreamChunk is one partial response from a streaming call. The sequence
// is terminated by exactly one chunk with IsComplete set; that chunk
// carries the final usage accounting.
type StreamChunk struct {
	ID         string      `json:"id"`
	Model      string      `json:"model"`
	Delta      string      `json:"delta,omitempty"`
	IsComplete bool        `json:"is_complete"`
	Usage      *TokenUsage `json:"usage,omitempty"`
}

// TokenUsage is the token and cost accounting for one call.
type TokenUsage struct {
	InputTokens   int64           `json:"input_tokens"`
	OutputTokens  int64           `json:"output_tokens"`
	TotalTokens   int64           `json:"total_tokens"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
}

// ── Usage Stats ─────────────────────────────────────────────

// UsageStats is the cumulative accounting for one service facade instance.
// Counters are monotonic except for daily bucket rollover, and reset only
// when the facade itself is replaced (new credential).
type UsageStats struct {
	TotalRequests  int64                 `json:"total_requests"`
	FailedRequests int64                 `json:"failed_requests"`
	TotalTokens    int64                 `json:"total_tokens"`
	TotalCost      decimal.Decimal       `json:"total_cost"`
	ByModel        map[string]ModelUsage `json:"by_model,omitempty"`
	Daily          []DailyUsage          `json:"daily,omitempty"`
	Since          time.Time             `json:"since"`
}

// ModelUsage is the per-model usage breakdown.
type ModelUsage struct {
	Requests int64           `json:"requests"`
	Tokens   int64           `json:"tokens"`
	Cost     decimal.Decimal `json:"cost"`
}

// DailyUsage is one day's bucket in the usage series. Date is a UTC
// calendar day in YYYY-MM-DD form.
type DailyUsage struct {
	Date     string          `json:"date"`
	Requests int64           `json:"requests"`
	Tokens   int64           `json:"tokens"`
	Cost     decimal.Decimal `json:"cost"`
}

// Clone returns a deep copy suitable for handing to callers as an
// immutable snapshot.
func (s UsageStats) Clone() UsageStats {
	out := s
	if s.ByModel != nil {
		out.ByModel = make(map[string]ModelUsage, len(s.ByModel))
		for k, v := range s.ByModel {
			out.ByModel[k] = v
		}
	}
	if s.Daily != nil {
		out.Daily = make([]DailyUsage, len(s.Daily))
		copy(out.Daily, s.Daily)
	}
	return out
}

// ── Configuration Status ────────────────────────────────────

// ConfigStatus is the passively observable state of the configuration store.
type ConfigStatus struct {
	Configured     bool     `json:"configured"`
	HasCredential  bool     `json:"has_credential"`
	HasValidConfig bool     `json:"has_valid_config"`
	Errors         []string `json:"errors,omitempty"`
}

// ── Request Lifecycle ───────────────────────────────────────

// RequestState is the lifecycle state of one in-flight request.
type RequestState string

const (
	RequestIssued    RequestState = "issued"
	RequestCompleted RequestState = "completed"
	RequestFailed    RequestState = "failed"
	RequestCancelled RequestState = "cancelled"
)

// Terminal reports whether the state is an exit state.
func (s RequestState) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed || s == RequestCancelled
}

// RequestEvent is pushed on every request state transition. ActiveRequests
// is the counter value after the transition was applied, so consumers can
// mirror the count without polling.
type RequestEvent struct {
	RequestID      string       `json:"request_id"`
	State          RequestState `json:"state"`
	Model          string       `json:"model,omitempty"`
	ActiveRequests int          `json:"active_requests"`
	Timestamp      time.Time    `json:"timestamp"`
}
