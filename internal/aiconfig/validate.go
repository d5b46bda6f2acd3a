package aiconfig

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/mindweave/mindweave/ai-core/pkg/models"
)

// Validation bounds for configuration fields.
const (
	MaxTemperature = 2.0
	MaxTokensLimit = 128000

	minRequestsPerMinute = 1
	maxRequestsPerMinute = 10000
	minTokensPerMinute   = 1
	maxTokensPerMinute   = 2000000
)

// apiKeyPattern matches the backend's bearer-style credential shape.
var apiKeyPattern = regexp.MustCompile(`^sk-[A-Za-z0-9_-]{20,}$`)

// ValidAPIKey reports whether key matches the required credential shape.
// This is a format check only; no network call is made.
func ValidAPIKey(key string) bool {
	return apiKeyPattern.MatchString(key)
}

// Validate checks every configuration invariant and returns all violations.
// An empty slice means the configuration is valid.
func Validate(cfg models.Configuration) []string {
	var errs []string

	if cfg.APIKey == "" {
		errs = append(errs, "api key is required")
	} else if !ValidAPIKey(cfg.APIKey) {
		errs = append(errs, "api key does not match the required format")
	}

	if cfg.DefaultModel == "" {
		errs = append(errs, "default model is required")
	}

	g := cfg.Generation
	if g.Temperature < 0 || g.Temperature > MaxTemperature {
		errs = append(errs, fmt.Sprintf("temperature %g out of range [0, %g]", g.Temperature, MaxTemperature))
	}
	if g.MaxTokens <= 0 || g.MaxTokens > MaxTokensLimit {
		errs = append(errs, fmt.Sprintf("max tokens %d out of range (0, %d]", g.MaxTokens, MaxTokensLimit))
	}

	rl := cfg.RateLimits
	if rl.RequestsPerMinute < minRequestsPerMinute || rl.RequestsPerMinute > maxRequestsPerMinute {
		errs = append(errs, fmt.Sprintf("requests per minute %d out of range [%d, %d]",
			rl.RequestsPerMinute, minRequestsPerMinute, maxRequestsPerMinute))
	}
	if rl.TokensPerMinute < minTokensPerMinute || rl.TokensPerMinute > maxTokensPerMinute {
		errs = append(errs, fmt.Sprintf("tokens per minute %d out of range [%d, %d]",
			rl.TokensPerMinute, minTokensPerMinute, maxTokensPerMinute))
	}

	ct := cfg.CostTracking
	if ct.MonthlyBudget.LessThan(decimal.Zero) {
		errs = append(errs, "monthly budget must be >= 0")
	}
	if ct.AlertThreshold < 0 || ct.AlertThreshold > 1 {
		errs = append(errs, fmt.Sprintf("alert threshold %g out of range [0, 1]", ct.AlertThreshold))
	}

	return errs
}
