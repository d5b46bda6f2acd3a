package aiservice

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/mindweave/mindweave/ai-core/pkg/models"
)

// Known cost per 1K tokens (USD).
var modelPricing = map[string]struct {
	input  decimal.Decimal
	output decimal.Decimal
}{
	"gpt-4o":      {input: decimal.NewFromFloat(0.0025), output: decimal.NewFromFloat(0.01)},
	"gpt-4o-mini": {input: decimal.NewFromFloat(0.00015), output: decimal.NewFromFloat(0.0006)},
	"gpt-4-turbo": {input: decimal.NewFromFloat(0.01), output: decimal.NewFromFloat(0.03)},
}

var fallbackPricePer1K = decimal.NewFromFloat(0.001)

var oneThousand = decimal.NewFromInt(1000)

// estimateCost computes the exact decimal cost of a call from the model's
// per-1K-token pricing.
func estimateCost(model string, inputTokens, outputTokens int64) decimal.Decimal {
	in := fallbackPricePer1K
	out := fallbackPricePer1K
	if p, ok := modelPricing[model]; ok {
		in, out = p.input, p.output
	}
	cost := decimal.NewFromInt(inputTokens).Div(oneThousand).Mul(in)
	return cost.Add(decimal.NewFromInt(outputTokens).Div(oneThousand).Mul(out))
}

// usageTracker accumulates usage statistics for one service facade
// instance. Every read returns a deep-copied snapshot; every write happens
// under the lock, so concurrent requests never observe torn state.
type usageTracker struct {
	mu    sync.Mutex
	stats models.UsageStats

	costCfg models.CostTrackingSettings
	// month (YYYY-MM) → budget alert already fired
	alerted map[string]bool
}

func newUsageTracker(costCfg models.CostTrackingSettings) *usageTracker {
	return &usageTracker{
		stats: models.UsageStats{
			TotalCost: decimal.Zero,
			ByModel:   make(map[string]models.ModelUsage),
			Since:     time.Now().UTC(),
		},
		costCfg: costCfg,
		alerted: make(map[string]bool),
	}
}

// setCostTracking swaps the cost-tracking settings on a live tracker.
// Accumulated counters are untouched; only configuration edits flow here.
func (u *usageTracker) setCostTracking(costCfg models.CostTrackingSettings) {
	u.mu.Lock()
	u.costCfg = costCfg
	u.mu.Unlock()
}

// recordSuccess applies one completed request's accounting atomically.
func (u *usageTracker) recordSuccess(model string, usage models.TokenUsage) {
	now := time.Now().UTC()

	u.mu.Lock()
	defer u.mu.Unlock()

	u.stats.TotalRequests++
	u.stats.TotalTokens += usage.TotalTokens
	u.stats.TotalCost = u.stats.TotalCost.Add(usage.EstimatedCost)

	byModel := u.stats.ByModel[model]
	byModel.Requests++
	byModel.Tokens += usage.TotalTokens
	byModel.Cost = byModel.Cost.Add(usage.EstimatedCost)
	u.stats.ByModel[model] = byModel

	day := now.Format("2006-01-02")
	if n := len(u.stats.Daily); n > 0 && u.stats.Daily[n-1].Date == day {
		bucket := &u.stats.Daily[n-1]
		bucket.Requests++
		bucket.Tokens += usage.TotalTokens
		bucket.Cost = bucket.Cost.Add(usage.EstimatedCost)
	} else {
		u.stats.Daily = append(u.stats.Daily, models.DailyUsage{
			Date:     day,
			Requests: 1,
			Tokens:   usage.TotalTokens,
			Cost:     usage.EstimatedCost,
		})
	}

	u.checkBudgetLocked(now)
}

// recordFailure counts a failed request without token accounting.
func (u *usageTracker) recordFailure() {
	u.mu.Lock()
	u.stats.FailedRequests++
	u.mu.Unlock()
}

// snapshot returns an immutable copy of the current statistics.
func (u *usageTracker) snapshot() models.UsageStats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stats.Clone()
}

// checkBudgetLocked fires a warning once per month when cumulative monthly
// cost crosses the configured alert threshold. Reporting only — nothing is
// throttled.
func (u *usageTracker) checkBudgetLocked(now time.Time) {
	if !u.costCfg.Enabled || !u.costCfg.MonthlyBudget.IsPositive() {
		return
	}

	month := now.Format("2006-01")
	if u.alerted[month] {
		return
	}

	monthCost := decimal.Zero
	for _, bucket := range u.stats.Daily {
		if len(bucket.Date) >= 7 && bucket.Date[:7] == month {
			monthCost = monthCost.Add(bucket.Cost)
		}
	}

	threshold := u.costCfg.MonthlyBudget.Mul(decimal.NewFromFloat(u.costCfg.AlertThreshold))
	if monthCost.GreaterThanOrEqual(threshold) {
		u.alerted[month] = true
		log.Warn().
			Str("month", month).
			Str("spent", monthCost.StringFixed(4)).
			Str("budget", u.costCfg.MonthlyBudget.StringFixed(2)).
			Float64("threshold", u.costCfg.AlertThreshold).
			Msg("Monthly AI budget alert threshold crossed")
	}
}
