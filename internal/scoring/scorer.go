package scoring

import (
	"time"

	"github.com/shopspring/decimal"

	"deal-radar/internal/analysis"
	"deal-radar/internal/config"
)

// DealScore is the composite judgement for one price observation.
type DealScore struct {
	ProductID      string
	Score          float64
	PercentileRank float64
	Savings        decimal.Decimal
	IsDeal         bool
	ComputedAt     time.Time
}

// Scorer combines current price, history, and trend features into a score.
type Scorer struct {
	cfg config.ScoringConfig
}

// NewScorer builds a scorer from runtime settings.
func NewScorer(cfg config.ScoringConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score evaluates the current price against its own history. The history
// slice carries the prices the percentile rank is computed over; features
// come from the analyzer over the same window.
func (s *Scorer) Score(productID string, current decimal.Decimal, history []float64, feats analysis.Features, target decimal.Decimal, now time.Time) DealScore {
	currentF, _ := current.Float64()

	rank := percentileRank(history, currentF)
	trend := trendComponent(feats.Slope, s.cfg.SlopeSaturation)

	score := s.cfg.PercentileWeight*rank + s.cfg.TrendWeight*trend
	if feats.VolatilityValid {
		normVol := clamp01(feats.Volatility / s.cfg.VolatilitySaturation)
		score += s.cfg.VolatilityWeight * (1 - normVol)
	}
	score = clamp01(score)

	baseline := decimal.NewFromFloat(feats.Resistance)
	if target.GreaterThan(baseline) {
		baseline = target
	}
	savings := baseline.Sub(current)
	if savings.IsNegative() {
		savings = decimal.Zero
	}

	return DealScore{
		ProductID:      productID,
		Score:          score,
		PercentileRank: rank,
		Savings:        savings,
		IsDeal:         score >= s.cfg.DealThreshold || current.LessThanOrEqual(target),
		ComputedAt:     now,
	}
}

// percentileRank is the fraction of historical prices strictly above the
// current price. A price matching its entire flat history ranks 0.
func percentileRank(history []float64, current float64) float64 {
	if len(history) == 0 {
		return 0
	}
	above := 0
	for _, p := range history {
		if p > current {
			above++
		}
	}
	return float64(above) / float64(len(history))
}

// trendComponent maps a falling slope toward 1 and a rising slope toward 0,
// saturating at the configured magnitude.
func trendComponent(slope, saturation float64) float64 {
	if saturation <= 0 {
		saturation = 1
	}
	norm := slope / saturation
	if norm > 1 {
		norm = 1
	}
	if norm < -1 {
		norm = -1
	}
	return 0.5 - 0.5*norm
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
