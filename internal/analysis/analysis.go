package analysis

import (
	"errors"
	"math"
	"sort"
	"time"

	"deal-radar/internal/config"
	"deal-radar/internal/storage"
)

// ErrInsufficientHistory indicates the product has fewer samples than the
// minimum analysis window.
var ErrInsufficientHistory = errors.New("analysis: insufficient history")

// Direction classifies the fitted trend.
type Direction string

const (
	DirectionUp     Direction = "up"
	DirectionDown   Direction = "down"
	DirectionStable Direction = "stable"
)

// A slope below this fraction of the mean per day counts as stable.
const stableSlopeRatio = 0.001

// Sample is one price observation on the analysis time axis.
type Sample struct {
	Price float64
	At    time.Time
}

// Features are the derived statistics for one product's price history.
type Features struct {
	Count  int
	Latest float64
	Mean   float64
	Min    float64
	Max    float64

	// Slope is the least-squares price change per day. R2 is the fit
	// quality; a constant series fits perfectly with slope zero.
	Slope     float64
	R2        float64
	Direction Direction

	ShortMA           float64
	LongMA            float64
	LongWindowPartial bool

	// Volatility is the coefficient of variation. Invalid when the mean
	// is zero.
	Volatility      float64
	VolatilityValid bool

	Support    float64
	Resistance float64
}

// Analyzer computes trend features from price histories.
type Analyzer struct {
	cfg config.AnalysisConfig
}

// NewAnalyzer builds an analyzer from runtime settings.
func NewAnalyzer(cfg config.AnalysisConfig) *Analyzer {
	return &Analyzer{cfg: cfg}
}

// FromSamples converts stored samples into the analysis representation.
// Input order is preserved; callers pass ascending history.
func FromSamples(stored []storage.PriceSample) []Sample {
	out := make([]Sample, 0, len(stored))
	for _, s := range stored {
		price, _ := s.Price.Float64()
		out = append(out, Sample{Price: price, At: s.CheckedAt})
	}
	return out
}

// Analyze derives trend features from an ascending price series.
func (a *Analyzer) Analyze(samples []Sample) (Features, error) {
	if len(samples) < a.cfg.MinWindow {
		return Features{}, ErrInsufficientHistory
	}

	prices := make([]float64, len(samples))
	for i, s := range samples {
		prices[i] = s.Price
	}

	feats := Features{
		Count:  len(samples),
		Latest: prices[len(prices)-1],
		Mean:   mean(prices),
		Min:    minOf(prices),
		Max:    maxOf(prices),
	}

	feats.Slope, feats.R2 = fitLine(samples)
	feats.Direction = classify(feats.Slope, feats.Mean)

	feats.ShortMA = mean(tail(prices, a.cfg.ShortWindow))
	longTail := tail(prices, a.cfg.LongWindow)
	feats.LongMA = mean(longTail)
	feats.LongWindowPartial = len(longTail) < a.cfg.LongWindow

	if feats.Mean != 0 {
		feats.Volatility = stddev(prices, feats.Mean) / feats.Mean
		feats.VolatilityValid = true
	}

	feats.Support = Percentile(prices, a.cfg.SupportPercentile)
	feats.Resistance = Percentile(prices, a.cfg.ResistancePercentile)

	return feats, nil
}

// fitLine runs ordinary least squares of price against elapsed days.
func fitLine(samples []Sample) (slope, r2 float64) {
	n := float64(len(samples))
	origin := samples[0].At

	var sumX, sumY, sumXY, sumXX float64
	for _, s := range samples {
		x := s.At.Sub(origin).Hours() / 24
		sumX += x
		sumY += s.Price
		sumXY += x * s.Price
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		// All samples at the same instant.
		return 0, 1
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	meanY := sumY / n
	var ssRes, ssTot float64
	for _, s := range samples {
		x := s.At.Sub(origin).Hours() / 24
		fitted := intercept + slope*x
		ssRes += (s.Price - fitted) * (s.Price - fitted)
		ssTot += (s.Price - meanY) * (s.Price - meanY)
	}
	if ssTot == 0 {
		return 0, 1
	}
	return slope, 1 - ssRes/ssTot
}

func classify(slope, meanPrice float64) Direction {
	if meanPrice != 0 && math.Abs(slope)/meanPrice < stableSlopeRatio {
		return DirectionStable
	}
	if slope > 0 {
		return DirectionUp
	}
	if slope < 0 {
		return DirectionDown
	}
	return DirectionStable
}

// Percentile interpolates the p-th percentile (0..100) of values.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}

	rank := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

func tail(values []float64, window int) []float64 {
	if window <= 0 || window >= len(values) {
		return values
	}
	return values[len(values)-window:]
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddev(values []float64, m float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += (v - m) * (v - m)
	}
	return math.Sqrt(sum / float64(len(values)-1))
}

func minOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
