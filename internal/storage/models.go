package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Priority orders products when more are due than the concurrency budget allows.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Rank returns the dispatch rank; lower dispatches first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// IntervalMultiplier scales the configured check interval per tier.
func (p Priority) IntervalMultiplier() float64 {
	switch p {
	case PriorityHigh:
		return 0.5
	case PriorityLow:
		return 1.5
	default:
		return 1.0
	}
}

// ProductStatus tracks the product lifecycle.
type ProductStatus string

const (
	StatusActive   ProductStatus = "active"
	StatusPaused   ProductStatus = "paused"
	StatusDegraded ProductStatus = "degraded"
)

// Product is a tracked product. Target price and cadence change only through
// explicit updates; the monitor mutates nothing except the degraded status.
type Product struct {
	ID            string
	Name          string
	SearchQuery   string
	TargetPrice   decimal.Decimal
	CheckInterval time.Duration
	Priority      Priority
	Status        ProductStatus
	LastCheckedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EffectiveInterval applies the priority multiplier to the check cadence.
func (p Product) EffectiveInterval() time.Duration {
	return time.Duration(float64(p.CheckInterval) * p.Priority.IntervalMultiplier())
}

// PriceSample is one observed price point. Immutable once appended; the
// per-product sequence is strictly increasing in CheckedAt.
type PriceSample struct {
	ProductID string
	Price     decimal.Decimal
	Source    string
	Metadata  json.RawMessage
	CheckedAt time.Time
}

// AlertRecord captures an emitted alert for auditing and de-duplication.
type AlertRecord struct {
	ID            int64
	ProductID     string
	Kind          string
	DedupKey      string
	TriggerPrice  decimal.Decimal
	PreviousPrice *decimal.Decimal
	Savings       decimal.Decimal
	Message       string
	Channels      []string
	CreatedAt     time.Time
}

// PredictionRecord is a stored forecast.
type PredictionRecord struct {
	ID             int64
	ProductID      string
	HorizonDays    int
	PredictedPrice decimal.Decimal
	LowerBound     decimal.Decimal
	UpperBound     decimal.Decimal
	Confidence     float64
	ModelID        string
	TrainSamples   int
	GeneratedAt    time.Time
}
