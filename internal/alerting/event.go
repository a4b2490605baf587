package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind 标识告警类型。
type Kind string

const (
	KindTargetReached   Kind = "target_reached"
	KindPriceDrop       Kind = "price_drop"
	KindDealDetected    Kind = "deal_detected"
	KindPredictionAlert Kind = "prediction_alert"
	KindDegraded        Kind = "degraded"
)

// AlertEvent 封装告警上下文。
type AlertEvent struct {
	ProductID     string
	ProductName   string
	Kind          Kind
	CurrentPrice  decimal.Decimal
	PreviousPrice *decimal.Decimal
	TargetPrice   decimal.Decimal
	Savings       decimal.Decimal
	Score         float64
	Message       string
	DedupKey      string
	Channels      []string
	EmittedAt     time.Time
}

// NewDedupKey 生成 (product, kind) 维度的去重键。
func NewDedupKey(productID string, kind Kind) string {
	return fmt.Sprintf("%s:%s", productID, kind)
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, event AlertEvent) error
}

// renderMessage 渲染跨渠道共用的文本。
func renderMessage(event AlertEvent) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Deal Radar] %s\n", kindTitle(event.Kind)))
	builder.WriteString(fmt.Sprintf("Product: %s\n", event.ProductName))
	builder.WriteString(fmt.Sprintf("Current: %s\n", event.CurrentPrice.StringFixed(2)))
	if event.PreviousPrice != nil {
		builder.WriteString(fmt.Sprintf("Previous: %s\n", event.PreviousPrice.StringFixed(2)))
	}
	if !event.TargetPrice.IsZero() {
		builder.WriteString(fmt.Sprintf("Target: %s\n", event.TargetPrice.StringFixed(2)))
	}
	if event.Savings.IsPositive() {
		builder.WriteString(fmt.Sprintf("Savings: %s\n", event.Savings.StringFixed(2)))
	}
	if event.Kind == KindDealDetected {
		builder.WriteString(fmt.Sprintf("Score: %.2f\n", event.Score))
	}
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", event.EmittedAt.UTC().Format(time.RFC3339)))
	if event.Message != "" {
		builder.WriteString(event.Message)
	}
	return builder.String()
}

func kindTitle(kind Kind) string {
	switch kind {
	case KindTargetReached:
		return "Target Price Reached"
	case KindPriceDrop:
		return "Price Drop"
	case KindDealDetected:
		return "Deal Detected"
	case KindPredictionAlert:
		return "Forecast Alert"
	case KindDegraded:
		return "Product Degraded"
	default:
		return string(kind)
	}
}
