package alerting

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Multi 将同一事件尽力投递到多个渠道, 单渠道失败不影响其余渠道。
type Multi struct {
	notifiers []Notifier
	logger    zerolog.Logger
}

// NewMulti 构造多渠道告警器。
func NewMulti(logger zerolog.Logger, notifiers ...Notifier) *Multi {
	return &Multi{
		notifiers: notifiers,
		logger:    logger.With().Str("component", "alert_multi").Logger(),
	}
}

// Notify 依次调用所有渠道并汇总错误。
func (m *Multi) Notify(ctx context.Context, event AlertEvent) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, event); err != nil {
			m.logger.Warn().Err(err).
				Str("product_id", event.ProductID).
				Str("kind", string(event.Kind)).
				Msg("单渠道投递失败")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Notifier = (*Multi)(nil)
