package alerting

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/gomail.v2"

	"deal-radar/internal/config"
)

// EmailNotifier 通过 SMTP 发送告警邮件。
type EmailNotifier struct {
	cfg    config.EmailConfig
	logger zerolog.Logger
}

// NewEmailNotifier 构造邮件告警器。
func NewEmailNotifier(cfg config.EmailConfig, logger zerolog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger.With().Str("component", "alert_email").Logger(),
	}
}

// Notify 发送一封纯文本告警邮件。
func (n *EmailNotifier) Notify(_ context.Context, event AlertEvent) error {
	if n.cfg.Host == "" || n.cfg.From == "" {
		n.logger.Warn().Msg("邮件配置缺失, 跳过通知")
		return nil
	}
	if strings.TrimSpace(n.cfg.To) == "" {
		n.logger.Warn().Msg("收件人为空, 跳过通知")
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.From)
	m.SetHeader("To", n.cfg.To)
	m.SetHeader("Subject", fmt.Sprintf("[Deal Radar] %s - %s", kindTitle(event.Kind), event.ProductName))
	m.SetBody("text/plain", renderMessage(event))

	d := gomail.NewDialer(n.cfg.Host, n.cfg.Port, n.cfg.Username, n.cfg.Password)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info().Str("product_id", event.ProductID).
		Str("kind", string(event.Kind)).
		Str("to", n.cfg.To).
		Msg("告警已发送 (Email)")
	return nil
}

var _ Notifier = (*EmailNotifier)(nil)
