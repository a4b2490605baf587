package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SlackNotifier 通过 Incoming Webhook 推送消息。
type SlackNotifier struct {
	webhookURL string
	channel    string
	username   string
	iconEmoji  string
	client     *http.Client
	logger     zerolog.Logger
}

// NewSlackNotifier 构造 Slack 告警器。
func NewSlackNotifier(webhookURL, channel, username, iconEmoji string, timeout time.Duration, logger zerolog.Logger) *SlackNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &SlackNotifier{
		webhookURL: webhookURL,
		channel:    channel,
		username:   username,
		iconEmoji:  iconEmoji,
		client:     &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "alert_slack").Logger(),
	}
}

// Notify 向 webhook 发送文本消息。
func (n *SlackNotifier) Notify(ctx context.Context, event AlertEvent) error {
	payload := map[string]string{
		"text": renderMessage(event),
	}
	if n.channel != "" {
		payload["channel"] = n.channel
	}
	if n.username != "" {
		payload["username"] = n.username
	}
	if n.iconEmoji != "" {
		payload["icon_emoji"] = n.iconEmoji
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send slack request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("slack 响应码异常: %d %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	n.logger.Info().Str("product_id", event.ProductID).
		Str("kind", string(event.Kind)).
		Msg("告警已发送 (Slack)")
	return nil
}

var _ Notifier = (*SlackNotifier)(nil)
