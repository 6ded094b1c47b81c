package deliver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookSender posts notifications to a caregiver-registered HTTP endpoint.
type WebhookSender struct {
	client *http.Client
	logger *zap.Logger
}

type WebhookConfig struct {
	Timeout time.Duration
}

func NewWebhookSender(logger *zap.Logger, cfg WebhookConfig) *WebhookSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WebhookSender{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (s *WebhookSender) Send(ctx context.Context, n Notification) error {
	if n.Channel != ChannelWebhook {
		return fmt.Errorf("webhook sender only supports webhooks, got: %s", n.Channel)
	}
	if n.To == "" {
		return fmt.Errorf("webhook notification missing url")
	}

	body, err := json.Marshal(map[string]string{
		"id":         n.ID.String(),
		"account_id": n.AccountID.String(),
		"title":      n.Title,
		"body":       n.Body,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.To, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Dosemind/1.0")
	req.Header.Set("X-Dosemind-Notification-ID", n.ID.String())

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(preview))
	}

	s.logger.Info("webhook delivered",
		zap.String("id", n.ID.String()),
		zap.String("url", n.To),
		zap.Int("status_code", resp.StatusCode),
	)

	return nil
}

func (s *WebhookSender) SupportsChannel(channel string) bool {
	return channel == ChannelWebhook
}
