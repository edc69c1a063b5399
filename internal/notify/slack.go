package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/subtrack/subtrack/internal/config"
)

// SlackSender posts notifications to Slack via incoming webhook.
type SlackSender struct {
	webhookURL string
	channel    string
	client     *http.Client
}

// NewSlackSender creates a new Slack sender.
func NewSlackSender(cfg config.SlackConfig) *SlackSender {
	return &SlackSender{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackSender) Name() string { return "slack" }

// Send posts a notification to Slack.
func (s *SlackSender) Send(ctx context.Context, n Notification) error {
	payload := map[string]interface{}{
		"channel": s.channel,
		"attachments": []map[string]interface{}{
			{
				"color":  kindColor(n.Kind),
				"title":  fmt.Sprintf("%s Subtrack: %s", kindEmoji(n.Kind), n.Title),
				"text":   n.Message,
				"fields": buildSlackFields(n),
				"ts":     n.Timestamp.Unix(),
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

func buildSlackFields(n Notification) []map[string]interface{} {
	fields := []map[string]interface{}{
		{"title": "Kind", "value": string(n.Kind), "short": true},
		{"title": "User", "value": n.UserID, "short": true},
	}
	if sub, ok := n.Details["subscription"]; ok {
		fields = append(fields, map[string]interface{}{"title": "Subscription", "value": sub, "short": true})
	}
	return fields
}

func kindEmoji(k Kind) string {
	switch k {
	case KindPaymentDue:
		return "💳"
	case KindUnusedSubscription:
		return "💤"
	default:
		return "🔵"
	}
}

func kindColor(k Kind) string {
	switch k {
	case KindPaymentDue:
		return "#ffc107"
	case KindUnusedSubscription:
		return "#dc3545"
	default:
		return "#17a2b8"
	}
}
