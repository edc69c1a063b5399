package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/subtrack/subtrack/internal/config"
)

// Webhook request headers. The signature is the hex HMAC-SHA256 of
// "<timestamp>.<body>", so receivers can reject replays of old deliveries.
const (
	SignatureHeader = "X-Subtrack-Signature"
	TimestampHeader = "X-Subtrack-Timestamp"
	DeliveryHeader  = "X-Subtrack-Delivery"
)

// Delivery is the JSON body posted to webhook endpoints.
type Delivery struct {
	ID           string       `json:"id"`
	Kind         Kind         `json:"kind"`
	SentAt       time.Time    `json:"sent_at"`
	Notification Notification `json:"notification"`
}

// WebhookSender posts notifications to a generic HTTP endpoint.
type WebhookSender struct {
	url    string
	secret string
	client *http.Client
	now    func() time.Time
}

// NewWebhookSender creates a new generic webhook sender.
func NewWebhookSender(cfg config.WebhookConfig) *WebhookSender {
	return &WebhookSender{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

func (w *WebhookSender) Name() string { return "webhook" }

// Send posts one delivery. Any status >= 400 is an error.
func (w *WebhookSender) Send(ctx context.Context, n Notification) error {
	sentAt := w.now().UTC()
	d := Delivery{ID: ulid.Make().String(), Kind: n.Kind, SentAt: sentAt, Notification: n}
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Subtrack/1.0")
	req.Header.Set(DeliveryHeader, d.ID)

	if w.secret != "" {
		ts := strconv.FormatInt(sentAt.Unix(), 10)
		req.Header.Set(TimestampHeader, ts)
		req.Header.Set(SignatureHeader, Sign([]byte(w.secret), ts, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook %s returned %d", d.ID, resp.StatusCode)
	}
	return nil
}

// Sign computes the signature a receiver should expect for body sent at
// timestamp ts (unix seconds).
func Sign(secret []byte, ts string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature in constant time.
func Verify(secret []byte, ts string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, ts, body)), []byte(signature))
}
