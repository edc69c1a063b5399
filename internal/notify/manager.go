// Package notify delivers payment reminders and unused-subscription warnings
// to users over push, Slack and signed webhooks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/subtrack/subtrack/internal/config"
)

// Kind classifies a notification.
type Kind string

const (
	KindPaymentDue         Kind = "payment_due"
	KindUnusedSubscription Kind = "unused_subscription"
)

// ErrNotSubscribed is returned by senders that target a user who has not
// opted in on that channel.
var ErrNotSubscribed = errors.New("user not subscribed")

// Notification is a message for one user about one of their plans.
type Notification struct {
	Kind    Kind   `json:"kind"`
	Title   string `json:"title"`
	Message string `json:"message"`
	UserID  string `json:"user_id"`
	// Subject identifies what the notification is about, usually a user plan ID.
	Subject   string                 `json:"subject,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (n Notification) dedupKey() string {
	return string(n.Kind) + "|" + n.UserID + "|" + n.Subject
}

// UnusedNotice warns a user that a tracked plan scored below their
// threshold.
func UnusedNotice(userID, userPlanID, subscription, plan string, score, threshold int) Notification {
	return Notification{
		Kind:  KindUnusedSubscription,
		Title: "Subscription going unused",
		Message: fmt.Sprintf("You have barely used %s lately (score %d/10). Consider cancelling %s.",
			subscription, score, plan),
		UserID:  userID,
		Subject: userPlanID,
		Details: map[string]interface{}{
			"subscription": subscription,
			"plan":         plan,
			"score":        score,
			"threshold":    threshold,
		},
	}
}

// Sender is a notification delivery channel.
type Sender interface {
	Send(ctx context.Context, n Notification) error
	Name() string
}

// Manager fans notifications out to every configured channel, suppressing
// repeats of the same kind, user and subject within the dedup TTL.
type Manager struct {
	mu       sync.Mutex
	senders  []Sender
	dedup    map[string]time.Time // dedupKey → lastSent
	dedupTTL time.Duration
	logger   *slog.Logger
}

// NewManager creates a manager with the senders enabled in cfg.
func NewManager(cfg config.NotificationsConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.DedupTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	m := &Manager{
		senders:  make([]Sender, 0),
		dedup:    make(map[string]time.Time),
		dedupTTL: ttl,
		logger:   logger.With("component", "notify.Manager"),
	}

	if cfg.OneSignal.AppID != "" && cfg.OneSignal.APIKey != "" {
		m.senders = append(m.senders, NewOneSignalSender(cfg.OneSignal))
	}
	if cfg.Slack.WebhookURL != "" {
		m.senders = append(m.senders, NewSlackSender(cfg.Slack))
	}
	if cfg.Webhook.URL != "" {
		m.senders = append(m.senders, NewWebhookSender(cfg.Webhook))
	}
	return m
}

// AddSender registers an extra delivery channel.
func (m *Manager) AddSender(s Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.senders = append(m.senders, s)
}

func (m *Manager) snapshot() []Sender {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sender(nil), m.senders...)
}

// claim records n as sent unless an identical notification went out within
// the TTL.
func (m *Manager) claim(n Notification) bool {
	key := n.dedupKey()
	m.mu.Lock()
	defer m.mu.Unlock()
	if lastSent, ok := m.dedup[key]; ok && time.Since(lastSent) < m.dedupTTL {
		return false
	}
	m.dedup[key] = time.Now()
	return true
}

func (m *Manager) release(n Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dedup, n.dedupKey())
}

// Send dispatches n to all channels in the background.
func (m *Manager) Send(n Notification) {
	n.Timestamp = time.Now()
	if !m.claim(n) {
		m.logger.Debug("notification deduplicated", "kind", n.Kind, "key", n.dedupKey())
		return
	}

	for _, sender := range m.snapshot() {
		go func(s Sender) {
			if err := s.Send(context.Background(), n); err != nil && !errors.Is(err, ErrNotSubscribed) {
				m.logger.Error("failed to send notification",
					"sender", s.Name(),
					"kind", n.Kind,
					"user_id", n.UserID,
					"error", err,
				)
			}
		}(sender)
	}
}

// SendSync delivers n to every channel and waits. It reports whether at
// least one channel accepted it. A notification no channel accepted is not
// remembered for deduplication, so a later run retries it.
func (m *Manager) SendSync(ctx context.Context, n Notification) (bool, error) {
	n.Timestamp = time.Now()
	if !m.claim(n) {
		m.logger.Debug("notification deduplicated", "kind", n.Kind, "key", n.dedupKey())
		return false, nil
	}

	delivered := false
	var errs []error
	for _, s := range m.snapshot() {
		err := s.Send(ctx, n)
		switch {
		case err == nil:
			delivered = true
		case errors.Is(err, ErrNotSubscribed):
			m.logger.Debug("user not subscribed on channel", "sender", s.Name(), "user_id", n.UserID)
		default:
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}

	if !delivered {
		m.release(n)
	}
	return delivered, errors.Join(errs...)
}

// PruneDedup removes old dedup entries. Call periodically.
func (m *Manager) PruneDedup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for key, ts := range m.dedup {
		if now.Sub(ts) > m.dedupTTL*2 {
			delete(m.dedup, key)
		}
	}
}

// HasSenders returns true if any notification channels are configured.
func (m *Manager) HasSenders() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.senders) > 0
}
