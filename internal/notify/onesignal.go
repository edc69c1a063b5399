package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/subtrack/subtrack/internal/config"
)

// OneSignalSender sends push notifications through the OneSignal REST API,
// addressing users by their external ID.
type OneSignalSender struct {
	apiURL string
	appID  string
	apiKey string
	client *http.Client
}

// NewOneSignalSender creates a new OneSignal push sender.
func NewOneSignalSender(cfg config.OneSignalConfig) *OneSignalSender {
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = "https://api.onesignal.com"
	}
	return &OneSignalSender{
		apiURL: strings.TrimRight(apiURL, "/"),
		appID:  cfg.AppID,
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (o *OneSignalSender) Name() string { return "onesignal" }

type oneSignalUser struct {
	Subscriptions []struct {
		NotificationTypes int `json:"notification_types"`
	} `json:"subscriptions"`
}

// Subscribed reports whether the user has a push subscription that accepts
// notifications.
func (o *OneSignalSender) Subscribed(ctx context.Context, userID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/apps/%s/users/by/external_id/%s",
		o.apiURL, url.PathEscape(o.appID), url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create onesignal request: %w", err)
	}
	req.Header.Set("Authorization", "Basic "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to look up onesignal user: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= 400 {
		return false, fmt.Errorf("onesignal user lookup returned %d", resp.StatusCode)
	}

	var user oneSignalUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return false, fmt.Errorf("failed to decode onesignal user: %w", err)
	}
	for _, s := range user.Subscriptions {
		if s.NotificationTypes == 1 {
			return true, nil
		}
	}
	return false, nil
}

// Send pushes n to the user's devices if they are subscribed.
func (o *OneSignalSender) Send(ctx context.Context, n Notification) error {
	if n.UserID == "" {
		return fmt.Errorf("onesignal: notification has no user")
	}
	ok, err := o.Subscribed(ctx, n.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotSubscribed
	}

	payload := map[string]interface{}{
		"app_id":                    o.appID,
		"headings":                  map[string]string{"en": n.Title},
		"contents":                  map[string]string{"en": n.Message},
		"include_external_user_ids": []string{n.UserID},
		"target_channel":            "push",
	}
	if len(n.Details) > 0 {
		payload["data"] = n.Details
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal onesignal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiURL+"/notifications", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create onesignal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Basic "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send onesignal notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("onesignal returned %d", resp.StatusCode)
	}

	var result struct {
		ID     string          `json:"id"`
		Errors json.RawMessage `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode onesignal response: %w", err)
	}
	if len(result.Errors) > 0 && string(result.Errors) != "null" {
		return fmt.Errorf("onesignal rejected notification: %s", result.Errors)
	}
	return nil
}
