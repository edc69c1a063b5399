// Package screentime fetches daily per-activity time tracking data from a
// RescueTime compatible analytic API.
package screentime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrActivityNotFound is returned when the dataset has no column for the
// requested activity.
var ErrActivityNotFound = errors.New("activity not found")

// StatusError reports a non-2xx response from the API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("screentime: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Client talks to the analytic data endpoint.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewClient creates a Client for baseURL, e.g. https://www.rescuetime.com.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "screentime.Client"),
	}
}

// Fetch downloads the daily interval report between start and end
// (inclusive) for the account owning apiKey.
func (c *Client) Fetch(ctx context.Context, apiKey string, start, end time.Time) (*Activity, error) {
	params := url.Values{}
	params.Set("key", apiKey)
	params.Set("perspective", "interval")
	params.Set("resolution_time", "day")
	params.Set("restrict_begin", start.Format(time.DateOnly))
	params.Set("restrict_end", end.Format(time.DateOnly))
	params.Set("format", "csv")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/anapi/data?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("screentime: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("screentime: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	activity, err := Parse(resp.Body)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("fetched activity",
		"start", start.Format(time.DateOnly),
		"end", end.Format(time.DateOnly),
		"activities", len(activity.series),
		"days", activity.Days(),
	)
	return activity, nil
}
