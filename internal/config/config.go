package config

import (
	"time"

	"github.com/subtrack/subtrack/internal/optimize"
	"github.com/subtrack/subtrack/internal/usage"
)

// Config is the top-level subtrack configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Usage         UsageConfig         `yaml:"usage"`
	Budget        BudgetConfig        `yaml:"budget"`
	Jobs          JobsConfig          `yaml:"jobs"`
	ScreenTime    ScreenTimeConfig    `yaml:"screentime"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	CORS     bool   `yaml:"cors"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// UsageConfig tunes usage scoring and unused-subscription detection.
type UsageConfig struct {
	Threshold      float64 `yaml:"threshold"`
	WindowSize     int     `yaml:"window_size"`
	TrendPeriod    int     `yaml:"trend_period"`
	TrendThreshold float64 `yaml:"trend_threshold"`
	// UnusedThreshold applies to users that have not set their own.
	UnusedThreshold int `yaml:"unused_threshold"`
	LookbackDays    int `yaml:"lookback_days"`
}

// Params converts the scoring knobs into usage.Params.
func (u UsageConfig) Params() usage.Params {
	return usage.Params{
		Threshold:      u.Threshold,
		WindowSize:     u.WindowSize,
		TrendPeriod:    u.TrendPeriod,
		TrendThreshold: u.TrendThreshold,
	}
}

// BudgetConfig bounds budget optimizations served by the API.
type BudgetConfig struct {
	DefaultPeriod  string `yaml:"default_period"`
	MaxBudgetUnits int64  `yaml:"max_budget_units"`
	MaxItems       int    `yaml:"max_items"`
	DenseCellLimit int64  `yaml:"dense_cell_limit"`
}

// Limits converts the caps into optimize.Limits.
func (b BudgetConfig) Limits() optimize.Limits {
	return optimize.Limits{
		MaxBudgetUnits: b.MaxBudgetUnits,
		MaxItems:       b.MaxItems,
		DenseCellLimit: b.DenseCellLimit,
	}
}

type JobsConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Interval            time.Duration `yaml:"interval"`
	Concurrency         int           `yaml:"concurrency"`
	PaymentReminderDays int           `yaml:"payment_reminder_days"`
}

type ScreenTimeConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type NotificationsConfig struct {
	OneSignal OneSignalConfig `yaml:"onesignal"`
	Slack     SlackConfig     `yaml:"slack"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	DedupTTL  time.Duration   `yaml:"dedup_ttl"`
}

type OneSignalConfig struct {
	AppID  string `yaml:"app_id"`
	APIKey string `yaml:"api_key"`
	APIURL string `yaml:"api_url"`
}

type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// DefaultConfig returns a config with sensible defaults for zero-config startup.
func DefaultConfig() *Config {
	params := usage.DefaultParams()
	return &Config{
		Server: ServerConfig{
			Port:     7420,
			LogLevel: "info",
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./subtrack.db",
		},
		Usage: UsageConfig{
			Threshold:       params.Threshold,
			WindowSize:      params.WindowSize,
			TrendPeriod:     params.TrendPeriod,
			TrendThreshold:  params.TrendThreshold,
			UnusedThreshold: 3,
			LookbackDays:    30,
		},
		Budget: BudgetConfig{
			DefaultPeriod:  "month",
			MaxBudgetUnits: 100_000,
			MaxItems:       500,
		},
		Jobs: JobsConfig{
			Enabled:             true,
			Interval:            24 * time.Hour,
			Concurrency:         4,
			PaymentReminderDays: 3,
		},
		ScreenTime: ScreenTimeConfig{
			BaseURL: "https://www.rescuetime.com",
			Timeout: 30 * time.Second,
		},
		Notifications: NotificationsConfig{
			OneSignal: OneSignalConfig{
				APIURL: "https://api.onesignal.com",
			},
			DedupTTL: 12 * time.Hour,
		},
	}
}
