package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// substituteEnvVars expands ${VAR} and ${VAR:-default} references.
func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(groups[1]); ok && v != "" {
			return v
		}
		return groups[2]
	})
}

// Loader reads a YAML config file and keeps the last good config in memory.
type Loader struct {
	mu       sync.RWMutex
	cfg      *Config
	filePath string

	watchMu sync.Mutex
	watcher *watcher
}

// NewLoader creates a Loader holding the default config.
func NewLoader() *Loader {
	return &Loader{cfg: DefaultConfig()}
}

// Load parses the file at path on top of the defaults. On error the
// previously loaded config is kept.
func (l *Loader) Load(path string) error {
	cfg, err := parseFile(path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.cfg = cfg
	l.filePath = path
	l.mu.Unlock()
	return nil
}

// Reload re-reads the file given to the last successful Load.
func (l *Loader) Reload() error {
	path := l.FilePath()
	if path == "" {
		return errors.New("no config file loaded")
	}
	return l.Load(path)
}

// Get returns the current config.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the path of the loaded file, or "" when running on defaults.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filePath
}

func parseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Storage.Driver != "sqlite" {
		return fmt.Errorf("storage.driver %q not supported", c.Storage.Driver)
	}
	if err := c.Usage.Params().Validate(); err != nil {
		return fmt.Errorf("usage: %w", err)
	}
	if c.Usage.UnusedThreshold < 0 || c.Usage.UnusedThreshold > 10 {
		return fmt.Errorf("usage.unused_threshold %d must be between 0 and 10", c.Usage.UnusedThreshold)
	}
	if c.Usage.LookbackDays < c.Usage.TrendPeriod {
		return fmt.Errorf("usage.lookback_days %d is shorter than trend_period %d",
			c.Usage.LookbackDays, c.Usage.TrendPeriod)
	}
	if c.Jobs.Concurrency < 1 {
		return fmt.Errorf("jobs.concurrency must be at least 1")
	}
	return nil
}

const defaultConfigYAML = `# subtrack configuration
server:
  port: 7420
  log_level: info
  cors: false

storage:
  driver: sqlite
  path: ./subtrack.db

usage:
  threshold: 300         # seconds/day at which the score saturates
  window_size: 7         # moving average window (days)
  trend_period: 14       # days between the recent and older average
  trend_threshold: 0.8   # recent < older * 0.8 counts as a decline
  unused_threshold: 3
  lookback_days: 30

budget:
  default_period: month
  max_budget_units: 100000
  max_items: 500

jobs:
  enabled: true
  interval: 24h
  concurrency: 4
  payment_reminder_days: 3

screentime:
  base_url: https://www.rescuetime.com
  timeout: 30s

notifications:
  dedup_ttl: 12h
  onesignal:
    app_id: ${ONESIGNAL_APP_ID}
    api_key: ${ONESIGNAL_API_KEY}
    api_url: https://api.onesignal.com
  # slack:
  #   webhook_url: ${SLACK_WEBHOOK_URL}
  #   channel: "#subscriptions"
  # webhook:
  #   url: https://example.com/hooks/subtrack
  #   secret: ${SUBTRACK_WEBHOOK_SECRET}
`

// GenerateDefault writes a starter config file to path.
func GenerateDefault(path string) error {
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
