package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.msync/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// Backend endpoints.
	APIBaseURL string `toml:"api_base_url"`
	TokenURL   string `toml:"token_url"`
	SocketURL  string `toml:"socket_url"`

	// Credential refresh tuning.
	RefreshMarginMS  int64 `toml:"refresh_margin_ms"`
	RefreshTimeoutMS int64 `toml:"refresh_timeout_ms"`

	// Realtime reconnect backoff.
	BackoffStartMS int64 `toml:"backoff_start_ms"`
	BackoffCapMS   int64 `toml:"backoff_cap_ms"`

	// Offline queue retry budget.
	MaxRetries int `toml:"max_retries"`

	// Duplicate-echo matching. The bucket width is a heuristic trade-off:
	// two distinct messages with identical sender and body inside one
	// bucket collapse into one entry. Widen or narrow with care.
	DedupBucketMS int64 `toml:"dedup_bucket_ms"`

	// How long an optimistic entry may stay pending before it is
	// surfaced as failed.
	PendingWindowMS int64 `toml:"pending_window_ms"`

	// Connectivity probe interval.
	ProbeIntervalMS int64 `toml:"probe_interval_ms"`
}

// Defaults returns a config populated with production defaults.
func Defaults() *Config {
	return &Config{
		RefreshMarginMS:  60_000,
		RefreshTimeoutMS: 10_000,
		BackoffStartMS:   1_000,
		BackoffCapMS:     5_000,
		MaxRetries:       3,
		DedupBucketMS:    5_000,
		PendingWindowMS:  15_000,
		ProbeIntervalMS:  5_000,
	}
}

// Load reads config from the given path and applies defaults for unset
// tuning fields. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyDefaults() {
	d := Defaults()
	if c.RefreshMarginMS <= 0 {
		c.RefreshMarginMS = d.RefreshMarginMS
	}
	if c.RefreshTimeoutMS <= 0 {
		c.RefreshTimeoutMS = d.RefreshTimeoutMS
	}
	if c.BackoffStartMS <= 0 {
		c.BackoffStartMS = d.BackoffStartMS
	}
	if c.BackoffCapMS <= 0 {
		c.BackoffCapMS = d.BackoffCapMS
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.DedupBucketMS <= 0 {
		c.DedupBucketMS = d.DedupBucketMS
	}
	if c.PendingWindowMS <= 0 {
		c.PendingWindowMS = d.PendingWindowMS
	}
	if c.ProbeIntervalMS <= 0 {
		c.ProbeIntervalMS = d.ProbeIntervalMS
	}
}

// RefreshMargin returns the access-token safety margin as a duration.
func (c *Config) RefreshMargin() time.Duration {
	return time.Duration(c.RefreshMarginMS) * time.Millisecond
}

// RefreshTimeout returns the refresh call timeout as a duration.
func (c *Config) RefreshTimeout() time.Duration {
	return time.Duration(c.RefreshTimeoutMS) * time.Millisecond
}

// BackoffStart returns the first reconnect delay.
func (c *Config) BackoffStart() time.Duration {
	return time.Duration(c.BackoffStartMS) * time.Millisecond
}

// BackoffCap returns the reconnect delay ceiling.
func (c *Config) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapMS) * time.Millisecond
}

// PendingWindow returns how long optimistic entries may stay pending.
func (c *Config) PendingWindow() time.Duration {
	return time.Duration(c.PendingWindowMS) * time.Millisecond
}

// ProbeInterval returns the connectivity probe period.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalMS) * time.Millisecond
}
