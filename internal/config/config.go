package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all groupvault configuration.
type Config struct {
	Name string `yaml:"name"`

	Session   SessionConfig   `yaml:"session"`
	Browser   BrowserConfig   `yaml:"browser"`
	Lock      LockConfig      `yaml:"lock"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Health    HealthConfig    `yaml:"health"`
	Roster    RosterConfig    `yaml:"roster"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Storage   StorageConfig   `yaml:"storage"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "groupvault",

		Session: SessionConfig{
			Dir:            ".groupvault/session",
			EndpointURL:    "https://web.whatsapp.com",
			ConnectTimeout: "90s",
			ReadyTimeout:   "5m",
			DestroyTimeout: "10s",
		},

		Browser: BrowserConfig{
			Headless:       true,
			ViewportWidth:  1280,
			ViewportHeight: 900,
			PollIntervalMs: 500,
		},

		Lock: LockConfig{
			Freshness:       "2m",
			RefreshInterval: "30s",
			RecentWindow:    "10s",
			RecentWait:      "10s",
		},

		Reconnect: ReconnectConfig{
			BaseDelay:        "5s",
			GrowthFactor:     2.0,
			MaxDelay:         "5m",
			Jitter:           "2s",
			MaxAttempts:      10,
			Cooldown:         "30m",
			ForceFreshAfter:  5,
			FatalCooldown:    "2m",
			AuthFailureLimit: 3,
			StaleWindow:      "5m",
			StaleForceFresh:  3,
		},

		Health: HealthConfig{
			Interval:      "30s",
			Jitter:        "5s",
			IdleThreshold: "2m",
			ProbeTimeout:  "15s",
		},

		Roster: RosterConfig{
			SettleDelay:     "30s",
			FetchTimeout:    "60s",
			ZeroRetries:     5,
			ZeroBackoff:     "5s",
			ExpectedGroups:  0,
			WatermarkDelay:  "2m",
			RecheckInterval: "10m",
		},

		Ingest: IngestConfig{
			StripFirstLink: false,
			QueueSize:      256,
			LinkPreview:    false,
			LinkRatePerSec: 1,
			LinkBurst:      3,
			LinkTimeout:    "10s",
		},

		Storage: StorageConfig{
			Driver:       "sqlite3",
			DatabasePath: ".groupvault/groupvault.db",
			MediaDir:     ".groupvault/media",
		},

		Broadcast: BroadcastConfig{
			Buffer: 64,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Dir:    ".groupvault/logs",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GROUPVAULT_SESSION_DIR"); v != "" {
		c.Session.Dir = v
	}
	if v := os.Getenv("GROUPVAULT_ENDPOINT"); v != "" {
		c.Session.EndpointURL = v
	}
	if v := os.Getenv("GROUPVAULT_DEBUGGER_URL"); v != "" {
		c.Browser.DebuggerURL = v
	}
	if v := os.Getenv("GROUPVAULT_DB"); v != "" {
		c.Storage.DatabasePath = v
	}
	if v := os.Getenv("GROUPVAULT_MEDIA_DIR"); v != "" {
		c.Storage.MediaDir = v
	}
	if v := os.Getenv("GROUPVAULT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Session.Dir == "" {
		return fmt.Errorf("session.dir must be set")
	}
	if c.Session.EndpointURL == "" {
		return fmt.Errorf("session.endpoint_url must be set")
	}
	if c.Storage.DatabasePath == "" || c.Storage.MediaDir == "" {
		return fmt.Errorf("storage.database_path and storage.media_dir must be set")
	}
	if !isValidDriver(c.Storage.Driver) {
		return fmt.Errorf("invalid storage driver: %s (valid: %v)", c.Storage.Driver, ValidDrivers)
	}
	if c.Reconnect.GrowthFactor < 1 {
		return fmt.Errorf("reconnect.growth_factor must be >= 1, got %v", c.Reconnect.GrowthFactor)
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be positive")
	}
	if c.LockRefreshInterval() >= c.LockFreshness() {
		return fmt.Errorf("lock.refresh_interval (%v) must be shorter than lock.freshness (%v)",
			c.LockRefreshInterval(), c.LockFreshness())
	}
	return nil
}

// parseDuration parses a duration string, falling back on empty or bad input.
func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
