package config

import "time"

// ReconnectConfig configures the reconnection backoff policy.
type ReconnectConfig struct {
	BaseDelay    string  `yaml:"base_delay"`
	GrowthFactor float64 `yaml:"growth_factor"`
	MaxDelay     string  `yaml:"max_delay"`
	Jitter       string  `yaml:"jitter"`
	MaxAttempts  int     `yaml:"max_attempts"`
	// Cooldown pauses reconnection once MaxAttempts is exceeded.
	Cooldown         string `yaml:"cooldown"`
	ForceFreshAfter  int    `yaml:"force_fresh_after"`
	FatalCooldown    string `yaml:"fatal_cooldown"`
	AuthFailureLimit int    `yaml:"auth_failure_limit"`
	StaleWindow      string `yaml:"stale_window"`
	StaleForceFresh  int    `yaml:"stale_force_fresh"`
}

// HealthConfig configures the liveness monitor.
type HealthConfig struct {
	Interval      string `yaml:"interval"`
	Jitter        string `yaml:"jitter"`
	IdleThreshold string `yaml:"idle_threshold"`
	ProbeTimeout  string `yaml:"probe_timeout"`
}

// RosterConfig configures group list synchronisation.
type RosterConfig struct {
	SettleDelay  string `yaml:"settle_delay"`
	FetchTimeout string `yaml:"fetch_timeout"`
	ZeroRetries  int    `yaml:"zero_retries"`
	ZeroBackoff  string `yaml:"zero_backoff"`
	// ExpectedGroups is the approximate group count; 0 disables the
	// watermark re-check.
	ExpectedGroups  int    `yaml:"expected_groups"`
	WatermarkDelay  string `yaml:"watermark_delay"`
	RecheckInterval string `yaml:"recheck_interval"`
}

func (c *Config) ReconnectBase() time.Duration {
	return parseDuration(c.Reconnect.BaseDelay, 5*time.Second)
}

func (c *Config) ReconnectMax() time.Duration {
	return parseDuration(c.Reconnect.MaxDelay, 5*time.Minute)
}

func (c *Config) ReconnectJitter() time.Duration {
	return parseDuration(c.Reconnect.Jitter, 2*time.Second)
}

func (c *Config) ReconnectCooldown() time.Duration {
	return parseDuration(c.Reconnect.Cooldown, 30*time.Minute)
}

func (c *Config) ReconnectFatalCooldown() time.Duration {
	return parseDuration(c.Reconnect.FatalCooldown, 2*time.Minute)
}

func (c *Config) ReconnectStaleWindow() time.Duration {
	return parseDuration(c.Reconnect.StaleWindow, 5*time.Minute)
}

func (c *Config) HealthInterval() time.Duration {
	return parseDuration(c.Health.Interval, 30*time.Second)
}

func (c *Config) HealthJitter() time.Duration {
	return parseDuration(c.Health.Jitter, 5*time.Second)
}

func (c *Config) HealthIdleThreshold() time.Duration {
	return parseDuration(c.Health.IdleThreshold, 2*time.Minute)
}

func (c *Config) HealthProbeTimeout() time.Duration {
	return parseDuration(c.Health.ProbeTimeout, 15*time.Second)
}

func (c *Config) RosterSettleDelay() time.Duration {
	return parseDuration(c.Roster.SettleDelay, 30*time.Second)
}

func (c *Config) RosterFetchTimeout() time.Duration {
	return parseDuration(c.Roster.FetchTimeout, 60*time.Second)
}

func (c *Config) RosterZeroBackoff() time.Duration {
	return parseDuration(c.Roster.ZeroBackoff, 5*time.Second)
}

func (c *Config) RosterWatermarkDelay() time.Duration {
	return parseDuration(c.Roster.WatermarkDelay, 2*time.Minute)
}

func (c *Config) RosterRecheckInterval() time.Duration {
	return parseDuration(c.Roster.RecheckInterval, 10*time.Minute)
}
