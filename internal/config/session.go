package config

import (
	"path/filepath"
	"time"
)

// SessionConfig configures the live session and its local artifacts.
type SessionConfig struct {
	// Dir holds the browser profile (credential artifacts), the lock file
	// and the latest QR code.
	Dir            string `yaml:"dir"`
	EndpointURL    string `yaml:"endpoint_url"`
	ConnectTimeout string `yaml:"connect_timeout"`
	DestroyTimeout string `yaml:"destroy_timeout"`
	// ReadyTimeout bounds how long a connected session may take to become
	// ready. Time spent waiting for a QR scan is not counted.
	ReadyTimeout string `yaml:"ready_timeout"`
}

// BrowserConfig configures the rod adapter.
type BrowserConfig struct {
	DebuggerURL    string   `yaml:"debugger_url"`
	Launch         []string `yaml:"launch"` // binary followed by extra flags
	Headless       bool     `yaml:"headless"`
	ViewportWidth  int      `yaml:"viewport_width"`
	ViewportHeight int      `yaml:"viewport_height"`
	PollIntervalMs int      `yaml:"poll_interval_ms"`
	BridgeScript   string   `yaml:"bridge_script"` // optional override of the embedded bridge
}

// LockConfig configures the single-instance session lock.
type LockConfig struct {
	Freshness       string `yaml:"freshness"`
	RefreshInterval string `yaml:"refresh_interval"`
	RecentWindow    string `yaml:"recent_window"`
	RecentWait      string `yaml:"recent_wait"`
}

// ProfileDir is the browser user-data dir inside the session dir.
func (c *Config) ProfileDir() string { return filepath.Join(c.Session.Dir, "profile") }

// LockPath is the lock record colocated with the credentials.
func (c *Config) LockPath() string { return filepath.Join(c.Session.Dir, "session.lock") }

// QRPath is where the latest pairing code is written for an operator.
func (c *Config) QRPath() string { return filepath.Join(c.Session.Dir, "qr.txt") }

// GetConnectTimeout returns the adapter connect timeout.
func (c *Config) GetConnectTimeout() time.Duration {
	return parseDuration(c.Session.ConnectTimeout, 90*time.Second)
}

// GetDestroyTimeout returns the bound on adapter teardown.
func (c *Config) GetDestroyTimeout() time.Duration {
	return parseDuration(c.Session.DestroyTimeout, 10*time.Second)
}

// GetReadyTimeout returns the bound on reaching READY after connecting.
func (c *Config) GetReadyTimeout() time.Duration {
	return parseDuration(c.Session.ReadyTimeout, 5*time.Minute)
}

// PollInterval returns the bridge event poll interval.
func (c BrowserConfig) PollInterval() time.Duration {
	if c.PollIntervalMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c *Config) LockFreshness() time.Duration {
	return parseDuration(c.Lock.Freshness, 2*time.Minute)
}

func (c *Config) LockRefreshInterval() time.Duration {
	return parseDuration(c.Lock.RefreshInterval, 30*time.Second)
}

func (c *Config) LockRecentWindow() time.Duration {
	return parseDuration(c.Lock.RecentWindow, 10*time.Second)
}

func (c *Config) LockRecentWait() time.Duration {
	return parseDuration(c.Lock.RecentWait, 10*time.Second)
}
