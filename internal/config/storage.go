package config

import "time"

// IngestConfig configures the message pipeline.
type IngestConfig struct {
	StripFirstLink bool    `yaml:"strip_first_link"`
	QueueSize      int     `yaml:"queue_size"`
	LinkPreview    bool    `yaml:"link_preview"` // fetch page titles for links
	LinkRatePerSec float64 `yaml:"link_rate_per_sec"`
	LinkBurst      int     `yaml:"link_burst"`
	LinkTimeout    string  `yaml:"link_timeout"`
}

// StorageConfig configures the SQLite sink and the media root.
type StorageConfig struct {
	Driver       string `yaml:"driver"` // sqlite3 (cgo) or sqlite (pure Go)
	DatabasePath string `yaml:"database_path"`
	MediaDir     string `yaml:"media_dir"`
}

// BroadcastConfig configures live subscriber fan-out.
type BroadcastConfig struct {
	Buffer int `yaml:"buffer"`
}

// ValidDrivers lists the supported database/sql driver names.
var ValidDrivers = []string{"sqlite3", "sqlite"}

func isValidDriver(name string) bool {
	for _, d := range ValidDrivers {
		if d == name {
			return true
		}
	}
	return false
}

func (c *Config) LinkTimeout() time.Duration {
	return parseDuration(c.Ingest.LinkTimeout, 10*time.Second)
}
