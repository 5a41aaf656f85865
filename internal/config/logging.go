package config

import "groupvault/internal/logging"

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`      // debug, info, warn, error
	Format     string          `yaml:"format"`     // json, console
	Dir        string          `yaml:"dir"`        // per-category files in debug mode
	DebugMode  bool            `yaml:"debug_mode"` // write per-category files
	Categories map[string]bool `yaml:"categories"` // per-category toggles
}

// ToLogging converts to the logging package's config.
func (c LoggingConfig) ToLogging() logging.Config {
	return logging.Config{
		Level:      c.Level,
		Format:     c.Format,
		Dir:        c.Dir,
		DebugMode:  c.DebugMode,
		Categories: c.Categories,
	}
}
