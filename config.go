package gridcore

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the engine's runtime configuration, loaded from TOML
type Config struct {
	Autosave AutosaveSection `toml:"autosave"`
	History  HistorySection  `toml:"history"`
	Conflict ConflictSection `toml:"conflict"`
	Logging  LoggingSection  `toml:"logging"`
}

type AutosaveSection struct {
	Enabled    bool `toml:"enabled"`
	IntervalMs int  `toml:"interval_ms"`
	DebounceMs int  `toml:"debounce_ms"`
	MaxRetries int  `toml:"max_retries"`
}

type HistorySection struct {
	MaxDepth int `toml:"max_depth"`
}

type ConflictSection struct {
	// WatchFile enables the backing-file watcher when a path is set on
	// the engine
	WatchFile bool `toml:"watch_file"`
}

type LoggingSection struct {
	Level string `toml:"level"`
}

// DefaultConfig returns the configuration used when no file is present
func DefaultConfig() *Config {
	return &Config{
		Autosave: AutosaveSection{
			Enabled:    true,
			IntervalMs: 30000,
			DebounceMs: 2000,
			MaxRetries: 3,
		},
		History:  HistorySection{MaxDepth: DefaultHistoryDepth},
		Conflict: ConflictSection{WatchFile: true},
		Logging:  LoggingSection{Level: "info"},
	}
}

// LoadConfig reads a TOML file over the defaults. a missing file is not
// an error; the defaults stand.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with
func (c *Config) Validate() error {
	if c.Autosave.IntervalMs < 0 {
		return fmt.Errorf("autosave.interval_ms must not be negative")
	}
	if c.Autosave.DebounceMs < 0 {
		return fmt.Errorf("autosave.debounce_ms must not be negative")
	}
	if c.Autosave.MaxRetries < 0 {
		return fmt.Errorf("autosave.max_retries must not be negative")
	}
	if c.History.MaxDepth < 0 {
		return fmt.Errorf("history.max_depth must not be negative")
	}
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// parseLogLevel maps a config string to a slog level
func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// NewLogger builds a text slog handler at the configured level
func (c *Config) NewLogger() *slog.Logger {
	level, err := parseLogLevel(c.Logging.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
