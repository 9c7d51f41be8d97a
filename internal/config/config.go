// Package config holds kairos configuration: defaults layered under an
// optional YAML file (KAIROS_CONFIG) and KAIROS_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all kairos configuration.
type Config struct {
	// Bind and Port configure the HTTP API listener.
	Bind string `koanf:"bind"`
	Port int    `koanf:"port"`

	// DBPath is the SQLite database path. Empty resolves to
	// ~/.kairos/kairos.db at runtime.
	DBPath string `koanf:"db_path"`

	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// DedupWindowHours is how long an active entity attracts
	// duplicate captures.
	DedupWindowHours int `koanf:"dedup_window_hours"`

	// DetectorIntervalSecs and EstimatorIntervalSecs schedule the
	// background event log consumers.
	DetectorIntervalSecs  int `koanf:"detector_interval_secs"`
	EstimatorIntervalSecs int `koanf:"estimator_interval_secs"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Bind:                  "127.0.0.1",
		Port:                  38800,
		LogLevel:              "info",
		DedupWindowHours:      24,
		DetectorIntervalSecs:  15,
		EstimatorIntervalSecs: 30,
	}
}

// Load builds a Config by layering defaults, optional file, and env.
// Order of precedence (low -> high):
//  1. defaults (Default())
//  2. file (YAML) if KAIROS_CONFIG is set
//  3. env (prefix KAIROS_), e.g. KAIROS_PORT, KAIROS_DB_PATH
func Load() (Config, error) {
	cfg := Default()

	k := koanf.New(".")

	if path := os.Getenv("KAIROS_CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file: %w", err)
		}
	}

	// Flat keys: KAIROS_DB_PATH -> db_path.
	envProvider := env.Provider("KAIROS_", ".", func(s string) string {
		return strings.TrimPrefix(strings.ToLower(s), "kairos_")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Port <= 0 {
		return Config{}, errors.New("port must be positive")
	}
	if cfg.DedupWindowHours <= 0 {
		return Config{}, errors.New("dedup_window_hours must be positive")
	}
	return cfg, nil
}

// ListenAddr returns the bind:port address string.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

// DedupWindow returns the dedup window as a duration.
func (c Config) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowHours) * time.Hour
}

// DetectorInterval returns the pattern detector scheduling interval.
func (c Config) DetectorInterval() time.Duration {
	return time.Duration(c.DetectorIntervalSecs) * time.Second
}

// EstimatorInterval returns the capacity estimator scheduling interval.
func (c Config) EstimatorInterval() time.Duration {
	return time.Duration(c.EstimatorIntervalSecs) * time.Second
}
