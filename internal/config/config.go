// Package config resolves service settings from defaults, an optional
// YAML file and environment variables, in that order. The timezone is
// resolved once at startup; there is no runtime reload.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Addr     string `yaml:"addr"`
	DBPath   string `yaml:"db_path"`
	Timezone string `yaml:"timezone"`

	Workers         int      `yaml:"workers"`
	DispatchTimeout Duration `yaml:"dispatch_timeout"`
	MaxAttempts     int      `yaml:"max_attempts"`

	DedupWindow Duration `yaml:"dedup_window"`
	Retention   Duration `yaml:"retention"`

	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	RatePerSec   int   `yaml:"rate_per_sec"`
	RateBurst    int   `yaml:"rate_burst"`
}

func Default() Config {
	return Config{
		Addr:            ":5000",
		DBPath:          "botflow.db",
		Timezone:        "Asia/Kolkata",
		Workers:         8,
		DispatchTimeout: Duration(60 * time.Second),
		MaxAttempts:     5,
		DedupWindow:     Duration(10 * time.Minute),
		Retention:       Duration(24 * time.Hour),
		MaxBodyBytes:    64 << 10,
		RatePerSec:      20,
		RateBurst:       40,
	}
}

// Load builds the effective config: defaults, then the YAML file at path
// (when non-empty), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		c.Addr = ":" + port
	}
	if tz := os.Getenv("BOTFLOW_TZ"); tz != "" {
		c.Timezone = tz
	}
	if db := os.Getenv("BOTFLOW_DB"); db != "" {
		c.DBPath = db
	}
	if w := os.Getenv("BOTFLOW_WORKERS"); w != "" {
		if n, err := strconv.Atoi(w); err == nil && n > 0 {
			c.Workers = n
		}
	}
}

func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Timezone == "" {
		return fmt.Errorf("timezone is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive")
	}
	return nil
}

// Duration is a time.Duration that unmarshals from YAML duration strings
// such as "500ms", "10s" or "1m".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration must be >= 0, got %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
