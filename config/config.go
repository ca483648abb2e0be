// Package config defines the fieldops daemon and client configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// EnvJWTSecret overrides auth.jwt_secret when set.
const EnvJWTSecret = "FIELDOPS_JWT_SECRET"

// Sample interval bounds for the device-side tracking loop.
const (
	MinSampleInterval = 5 * time.Second
	MaxSampleInterval = 10 * time.Second
)

// Config is the top-level fieldops configuration.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Auth     AuthConfig     `json:"auth" yaml:"auth"`
	Tracking TrackingConfig `json:"tracking" yaml:"tracking"`
	DataDir  string         `json:"data_dir" yaml:"data_dir"`
	LogLevel string         `json:"log_level" yaml:"log_level"`
	Timezone string         `json:"timezone" yaml:"timezone"` // IANA name; keys idle-time days
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret string        `json:"jwt_secret" yaml:"jwt_secret"`
	TokenTTL  time.Duration `json:"token_ttl" yaml:"token_ttl"`
	Users     []UserConfig  `json:"users" yaml:"users"`
}

// UserConfig is a worker or dispatcher account.
type UserConfig struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	PasswordHash string `json:"password_hash" yaml:"password_hash"` // bcrypt
	Admin        bool   `json:"admin,omitempty" yaml:"admin"`
}

// TrackingConfig tunes location sampling, server-side expiry and
// notification fan-out.
type TrackingConfig struct {
	SampleInterval time.Duration `json:"sample_interval" yaml:"sample_interval"`
	SweepInterval  time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	NotifyTypes    []string      `json:"notify_types,omitempty" yaml:"notify_types"` // empty = defaults
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Tracking: TrackingConfig{
			SampleInterval: MinSampleInterval,
			SweepInterval:  30 * time.Second,
		},
		DataDir:  "./data",
		LogLevel: "info",
		Timezone: "UTC",
	}
}

// Load reads a YAML config file, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto c.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvJWTSecret); v != "" {
		c.Auth.JWTSecret = v
	}
}

// Validate reports every problem with c.
func (c *Config) Validate() error {
	var errs []error
	if c.Tracking.SampleInterval < MinSampleInterval || c.Tracking.SampleInterval > MaxSampleInterval {
		errs = append(errs, fmt.Errorf("tracking.sample_interval %s must be between %s and %s",
			c.Tracking.SampleInterval, MinSampleInterval, MaxSampleInterval))
	}
	if c.Tracking.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("tracking.sweep_interval must be positive"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("auth.token_ttl must be positive"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	seen := map[string]bool{}
	for i, u := range c.Auth.Users {
		switch {
		case u.ID == "":
			errs = append(errs, fmt.Errorf("auth.users[%d]: id is required", i))
		case seen[u.ID]:
			errs = append(errs, fmt.Errorf("auth.users[%d]: duplicate id %q", i, u.ID))
		case u.PasswordHash == "":
			errs = append(errs, fmt.Errorf("auth.users[%d]: password_hash is required", i))
		}
		seen[u.ID] = true
	}
	return errors.Join(errs...)
}

// Location resolves the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// User looks up an account by id.
func (c *Config) User(id string) (UserConfig, bool) {
	for _, u := range c.Auth.Users {
		if u.ID == id {
			return u, true
		}
	}
	return UserConfig{}, false
}

// DatabasePath is the SQLite file under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "fieldops.db")
}

// ParseLogLevel maps debug|info|warn|error to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log_level %q: want debug, info, warn or error", s)
}
