// Package config loads the simulation settings: defaults, then an optional
// YAML file, then TRAFFICNET_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// EnvFile names the environment variable holding the YAML file path.
const EnvFile = "TRAFFICNET_CONFIG"

const (
	maxBaseGreen = 20 * time.Second
	minBaseRed   = 5 * time.Second
)

// Config holds every tunable of a simulation process.
type Config struct {
	Listen    string `yaml:"listen"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	BaseRed   time.Duration `yaml:"base_red"`
	BaseGreen time.Duration `yaml:"base_green"`

	HeartbeatInterval     time.Duration `yaml:"heartbeat_interval"`
	MonitorInterval       time.Duration `yaml:"monitor_interval"`
	StaleThreshold        time.Duration `yaml:"stale_threshold"`
	DisplayStaleThreshold time.Duration `yaml:"display_stale_threshold"`

	InitialNodes int `yaml:"initial_nodes"`
	AutoConnect  int `yaml:"auto_connect"`
	HistorySize  int `yaml:"history_size"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Listen:                ":8090",
		LogLevel:              "info",
		LogFormat:             "json",
		BaseRed:               10 * time.Second,
		BaseGreen:             10 * time.Second,
		HeartbeatInterval:     3 * time.Second,
		MonitorInterval:       2 * time.Second,
		StaleThreshold:        10 * time.Second,
		DisplayStaleThreshold: 8 * time.Second,
		InitialNodes:          3,
		AutoConnect:           3,
		HistorySize:           1000,
	}
}

// Load builds a Config from defaults, the YAML file at path (or at
// $TRAFFICNET_CONFIG when path is empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvFile)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.UnmarshalYAMLBytes(data); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// UnmarshalYAMLBytes overlays the YAML document in data onto c. Keys that are
// absent keep their current values.
func (c *Config) UnmarshalYAMLBytes(data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from TRAFFICNET_* variables found by lookup.
// Every malformed value is reported, not just the first.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}

	str("TRAFFICNET_LISTEN", &c.Listen)
	str("TRAFFICNET_LOG_LEVEL", &c.LogLevel)
	str("TRAFFICNET_LOG_FORMAT", &c.LogFormat)
	dur("TRAFFICNET_BASE_RED", &c.BaseRed)
	dur("TRAFFICNET_BASE_GREEN", &c.BaseGreen)
	dur("TRAFFICNET_HEARTBEAT_INTERVAL", &c.HeartbeatInterval)
	dur("TRAFFICNET_MONITOR_INTERVAL", &c.MonitorInterval)
	dur("TRAFFICNET_STALE_THRESHOLD", &c.StaleThreshold)
	dur("TRAFFICNET_DISPLAY_STALE_THRESHOLD", &c.DisplayStaleThreshold)
	num("TRAFFICNET_INITIAL_NODES", &c.InitialNodes)
	num("TRAFFICNET_AUTO_CONNECT", &c.AutoConnect)
	num("TRAFFICNET_HISTORY_SIZE", &c.HistorySize)

	if errs != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errs)
	}
	return nil
}

// Validate reports every problem with c in one error wrapping ErrInvalidConfig.
func (c Config) Validate() error {
	var errs error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Listen != "", "listen must be set")
	check(c.LogFormat == "json" || c.LogFormat == "console",
		"log_format %q must be json or console", c.LogFormat)
	check(c.BaseGreen > 0 && c.BaseGreen <= maxBaseGreen,
		"base_green %s must be in (0, %s]", c.BaseGreen, maxBaseGreen)
	check(c.BaseRed >= minBaseRed, "base_red %s must be at least %s", c.BaseRed, minBaseRed)
	check(c.HeartbeatInterval > 0, "heartbeat_interval must be positive")
	check(c.MonitorInterval > 0, "monitor_interval must be positive")
	check(c.StaleThreshold > 0, "stale_threshold must be positive")
	check(c.DisplayStaleThreshold > 0, "display_stale_threshold must be positive")
	check(c.InitialNodes >= 0, "initial_nodes must not be negative")
	check(c.AutoConnect >= 0, "auto_connect must not be negative")
	check(c.HistorySize > 0, "history_size must be positive")

	if errs != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errs)
	}
	return nil
}
