package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration consumed at construction.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Presence  PresenceConfig  `yaml:"presence"`
	Threads   ThreadsConfig   `yaml:"threads"`
	Hub       HubConfig       `yaml:"hub"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Store     StoreConfig     `yaml:"store"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// PresenceConfig tunes the typing indicator registry.
type PresenceConfig struct {
	DefaultTimeout Duration `yaml:"default_timeout"`
	SweepInterval  Duration `yaml:"sweep_interval"`
}

// ThreadsConfig tunes the thread registry and its sweeps. The bool
// flags are pointers so an absent key is distinguishable from an
// explicit false; ApplyDefaults fills absent flags with the registry
// defaults, which have both sweeps on.
type ThreadsConfig struct {
	MaxDepth          int      `yaml:"max_depth"`
	AutoArchive       *bool    `yaml:"auto_archive"`
	AutoArchiveCron   string   `yaml:"auto_archive_cron"`
	AnalyticsEnabled  *bool    `yaml:"analytics_enabled"`
	AnalyticsCron     string   `yaml:"analytics_cron"`
	AnalyticsPeriod   Duration `yaml:"analytics_period"`
	DefaultMaxMembers int      `yaml:"default_max_members"`
}

// HubConfig bounds subscriber fan-out.
type HubConfig struct {
	// DeliveryRPS/Burst throttle deliveries per subscriber; zero means
	// unlimited (fan-out is best-effort either way).
	DeliveryRPS   float64 `yaml:"delivery_rps"`
	DeliveryBurst int     `yaml:"delivery_burst"`
}

// DispatchConfig sizes the optional async worker pool.
type DispatchConfig struct {
	Workers  int `yaml:"workers"`
	Capacity int `yaml:"capacity"`
}

// StoreConfig enables the optional durable interaction recorder.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TelemetryConfig controls the metrics listener in the daemon.
type TelemetryConfig struct {
	Addr string `yaml:"addr"`
}

// Duration is a wrapper around time.Duration that supports YAML parsing
// from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
