package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied whenever the file, env and flags leave a field unset.
const (
	DefaultPresenceTimeout = 10 * time.Second
	DefaultSweepInterval   = time.Second
	DefaultMaxDepth        = 50
	DefaultAutoArchiveCron = "0 * * * *"
	DefaultAnalyticsCron   = "*/15 * * * *"
	DefaultAnalyticsPeriod = 24 * time.Hour
	DefaultMaxParticipants = 1000
)

// Load reads a YAML config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseCommandFlags defines and parses command-line flags and returns
// their values along with a map indicating which flags were explicitly set.
func ParseCommandFlags() (cfgPath string, metricsAddr string, setFlags map[string]bool) {
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	metricsPtr := flag.String("metrics", ":9188", "Metrics listen address")
	flag.Parse()
	setFlags = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return *cfgPtr, *metricsPtr, setFlags
}

// LoadEnvOverrides applies environment overrides onto cfg and reports
// whether any env var was used.
func LoadEnvOverrides(cfg *Config) bool {
	envUsed := false

	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			envUsed = true
			*dst = v
		}
	}
	dur := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if td, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
				envUsed = true
				*dst = Duration(td)
			}
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				envUsed = true
				*dst = n
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			envUsed = true
			vl := strings.ToLower(strings.TrimSpace(v))
			*dst = vl == "1" || vl == "true" || vl == "yes"
		}
	}

	boolPtr := func(key string, dst **bool) {
		if v := os.Getenv(key); v != "" {
			envUsed = true
			vl := strings.ToLower(strings.TrimSpace(v))
			b := vl == "1" || vl == "true" || vl == "yes"
			*dst = &b
		}
	}

	str("CHATSTATE_LOG_LEVEL", &cfg.Logging.Level)
	dur("CHATSTATE_PRESENCE_TIMEOUT", &cfg.Presence.DefaultTimeout)
	dur("CHATSTATE_PRESENCE_SWEEP_INTERVAL", &cfg.Presence.SweepInterval)
	num("CHATSTATE_THREADS_MAX_DEPTH", &cfg.Threads.MaxDepth)
	boolPtr("CHATSTATE_THREADS_AUTO_ARCHIVE", &cfg.Threads.AutoArchive)
	str("CHATSTATE_THREADS_AUTO_ARCHIVE_CRON", &cfg.Threads.AutoArchiveCron)
	boolPtr("CHATSTATE_ANALYTICS_ENABLED", &cfg.Threads.AnalyticsEnabled)
	str("CHATSTATE_ANALYTICS_CRON", &cfg.Threads.AnalyticsCron)
	num("CHATSTATE_DISPATCH_WORKERS", &cfg.Dispatch.Workers)
	num("CHATSTATE_DISPATCH_CAPACITY", &cfg.Dispatch.Capacity)
	boolean("CHATSTATE_STORE_ENABLED", &cfg.Store.Enabled)
	str("CHATSTATE_STORE_PATH", &cfg.Store.Path)
	str("CHATSTATE_METRICS_ADDR", &cfg.Telemetry.Addr)
	if v := os.Getenv("CHATSTATE_HUB_DELIVERY_RPS"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envUsed = true
			cfg.Hub.DeliveryRPS = f
		}
	}
	num("CHATSTATE_HUB_DELIVERY_BURST", &cfg.Hub.DeliveryBurst)

	return envUsed
}

// Enabled dereferences an optional bool flag; an unset flag means on.
func Enabled(p *bool) bool { return p == nil || *p }

// BoolPtr returns a pointer to v, for filling optional config flags.
func BoolPtr(v bool) *bool { return &v }

// ApplyDefaults fills in zero values with the package defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Presence.DefaultTimeout.Duration() <= 0 {
		cfg.Presence.DefaultTimeout = Duration(DefaultPresenceTimeout)
	}
	if cfg.Presence.SweepInterval.Duration() <= 0 {
		cfg.Presence.SweepInterval = Duration(DefaultSweepInterval)
	}
	if cfg.Threads.MaxDepth <= 0 {
		cfg.Threads.MaxDepth = DefaultMaxDepth
	}
	if cfg.Threads.AutoArchive == nil {
		cfg.Threads.AutoArchive = BoolPtr(true)
	}
	if cfg.Threads.AnalyticsEnabled == nil {
		cfg.Threads.AnalyticsEnabled = BoolPtr(true)
	}
	if cfg.Threads.AutoArchiveCron == "" {
		cfg.Threads.AutoArchiveCron = DefaultAutoArchiveCron
	}
	if cfg.Threads.AnalyticsCron == "" {
		cfg.Threads.AnalyticsCron = DefaultAnalyticsCron
	}
	if cfg.Threads.AnalyticsPeriod.Duration() <= 0 {
		cfg.Threads.AnalyticsPeriod = Duration(DefaultAnalyticsPeriod)
	}
	if cfg.Threads.DefaultMaxMembers <= 0 {
		cfg.Threads.DefaultMaxMembers = DefaultMaxParticipants
	}
	if cfg.Dispatch.Workers <= 0 {
		cfg.Dispatch.Workers = 4
	}
	if cfg.Dispatch.Capacity <= 0 {
		cfg.Dispatch.Capacity = 1024
	}
}

// LoadEffective loads config from path, applies env overrides and
// defaults, and returns the effective config plus whether env vars were
// used. A missing file yields the default config.
func LoadEffective(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err != nil {
		cfg = &Config{}
	}
	envUsed := LoadEnvOverrides(cfg)
	ApplyDefaults(cfg)
	return cfg, envUsed, nil
}

// ResolveConfigPath decides the config file path using the flag value
// and the CHATSTATE_CONFIG environment variable when the flag was not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("CHATSTATE_CONFIG"); p != "" {
		return p
	}
	return flagPath
}
