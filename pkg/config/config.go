package config

import (
	"fmt"
	"time"

	"github.com/gatehouse-hq/gatehouse/pkg/audit"
	"github.com/gatehouse-hq/gatehouse/pkg/killswitch"
	"github.com/gatehouse-hq/gatehouse/pkg/limits"
	"github.com/gatehouse-hq/gatehouse/pkg/telemetry/logging"
)

// Config is the root configuration document.
type Config struct {
	// Logging configures the structured logger.
	Logging logging.Config `yaml:"logging"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Storage selects the backing stores.
	Storage StorageConfig `yaml:"storage"`

	// Rules points at the declarative rule set.
	Rules RulesConfig `yaml:"rules"`

	// KillSwitch tunes the checker and the auto-trip monitor.
	KillSwitch KillSwitchConfig `yaml:"kill_switch"`

	// RateLimits lists every rate limit config.
	RateLimits []*limits.Config `yaml:"rate_limits"`

	// Audit configures the decision trail.
	Audit AuditConfig `yaml:"audit"`
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	// Enabled turns the endpoint on. Default: true.
	Enabled bool `yaml:"enabled"`

	// ListenAddress is the scrape listener. Default: ":9090".
	ListenAddress string `yaml:"listen_address"`

	// Namespace prefixes metric names. Default: "gatehouse".
	Namespace string `yaml:"namespace"`
}

// StorageConfig selects the backing stores. Empty paths select in-memory
// implementations.
type StorageConfig struct {
	// LimitsPath is the SQLite file for rate limit counters.
	LimitsPath string `yaml:"limits_path"`

	// SwitchesPath is the SQLite file for kill switches.
	SwitchesPath string `yaml:"switches_path"`

	// AuditPath is the SQLite file for the audit log.
	AuditPath string `yaml:"audit_path"`
}

// RulesConfig points at the rule set.
type RulesConfig struct {
	// Path is the YAML rules file. Required.
	Path string `yaml:"path"`

	// Watch reloads the file on change. Default: true.
	Watch bool `yaml:"watch"`

	// CacheTTL is how long per-client rule sets are cached. Default: 60s.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// KillSwitchConfig tunes the checker and auto-trip.
type KillSwitchConfig struct {
	// CacheTTL is how long the active-switch snapshot is served.
	// Default: 60s.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// AutoTripEnabled starts the outcome monitor. Default: false.
	AutoTripEnabled bool `yaml:"auto_trip_enabled"`

	// AutoTrip tunes the monitor when enabled.
	AutoTrip killswitch.MonitorConfig `yaml:"auto_trip"`
}

// AuditConfig controls the decision trail.
type AuditConfig struct {
	// RetentionEnabled starts the scheduled pruner. Default: true when a
	// durable audit store is configured.
	RetentionEnabled bool `yaml:"retention_enabled"`

	// Retention tunes the pruning schedule.
	Retention audit.RetentionConfig `yaml:"retention"`
}

// Default returns a config with every default applied and no rule file.
// Load unmarshals the file on top of it, so the bool defaults survive an
// omitted key while an explicit false still wins.
func Default() *Config {
	cfg := &Config{}
	cfg.Metrics.Enabled = true
	cfg.Rules.Watch = true
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields with their documented defaults. Bool
// defaults live in Default: a zero bool is indistinguishable from an
// explicit false here.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = logging.FormatJSON
	}
	if cfg.Metrics.ListenAddress == "" {
		cfg.Metrics.ListenAddress = ":9090"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "gatehouse"
	}
	if cfg.Rules.CacheTTL <= 0 {
		cfg.Rules.CacheTTL = 60 * time.Second
	}
	if cfg.KillSwitch.CacheTTL <= 0 {
		cfg.KillSwitch.CacheTTL = killswitch.DefaultCacheTTL
	}
}

// Validate checks the configuration for structural problems.
func Validate(cfg *Config) error {
	if cfg.Rules.Path == "" {
		return fmt.Errorf("rules.path is required")
	}
	seen := make(map[string]bool, len(cfg.RateLimits))
	for _, rl := range cfg.RateLimits {
		if err := rl.Validate(); err != nil {
			return err
		}
		if seen[rl.ID] {
			return fmt.Errorf("duplicate rate limit config id %q", rl.ID)
		}
		seen[rl.ID] = true
	}
	return nil
}
