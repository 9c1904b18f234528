package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gatehouse-hq/gatehouse/pkg/telemetry/logging"
)

// Load reads a YAML configuration file, applies defaults, applies
// GATEHOUSE_* environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration file %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration file %q: %w", path, err)
	}

	ApplyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies GATEHOUSE_SECTION_FIELD environment variables
// on top of the file-based configuration.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("GATEHOUSE_LOGGING_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("GATEHOUSE_LOGGING_FORMAT"); val != "" {
		cfg.Logging.Format = logging.Format(val)
	}
	if val := os.Getenv("GATEHOUSE_METRICS_LISTEN_ADDRESS"); val != "" {
		cfg.Metrics.ListenAddress = val
	}
	if val := os.Getenv("GATEHOUSE_STORAGE_LIMITS_PATH"); val != "" {
		cfg.Storage.LimitsPath = val
	}
	if val := os.Getenv("GATEHOUSE_STORAGE_SWITCHES_PATH"); val != "" {
		cfg.Storage.SwitchesPath = val
	}
	if val := os.Getenv("GATEHOUSE_STORAGE_AUDIT_PATH"); val != "" {
		cfg.Storage.AuditPath = val
	}
	if val := os.Getenv("GATEHOUSE_RULES_PATH"); val != "" {
		cfg.Rules.Path = val
	}
	if val := os.Getenv("GATEHOUSE_RULES_CACHE_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Rules.CacheTTL = d
		}
	}
	if val := os.Getenv("GATEHOUSE_KILL_SWITCH_CACHE_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.KillSwitch.CacheTTL = d
		}
	}
}
