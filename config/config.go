// Package config loads the cache configuration from a YAML document,
// falling back to documented defaults for any missing field. Configuration
// absence is never fatal.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wolfeidau/simcache/registry"
	"github.com/wolfeidau/simcache/retention"
)

// RetentionConfig holds the base TTL in seconds for each priority tier.
type RetentionConfig struct {
	Critical int64 `yaml:"critical"`
	High     int64 `yaml:"high"`
	Normal   int64 `yaml:"normal"`
	Low      int64 `yaml:"low"`
}

// Config is the cache configuration document.
type Config struct {
	BasePath             string          `yaml:"base_path"`
	MaxDiskUsageMB       int64           `yaml:"max_disk_usage_mb"`
	MemoryThresholdMB    int64           `yaml:"memory_threshold_mb"`
	EmergencyThresholdMB int64           `yaml:"emergency_threshold_mb"`
	RetainReferenced     *bool           `yaml:"retain_referenced"`
	RetentionPolicy      RetentionConfig `yaml:"retention_policy"`
	CleanupIntervalMs    int64           `yaml:"cleanup_interval_ms"`
}

// Default returns the configuration used when no file or field is present.
func Default() *Config {
	retain := true
	return &Config{
		BasePath:             "cache",
		MaxDiskUsageMB:       1500,
		MemoryThresholdMB:    6000,
		EmergencyThresholdMB: 100,
		RetainReferenced:     &retain,
		RetentionPolicy: RetentionConfig{
			Critical: 86400,
			High:     43200,
			Normal:   7200,
			Low:      1800,
		},
		CleanupIntervalMs: 600000,
	}
}

// Load reads the configuration at path. A missing file yields the defaults;
// a present but unparsable file is an error. Fields absent from the file
// fall back to their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults backfills zero-valued fields after a partial document.
func (c *Config) applyDefaults() {
	def := Default()
	if c.BasePath == "" {
		c.BasePath = def.BasePath
	}
	if c.MaxDiskUsageMB <= 0 {
		c.MaxDiskUsageMB = def.MaxDiskUsageMB
	}
	if c.MemoryThresholdMB <= 0 {
		c.MemoryThresholdMB = def.MemoryThresholdMB
	}
	if c.EmergencyThresholdMB <= 0 {
		c.EmergencyThresholdMB = def.EmergencyThresholdMB
	}
	if c.RetainReferenced == nil {
		c.RetainReferenced = def.RetainReferenced
	}
	if c.RetentionPolicy.Critical <= 0 {
		c.RetentionPolicy.Critical = def.RetentionPolicy.Critical
	}
	if c.RetentionPolicy.High <= 0 {
		c.RetentionPolicy.High = def.RetentionPolicy.High
	}
	if c.RetentionPolicy.Normal <= 0 {
		c.RetentionPolicy.Normal = def.RetentionPolicy.Normal
	}
	if c.RetentionPolicy.Low <= 0 {
		c.RetentionPolicy.Low = def.RetentionPolicy.Low
	}
	if c.CleanupIntervalMs <= 0 {
		c.CleanupIntervalMs = def.CleanupIntervalMs
	}
}

// MaxDiskUsageBytes returns the disk budget in bytes.
func (c *Config) MaxDiskUsageBytes() int64 {
	return c.MaxDiskUsageMB << 20
}

// EmergencyThresholdBytes returns the free-space floor in bytes below which
// the scheduled cleanup escalates to a forced pass.
func (c *Config) EmergencyThresholdBytes() int64 {
	return c.EmergencyThresholdMB << 20
}

// CleanupInterval returns the scheduled cleanup period.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMs) * time.Millisecond
}

// RetainReferencedEntries reports whether non-forced cleanup protects
// referenced entries.
func (c *Config) RetainReferencedEntries() bool {
	return c.RetainReferenced == nil || *c.RetainReferenced
}

// Tiers converts the retention seconds into the policy tier table.
func (c *Config) Tiers() retention.TierTable {
	return retention.TierTable{
		registry.PriorityCritical: time.Duration(c.RetentionPolicy.Critical) * time.Second,
		registry.PriorityHigh:     time.Duration(c.RetentionPolicy.High) * time.Second,
		registry.PriorityNormal:   time.Duration(c.RetentionPolicy.Normal) * time.Second,
		registry.PriorityLow:      time.Duration(c.RetentionPolicy.Low) * time.Second,
	}
}
