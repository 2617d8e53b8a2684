package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/simcache/registry"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	require.Equal(t, "cache", cfg.BasePath)
	require.Equal(t, int64(1500), cfg.MaxDiskUsageMB)
	require.Equal(t, int64(6000), cfg.MemoryThresholdMB)
	require.Equal(t, int64(100), cfg.EmergencyThresholdMB)
	require.True(t, cfg.RetainReferencedEntries())
	require.Equal(t, int64(86400), cfg.RetentionPolicy.Critical)
	require.Equal(t, int64(1800), cfg.RetentionPolicy.Low)
	require.Equal(t, 10*time.Minute, cfg.CleanupInterval())
}

func TestLoadPartialDocumentBackfills(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.yaml")
	doc := `
base_path: /var/cache/sim
max_disk_usage_mb: 4000
retention_policy:
  low: 600
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "/var/cache/sim", cfg.BasePath)
	require.Equal(t, int64(4000), cfg.MaxDiskUsageMB)
	require.Equal(t, int64(600), cfg.RetentionPolicy.Low)
	// Untouched fields keep their defaults.
	require.Equal(t, int64(7200), cfg.RetentionPolicy.Normal)
	require.Equal(t, int64(6000), cfg.MemoryThresholdMB)
}

func TestLoadRetainReferencedFalse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retain_referenced: false\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.False(t, cfg.RetainReferencedEntries())
}

func TestLoadMalformedDocumentErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_disk_usage_mb: [not a number\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestByteAccessors(t *testing.T) {
	cfg := Default()
	require.Equal(t, int64(1500)<<20, cfg.MaxDiskUsageBytes())
	require.Equal(t, int64(100)<<20, cfg.EmergencyThresholdBytes())
}

func TestTiers(t *testing.T) {
	tiers := Default().Tiers()
	require.Equal(t, 24*time.Hour, tiers[registry.PriorityCritical])
	require.Equal(t, 12*time.Hour, tiers[registry.PriorityHigh])
	require.Equal(t, 2*time.Hour, tiers[registry.PriorityNormal])
	require.Equal(t, 30*time.Minute, tiers[registry.PriorityLow])
}
