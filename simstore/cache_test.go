package simstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/simcache/evict"
	"github.com/wolfeidau/simcache/registry"
	"github.com/wolfeidau/simcache/retention"
	"github.com/wolfeidau/simcache/space"
)

func newTestCache(t *testing.T, budget int64) (*Cache, *registry.Registry) {
	t.Helper()
	dir := t.TempDir()
	reg := registry.New(filepath.Join(dir, "registry.json"))
	acct := space.NewAccountant(reg, budget, nil)
	policy := retention.NewPolicy(nil, retention.WithProbe(retention.StaticProbe(10)))
	engine := evict.New(reg, policy, nil)

	cache, err := New(filepath.Join(dir, "simulations"), filepath.Join(dir, "onedrive"), reg, acct, engine)
	require.NoError(t, err)
	t.Cleanup(cache.Close)
	return cache, reg
}

func testArtifact(version string) *Artifact {
	return &Artifact{
		Version: version,
		Mode:    "prerun",
		Data:    json.RawMessage(`{"infections":[1,2,3],"peak_day":42}`),
		Provenance: map[string]any{
			"settings_snapshot": map[string]any{"location": "C.1"},
		},
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	cache, reg := newTestCache(t, 1<<30)
	ctx := context.Background()
	settings := map[string]any{"location": "C.1", "population": 500000}

	require.NoError(t, cache.Put(ctx, settings, "prerun", testArtifact("v1")))

	got, err := cache.Get(ctx, settings, "prerun")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.JSONEq(t, `{"infections":[1,2,3],"peak_day":42}`, string(got.Data))
	require.Equal(t, "v1", got.Version)
	require.True(t, got.LoadedFromCache)
	require.False(t, got.LoadedAt.IsZero())

	entry, ok := reg.Get(cache.PathFor(settings, "prerun"))
	require.True(t, ok)
	require.Equal(t, registry.KindSimulationResult, entry.Kind)
	require.Equal(t, registry.PriorityNormal, entry.Priority)
	require.Positive(t, entry.SizeBytes)
}

func TestColdMissThenWarmHit(t *testing.T) {
	cache, _ := newTestCache(t, 1<<30)
	ctx := context.Background()
	settings := map[string]any{"location": "C.1"}

	require.False(t, cache.IsCached(settings, "prerun"))
	got, err := cache.Get(ctx, settings, "prerun")
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, cache.Put(ctx, settings, "prerun", testArtifact("v1")))

	require.True(t, cache.IsCached(settings, "prerun"))
	got, err = cache.Get(ctx, settings, "prerun")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestPutIsIdempotent(t *testing.T) {
	cache, reg := newTestCache(t, 1<<30)
	ctx := context.Background()
	settings := map[string]any{"location": "C.2"}

	require.NoError(t, cache.Put(ctx, settings, "scenario", testArtifact("v1")))
	require.NoError(t, cache.Put(ctx, settings, "scenario", testArtifact("v1")))

	require.Equal(t, 1, reg.Len())
}

func TestVersionGate(t *testing.T) {
	cache, _ := newTestCache(t, 1<<30)
	ctx := context.Background()
	settings := map[string]any{"location": "C.3"}

	require.NoError(t, cache.Put(ctx, settings, "prerun", testArtifact("v1")))

	// Mismatched expected version reads as a miss, not an error.
	got, err := cache.Get(ctx, settings, "prerun", WithExpectedVersion("v2"))
	require.NoError(t, err)
	require.Nil(t, got)

	// Matching version and no gate at all both hit.
	got, err = cache.Get(ctx, settings, "prerun", WithExpectedVersion("v1"))
	require.NoError(t, err)
	require.NotNil(t, got)

	got, err = cache.Get(ctx, settings, "prerun")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestGetAdoptsUntrackedFile(t *testing.T) {
	cache, reg := newTestCache(t, 1<<30)
	ctx := context.Background()
	settings := map[string]any{"location": "C.4"}

	require.NoError(t, cache.Put(ctx, settings, "prerun", testArtifact("v1")))

	// Simulate a registry that lost track of the file.
	path := cache.PathFor(settings, "prerun")
	reg.Remove(path)
	_, tracked := reg.Get(path)
	require.False(t, tracked)

	got, err := cache.Get(ctx, settings, "prerun")
	require.NoError(t, err)
	require.NotNil(t, got)

	entry, tracked := reg.Get(path)
	require.True(t, tracked)
	require.Equal(t, registry.KindSimulationResult, entry.Kind)
	require.Equal(t, true, entry.Metadata["adopted"])
	require.False(t, entry.CreatedAt.IsZero(), "creation time recovered from the sidecar")
}

func TestGetAdoptsWithoutSidecar(t *testing.T) {
	cache, reg := newTestCache(t, 1<<30)
	ctx := context.Background()
	settings := map[string]any{"location": "C.5"}

	require.NoError(t, cache.Put(ctx, settings, "prerun", testArtifact("v1")))

	path := cache.PathFor(settings, "prerun")
	reg.Remove(path)
	require.NoError(t, os.Remove(path+evict.SidecarSuffix))

	got, err := cache.Get(ctx, settings, "prerun")
	require.NoError(t, err)
	require.NotNil(t, got)

	entry, tracked := reg.Get(path)
	require.True(t, tracked)
	require.False(t, entry.CreatedAt.IsZero(), "falls back to file mtime")
}

func TestCorruptArtifactIsAMiss(t *testing.T) {
	cache, _ := newTestCache(t, 1<<30)
	ctx := context.Background()
	settings := map[string]any{"location": "C.6"}

	require.NoError(t, cache.Put(ctx, settings, "prerun", testArtifact("v1")))
	require.NoError(t, os.WriteFile(cache.PathFor(settings, "prerun"), []byte("not zstd"), 0644))

	got, err := cache.Get(ctx, settings, "prerun")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestFindDependencies(t *testing.T) {
	cache, reg := newTestCache(t, 1<<30)

	tracked := filepath.Join(cache.objectDir, "input.rds")
	reg.Put(&registry.Entry{Path: tracked, Kind: registry.KindRemoteObject, SizeBytes: 100})

	artifact := testArtifact("v1")
	artifact.Provenance["source_files"] = []any{"input.rds", "untracked.rds"}
	artifact.Provenance["input_files"] = []string{"input.rds"} // duplicate, counted once

	deps := cache.FindDependencies(artifact)
	require.Equal(t, []string{tracked}, deps)
}

func TestPutRecordsDependencies(t *testing.T) {
	cache, reg := newTestCache(t, 1<<30)
	ctx := context.Background()

	tracked := filepath.Join(cache.objectDir, "input.rds")
	reg.Put(&registry.Entry{Path: tracked, Kind: registry.KindRemoteObject, SizeBytes: 100})

	settings := map[string]any{"location": "C.7"}
	artifact := testArtifact("v1")
	artifact.Provenance["source_files"] = []string{"input.rds"}

	require.NoError(t, cache.Put(ctx, settings, "prerun", artifact))

	entry, ok := reg.Get(cache.PathFor(settings, "prerun"))
	require.True(t, ok)
	require.Equal(t, []string{tracked}, entry.References)
}

func TestEquivalentSettingsShareTheSameArtifact(t *testing.T) {
	cache, _ := newTestCache(t, 1<<30)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, map[string]any{"location": "c.1"}, "prerun", testArtifact("v1")))

	got, err := cache.Get(ctx, map[string]any{"location": "C.01"}, "prerun")
	require.NoError(t, err)
	require.NotNil(t, got)
}
