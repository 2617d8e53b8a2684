package refs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/simcache"
	"github.com/wolfeidau/simcache/registry"
)

type fakeSessions struct {
	sims []SimulationRef
	err  error
}

func (f *fakeSessions) ActiveSimulations(ctx context.Context) ([]SimulationRef, error) {
	return f.sims, f.err
}

func resolver(dir string) PathResolver {
	return func(settings map[string]any, mode string) string {
		return filepath.Join(dir, simcache.DeriveKey(settings, mode)+".json.zst")
	}
}

func TestReferencedPathsIncludesDependencies(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New(filepath.Join(dir, "registry.json"))
	resolve := resolver(dir)

	settings := map[string]any{"location": "C.1"}
	simPath := resolve(settings, "prerun")
	depPath := filepath.Join(dir, "onedrive", "input.rds")

	reg.Put(&registry.Entry{
		Path:       simPath,
		Kind:       registry.KindSimulationResult,
		References: []string{depPath},
	})

	sessions := &fakeSessions{sims: []SimulationRef{{Settings: settings, Mode: "prerun"}}}
	tracker := NewTracker(sessions, reg, resolve)

	referenced := tracker.ReferencedPaths(context.Background())
	require.Contains(t, referenced, simPath)
	require.Contains(t, referenced, depPath)
	require.Len(t, referenced, 2)
}

func TestReferencedPathsWithoutRegistryEntry(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New(filepath.Join(dir, "registry.json"))
	resolve := resolver(dir)

	settings := map[string]any{"location": "C.2"}
	sessions := &fakeSessions{sims: []SimulationRef{{Settings: settings, Mode: "live"}}}
	tracker := NewTracker(sessions, reg, resolve)

	referenced := tracker.ReferencedPaths(context.Background())
	require.Contains(t, referenced, resolve(settings, "live"))
	require.Len(t, referenced, 1)
}

func TestNilSessionStoreReturnsEmptySet(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New(filepath.Join(dir, "registry.json"))

	tracker := NewTracker(nil, reg, resolver(dir))
	require.Empty(t, tracker.ReferencedPaths(context.Background()))
}

func TestFailingSessionStoreReturnsEmptySet(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New(filepath.Join(dir, "registry.json"))

	sessions := &fakeSessions{err: errors.New("session layer down")}
	tracker := NewTracker(sessions, reg, resolver(dir))
	require.Empty(t, tracker.ReferencedPaths(context.Background()))
}
