// Package simstore persists computed simulation artifacts on disk, keyed by
// the deterministic settings hash, compressed with zstd, and tracked in the
// shared registry alongside the remote objects they were built from.
package simstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/wolfeidau/simcache"
	"github.com/wolfeidau/simcache/evict"
	"github.com/wolfeidau/simcache/registry"
	"github.com/wolfeidau/simcache/space"
	"github.com/wolfeidau/simcache/telemetry"
)

// ArtifactSuffix is appended to the derived key to form the data file name.
const ArtifactSuffix = ".json.zst"

// Artifact is one computed simulation result: an opaque data blob plus the
// provenance the cache uses for dependency tracking and version gating.
type Artifact struct {
	Version    string          `json:"version,omitempty"`
	Mode       string          `json:"mode"`
	Data       json.RawMessage `json:"data"`
	Provenance map[string]any  `json:"provenance,omitempty"`

	// Set by Get; never persisted.
	LoadedFromCache bool      `json:"-"`
	LoadedAt        time.Time `json:"-"`
}

// sidecar is the metadata document written next to each artifact file. It
// lets Get adopt files the registry has lost track of.
type sidecar struct {
	Key          string    `json:"key"`
	Version      string    `json:"version,omitempty"`
	Mode         string    `json:"mode"`
	CreatedAt    time.Time `json:"created_at"`
	SizeBytes    int64     `json:"size_bytes"`
	Dependencies []string  `json:"dependencies,omitempty"`
}

// Cache stores and loads simulation artifacts.
type Cache struct {
	dir       string
	objectDir string
	reg       *registry.Registry
	acct      *space.Accountant
	engine    *evict.Engine
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time

	// Goroutine-safe, reused across operations.
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithClock sets the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a simulation cache rooted at dir. objectDir is the remote
// object directory used to resolve provenance file names to cached paths.
func New(dir, objectDir string, reg *registry.Registry, acct *space.Accountant, engine *evict.Engine, opts ...Option) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating simulation directory: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	c := &Cache{
		dir:       dir,
		objectDir: objectDir,
		reg:       reg,
		acct:      acct,
		engine:    engine,
		logger:    slog.Default(),
		now:       time.Now,
		encoder:   enc,
		decoder:   dec,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close releases the compression resources.
func (c *Cache) Close() {
	c.encoder.Close()
	c.decoder.Close()
}

// PathFor returns the cache path an artifact for (settings, mode) would
// occupy. The signature matches refs.PathResolver.
func (c *Cache) PathFor(settings map[string]any, mode string) string {
	return filepath.Join(c.dir, simcache.DeriveKey(settings, mode)+ArtifactSuffix)
}

// IsCached reports whether an artifact for (settings, mode) is on disk.
func (c *Cache) IsCached(settings map[string]any, mode string) bool {
	_, err := os.Stat(c.PathFor(settings, mode))
	return err == nil
}

// Put persists the artifact for (settings, mode), reserving disk budget
// first and registering the result with its remote object dependencies.
func (c *Cache) Put(ctx context.Context, settings map[string]any, mode string, artifact *Artifact) error {
	key := simcache.DeriveKey(settings, mode)
	path := filepath.Join(c.dir, key+ArtifactSuffix)

	if artifact.Mode == "" {
		artifact.Mode = mode
	}

	raw, err := json.Marshal(artifact)
	if err != nil {
		c.metrics.RecordSimulationOp(ctx, "put", "error")
		return fmt.Errorf("encoding artifact: %w", err)
	}
	compressed := c.encoder.EncodeAll(raw, nil)
	size := int64(len(compressed))

	if err := c.engine.EnsureRoom(ctx, c.acct, size); err != nil {
		c.metrics.RecordSimulationOp(ctx, "put", "error")
		return err
	}

	if err := c.writeAtomic(path, compressed); err != nil {
		c.metrics.RecordSimulationOp(ctx, "put", "error")
		return fmt.Errorf("writing artifact: %w", err)
	}

	deps := c.FindDependencies(artifact)

	meta := sidecar{
		Key:          key,
		Version:      artifact.Version,
		Mode:         artifact.Mode,
		CreatedAt:    c.now(),
		SizeBytes:    size,
		Dependencies: deps,
	}
	if err := c.writeSidecar(path, &meta); err != nil {
		// The sidecar only speeds up later adoption; the registry entry
		// below is the source of truth.
		c.logger.Warn("failed to write artifact sidecar", "path", path, "error", err)
	}

	c.reg.Put(&registry.Entry{
		Path:       path,
		Kind:       registry.KindSimulationResult,
		SizeBytes:  size,
		Priority:   registry.PriorityNormal,
		References: deps,
		Metadata: map[string]any{
			"key":             key,
			"simulation_mode": artifact.Mode,
			"version":         artifact.Version,
		},
	})
	if err := c.reg.Save(); err != nil {
		c.logger.Warn("failed to persist registry after put", "error", err)
	}

	c.metrics.RecordSimulationOp(ctx, "put", "success")
	c.logger.Info("cached simulation result",
		"key", key,
		"mode", artifact.Mode,
		"size", size,
		"dependencies", len(deps),
	)
	return nil
}

// GetOption configures a single Get call.
type GetOption func(*getConfig)

type getConfig struct {
	expectedVersion string
	checkVersion    bool
}

// WithExpectedVersion enables the version gate: a cached artifact whose
// version differs from v is treated as a miss.
func WithExpectedVersion(v string) GetOption {
	return func(g *getConfig) {
		g.expectedVersion = v
		g.checkVersion = true
	}
}

// Get loads the artifact for (settings, mode). A missing file, an
// unreadable artifact, or a version gate mismatch is a miss (nil, nil);
// errors are reserved for failures after a hit is established.
func (c *Cache) Get(ctx context.Context, settings map[string]any, mode string, opts ...GetOption) (*Artifact, error) {
	var cfg getConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	key := simcache.DeriveKey(settings, mode)
	path := filepath.Join(c.dir, key+ArtifactSuffix)

	compressed, err := os.ReadFile(path)
	if err != nil {
		c.metrics.RecordSimulationOp(ctx, "get", "miss")
		return nil, nil
	}

	raw, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		c.logger.Warn("unreadable artifact treated as miss", "path", path, "error", err)
		c.metrics.RecordSimulationOp(ctx, "get", "miss")
		return nil, nil
	}

	var artifact Artifact
	if err := json.Unmarshal(raw, &artifact); err != nil {
		c.logger.Warn("corrupt artifact treated as miss", "path", path, "error", err)
		c.metrics.RecordSimulationOp(ctx, "get", "miss")
		return nil, nil
	}

	if cfg.checkVersion && artifact.Version != cfg.expectedVersion {
		c.logger.Debug("version gate miss",
			"key", key,
			"cached_version", artifact.Version,
			"expected_version", cfg.expectedVersion,
		)
		c.metrics.RecordSimulationOp(ctx, "get", "miss")
		return nil, nil
	}

	if _, tracked := c.reg.Get(path); !tracked {
		c.adopt(path, key, int64(len(compressed)), &artifact)
	}

	c.reg.Touch(path)
	if err := c.reg.Save(); err != nil {
		c.logger.Warn("failed to persist registry after get", "error", err)
	}

	artifact.LoadedFromCache = true
	artifact.LoadedAt = c.now()

	c.metrics.RecordSimulationOp(ctx, "get", "hit")
	c.logger.Debug("simulation cache hit", "key", key, "mode", mode)
	return &artifact, nil
}

// adopt registers an artifact file the registry does not know about, using
// its sidecar when readable and conservative defaults otherwise.
func (c *Cache) adopt(path, key string, size int64, artifact *Artifact) {
	entry := &registry.Entry{
		Path:      path,
		Kind:      registry.KindSimulationResult,
		SizeBytes: size,
		Priority:  registry.PriorityNormal,
		Metadata: map[string]any{
			"key":             key,
			"simulation_mode": artifact.Mode,
			"version":         artifact.Version,
			"adopted":         true,
		},
	}

	if meta, err := c.readSidecar(path); err == nil {
		entry.CreatedAt = meta.CreatedAt
		entry.References = meta.Dependencies
	} else if info, err := os.Stat(path); err == nil {
		entry.CreatedAt = info.ModTime()
	}

	c.reg.Put(entry)
	c.logger.Info("adopted untracked artifact", "path", path, "key", key)
}

// FindDependencies resolves the remote objects an artifact was built from.
// Provenance may list file names (resolved against the object directory) or
// absolute paths; only paths the registry tracks count as dependencies.
func (c *Cache) FindDependencies(artifact *Artifact) []string {
	if artifact == nil || artifact.Provenance == nil {
		return nil
	}

	var deps []string
	seen := map[string]struct{}{}

	for _, field := range []string{"source_files", "input_files", "downloads"} {
		for _, name := range stringList(artifact.Provenance[field]) {
			path := name
			if !filepath.IsAbs(path) {
				path = filepath.Join(c.objectDir, name)
			}
			if _, ok := seen[path]; ok {
				continue
			}
			if _, tracked := c.reg.Get(path); !tracked {
				continue
			}
			seen[path] = struct{}{}
			deps = append(deps, path)
		}
	}
	return deps
}

func (c *Cache) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(c.dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func (c *Cache) writeSidecar(path string, meta *sidecar) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path+evict.SidecarSuffix, data, 0644)
}

func (c *Cache) readSidecar(path string) (*sidecar, error) {
	data, err := os.ReadFile(path + evict.SidecarSuffix)
	if err != nil {
		return nil, err
	}
	var meta sidecar
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// stringList coerces a provenance value into a list of strings, tolerating
// the JSON decoder's []any form and single string values.
func stringList(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return []string{val}
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
