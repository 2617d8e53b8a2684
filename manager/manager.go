// Package manager assembles the cache subsystem behind a single facade:
// construction owns the directory layout, the registry lifecycle and the
// single-owner lock, and the facade methods delegate to the object store,
// the simulation cache and the eviction engine.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/wolfeidau/simcache"
	"github.com/wolfeidau/simcache/config"
	"github.com/wolfeidau/simcache/evict"
	"github.com/wolfeidau/simcache/objectstore"
	"github.com/wolfeidau/simcache/refs"
	"github.com/wolfeidau/simcache/registry"
	"github.com/wolfeidau/simcache/retention"
	"github.com/wolfeidau/simcache/simstore"
	"github.com/wolfeidau/simcache/space"
	"github.com/wolfeidau/simcache/telemetry"
)

const (
	objectDirName     = "onedrive"
	simulationDirName = "simulations"
	registryFileName  = "registry.json"
	lockFileName      = ".lock"
)

// memStatsFunc reports system memory, injectable for tests.
type memStatsFunc func() (*mem.VirtualMemoryStat, error)

// Manager is the cache facade. All methods are safe for concurrent use.
type Manager struct {
	cfg     *config.Config
	reg     *registry.Registry
	acct    *space.Accountant
	policy  *retention.Policy
	engine  *evict.Engine
	objects *objectstore.Store
	sims    *simstore.Cache
	lock    *flock.Flock
	logger  *slog.Logger
	metrics *telemetry.Metrics

	memStats memStatsFunc

	sched *scheduler
}

// Stats is a point-in-time snapshot of the cache.
type Stats struct {
	UsageBytes        int64                 `json:"usage_bytes"`
	BudgetBytes       int64                 `json:"budget_bytes"`
	EntryCount        int                   `json:"entry_count"`
	CountByKind       map[registry.Kind]int `json:"count_by_kind"`
	MemoryUsedPercent float64               `json:"memory_used_percent"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

// Option configures a Manager.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	sessions refs.SessionStore
	sink     objectstore.ProgressSink
	client   *http.Client
	probe    retention.MemoryProbe
	memStats memStatsFunc
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics recorder shared by every component.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithSessionStore injects the active-session accessor used to protect
// referenced entries. Without it nothing is treated as referenced.
func WithSessionStore(sessions refs.SessionStore) Option {
	return func(o *options) {
		o.sessions = sessions
	}
}

// WithProgressSink sets the download progress sink.
func WithProgressSink(sink objectstore.ProgressSink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// WithHTTPClient sets the HTTP client used for downloads.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.client = client
	}
}

// WithMemoryProbe sets the memory probe used for retention scaling.
func WithMemoryProbe(probe retention.MemoryProbe) Option {
	return func(o *options) {
		o.probe = probe
	}
}

// WithMemStats sets the system memory reader, for tests.
func WithMemStats(fn memStatsFunc) Option {
	return func(o *options) {
		o.memStats = fn
	}
}

// New builds the cache under cfg.BasePath. The base directories are
// created, an exclusive lock is taken on the cache root, and the registry
// is loaded and repaired. Directory or lock failure is the only fatal
// construction error; registry corruption is healed, not propagated.
func New(cfg *config.Config, opts ...Option) (*Manager, error) {
	o := &options{
		logger:   slog.Default(),
		probe:    retention.SystemProbe{},
		memStats: mem.VirtualMemory,
	}
	for _, opt := range opts {
		opt(o)
	}

	objectDir := filepath.Join(cfg.BasePath, objectDirName)
	simDir := filepath.Join(cfg.BasePath, simulationDirName)
	for _, dir := range []string{cfg.BasePath, objectDir, simDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating cache directory %s: %w", dir, err)
		}
	}

	lock := flock.New(filepath.Join(cfg.BasePath, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking cache root: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("cache root %s is locked by another process", cfg.BasePath)
	}

	reg := registry.New(filepath.Join(cfg.BasePath, registryFileName), registry.WithLogger(o.logger))
	reg.Load()
	if result := reg.Repair(); result.Dropped > 0 || result.Healed > 0 {
		o.logger.Info("registry repaired", "dropped", result.Dropped, "healed", result.Healed)
	}
	if err := reg.Save(); err != nil {
		o.logger.Warn("failed to persist registry after startup repair", "error", err)
	}

	acct := space.NewAccountant(reg, cfg.MaxDiskUsageBytes(), []string{objectDir, simDir}, space.WithLogger(o.logger))
	policy := retention.NewPolicy(cfg.Tiers(), retention.WithProbe(o.probe), retention.WithLogger(o.logger))

	m := &Manager{
		cfg:      cfg,
		reg:      reg,
		acct:     acct,
		policy:   policy,
		lock:     lock,
		logger:   o.logger,
		metrics:  o.metrics,
		memStats: o.memStats,
	}

	resolve := func(settings map[string]any, mode string) string {
		return filepath.Join(simDir, simcache.DeriveKey(settings, mode)+simstore.ArtifactSuffix)
	}
	tracker := refs.NewTracker(o.sessions, reg, resolve, refs.WithLogger(o.logger))
	engine := evict.New(reg, policy, tracker,
		evict.WithLogger(o.logger),
		evict.WithMetrics(o.metrics),
		evict.WithRetainReferenced(cfg.RetainReferencedEntries()),
	)
	m.engine = engine

	sims, err := simstore.New(simDir, objectDir, reg, acct, engine,
		simstore.WithLogger(o.logger), simstore.WithMetrics(o.metrics))
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	m.sims = sims

	storeOpts := []objectstore.Option{
		objectstore.WithLogger(o.logger),
		objectstore.WithMetrics(o.metrics),
	}
	if o.sink != nil {
		storeOpts = append(storeOpts, objectstore.WithProgressSink(o.sink))
	}
	if o.client != nil {
		storeOpts = append(storeOpts, objectstore.WithHTTPClient(o.client))
	}
	objects, err := objectstore.New(objectDir, reg, acct, engine, storeOpts...)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	m.objects = objects

	m.sched = newScheduler(m, cfg.CleanupInterval(), o.logger)

	o.logger.Info("cache manager ready",
		"base_path", cfg.BasePath,
		"budget_mb", cfg.MaxDiskUsageMB,
		"entries", reg.Len(),
	)
	return m, nil
}

// FetchRemoteObject downloads sourceURL into the cache and returns the
// local path, reusing an already cached copy when present.
func (m *Manager) FetchRemoteObject(ctx context.Context, sourceURL, filename string) (string, error) {
	return m.objects.Fetch(ctx, sourceURL, filename)
}

// CacheSimulation persists a computed simulation artifact.
func (m *Manager) CacheSimulation(ctx context.Context, settings map[string]any, mode string, artifact *simstore.Artifact) error {
	return m.sims.Put(ctx, settings, mode, artifact)
}

// GetCachedSimulation loads a cached artifact, or nil on a miss.
func (m *Manager) GetCachedSimulation(ctx context.Context, settings map[string]any, mode string, opts ...simstore.GetOption) (*simstore.Artifact, error) {
	return m.sims.Get(ctx, settings, mode, opts...)
}

// IsSimulationCached reports whether an artifact for (settings, mode)
// exists on disk.
func (m *Manager) IsSimulationCached(settings map[string]any, mode string) bool {
	return m.sims.IsCached(settings, mode)
}

// Cleanup runs one cleanup pass, optionally targeting targetMB of
// reclaimed space.
func (m *Manager) Cleanup(ctx context.Context, force bool, targetMB int64) *evict.Result {
	return m.engine.Cleanup(ctx, force, targetMB<<20)
}

// EnsureSpaceFor reserves requiredMB of budget, evicting if necessary.
// Returns ErrInsufficientSpace when eviction cannot make room.
func (m *Manager) EnsureSpaceFor(ctx context.Context, requiredMB int64) error {
	return m.engine.EnsureRoom(ctx, m.acct, requiredMB<<20)
}

// Stats reports current cache usage and system memory.
func (m *Manager) Stats(ctx context.Context) *Stats {
	regStats := m.reg.Stats()
	stats := &Stats{
		UsageBytes:  m.acct.CurrentUsageBytes(),
		BudgetBytes: m.acct.BudgetBytes(),
		EntryCount:  m.reg.Len(),
		CountByKind: regStats.CountByKind,
		UpdatedAt:   time.Now(),
	}

	if vm, err := m.memStats(); err == nil {
		stats.MemoryUsedPercent = vm.UsedPercent
	} else {
		m.logger.Warn("failed to read system memory", "error", err)
	}

	m.metrics.RecordUsage(ctx, stats.UsageBytes, stats.EntryCount)
	return stats
}

// Start launches the background cleanup scheduler.
func (m *Manager) Start(ctx context.Context) {
	m.sched.Start(ctx)
}

// Stop halts the background cleanup scheduler, waiting for an in-flight
// pass to finish or ctx to expire.
func (m *Manager) Stop(ctx context.Context) error {
	return m.sched.Stop(ctx)
}

// Close releases the cache: the scheduler is stopped, the registry is
// persisted a final time, and the root lock is dropped.
func (m *Manager) Close(ctx context.Context) error {
	if err := m.sched.Stop(ctx); err != nil {
		m.logger.Warn("scheduler did not stop cleanly", "error", err)
	}
	if err := m.reg.Save(); err != nil {
		m.logger.Warn("failed to persist registry on close", "error", err)
	}
	m.sims.Close()
	if err := m.lock.Unlock(); err != nil {
		return fmt.Errorf("releasing cache lock: %w", err)
	}
	return nil
}
