// Package evict orchestrates cache cleanup: it classifies every registry
// entry as keep or remove using the retention policy and the referenced-path
// set, optionally ranks removals to meet a space target, and executes the
// removals without letting individual failures abort the pass.
package evict

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/simcache"
	"github.com/wolfeidau/simcache/refs"
	"github.com/wolfeidau/simcache/registry"
	"github.com/wolfeidau/simcache/retention"
	"github.com/wolfeidau/simcache/space"
	"github.com/wolfeidau/simcache/telemetry"
)

// SidecarSuffix is appended to a data file path for its metadata sidecar.
const SidecarSuffix = ".meta"

// Result summarises one cleanup pass.
type Result struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Removed        int           `json:"removed"`
	Kept           int           `json:"kept"`
	Errors         int           `json:"errors"`
	BytesReclaimed int64         `json:"bytes_reclaimed"`
}

// Engine executes cleanup passes over the registry.
type Engine struct {
	reg              *registry.Registry
	policy           *retention.Policy
	tracker          *refs.Tracker
	retainReferenced bool
	logger           *slog.Logger
	metrics          *telemetry.Metrics
	now              func() time.Time

	// Serialises cleanup passes; fetch/put may run concurrently with one.
	mu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithRetainReferenced controls whether non-forced cleanup protects
// referenced entries. Defaults to true.
func WithRetainReferenced(retain bool) Option {
	return func(e *Engine) {
		e.retainReferenced = retain
	}
}

// WithClock sets the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates a cleanup engine.
func New(reg *registry.Registry, policy *retention.Policy, tracker *refs.Tracker, opts ...Option) *Engine {
	e := &Engine{
		reg:              reg,
		policy:           policy,
		tracker:          tracker,
		retainReferenced: true,
		logger:           slog.Default(),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Cleanup runs one cleanup pass.
//
// Entries whose file has vanished are always dropped from the registry.
// Remaining entries are kept while referenced (unless force is set) or
// within their effective TTL. When targetBytes is positive, TTL-expired
// candidates are ranked by priority ascending then last access ascending
// and removed only until the target is met, so a space-driven pass never
// removes more than it needs and never takes a critical entry before a
// lower tier. A zero or negative targetBytes means a pure TTL pass.
func (e *Engine) Cleanup(ctx context.Context, force bool, targetBytes int64) *Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := &Result{StartedAt: e.now()}

	e.logger.Debug("starting cleanup pass", "force", force, "target_bytes", targetBytes)

	protect := !force && e.retainReferenced
	referenced := map[string]struct{}{}
	if protect && e.tracker != nil {
		referenced = e.tracker.ReferencedPaths(ctx)
	}

	ttl := e.policy.Snapshot()
	now := e.now()

	var stale []string
	var candidates []*registry.Entry

	for _, entry := range e.reg.List() {
		if _, err := os.Stat(entry.Path); err != nil {
			stale = append(stale, entry.Path)
			continue
		}

		if protect {
			if _, ok := referenced[entry.Path]; ok {
				result.Kept++
				continue
			}
		}

		age := now.Sub(entry.LastAccessed)
		if age > ttl[entry.Priority] {
			candidates = append(candidates, entry)
		} else {
			result.Kept++
		}
	}

	// Stale entries index files that no longer exist; dropping them is
	// registry hygiene and does not count against a space target.
	for _, path := range stale {
		e.reg.Remove(path)
		result.Removed++
		e.logger.Debug("removed stale entry", "path", path)
	}

	if targetBytes > 0 {
		sort.Slice(candidates, func(i, j int) bool {
			ri, rj := candidates[i].Priority.Rank(), candidates[j].Priority.Rank()
			if ri != rj {
				return ri < rj
			}
			return candidates[i].LastAccessed.Before(candidates[j].LastAccessed)
		})
	}

	var freed int64
	for _, entry := range candidates {
		select {
		case <-ctx.Done():
			e.finish(ctx, force, result)
			return result
		default:
		}

		if targetBytes > 0 && freed >= targetBytes {
			result.Kept++
			continue
		}

		if err := e.removeEntry(entry); err != nil {
			result.Errors++
			e.logger.Error("failed to remove entry", "path", entry.Path, "error", err)
			continue
		}

		freed += entry.SizeBytes
		result.Removed++
		result.BytesReclaimed += entry.SizeBytes

		e.logger.Debug("removed expired entry",
			"path", entry.Path,
			"priority", entry.Priority,
			"size", entry.SizeBytes,
			"last_accessed", entry.LastAccessed,
		)
	}

	e.finish(ctx, force, result)
	return result
}

// removeEntry deletes the data file and any metadata sidecar, then drops
// the registry entry. The entry survives if the data file cannot be
// deleted, keeping registry and disk consistent.
func (e *Engine) removeEntry(entry *registry.Entry) error {
	if err := os.Remove(entry.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(entry.Path + SidecarSuffix); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("failed to remove sidecar", "path", entry.Path+SidecarSuffix, "error", err)
	}
	e.reg.Remove(entry.Path)
	return nil
}

func (e *Engine) finish(ctx context.Context, force bool, result *Result) {
	e.reg.RecomputeStats()
	if err := e.reg.Save(); err != nil {
		e.logger.Warn("failed to persist registry after cleanup", "error", err)
	}

	result.Duration = e.now().Sub(result.StartedAt)

	e.metrics.RecordCleanup(ctx, force, result.Removed, result.BytesReclaimed, result.Duration)

	if result.Removed > 0 || result.Errors > 0 {
		e.logger.Info("cleanup pass completed",
			"removed", result.Removed,
			"kept", result.Kept,
			"errors", result.Errors,
			"bytes_reclaimed", result.BytesReclaimed,
			"duration", result.Duration,
		)
	} else {
		e.logger.Debug("cleanup pass completed, nothing to remove")
	}
}

// EnsureRoom makes room for a write of requiredBytes: a normal cleanup pass
// targeting the deficit, then a forced pass, then ErrInsufficientSpace. The
// registry is repaired first so the accounting reflects real file sizes.
func (e *Engine) EnsureRoom(ctx context.Context, acct *space.Accountant, requiredBytes int64) error {
	if result := e.reg.Repair(); result.Dropped > 0 || result.Healed > 0 {
		e.logger.Debug("registry repaired before space check",
			"dropped", result.Dropped,
			"healed", result.Healed,
		)
	}

	if acct.HasRoom(requiredBytes) {
		return nil
	}

	deficit := requiredBytes - acct.FreeBytes()
	e.logger.Info("insufficient space, running cleanup", "required", requiredBytes, "deficit", deficit)
	e.Cleanup(ctx, false, deficit)
	if acct.HasRoom(requiredBytes) {
		return nil
	}

	deficit = requiredBytes - acct.FreeBytes()
	e.logger.Warn("still insufficient space, forcing cleanup", "required", requiredBytes, "deficit", deficit)
	e.Cleanup(ctx, true, deficit)
	if acct.HasRoom(requiredBytes) {
		return nil
	}

	return simcache.ErrInsufficientSpace
}
