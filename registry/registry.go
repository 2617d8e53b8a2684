package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// BackupSuffix is appended to the registry path for the previous generation.
const BackupSuffix = ".bak"

// Stats holds aggregates derived from the entries. They are recomputed from
// the entry map, never maintained independently of it.
type Stats struct {
	TotalSizeBytes int64        `json:"total_size_bytes"`
	CountByKind    map[Kind]int `json:"count_by_kind"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// document is the persisted registry layout.
type document struct {
	Entries map[string]*Entry `json:"entries"`
	Stats   Stats             `json:"stats"`
}

// Registry is the in-memory entry index backed by a single JSON document.
// A single coarse mutex guards all mutation; the workload is infrequent
// large-artifact operations, so fine-grained locking buys nothing.
type Registry struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
	stats   Stats
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithClock sets the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates a registry persisted at the given path. Call Load before use.
func New(path string, opts ...Option) *Registry {
	r := &Registry{
		path:    path,
		logger:  slog.Default(),
		now:     time.Now,
		entries: make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Path returns the location of the persisted document.
func (r *Registry) Path() string {
	return r.path
}

// Load initialises the registry from the persisted document. A missing or
// unreadable document is logged and replaced with an empty registry; Load
// never fails startup.
func (r *Registry) Load() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = make(map[string]*Entry)

	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("registry unreadable, starting empty", "path", r.path, "error", err)
		}
		return
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		r.logger.Warn("registry corrupt, starting empty", "path", r.path, "error", err)
		return
	}

	for path, entry := range doc.Entries {
		if entry == nil {
			continue
		}
		if entry.Path == "" {
			entry.Path = path
		}
		r.entries[entry.Path] = entry
	}
	r.recomputeStatsLocked()

	r.logger.Debug("registry loaded", "path", r.path, "entries", len(r.entries))
}

// Save persists the full document, first copying the existing file to a
// .bak suffix, then writing atomically via temp file and rename.
func (r *Registry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	r.recomputeStatsLocked()

	doc := document{Entries: r.entries, Stats: r.stats}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding registry: %w", err)
	}

	// Keep one backup generation of the previous document.
	if prev, err := os.ReadFile(r.path); err == nil {
		if err := os.WriteFile(r.path+BackupSuffix, prev, 0644); err != nil {
			r.logger.Warn("failed to write registry backup", "error", err)
		}
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating registry directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".registry-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		return fmt.Errorf("renaming registry: %w", err)
	}

	success = true
	return nil
}

// Put inserts or replaces the entry for its path, backfilling defaults for
// unset fields.
func (r *Registry) Put(entry *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := entry.clone()
	now := r.now()
	if !e.Priority.Valid() {
		e.Priority = PriorityNormal
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.LastAccessed.IsZero() {
		e.LastAccessed = now
	}
	if e.SizeBytes < 0 {
		e.SizeBytes = 0
	}
	r.entries[e.Path] = e
}

// Get returns a copy of the entry for the given path.
func (r *Registry) Get(path string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[path]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// Touch updates the last access time of an entry. Access times never move
// backwards. Returns false if the path is not tracked.
func (r *Registry) Touch(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[path]
	if !ok {
		return false
	}
	if now := r.now(); now.After(e.LastAccessed) {
		e.LastAccessed = now
	}
	return true
}

// Remove deletes the entry for the given path. Returns false if untracked.
func (r *Registry) Remove(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[path]; !ok {
		return false
	}
	delete(r.entries, path)
	return true
}

// List returns copies of all entries.
func (r *Registry) List() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.clone())
	}
	return out
}

// Len returns the number of tracked entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// TotalSizeBytes sums entry sizes.
func (r *Registry) TotalSizeBytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var total int64
	for _, e := range r.entries {
		total += e.SizeBytes
	}
	return total
}

// RecomputeStats recomputes and returns the derived aggregates.
func (r *Registry) RecomputeStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recomputeStatsLocked()
	return r.stats
}

// Stats returns the aggregates from the last recompute.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Registry) recomputeStatsLocked() {
	stats := Stats{
		CountByKind: make(map[Kind]int),
		UpdatedAt:   r.now(),
	}
	for _, e := range r.entries {
		size := e.SizeBytes
		if size < 0 {
			r.logger.Warn("entry with negative size coerced to zero", "path", e.Path, "size", size)
			size = 0
		}
		stats.TotalSizeBytes += size
		stats.CountByKind[e.Kind]++
	}
	r.stats = stats
}
