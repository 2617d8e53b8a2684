// Package refs determines which cached files are currently in use by active
// simulation sessions, so eviction can shield them.
package refs

import (
	"context"
	"log/slog"

	"github.com/wolfeidau/simcache/registry"
)

// SimulationRef identifies one simulation an active session is using.
type SimulationRef struct {
	Settings map[string]any
	Mode     string
}

// SessionStore lists the simulations referenced by active sessions. The
// session layer lives outside the cache; it is injected here.
type SessionStore interface {
	ActiveSimulations(ctx context.Context) ([]SimulationRef, error)
}

// PathResolver maps a simulation reference to its cache file path.
type PathResolver func(settings map[string]any, mode string) string

// Tracker resolves active sessions to the set of protected cache paths.
type Tracker struct {
	sessions SessionStore
	reg      *registry.Registry
	resolve  PathResolver
	logger   *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// NewTracker creates a tracker. sessions may be nil, in which case nothing
// is ever reported as referenced.
func NewTracker(sessions SessionStore, reg *registry.Registry, resolve PathResolver, opts ...Option) *Tracker {
	t := &Tracker{
		sessions: sessions,
		reg:      reg,
		resolve:  resolve,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ReferencedPaths returns the paths currently in use by active sessions,
// plus each referenced entry's own dependencies one level deep (a protected
// simulation result also protects the source downloads it was built from).
//
// When the session store is unavailable the empty set is returned: cleanup
// then favours space recovery over protecting possibly-in-use artifacts.
func (t *Tracker) ReferencedPaths(ctx context.Context) map[string]struct{} {
	referenced := make(map[string]struct{})

	if t.sessions == nil {
		t.logger.Warn("no session store configured, treating nothing as referenced")
		return referenced
	}

	sims, err := t.sessions.ActiveSimulations(ctx)
	if err != nil {
		t.logger.Warn("session store unavailable, treating nothing as referenced", "error", err)
		return referenced
	}

	for _, sim := range sims {
		path := t.resolve(sim.Settings, sim.Mode)
		if path == "" {
			continue
		}
		referenced[path] = struct{}{}

		entry, ok := t.reg.Get(path)
		if !ok {
			continue
		}
		for _, dep := range entry.References {
			referenced[dep] = struct{}{}
		}
	}

	t.logger.Debug("resolved referenced paths", "sessions", len(sims), "paths", len(referenced))
	return referenced
}
