package retention

import (
	"log/slog"
	"time"

	"github.com/wolfeidau/simcache/registry"
)

// fallbackUsedPercent is assumed when the memory probe fails. Moderate usage
// keeps retention at full strength rather than stalling cleanup.
const fallbackUsedPercent = 50.0

// TierTable maps a priority tier to its base TTL. Read-only at runtime; the
// pressure scaling applied per call never persists back into it.
type TierTable map[registry.Priority]time.Duration

// DefaultTiers returns the documented default retention tiers.
func DefaultTiers() TierTable {
	return TierTable{
		registry.PriorityCritical: 86400 * time.Second,
		registry.PriorityHigh:     43200 * time.Second,
		registry.PriorityNormal:   7200 * time.Second,
		registry.PriorityLow:      1800 * time.Second,
	}
}

// Policy computes effective TTLs from the tier table and current memory
// pressure.
type Policy struct {
	tiers  TierTable
	probe  MemoryProbe
	logger *slog.Logger
}

// Option configures a Policy.
type Option func(*Policy)

// WithProbe sets the memory probe. Defaults to SystemProbe.
func WithProbe(probe MemoryProbe) Option {
	return func(p *Policy) {
		p.probe = probe
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Policy) {
		p.logger = logger
	}
}

// NewPolicy creates a retention policy over the given tier table.
func NewPolicy(tiers TierTable, opts ...Option) *Policy {
	if tiers == nil {
		tiers = DefaultTiers()
	}
	p := &Policy{
		tiers:  tiers,
		probe:  SystemProbe{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PressureFactor maps current memory usage to a TTL scaling factor.
func (p *Policy) PressureFactor() float64 {
	used, err := p.probe.UsedPercent()
	if err != nil {
		p.logger.Warn("memory probe failed, assuming moderate pressure", "error", err)
		used = fallbackUsedPercent
	}
	return factorFor(used)
}

func factorFor(usedPercent float64) float64 {
	switch {
	case usedPercent > 90:
		return 0.10
	case usedPercent > 80:
		return 0.25
	case usedPercent > 70:
		return 0.50
	default:
		return 1.00
	}
}

// EffectiveTTL returns the TTL for a priority tier at current pressure.
// Unknown priorities fall back to the normal tier.
func (p *Policy) EffectiveTTL(priority registry.Priority) time.Duration {
	return p.scaled(priority, p.PressureFactor())
}

// Snapshot returns the effective TTL for every tier at a single pressure
// reading, so one cleanup pass applies a consistent ruling to all entries.
func (p *Policy) Snapshot() map[registry.Priority]time.Duration {
	factor := p.PressureFactor()
	out := make(map[registry.Priority]time.Duration, len(p.tiers))
	for _, priority := range []registry.Priority{
		registry.PriorityLow,
		registry.PriorityNormal,
		registry.PriorityHigh,
		registry.PriorityCritical,
	} {
		out[priority] = p.scaled(priority, factor)
	}
	return out
}

func (p *Policy) scaled(priority registry.Priority, factor float64) time.Duration {
	base, ok := p.tiers[priority]
	if !ok {
		base = p.tiers[registry.PriorityNormal]
	}
	return time.Duration(float64(base) * factor)
}
