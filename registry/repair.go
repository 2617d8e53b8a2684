package registry

import "os"

// RepairResult summarises a repair pass.
type RepairResult struct {
	Dropped int // entries removed because their file is gone
	Healed  int // entries with one or more fields corrected
}

// Repair heals structural defects in loaded entries: entries whose file no
// longer exists are dropped, malformed or missing sizes are recomputed from
// the file, and missing timestamps and priorities are backfilled from safe
// defaults. Run at startup and opportunistically before space-sensitive
// operations, so individual call sites never need to re-validate fields.
func (r *Registry) Repair() RepairResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := RepairResult{}

	for path, e := range r.entries {
		info, err := os.Stat(path)
		if err != nil {
			delete(r.entries, path)
			result.Dropped++
			r.logger.Debug("dropped entry for missing file", "path", path)
			continue
		}

		healed := false

		if e.SizeBytes <= 0 || e.SizeBytes != info.Size() {
			// Zero means the persisted value was missing or not a scalar;
			// a mismatch means the file changed underneath us. Either way
			// the file is authoritative.
			if e.SizeBytes != info.Size() {
				e.SizeBytes = info.Size()
				healed = true
			}
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = info.ModTime()
			healed = true
		}
		if e.LastAccessed.IsZero() {
			e.LastAccessed = info.ModTime()
			healed = true
		}
		if !e.Priority.Valid() {
			e.Priority = PriorityNormal
			healed = true
		}
		if !e.Kind.valid() {
			e.Kind = KindRemoteObject
			healed = true
		}

		if healed {
			result.Healed++
			r.logger.Debug("healed entry", "path", path)
		}
	}

	r.recomputeStatsLocked()

	if result.Dropped > 0 || result.Healed > 0 {
		r.logger.Info("registry repair completed",
			"dropped", result.Dropped,
			"healed", result.Healed,
			"entries", len(r.entries),
		)
	}

	return result
}

func (k Kind) valid() bool {
	return k == KindRemoteObject || k == KindSimulationResult
}
