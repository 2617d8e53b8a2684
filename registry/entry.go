// Package registry maintains the durable index of cached files: one entry
// per file on disk, persisted as a single JSON document with a one-generation
// backup. The registry is the source of truth for space accounting and
// eviction, and heals malformed persisted state on load via Repair.
package registry

import (
	"encoding/json"
	"time"
)

// Kind classifies a cached file by provenance.
type Kind string

const (
	// KindRemoteObject is a file downloaded from a remote source.
	KindRemoteObject Kind = "remote_object"
	// KindSimulationResult is a computed simulation artifact.
	KindSimulationResult Kind = "simulation_result"
)

// Priority controls the retention tier of an entry.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities for eviction: lower ranks are evicted first.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityNormal:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// Valid reports whether p is a known priority value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Entry describes one cached file. Path is the primary key.
type Entry struct {
	Path         string         `json:"path"`
	Kind         Kind           `json:"kind"`
	SizeBytes    int64          `json:"size_bytes"`
	CreatedAt    time.Time      `json:"created_at"`
	LastAccessed time.Time      `json:"last_accessed"`
	Priority     Priority       `json:"priority"`
	References   []string       `json:"references,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// UnmarshalJSON decodes an entry leniently. Persisted documents may have
// been hand-edited or partially written; any field with the wrong shape
// decodes to its zero value here and is healed by Repair, rather than
// failing the whole document.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	e.Path = lenientString(raw["path"])
	e.Kind = Kind(lenientString(raw["kind"]))
	e.SizeBytes = lenientInt64(raw["size_bytes"])
	e.CreatedAt = lenientTime(raw["created_at"])
	e.LastAccessed = lenientTime(raw["last_accessed"])
	e.Priority = Priority(lenientString(raw["priority"]))
	e.References = lenientStrings(raw["references"])
	e.Metadata = lenientMap(raw["metadata"])
	return nil
}

// clone returns a copy safe to hand to callers outside the registry lock.
func (e *Entry) clone() *Entry {
	out := *e
	if e.References != nil {
		out.References = append([]string(nil), e.References...)
	}
	if e.Metadata != nil {
		out.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func lenientString(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// lenientInt64 decodes a scalar size. Non-scalar values (a list or object
// where a number was expected) decode to 0 so they never poison aggregate
// size sums; Repair recomputes the real value from the file.
func lenientInt64(raw json.RawMessage) int64 {
	if raw == nil {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil || f < 0 {
		return 0
	}
	return int64(f)
}

func lenientTime(raw json.RawMessage) time.Time {
	if raw == nil {
		return time.Time{}
	}
	var t time.Time
	if err := json.Unmarshal(raw, &t); err != nil {
		return time.Time{}
	}
	return t
}

func lenientStrings(raw json.RawMessage) []string {
	if raw == nil {
		return nil
	}
	var ss []string
	if err := json.Unmarshal(raw, &ss); err != nil {
		return nil
	}
	return ss
}

func lenientMap(raw json.RawMessage) map[string]any {
	if raw == nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
