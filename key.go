// Package simcache provides the shared building blocks of the simulation
// artifact cache: deterministic cache key derivation, content hashing and the
// error taxonomy used across the cache packages.
package simcache

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// KeyHashSize is the number of hash bytes included in a derived cache key.
// 128 bits is plenty for the handful of thousand entries a cache root holds.
const KeyHashSize = 16

// volatileFields are settings fields stripped before hashing. They carry
// large payloads or intermediate results that do not affect which simulation
// the settings describe.
var volatileFields = map[string]struct{}{
	"result":     {},
	"results":    {},
	"raw_data":   {},
	"timeseries": {},
	"progress":   {},
}

// locationCodePattern matches prefixed numeric location codes such as
// "C.1", "C1" or "c.001".
var locationCodePattern = regexp.MustCompile(`^([A-Z]+)\.?0*(\d+)$`)

// keyCharPattern matches characters that are unsafe in a filename component.
var keyCharPattern = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// DeriveKey derives a deterministic cache key from a settings map and a
// simulation mode. Volatile fields are stripped and location codes are
// canonicalized first, so semantically equal settings always hash to the
// same key regardless of formatting differences.
//
// The key has the form "sim_{mode}_{hash}" and contains only letters,
// digits, underscores and hyphens.
func DeriveKey(settings map[string]any, mode string) string {
	canon := canonicalizeSettings(settings)

	payload, err := json.Marshal(struct {
		Mode     string         `json:"mode"`
		Settings map[string]any `json:"settings"`
	}{Mode: mode, Settings: canon})
	if err != nil {
		// Structured input should always marshal. If it somehow does not,
		// produce a unique non-reusable key instead of failing the caller;
		// the cache miss costs a recompute, not an outage.
		stamp := strconv.FormatInt(time.Now().UnixNano(), 10)
		sum := blake3.Sum256([]byte(mode + stamp))
		return sanitizeKey(fmt.Sprintf("sim_%s_%s", mode, hex.EncodeToString(sum[:KeyHashSize])))
	}

	sum := blake3.Sum256(payload)
	return sanitizeKey(fmt.Sprintf("sim_%s_%s", mode, hex.EncodeToString(sum[:KeyHashSize])))
}

// NormalizeLocationCode canonicalizes a location code: whitespace is
// trimmed, the code is uppercased, and prefixed numeric codes are reduced
// to a single canonical spelling ("c1", " C.1 " and "C.01" all become
// "C.1"). Values that do not look like location codes are returned
// trimmed and uppercased.
func NormalizeLocationCode(code string) string {
	s := strings.ToUpper(strings.TrimSpace(code))
	m := locationCodePattern.FindStringSubmatch(s)
	if m == nil {
		return s
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return s
	}
	return fmt.Sprintf("%s.%d", m[1], n)
}

// canonicalizeSettings returns a copy of settings with volatile fields
// removed and location-code-like string fields normalized. Nested maps are
// processed recursively.
func canonicalizeSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	out := make(map[string]any, len(settings))
	for k, v := range settings {
		if _, volatile := volatileFields[strings.ToLower(k)]; volatile {
			continue
		}
		switch tv := v.(type) {
		case map[string]any:
			out[k] = canonicalizeSettings(tv)
		case string:
			if isLocationField(k) {
				out[k] = NormalizeLocationCode(tv)
			} else {
				out[k] = tv
			}
		default:
			out[k] = v
		}
	}
	return out
}

// isLocationField reports whether a settings field holds a location code.
func isLocationField(name string) bool {
	n := strings.ToLower(name)
	return n == "location" || n == "loc" || strings.Contains(n, "location_code")
}

// sanitizeKey replaces any character unsafe for a filename component.
func sanitizeKey(key string) string {
	return keyCharPattern.ReplaceAllString(key, "_")
}
