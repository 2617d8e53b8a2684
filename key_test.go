package simcache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	settings := map[string]any{
		"location":   "C.1",
		"population": 100000,
		"r0":         2.4,
	}

	k1 := DeriveKey(settings, "prerun")
	k2 := DeriveKey(settings, "prerun")
	require.Equal(t, k1, k2)
	require.True(t, strings.HasPrefix(k1, "sim_prerun_"))
}

func TestDeriveKeyLocationCaseInsensitive(t *testing.T) {
	k1 := DeriveKey(map[string]any{"location": "c.1"}, "prerun")
	k2 := DeriveKey(map[string]any{"location": " C.1 "}, "prerun")
	k3 := DeriveKey(map[string]any{"location": "C1"}, "prerun")
	k4 := DeriveKey(map[string]any{"location": "C.01"}, "prerun")

	require.Equal(t, k1, k2)
	require.Equal(t, k1, k3)
	require.Equal(t, k1, k4)
}

func TestDeriveKeyModeChangesKey(t *testing.T) {
	settings := map[string]any{"location": "C.1"}

	require.NotEqual(t,
		DeriveKey(settings, "prerun"),
		DeriveKey(settings, "live"),
	)
}

func TestDeriveKeyIgnoresVolatileFields(t *testing.T) {
	base := map[string]any{"location": "C.1", "r0": 2.4}
	withResults := map[string]any{
		"location": "C.1",
		"r0":       2.4,
		"results":  []any{1.0, 2.0, 3.0},
		"raw_data": map[string]any{"huge": "payload"},
	}

	require.Equal(t, DeriveKey(base, "prerun"), DeriveKey(withResults, "prerun"))
}

func TestDeriveKeyNestedLocation(t *testing.T) {
	k1 := DeriveKey(map[string]any{"region": map[string]any{"location": "c.7"}}, "live")
	k2 := DeriveKey(map[string]any{"region": map[string]any{"location": "C.7"}}, "live")
	require.Equal(t, k1, k2)
}

func TestDeriveKeySafeCharset(t *testing.T) {
	key := DeriveKey(map[string]any{"location": "C.1"}, "pre run/variant")

	for _, r := range key {
		ok := r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		require.True(t, ok, "unsafe character %q in key %s", r, key)
	}
}

func TestNormalizeLocationCode(t *testing.T) {
	cases := map[string]string{
		"c.1":        "C.1",
		" C.1 ":      "C.1",
		"C1":         "C.1",
		"c.001":      "C.1",
		"AB12":       "AB.12",
		"not a code": "NOT A CODE",
	}

	for in, want := range cases {
		require.Equal(t, want, NormalizeLocationCode(in), "input %q", in)
	}
}
