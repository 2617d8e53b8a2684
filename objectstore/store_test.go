package objectstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/simcache"
	"github.com/wolfeidau/simcache/evict"
	"github.com/wolfeidau/simcache/registry"
	"github.com/wolfeidau/simcache/retention"
	"github.com/wolfeidau/simcache/space"
)

func newTestStore(t *testing.T, budget int64, opts ...Option) (*Store, *registry.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	reg := registry.New(filepath.Join(dir, "registry.json"))
	acct := space.NewAccountant(reg, budget, nil)
	policy := retention.NewPolicy(nil, retention.WithProbe(retention.StaticProbe(10)))
	engine := evict.New(reg, policy, nil)

	store, err := New(filepath.Join(dir, "onedrive"), reg, acct, engine, opts...)
	require.NoError(t, err)
	return store, reg, dir
}

func TestFetchDownloadsAndRegisters(t *testing.T) {
	content := strings.Repeat("x", 1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(content))
	}))
	defer srv.Close()

	store, reg, _ := newTestStore(t, 1<<30)

	path, err := store.Fetch(context.Background(), srv.URL+"/input.rds", "input.rds")
	require.NoError(t, err)
	require.FileExists(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, content, string(data))

	entry, ok := reg.Get(path)
	require.True(t, ok)
	require.Equal(t, registry.KindRemoteObject, entry.Kind)
	require.Equal(t, int64(1000), entry.SizeBytes)
	require.Equal(t, registry.PriorityNormal, entry.Priority)
	require.Equal(t, srv.URL+"/input.rds", entry.Metadata["source_url"])
	require.Equal(t, simcache.HashBytes([]byte(content)).String(), entry.Metadata["content_hash"])
}

func TestFetchHitSkipsNetwork(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			requests.Add(1)
		}
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	store, _, _ := newTestStore(t, 1<<30)

	ctx := context.Background()
	p1, err := store.Fetch(ctx, srv.URL, "obj.bin")
	require.NoError(t, err)
	p2, err := store.Fetch(ctx, srv.URL, "obj.bin")
	require.NoError(t, err)

	require.Equal(t, p1, p2)
	require.Equal(t, int32(1), requests.Load())
}

func TestFetchProgressEvents(t *testing.T) {
	payload := make([]byte, 100*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "102400")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	sink := NewChannelSink(256)
	store, _, _ := newTestStore(t, 1<<30, WithProgressSink(sink), WithChunkSize(8*1024))

	_, err := store.Fetch(context.Background(), srv.URL, "big.bin")
	require.NoError(t, err)

	var events []ProgressEvent
drain:
	for {
		select {
		case ev := <-sink.Events():
			events = append(events, ev)
		default:
			break drain
		}
	}

	require.NotEmpty(t, events)
	require.Equal(t, 0, events[0].Percent, "first event must be 0%%")

	completes := 0
	lastPercent := -1
	for _, ev := range events {
		if ev.Status == StatusComplete {
			completes++
			require.Equal(t, 100, ev.Percent)
			continue
		}
		require.Less(t, ev.Percent, 100, "intermediate events stay below 100%%")
		require.GreaterOrEqual(t, ev.Percent, lastPercent)
		lastPercent = ev.Percent
	}
	require.Equal(t, 1, completes, "exactly one terminal 100%% event")
}

func TestFetchFallsBackToSimplifiedRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "" {
			http.Error(w, "bad token", http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte("fallback content"))
	}))
	defer srv.Close()

	store, _, _ := newTestStore(t, 1<<30)

	path, err := store.Fetch(context.Background(), srv.URL+"/f.bin?token=expired", "f.bin")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "fallback content", string(data))
}

func TestFetchFailureCleansUpTempFiles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	sink := NewChannelSink(16)
	store, _, _ := newTestStore(t, 1<<30, WithProgressSink(sink))

	_, err := store.Fetch(context.Background(), srv.URL+"/missing.bin", "missing.bin")
	require.Error(t, err)

	var dlErr *simcache.DownloadError
	require.ErrorAs(t, err, &dlErr)

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.HasPrefix(e.Name(), ".tmp-"), "temp file %s left behind", e.Name())
	}

	var failed bool
	for {
		select {
		case ev := <-sink.Events():
			if ev.Status == StatusFailed {
				failed = true
				require.Error(t, ev.Err)
			}
			continue
		default:
		}
		break
	}
	require.True(t, failed, "expected a terminal failed event")
}

func TestFetchInsufficientSpace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write(make([]byte, 1000))
	}))
	defer srv.Close()

	// Budget far below the probed size, with nothing evictable.
	store, _, _ := newTestStore(t, 100)

	_, err := store.Fetch(context.Background(), srv.URL, "big.bin")
	require.ErrorIs(t, err, simcache.ErrInsufficientSpace)
}

func TestFetchCancelledContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(make([]byte, 1000))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer srv.Close()
	defer close(release)

	store, _, _ := newTestStore(t, 1<<30)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := store.Fetch(ctx, srv.URL, "stalled.bin")
	require.Error(t, err)

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.HasPrefix(e.Name(), ".tmp-"), "temp file %s left behind", e.Name())
	}
}

func TestStripQuery(t *testing.T) {
	require.Equal(t, "https://example.com/f.bin", stripQuery("https://example.com/f.bin?download=1&token=abc"))
	require.Equal(t, "https://example.com/f.bin", stripQuery("https://example.com/f.bin"))
}
