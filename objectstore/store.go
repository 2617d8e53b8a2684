// Package objectstore fetches remote objects into the cache directory,
// reserving disk budget before each transfer and streaming progress to the
// host through an explicit notification sink.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"github.com/wolfeidau/simcache"
	"github.com/wolfeidau/simcache/evict"
	"github.com/wolfeidau/simcache/registry"
	"github.com/wolfeidau/simcache/space"
	"github.com/wolfeidau/simcache/telemetry"
)

const (
	// DefaultSizeEstimate is assumed when the remote does not report a
	// content length for the size probe.
	DefaultSizeEstimate = 20 << 20 // 20 MB

	defaultChunkSize    = 256 << 10
	progressStepPercent = 5
)

// Store downloads remote objects into a managed directory.
type Store struct {
	dir          string
	reg          *registry.Registry
	acct         *space.Accountant
	engine       *evict.Engine
	client       *http.Client
	sink         ProgressSink
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	chunkSize    int
	sizeEstimate int64
}

// Option configures a Store.
type Option func(*Store)

// WithHTTPClient sets the HTTP client used for transfers.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Store) {
		s.client = client
	}
}

// WithProgressSink sets the sink for download progress events.
func WithProgressSink(sink ProgressSink) Option {
	return func(s *Store) {
		s.sink = sink
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithChunkSize sets the streaming chunk size.
func WithChunkSize(n int) Option {
	return func(s *Store) {
		s.chunkSize = n
	}
}

// WithSizeEstimate sets the fallback size estimate for the space check.
func WithSizeEstimate(n int64) Option {
	return func(s *Store) {
		s.sizeEstimate = n
	}
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string, reg *registry.Registry, acct *space.Accountant, engine *evict.Engine, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating object directory: %w", err)
	}
	s := &Store{
		dir:          dir,
		reg:          reg,
		acct:         acct,
		engine:       engine,
		client:       http.DefaultClient,
		logger:       slog.Default(),
		chunkSize:    defaultChunkSize,
		sizeEstimate: DefaultSizeEstimate,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the managed directory.
func (s *Store) Dir() string {
	return s.dir
}

// Fetch downloads sourceURL into the cache as filename and returns the
// cached path. A file already tracked in the registry is returned without
// a network call. Space is reserved before the transfer, evicting if
// necessary; on transfer failure one simplified request variant (query
// string stripped) is attempted before the failure is final.
//
// Concurrent calls for the same filename are not de-duplicated: each
// caller that misses the cache fetches independently, and the eventual
// registry write for the path is idempotent.
func (s *Store) Fetch(ctx context.Context, sourceURL, filename string) (string, error) {
	path := filepath.Join(s.dir, filename)

	if _, tracked := s.reg.Get(path); tracked {
		if _, err := os.Stat(path); err == nil {
			s.reg.Touch(path)
			if err := s.reg.Save(); err != nil {
				s.logger.Warn("failed to persist registry after touch", "error", err)
			}
			s.logger.Debug("cache hit", "path", path)
			return path, nil
		}
	}

	required := s.estimateSize(ctx, sourceURL)
	if err := s.engine.EnsureRoom(ctx, s.acct, required); err != nil {
		return "", err
	}

	job := &Job{
		ID:         uuid.NewString(),
		Filename:   filename,
		BytesTotal: -1,
		Status:     StatusPending,
	}
	start := time.Now()

	size, hash, err := s.download(ctx, sourceURL, path, job)
	if err != nil {
		if simplified := stripQuery(sourceURL); simplified != sourceURL {
			s.logger.Warn("download failed, retrying with simplified request",
				"filename", filename,
				"error", err,
			)
			size, hash, err = s.download(ctx, simplified, path, job)
		}
	}
	if err != nil {
		job.Status = StatusFailed
		s.publish(ProgressEvent{
			JobID:      job.ID,
			Filename:   filename,
			Percent:    -1,
			BytesDone:  job.BytesDone,
			BytesTotal: job.BytesTotal,
			Status:     StatusFailed,
			Err:        err,
		})
		s.metrics.RecordDownload(ctx, "error", time.Since(start), 0)
		return "", &simcache.DownloadError{Source: sourceURL, Err: err}
	}

	s.reg.Put(&registry.Entry{
		Path:      path,
		Kind:      registry.KindRemoteObject,
		SizeBytes: size,
		Priority:  registry.PriorityNormal,
		Metadata: map[string]any{
			"source_url":        sourceURL,
			"original_filename": filename,
			"content_hash":      hash.String(),
		},
	})
	if err := s.reg.Save(); err != nil {
		s.logger.Warn("failed to persist registry after download", "error", err)
	}

	job.Status = StatusComplete
	s.publish(ProgressEvent{
		JobID:      job.ID,
		Filename:   filename,
		Percent:    100,
		BytesDone:  size,
		BytesTotal: size,
		Status:     StatusComplete,
	})
	s.metrics.RecordDownload(ctx, "success", time.Since(start), size)

	s.logger.Info("download complete",
		"filename", filename,
		"size", size,
		"hash", hash.ShortString(),
		"duration", time.Since(start),
	)
	return path, nil
}

// download performs one transfer attempt into a temp file and atomically
// moves it into place. The temp file is removed on every non-success exit
// path, including cancellation.
func (s *Store) download(ctx context.Context, sourceURL, dest string, job *Job) (int64, simcache.Hash, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return 0, simcache.Hash{}, fmt.Errorf("building request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, simcache.Hash{}, fmt.Errorf("requesting object: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, simcache.Hash{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	job.BytesTotal = resp.ContentLength
	job.BytesDone = 0
	job.Status = StatusDownloading

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return 0, simcache.Hash{}, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	s.publishProgress(job, 0)

	hw := simcache.NewHashingWriter(tmp)
	buf := make([]byte, s.chunkSize)
	lastPercent := 0

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := hw.Write(buf[:n]); err != nil {
				return 0, simcache.Hash{}, fmt.Errorf("writing chunk: %w", err)
			}
			job.BytesDone += int64(n)

			if pct := percent(job.BytesDone, job.BytesTotal); pct >= lastPercent+progressStepPercent {
				// Intermediate events never report 100; the single 100%
				// event is published after the file is in place.
				if pct > 99 {
					pct = 99
				}
				s.publishProgress(job, pct)
				lastPercent = pct
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return 0, simcache.Hash{}, fmt.Errorf("reading object body: %w", readErr)
		}
	}

	if err := tmp.Sync(); err != nil {
		return 0, simcache.Hash{}, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, simcache.Hash{}, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return 0, simcache.Hash{}, fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return hw.BytesWritten(), hw.Sum(), nil
}

// estimateSize probes the remote content length with a HEAD request,
// retrying transient failures, and falls back to a fixed estimate.
func (s *Store) estimateSize(ctx context.Context, sourceURL string) int64 {
	var length int64

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodHead, sourceURL, nil)
			if err != nil {
				return err
			}
			resp, err := s.client.Do(req)
			if err != nil {
				return err
			}
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unexpected status %d", resp.StatusCode)
			}
			length = resp.ContentLength
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil || length <= 0 {
		s.logger.Debug("size probe failed, using default estimate",
			"url", sourceURL,
			"estimate", s.sizeEstimate,
		)
		return s.sizeEstimate
	}
	return length
}

func (s *Store) publishProgress(job *Job, pct int) {
	s.publish(ProgressEvent{
		JobID:      job.ID,
		Filename:   job.Filename,
		Percent:    pct,
		BytesDone:  job.BytesDone,
		BytesTotal: job.BytesTotal,
		Status:     StatusDownloading,
	})
}

func (s *Store) publish(ev ProgressEvent) {
	if s.sink == nil {
		return
	}
	s.sink.Publish(ev)
}

// percent returns transfer progress, or -1 when the total is unknown.
func percent(done, total int64) int {
	if total <= 0 {
		return -1
	}
	return int(done * 100 / total)
}

// stripQuery removes query parameters and fragment from a URL, producing
// the simplified request variant used for the single fallback attempt.
func stripQuery(sourceURL string) string {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return sourceURL
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
