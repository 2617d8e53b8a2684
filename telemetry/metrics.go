// Package telemetry provides OpenTelemetry metrics for the simulation cache.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/simcache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	downloadsTotal      metric.Int64Counter
	downloadBytesTotal  metric.Int64Counter
	downloadDuration    metric.Float64Histogram
	simulationOpsTotal  metric.Int64Counter
	cleanupRunsTotal    metric.Int64Counter
	cleanupDuration     metric.Float64Histogram
	entriesEvictedTotal metric.Int64Counter
	bytesReclaimedTotal metric.Int64Counter
	usageBytes          metric.Int64Gauge
	entriesTracked      metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "simcache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// With no exporters configured, still collect via a no-op reader.
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := NewMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// NewMetrics creates the cache metric instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	downloadsTotal, err := meter.Int64Counter(
		"simcache_downloads_total",
		metric.WithDescription("Total number of remote object downloads"),
		metric.WithUnit("{download}"),
	)
	if err != nil {
		return nil, err
	}

	downloadBytesTotal, err := meter.Int64Counter(
		"simcache_download_bytes_total",
		metric.WithDescription("Total bytes downloaded from remote sources"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	downloadDuration, err := meter.Float64Histogram(
		"simcache_download_duration_seconds",
		metric.WithDescription("Duration of remote object downloads"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60, 120),
	)
	if err != nil {
		return nil, err
	}

	simulationOpsTotal, err := meter.Int64Counter(
		"simcache_simulation_ops_total",
		metric.WithDescription("Simulation cache operations by op and result"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	cleanupRunsTotal, err := meter.Int64Counter(
		"simcache_cleanup_runs_total",
		metric.WithDescription("Total number of cleanup passes"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	cleanupDuration, err := meter.Float64Histogram(
		"simcache_cleanup_duration_seconds",
		metric.WithDescription("Duration of cleanup passes"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	entriesEvictedTotal, err := meter.Int64Counter(
		"simcache_entries_evicted_total",
		metric.WithDescription("Total cache entries removed by cleanup"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	bytesReclaimedTotal, err := meter.Int64Counter(
		"simcache_bytes_reclaimed_total",
		metric.WithDescription("Total bytes reclaimed by cleanup"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	usageBytes, err := meter.Int64Gauge(
		"simcache_usage_bytes",
		metric.WithDescription("Current cache disk usage"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	entriesTracked, err := meter.Int64Gauge(
		"simcache_entries_tracked",
		metric.WithDescription("Current number of registry entries"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		downloadsTotal:      downloadsTotal,
		downloadBytesTotal:  downloadBytesTotal,
		downloadDuration:    downloadDuration,
		simulationOpsTotal:  simulationOpsTotal,
		cleanupRunsTotal:    cleanupRunsTotal,
		cleanupDuration:     cleanupDuration,
		entriesEvictedTotal: entriesEvictedTotal,
		bytesReclaimedTotal: bytesReclaimedTotal,
		usageBytes:          usageBytes,
		entriesTracked:      entriesTracked,
	}, nil
}

func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil || globalMetrics.meterProvider == nil {
		return nil
	}
	return globalMetrics.meterProvider.Shutdown(ctx)
}

// Global returns the globally initialised metrics, or nil before InitMetrics.
func Global() *Metrics {
	return globalMetrics
}

// RecordDownload records one remote object download attempt.
func (m *Metrics) RecordDownload(ctx context.Context, outcome string, duration time.Duration, bytes int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.downloadsTotal.Add(ctx, 1, attrs)
	m.downloadDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		m.downloadBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordSimulationOp records a simulation cache operation (op: put/get,
// result: hit/miss/stored/version_mismatch/error).
func (m *Metrics) RecordSimulationOp(ctx context.Context, op, result string) {
	if m == nil {
		return
	}
	m.simulationOpsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("result", result),
	))
}

// RecordCleanup records the outcome of one cleanup pass.
func (m *Metrics) RecordCleanup(ctx context.Context, forced bool, removed int, bytesReclaimed int64, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("forced", forced))
	m.cleanupRunsTotal.Add(ctx, 1, attrs)
	m.cleanupDuration.Record(ctx, duration.Seconds(), attrs)
	m.entriesEvictedTotal.Add(ctx, int64(removed), attrs)
	if bytesReclaimed > 0 {
		m.bytesReclaimedTotal.Add(ctx, bytesReclaimed, attrs)
	}
}

// RecordUsage updates the usage gauges.
func (m *Metrics) RecordUsage(ctx context.Context, usageBytes int64, entries int) {
	if m == nil {
		return
	}
	m.usageBytes.Record(ctx, usageBytes)
	m.entriesTracked.Record(ctx, int64(entries))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
