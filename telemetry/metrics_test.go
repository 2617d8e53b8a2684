package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp.Meter("test"))
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestRecordDownload(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDownload(ctx, "success", 2*time.Second, 1024)
	m.RecordDownload(ctx, "error", time.Second, 0)

	metrics := collect(t, reader)
	require.Contains(t, metrics, "simcache_downloads_total")
	require.Contains(t, metrics, "simcache_download_bytes_total")
	require.Contains(t, metrics, "simcache_download_duration_seconds")
}

func TestRecordCleanup(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordCleanup(context.Background(), true, 3, 4096, 50*time.Millisecond)

	metrics := collect(t, reader)
	sum, ok := metrics["simcache_bytes_reclaimed_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	require.Equal(t, int64(4096), sum.DataPoints[0].Value)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics

	// Recording on a nil receiver must be a no-op, not a panic; components
	// treat metrics as optional.
	m.RecordDownload(context.Background(), "success", time.Second, 10)
	m.RecordSimulationOp(context.Background(), "get", "hit")
	m.RecordCleanup(context.Background(), false, 0, 0, 0)
	m.RecordUsage(context.Background(), 0, 0)
}
