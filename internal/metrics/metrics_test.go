package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func setup(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewWithProvider(provider)
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestRecordIngestion(t *testing.T) {
	m, reader := setup(t)
	ctx := context.Background()

	m.RecordIngestion(ctx, "repository", true, 1.5)
	m.RecordIngestion(ctx, "repository", false, 0.2)

	got := collect(t, reader)
	require.Contains(t, got, "geoingest.ingestions")
	require.Contains(t, got, "geoingest.ingestion.duration")

	sum := got["geoingest.ingestions"].Data.(metricdata.Sum[int64])
	require.Len(t, sum.DataPoints, 2)
	for _, dp := range sum.DataPoints {
		status, ok := dp.Attributes.Value(attribute.Key("status"))
		require.True(t, ok)
		assert.Contains(t, []string{"success", "failure"}, status.AsString())
		assert.Equal(t, int64(1), dp.Value)
	}
}

func TestRecordPublication_ErrorType(t *testing.T) {
	m, reader := setup(t)
	m.RecordPublication(context.Background(), "geotiff", "failure", "publication_failure")

	sum := collect(t, reader)["geoingest.publications"].Data.(metricdata.Sum[int64])
	require.Len(t, sum.DataPoints, 1)
	v, ok := sum.DataPoints[0].Attributes.Value(attribute.Key("error.type"))
	require.True(t, ok)
	assert.Equal(t, "publication_failure", v.AsString())
}

func TestRecordCacheSize(t *testing.T) {
	m, reader := setup(t)
	m.RecordCacheSize(context.Background(), 7)
	m.RecordCacheLookup(context.Background(), "hit")

	got := collect(t, reader)
	gauge := got["geoingest.cache.records"].Data.(metricdata.Gauge[int64])
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(7), gauge.DataPoints[0].Value)
	assert.Contains(t, got, "geoingest.cache.lookups")
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordIngestion(ctx, "upload", true, 1)
		m.RecordUnit(ctx, "vector", "published")
		m.RecordCacheLookup(ctx, "miss")
		m.RecordCacheSize(ctx, 1)
		m.RecordCRSRepair(ctx, "raster", "fallback")
		m.RecordPublication(ctx, "geotiff", "success", "")
		m.RecordNotification(ctx, "timestamp")
	})
}
