package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/yairfalse/geoingest/internal/config"
)

func disabledOTEL() config.OTELConfig {
	return config.OTELConfig{
		ServiceName: "test-geoingest",
		Traces:      config.TracesConfig{Enabled: false},
		Metrics:     config.MetricsConfig{Enabled: false},
	}
}

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(context.Background(), disabledOTEL())
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())
	assert.NotNil(t, p.Registry())

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_WithEndpoint(t *testing.T) {
	cfg := config.OTELConfig{
		Endpoint:    "localhost:4317",
		Insecure:    true,
		ServiceName: "test-geoingest",
		Traces:      config.TracesConfig{Enabled: true, SampleRate: 1.0},
		Metrics:     config.MetricsConfig{Enabled: true},
	}

	p, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, p)

	// No collector is running; only check shutdown returns.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = p.Shutdown(ctx)
}

func TestProvider_MetricsReachRegistry(t *testing.T) {
	p, err := NewProvider(context.Background(), disabledOTEL())
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	counter, err := p.Meter().Int64Counter("geoingest_test_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	families, err := p.Registry().Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "geoingest_test_total")
}

func TestProvider_StartSpan(t *testing.T) {
	p, err := NewProvider(context.Background(), disabledOTEL())
	require.NoError(t, err)

	ctx, span := p.StartSpan(context.Background(), "ingest")
	require.NotNil(t, ctx)
	require.NotNil(t, span)

	span.End()
	_ = p.Shutdown(context.Background())
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}
	return out
}

func TestOTELHook_AddsTraceIDs(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	logger := NewLoggerWithWriter("test", &buf)
	logger.WithContext(ctx).Info().Msg("hello")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, span.SpanContext().TraceID().String(), lines[0]["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), lines[0]["span_id"])
	assert.Equal(t, "test", lines[0]["component"])
}

func TestOTELHook_NoSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("test", &buf)
	logger.WithContext(context.Background()).Info().Msg("hello")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.NotContains(t, lines[0], "trace_id")
}

func TestLogger_StageEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("orchestrator", &buf)
	ctx := context.Background()

	logger.LogStageStart(ctx, "extract", attribute.String("res_id", "abc"), attribute.Int64("files", 4))
	logger.LogStageEnd(ctx, "extract", time.Now(), errors.New("boom"))
	logger.LogCRSFallback(ctx, "/tmp/a.tif", 3857, "no coordinate system")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 3)
	assert.Equal(t, "abc", lines[0]["res_id"])
	assert.Equal(t, float64(4), lines[0]["files"])
	assert.Equal(t, "stage failed", lines[1]["message"])
	assert.Equal(t, "boom", lines[1]["error"])
	assert.Equal(t, float64(3857), lines[2]["epsg"])
}

func TestSetOutput(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	NewLogger("x").Info().Msg("routed")
	assert.Contains(t, buf.String(), "routed")
}
