package telemetry

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	outputMu sync.RWMutex
	output   io.Writer = os.Stdout
)

// SetOutput changes where new loggers write. The CLI swaps in a
// zerolog.ConsoleWriter in debug mode.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	output = w
}

func currentOutput() io.Writer {
	outputMu.RLock()
	defer outputMu.RUnlock()
	return output
}

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// Logger wraps zerolog with OTEL integration
type Logger struct {
	zerolog.Logger
}

// NewLogger creates a component logger with OTEL hooks
func NewLogger(component string) *Logger {
	return NewLoggerWithWriter(component, currentOutput())
}

// NewLoggerWithWriter creates a component logger writing to w
func NewLoggerWithWriter(component string, w io.Writer) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	logger := zerolog.New(w).
		With().
		Timestamp().
		Str("service", "geoingest").
		Str("component", component).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// WithContext returns a logger with context (for trace propagation)
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// LogStageStart logs the start of a pipeline stage with attributes
func (l *Logger) LogStageStart(ctx context.Context, stage string, attrs ...attribute.KeyValue) {
	event := l.WithContext(ctx).Debug().Str("stage", stage)
	for _, attr := range attrs {
		event = addAttributeToEvent(event, attr)
	}
	event.Msg("stage started")
}

// LogStageEnd logs the end of a pipeline stage
func (l *Logger) LogStageEnd(ctx context.Context, stage string, started time.Time, err error) {
	logger := l.WithContext(ctx)
	ms := float64(time.Since(started).Microseconds()) / 1000

	if err != nil {
		logger.Error().
			Err(err).
			Str("stage", stage).
			Float64("duration_ms", ms).
			Msg("stage failed")
		return
	}
	logger.Debug().
		Str("stage", stage).
		Float64("duration_ms", ms).
		Msg("stage completed")
}

func addAttributeToEvent(event *zerolog.Event, attr attribute.KeyValue) *zerolog.Event {
	key := string(attr.Key)

	switch attr.Value.Type() {
	case attribute.STRING:
		return event.Str(key, attr.Value.AsString())
	case attribute.INT64:
		return event.Int64(key, attr.Value.AsInt64())
	case attribute.FLOAT64:
		return event.Float64(key, attr.Value.AsFloat64())
	case attribute.BOOL:
		return event.Bool(key, attr.Value.AsBool())
	default:
		return event.Str(key, attr.Value.Emit())
	}
}

func (l *Logger) LogCacheHit(ctx context.Context, resID string, records int) {
	l.WithContext(ctx).Info().
		Str("res_id", resID).
		Int("records", records).
		Str("operation", "cache_lookup").
		Msg("serving cached layers")
}

func (l *Logger) LogInvalidation(ctx context.Context, resID, reason string, stores int) {
	l.WithContext(ctx).Info().
		Str("res_id", resID).
		Str("reason", reason).
		Int("stores", stores).
		Str("operation", "invalidate").
		Msg("cache invalidated")
}

func (l *Logger) LogCRSFallback(ctx context.Context, path string, code int, msg string) {
	l.WithContext(ctx).Warn().
		Str("path", path).
		Int("epsg", code).
		Str("reason", msg).
		Str("operation", "crs_repair").
		Msg("falling back to default coordinate system")
}

func (l *Logger) LogUnitFailure(ctx context.Context, resID, file string, err error) {
	l.WithContext(ctx).Warn().
		Err(err).
		Str("res_id", resID).
		Str("file", file).
		Msg("unit failed")
}
