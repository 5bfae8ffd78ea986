package daemon

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DaemonMetrics holds housekeeping metrics using OTEL semantic conventions.
// A nil *DaemonMetrics records nothing.
type DaemonMetrics struct {
	sweeps        metric.Int64Counter
	sweepDuration metric.Float64Histogram
	removed       metric.Int64Counter
}

// NewDaemonMetrics creates daemon metrics on the given meter provider
func NewDaemonMetrics(mp metric.MeterProvider) (*DaemonMetrics, error) {
	meter := mp.Meter("geoingest.daemon")

	sweeps, err := meter.Int64Counter(
		"geoingest.daemon.sweeps",
		metric.WithDescription("Number of housekeeping passes"),
		metric.WithUnit("{sweep}"),
	)
	if err != nil {
		return nil, err
	}

	sweepDuration, err := meter.Float64Histogram(
		"geoingest.daemon.sweep.duration",
		metric.WithDescription("Duration of housekeeping passes"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	removed, err := meter.Int64Counter(
		"geoingest.daemon.removed",
		metric.WithDescription("Number of expired items removed by housekeeping"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		sweeps:        sweeps,
		sweepDuration: sweepDuration,
		removed:       removed,
	}, nil
}

// RecordSweep records a housekeeping pass with status
func (m *DaemonMetrics) RecordSweep(ctx context.Context, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.sweeps.Add(ctx, 1, attrs)
	m.sweepDuration.Record(ctx, durationSeconds, attrs)
}

// RecordRemoved records expired items of one kind
func (m *DaemonMetrics) RecordRemoved(ctx context.Context, kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.removed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("item.kind", kind)))
}
