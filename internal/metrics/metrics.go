// Package metrics defines the ingestion pipeline instruments.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "geoingest.pipeline"

// Metrics holds pipeline metrics using OTEL semantic conventions.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ingestions        metric.Int64Counter
	ingestionDuration metric.Float64Histogram
	units             metric.Int64Counter
	cacheLookups      metric.Int64Counter
	cacheRecords      metric.Int64Gauge
	crsRepairs        metric.Int64Counter
	publications      metric.Int64Counter
	notifications     metric.Int64Counter
}

// New creates metrics on the global meter provider.
func New() (*Metrics, error) {
	return NewWithProvider(otel.GetMeterProvider())
}

// NewWithProvider creates metrics on the given meter provider.
func NewWithProvider(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.ingestions, err = meter.Int64Counter(
		"geoingest.ingestions",
		metric.WithDescription("Number of ingestion requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.ingestionDuration, err = meter.Float64Histogram(
		"geoingest.ingestion.duration",
		metric.WithDescription("Duration of ingestion requests"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.units, err = meter.Int64Counter(
		"geoingest.units",
		metric.WithDescription("Number of processing units by outcome"),
		metric.WithUnit("{unit}"),
	); err != nil {
		return nil, err
	}

	if m.cacheLookups, err = meter.Int64Counter(
		"geoingest.cache.lookups",
		metric.WithDescription("Layer cache lookups by verdict"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}

	if m.cacheRecords, err = meter.Int64Gauge(
		"geoingest.cache.records",
		metric.WithDescription("Layer records held in the cache"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}

	if m.crsRepairs, err = meter.Int64Counter(
		"geoingest.crs.repairs",
		metric.WithDescription("Coordinate system repairs by outcome"),
		metric.WithUnit("{repair}"),
	); err != nil {
		return nil, err
	}

	if m.publications, err = meter.Int64Counter(
		"geoingest.publications",
		metric.WithDescription("Layer publications by encoding"),
		metric.WithUnit("{publication}"),
	); err != nil {
		return nil, err
	}

	if m.notifications, err = meter.Int64Counter(
		"geoingest.operator.notifications",
		metric.WithDescription("Operator alerts raised"),
		metric.WithUnit("{notification}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordIngestion records a finished ingestion request.
func (m *Metrics) RecordIngestion(ctx context.Context, source string, success bool, seconds float64) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("status", status),
	)
	m.ingestions.Add(ctx, 1, attrs)
	m.ingestionDuration.Record(ctx, seconds, attrs)
}

// RecordUnit records one processing unit outcome.
func (m *Metrics) RecordUnit(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.units.Add(ctx, 1, metric.WithAttributes(
		attribute.String("unit.kind", kind),
		attribute.String("outcome", outcome),
	))
}

// RecordCacheLookup records a cache verdict (hit, miss, stale).
func (m *Metrics) RecordCacheLookup(ctx context.Context, verdict string) {
	if m == nil {
		return
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", verdict)))
}

// RecordCacheSize records the number of cached layer records.
func (m *Metrics) RecordCacheSize(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.cacheRecords.Record(ctx, n)
}

// RecordCRSRepair records a CRS repair outcome.
func (m *Metrics) RecordCRSRepair(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.crsRepairs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("unit.kind", kind),
		attribute.String("outcome", outcome),
	))
}

// RecordPublication records a publication attempt.
func (m *Metrics) RecordPublication(ctx context.Context, encoding, status, errorType string) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("encoding", encoding),
		attribute.String("status", status),
	}
	if errorType != "" {
		attrs = append(attrs, attribute.String("error.type", errorType))
	}
	m.publications.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordNotification records an operator alert.
func (m *Metrics) RecordNotification(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
