package batcher

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/researchspace/researchspace-sub019/internal/infra/telemetry"
)

type batcherMetrics struct {
	name string

	queries       metric.Int64Counter
	fetches       metric.Int64Counter
	fetchErrors   metric.Int64Counter
	batchSize     metric.Int64Histogram
	fetchDuration metric.Float64Histogram
	waiters       metric.Int64UpDownCounter
}

func newBatcherMetrics(name string, meter metric.Meter) *batcherMetrics {
	if meter == nil {
		meter = otel.Meter("batcher")
	}
	m := &batcherMetrics{name: name}
	m.queries, _ = meter.Int64Counter("batcher.queries",
		metric.WithDescription("Number of keys enqueued"),
		metric.WithUnit("{query}"))
	m.fetches, _ = meter.Int64Counter("batcher.fetches",
		metric.WithDescription("Number of bulk fetch invocations"),
		metric.WithUnit("{fetch}"))
	m.fetchErrors, _ = meter.Int64Counter("batcher.fetch.errors",
		metric.WithDescription("Number of failed bulk fetches by error type"),
		metric.WithUnit("{error}"))
	m.batchSize, _ = meter.Int64Histogram("batcher.batch.size",
		metric.WithDescription("Distinct keys per fetched window"),
		metric.WithUnit("{key}"))
	m.fetchDuration, _ = meter.Float64Histogram("batcher.fetch.duration",
		metric.WithDescription("Latency of bulk fetch calls"),
		metric.WithUnit("ms"))
	m.waiters, _ = meter.Int64UpDownCounter("batcher.waiters",
		metric.WithDescription("Callers waiting on an open or in-flight window"),
		metric.WithUnit("{waiter}"))
	return m
}

func (m *batcherMetrics) enqueued(ctx context.Context) {
	attrs := metric.WithAttributes(telemetry.ComponentAttributes(telemetry.Environment(), m.name)...)
	if m.queries != nil {
		m.queries.Add(ctx, 1, attrs)
	}
	if m.waiters != nil {
		m.waiters.Add(ctx, 1, attrs)
	}
}

// failed counts a window whose fetch did not complete. errorType is the errs code of the
// cause, or panic/dispatch when the failure did not come from the fetch result.
func (m *batcherMetrics) failed(ctx context.Context, errorType string) {
	if m.fetchErrors == nil {
		return
	}
	m.fetchErrors.Add(ctx, 1, metric.WithAttributes(
		telemetry.ErrorAttributes(telemetry.Environment(), m.name, errorType)...))
}

func (m *batcherMetrics) fetched(ctx context.Context, keys, waiters int, elapsed time.Duration, result string) {
	attrs := metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.Environment(), m.name, "fetch", result)...)
	if m.fetches != nil {
		m.fetches.Add(ctx, 1, attrs)
	}
	if m.batchSize != nil {
		m.batchSize.Record(ctx, int64(keys), attrs)
	}
	if m.fetchDuration != nil {
		m.fetchDuration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
	if m.waiters != nil {
		m.waiters.Add(ctx, -int64(waiters),
			metric.WithAttributes(telemetry.ComponentAttributes(telemetry.Environment(), m.name)...))
	}
}
