// Package observability records scheduler lifecycle metrics through
// OpenTelemetry. With no MeterProvider configured the instruments are noops,
// and a nil *Metrics is accepted everywhere, so instrumented code never has
// to guard its calls.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for structures-manager metrics.
const meterName = "github.com/Lucasrsv1/structures-manager"

// Metrics holds the scheduler's counters. Instruments are created once at
// construction and are safe for concurrent use.
type Metrics struct {
	registered      metric.Int64Counter
	expired         metric.Int64Counter
	claims          metric.Int64Counter
	claimed         metric.Int64Counter
	inconsistencies metric.Int64Counter
	results         metric.Int64Counter
	minimumLowered  metric.Int64Counter
}

// NewMetrics creates a Metrics using the global OTel MeterProvider.
func NewMetrics() *Metrics {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates a Metrics from the given meter. On instrument
// creation errors the OTel API returns noop instruments, so the recorder
// degrades gracefully.
func NewMetricsWithMeter(meter metric.Meter) *Metrics {
	m := &Metrics{}

	m.registered, _ = meter.Int64Counter(
		"structures.processor.registered",
		metric.WithDescription("Processors registered"),
		metric.WithUnit("{processor}"),
	)
	m.expired, _ = meter.Int64Counter(
		"structures.processor.expired",
		metric.WithDescription("Processor records garbage-collected for silence"),
		metric.WithUnit("{processor}"),
	)
	m.claims, _ = meter.Int64Counter(
		"structures.claims",
		metric.WithDescription("Claim requests served"),
		metric.WithUnit("{claim}"),
	)
	m.claimed, _ = meter.Int64Counter(
		"structures.claimed",
		metric.WithDescription("Structure files handed out to processors"),
		metric.WithUnit("{file}"),
	)
	m.inconsistencies, _ = meter.Int64Counter(
		"structures.claim_inconsistencies",
		metric.WithDescription("Claims failed by a concurrent-claim race"),
		metric.WithUnit("{claim}"),
	)
	m.results, _ = meter.Int64Counter(
		"structures.results",
		metric.WithDescription("Results recorded"),
		metric.WithUnit("{result}"),
	)
	m.minimumLowered, _ = meter.Int64Counter(
		"structures.minimum_lowered",
		metric.WithDescription("Global minimum improvements"),
		metric.WithUnit("{update}"),
	)

	return m
}

// ProcessorRegistered counts a successful registration.
func (m *Metrics) ProcessorRegistered(ctx context.Context) {
	if m == nil {
		return
	}
	m.registered.Add(ctx, 1)
}

// ProcessorExpired counts a garbage-collected processor record.
func (m *Metrics) ProcessorExpired(ctx context.Context) {
	if m == nil {
		return
	}
	m.expired.Add(ctx, 1)
}

// ClaimServed counts one claim request and the files it handed out, tagged
// with the requested mode.
func (m *Metrics) ClaimServed(ctx context.Context, mode string, files int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("mode", mode))
	m.claims.Add(ctx, 1, attrs)
	m.claimed.Add(ctx, int64(files), attrs)
}

// ClaimInconsistent counts a claim lost to a concurrent-claim race.
func (m *Metrics) ClaimInconsistent(ctx context.Context) {
	if m == nil {
		return
	}
	m.inconsistencies.Add(ctx, 1)
}

// ResultSaved counts one recorded result; isNewMinimum tags improvements and
// increments the minimum counter.
func (m *Metrics) ResultSaved(ctx context.Context, isNewMinimum bool) {
	if m == nil {
		return
	}
	m.results.Add(ctx, 1, metric.WithAttributes(attribute.Bool("new_minimum", isNewMinimum)))
	if isNewMinimum {
		m.minimumLowered.Add(ctx, 1)
	}
}
