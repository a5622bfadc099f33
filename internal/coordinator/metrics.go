package coordinator

import (
	"context"
	"time"

	"github.com/loqalabs/genpipe/internal/job"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/loqalabs/genpipe/coordinator"

type metrics struct {
	tracer     trace.Tracer
	submits    metric.Int64Counter
	settles    metric.Int64Counter
	attempts   metric.Int64Counter
	settleTime metric.Float64Histogram
}

// newMetrics binds instruments from the global providers. Instruments that fail
// to register stay nil and are skipped.
func newMetrics() *metrics {
	meter := otel.Meter(instrumentation)
	m := &metrics{tracer: otel.Tracer(instrumentation)}
	m.submits, _ = meter.Int64Counter("genpipe.jobs.submitted",
		metric.WithDescription("Jobs accepted for dispatch"))
	m.settles, _ = meter.Int64Counter("genpipe.jobs.settled",
		metric.WithDescription("Jobs that reached a terminal status"))
	m.attempts, _ = meter.Int64Counter("genpipe.jobs.attempts",
		metric.WithDescription("Provider attempts started"))
	m.settleTime, _ = meter.Float64Histogram("genpipe.jobs.settle_duration",
		metric.WithDescription("Time from submission to terminal status"),
		metric.WithUnit("s"))
	return m
}

func (m *metrics) submitted(ctx context.Context, kind job.Kind) {
	if m.submits != nil {
		m.submits.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	}
}

func (m *metrics) attempt(ctx context.Context, kind job.Kind) {
	if m.attempts != nil {
		m.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	}
}

func (m *metrics) settled(ctx context.Context, kind job.Kind, status job.Status, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("status", string(status)),
	)
	if m.settles != nil {
		m.settles.Add(ctx, 1, attrs)
	}
	if m.settleTime != nil {
		m.settleTime.Record(ctx, elapsed.Seconds(), attrs)
	}
}
