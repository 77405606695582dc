package pipeline

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/fyrsmithlabs/protoflow/internal/pipeline"

// Metrics records stage commits and their failures.
type Metrics struct {
	commitsTotal   metric.Int64Counter
	rejectedTotal  metric.Int64Counter
	commitDuration metric.Float64Histogram

	initialized bool
}

// NewMetrics creates Metrics with meter, or the global meter when nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	m.commitsTotal, err = meter.Int64Counter(
		"protoflow.stage.commits.total",
		metric.WithDescription("Stage commits recorded"),
		metric.WithUnit("{commit}"),
	)
	if err != nil {
		return nil, err
	}

	m.rejectedTotal, err = meter.Int64Counter(
		"protoflow.stage.rejected.total",
		metric.WithDescription("Stage commits rejected before reaching git"),
		metric.WithUnit("{commit}"),
	)
	if err != nil {
		return nil, err
	}

	m.commitDuration, err = meter.Float64Histogram(
		"protoflow.stage.commit.duration.seconds",
		metric.WithDescription("Wall time of a stage commit including side effects"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

// RecordCommit records a successful stage commit.
func (m *Metrics) RecordCommit(ctx context.Context, st string, seconds float64) {
	if m == nil || !m.initialized {
		return
	}
	attrs := metric.WithAttributes(attribute.String("stage", st))
	m.commitsTotal.Add(ctx, 1, attrs)
	m.commitDuration.Record(ctx, seconds, attrs)
}

// RecordRejected records a commit refused by validation or a side effect.
func (m *Metrics) RecordRejected(ctx context.Context, st, reason string) {
	if m == nil || !m.initialized {
		return
	}
	m.rejectedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", st),
		attribute.String("reason", reason),
	))
}

// Tracer returns the pipeline tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}
