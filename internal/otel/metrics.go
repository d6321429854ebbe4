package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the gate's instruments.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	ApprovalsIssued   metric.Int64Counter
	ApprovalsDenied   metric.Int64Counter
	StepDuration      metric.Float64Histogram
	StepErrors        metric.Int64Counter
	FailuresRecorded  metric.Int64Counter
	MemoryTransitions metric.Int64Counter
	ConfidenceUpdates metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("gatekeep.request.duration",
		metric.WithDescription("Request pipeline duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsIssued, err = meter.Int64Counter("gatekeep.approval.issued",
		metric.WithDescription("Approvals granted"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsDenied, err = meter.Int64Counter("gatekeep.approval.denied",
		metric.WithDescription("Approvals refused by policy"),
	)
	if err != nil {
		return nil, err
	}

	m.StepDuration, err = meter.Float64Histogram("gatekeep.step.duration",
		metric.WithDescription("Plan step duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StepErrors, err = meter.Int64Counter("gatekeep.step.errors",
		metric.WithDescription("Plan steps that ended in error"),
	)
	if err != nil {
		return nil, err
	}

	m.FailuresRecorded, err = meter.Int64Counter("gatekeep.failure.recorded",
		metric.WithDescription("Failure ledger appends"),
	)
	if err != nil {
		return nil, err
	}

	m.MemoryTransitions, err = meter.Int64Counter("gatekeep.memory.transitions",
		metric.WithDescription("Memory proposal state transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.ConfidenceUpdates, err = meter.Int64Counter("gatekeep.confidence.updates",
		metric.WithDescription("Confidence score writes"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments backed by a no-op meter.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

// Count adds one to c if the receiver is non-nil.
func (m *Metrics) Count(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil || c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// Observe records seconds on h if the receiver is non-nil.
func (m *Metrics) Observe(ctx context.Context, h metric.Float64Histogram, seconds float64, attrs ...attribute.KeyValue) {
	if m == nil || h == nil {
		return
	}
	h.Record(ctx, seconds, metric.WithAttributes(attrs...))
}
