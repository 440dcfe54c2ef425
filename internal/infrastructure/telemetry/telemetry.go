// Package telemetry records relay metrics and fetch spans through the
// OpenTelemetry API. Without a configured provider every call is a no-op.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"go-workflow-status/internal/domain/workflow"
)

const instrumentationName = "go-workflow-status"

// Fetch outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics holds the relay instruments. A nil *Metrics records nothing.
type Metrics struct {
	fetches    metric.Int64Counter
	updates    metric.Int64Counter
	terminals  metric.Int64Counter
	stateMoves metric.Int64Counter
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(instrumentationName)

	fetches, err := meter.Int64Counter("relay.poll.fetches",
		metric.WithDescription("status fetches issued by poll tasks"))
	if err != nil {
		return nil, err
	}
	updates, err := meter.Int64Counter("relay.updates",
		metric.WithDescription("status updates recorded by observations"))
	if err != nil {
		return nil, err
	}
	terminals, err := meter.Int64Counter("relay.terminals",
		metric.WithDescription("observations that reached a terminal state"))
	if err != nil {
		return nil, err
	}
	stateMoves, err := meter.Int64Counter("relay.connection.states",
		metric.WithDescription("backend connection state transitions"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		fetches:    fetches,
		updates:    updates,
		terminals:  terminals,
		stateMoves: stateMoves,
	}, nil
}

// Global returns metrics bound to the global meter provider, or nil if the
// instruments cannot be created.
func Global() *Metrics {
	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil
	}
	return m
}

func (m *Metrics) FetchDone(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.fetches.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) UpdateRecorded(ctx context.Context, u workflow.StatusUpdate) {
	if m == nil {
		return
	}
	m.updates.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", string(u.Source)),
		attribute.String("state", string(u.State)),
	))
	if u.Terminal {
		m.terminals.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(u.State))))
	}
}

func (m *Metrics) StateChanged(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.stateMoves.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// Tracer returns the tracer used for outbound calls.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartFetch opens a client span for one status fetch. end records err on
// the span and closes it.
func StartFetch(ctx context.Context, tracer trace.Tracer, jobID string) (context.Context, func(err error)) {
	ctx, span := tracer.Start(ctx, "poller.fetch_status",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("job.id", jobID)),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
