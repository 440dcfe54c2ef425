package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"go-workflow-status/internal/domain/workflow"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FetchDone(context.Background(), OutcomeOK)
		m.UpdateRecorded(context.Background(), workflow.StatusUpdate{Terminal: true})
		m.StateChanged(context.Background(), "connected")
	})
}

func TestMetricsOnProvider(t *testing.T) {
	m, err := NewMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		m.FetchDone(context.Background(), OutcomeError)
		m.UpdateRecorded(context.Background(), workflow.StatusUpdate{
			State:    workflow.StateCompleted,
			Source:   workflow.SourcePush,
			Terminal: true,
		})
	})
	assert.NotNil(t, Global())
}

func TestStartFetch(t *testing.T) {
	ctx, end := StartFetch(context.Background(), tracenoop.NewTracerProvider().Tracer("test"), "job-1")
	require.NotNil(t, ctx)
	assert.NotPanics(t, func() { end(errors.New("boom")) })

	_, end = StartFetch(context.Background(), Tracer(), "job-2")
	assert.NotPanics(t, func() { end(nil) })
}
