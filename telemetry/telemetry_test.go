package telemetry

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledTelemetryIsNoop(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	metrics, err := NewCoordinatorMetrics(tel.Meter)
	require.NoError(t, err)
	metrics.Transactions.Add(context.Background(), 1)
}

func TestEnabledTelemetry(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "twopc-test"})
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, shutdown(context.Background()))
	}()

	_, err = NewParticipantMetrics(tel.Meter)
	require.NoError(t, err)

	_, span := tel.Tracer.Start(context.Background(), "test")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
}

func TestNewFailsWhenMetricsPortTaken(t *testing.T) {
	taken, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer taken.Close()

	port := taken.Addr().(*net.TCPAddr).Port

	_, _, err = New(Config{Enabled: true, ServiceName: "twopc-test", MetricsPort: port})
	assert.ErrorContains(t, err, "failed to listen for metrics")
}
