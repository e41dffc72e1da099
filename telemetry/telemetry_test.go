package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/AP3X-Dev/AG3NT/agentloop"
	"github.com/AP3X-Dev/AG3NT/logging"
)

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Enabled = true
	require.NoError(t, cfg.Validate())

	cfg.Endpoint = ""
	cfg.SampleRate = 2
	cfg.ExportInterval = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")
	assert.Contains(t, err.Error(), "sample_rate")
	assert.Contains(t, err.Error(), "export_interval")

	_, err = Setup(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "invalid telemetry config")
}

func TestSetup_Disabled(t *testing.T) {
	tel, err := Setup(context.Background(), DefaultConfig(), nil)
	require.NoError(t, err)
	assert.False(t, tel.Degraded())
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestSetup_EnabledTracesOnly(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = "http://127.0.0.1:4318"
	cfg.MetricsEnabled = false
	tl := logging.NewTestLogger()

	tel, err := Setup(context.Background(), cfg, tl.Logger)
	require.NoError(t, err)
	assert.False(t, tel.Degraded())
	assert.Same(t, tel.tracerProvider, otel.GetTracerProvider())
	assert.Nil(t, tel.meterProvider)
	require.Len(t, tl.FilterMessage("telemetry enabled").All(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, tel.Shutdown(ctx))
}

func TestNilTelemetry(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.False(t, tel.Degraded())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("collector:4318"))
}

func TestTestTelemetry_AgentloopInstruments(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	metrics, err := agentloop.NewMetrics(tt.Meter(agentloop.InstrumentationName))
	require.NoError(t, err)
	metrics.RecordTurn(ctx, 0)
	metrics.RecordTurn(ctx, 1)
	metrics.RecordToolCall(ctx, "search", agentloop.OutcomeCompleted, 10*time.Millisecond)

	turns, ok, err := tt.Counter(ctx, "agentloop.turns.total")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), turns)

	_, ok, err = tt.Counter(ctx, "agentloop.unknown")
	require.NoError(t, err)
	assert.False(t, ok)

	_, span := tt.Tracer(agentloop.InstrumentationName).Start(ctx, "agentloop.run")
	span.End()
	assert.Equal(t, []string{"agentloop.run"}, tt.SpanNames())
}
