package util

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInitLoggerLevel(t *testing.T) {
	t.Cleanup(func() { SetLogger(zap.NewNop()) })

	require.NoError(t, InitLogger("production", "warn"))
	assert.False(t, GetLogger().Core().Enabled(zapcore.InfoLevel))
	assert.True(t, GetLogger().Core().Enabled(zapcore.WarnLevel))

	require.NoError(t, InitLogger("development", ""))
	assert.True(t, GetLogger().Core().Enabled(zapcore.DebugLevel))

	assert.Error(t, InitLogger("development", "chatty"))
}

func TestSpanError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := tracer
	tracer = tp.Tracer(ServiceName)
	t.Cleanup(func() { tracer = prev })

	_, span := StartSpan(context.Background(), "Reconciler.Reconcile")
	SpanError(span, nil)
	span.End()

	_, span = StartSpan(context.Background(), "Reconciler.Reconcile")
	SpanError(span, errors.New("gateway timeout"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "gateway timeout", spans[1].Status().Description)
}

func TestInitTracerWithoutEndpoint(t *testing.T) {
	tp, err := InitTracer(ServiceName, "", 0.5)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := StartSpan(context.Background(), "noop")
	span.End()
}

func TestWebhookCounter(t *testing.T) {
	before := testutil.ToFloat64(WebhooksReceivedTotal.WithLabelValues("queued"))
	WebhooksReceivedTotal.WithLabelValues("queued").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(WebhooksReceivedTotal.WithLabelValues("queued")))
}
