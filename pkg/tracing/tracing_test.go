package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "streamsight", cfg.ServiceName)
	assert.Equal(t, "http://localhost:14268/api/traces", cfg.JaegerURL)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.Equal(t, "dev", cfg.ServiceVersion)
}

func TestInitDisabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestStartSpanWithoutProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test.operation")
	require.NotNil(t, span)
	AddSpanAttributes(ctx, attribute.String("test.key", "test.value"))
	RecordError(ctx, errors.New("ignored"))
	span.End()
}

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestTraceAnalysisPhase(t *testing.T) {
	rec := withRecorder(t)

	ctx, span := TraceAnalysisPhase(context.Background(), "classify", "run-1", SourceKey.String("capture.pcap"))
	RecordError(ctx, errors.New("boom"))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	s := spans[0]
	assert.Equal(t, "analysis.classify", s.Name())
	assert.Contains(t, s.Attributes(), RunIDKey.String("run-1"))
	assert.Contains(t, s.Attributes(), PhaseKey.String("classify"))
	assert.Contains(t, s.Attributes(), SourceKey.String("capture.pcap"))
	assert.Equal(t, codes.Error, s.Status().Code)
}

func TestTraceHTTPRequestAndRepository(t *testing.T) {
	rec := withRecorder(t)

	_, span := TraceHTTPRequest(context.Background(), "GET", "/api/v1/reports")
	span.End()
	_, span = TraceRepositoryOperation(context.Background(), "save", "redis")
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "http.GET", spans[0].Name())
	assert.Equal(t, "repository.save", spans[1].Name())
	assert.Equal(t, trace.SpanKindServer, spans[0].SpanKind())
	assert.Equal(t, trace.SpanKindClient, spans[1].SpanKind())
}
