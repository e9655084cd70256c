package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setup(t *testing.T) (*Metrics, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewMetricsWithProviders(tp, mp)
	require.NoError(t, err)
	return m, sr, reader
}

func sumOf(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != name {
				continue
			}
			if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestMetrics_AttemptSpans(t *testing.T) {
	m, sr, reader := setup(t)
	ctx := context.Background()
	attrs := AttemptAttrs{Provider: "a", Vendor: "openai", Model: "gpt-4o", UseCase: "general"}

	actx, span := m.StartAttempt(ctx, attrs)
	assert.True(t, span.SpanContext().IsValid())
	m.EndAttempt(actx, span, attrs, AttemptResult{Success: true, Tokens: 120, Cost: 0.01, Duration: 40 * time.Millisecond})

	attrs.Provider = "b"
	actx, span = m.StartAttempt(ctx, attrs)
	m.EndAttempt(actx, span, attrs, AttemptResult{FailureKind: "timeout", Message: "deadline", Duration: time.Second})

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "router.attempt", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "deadline", spans[1].Status().Description)

	assert.Equal(t, int64(2), sumOf(t, reader, "llm.router.attempt.total"))
	assert.Equal(t, int64(1), sumOf(t, reader, "llm.router.failure.total"))
	assert.Equal(t, int64(120), sumOf(t, reader, "llm.router.token.total"))
	assert.Equal(t, int64(0), sumOf(t, reader, "llm.router.attempt.active"))
}

func TestMetrics_SkipAndFallback(t *testing.T) {
	m, _, reader := setup(t)
	ctx, span := m.StartDispatch(context.Background(), "complex", false)
	m.RecordSkip(ctx, "a", "complex")
	m.RecordFallback(ctx, "complex", true)
	span.End()

	assert.Equal(t, int64(1), sumOf(t, reader, "llm.router.skip.total"))
	assert.Equal(t, int64(1), sumOf(t, reader, "llm.router.fallback.total"))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		actx, span := m.StartAttempt(ctx, AttemptAttrs{Provider: "a"})
		m.EndAttempt(actx, span, AttemptAttrs{}, AttemptResult{})
		m.RecordSkip(ctx, "a", "general")
		m.RecordFallback(ctx, "general", false)
		_, span = m.StartDispatch(ctx, "general", true)
		span.End()
	})
}
