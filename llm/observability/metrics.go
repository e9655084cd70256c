package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/BaSui01/llmrouter/llm/router"

// Metrics 路由尝试的追踪与指标收集器
type Metrics struct {
	tracer trace.Tracer
	meter  metric.Meter
	// 柜台
	attemptTotal  metric.Int64Counter
	failureTotal  metric.Int64Counter
	skipTotal     metric.Int64Counter
	fallbackTotal metric.Int64Counter
	tokenTotal    metric.Int64Counter
	// 直方图
	attemptDuration metric.Float64Histogram
	costPerAttempt  metric.Float64Histogram
	// 进行中的尝试
	activeAttempts metric.Int64UpDownCounter
}

// NewMetrics 使用全局 TracerProvider 与 MeterProvider 创建收集器
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithProviders(otel.GetTracerProvider(), otel.GetMeterProvider())
}

// NewMetricsWithProviders 使用指定的 Provider 创建收集器，便于测试
func NewMetricsWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(instrumentationName)
	m := &Metrics{
		tracer: tp.Tracer(instrumentationName),
		meter:  meter,
	}

	var err error

	m.attemptTotal, err = meter.Int64Counter("llm.router.attempt.total",
		metric.WithDescription("Total number of provider attempts"),
		metric.WithUnit("{attempt}"))
	if err != nil {
		return nil, err
	}

	m.failureTotal, err = meter.Int64Counter("llm.router.failure.total",
		metric.WithDescription("Total number of failed provider attempts by kind"),
		metric.WithUnit("{attempt}"))
	if err != nil {
		return nil, err
	}

	m.skipTotal, err = meter.Int64Counter("llm.router.skip.total",
		metric.WithDescription("Candidates skipped because they were unhealthy"),
		metric.WithUnit("{candidate}"))
	if err != nil {
		return nil, err
	}

	m.fallbackTotal, err = meter.Int64Counter("llm.router.fallback.total",
		metric.WithDescription("Total number of direct fallbacks invoked"),
		metric.WithUnit("{fallback}"))
	if err != nil {
		return nil, err
	}

	m.tokenTotal, err = meter.Int64Counter("llm.router.token.total",
		metric.WithDescription("Tokens consumed by successful attempts"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	m.attemptDuration, err = meter.Float64Histogram("llm.router.attempt.duration",
		metric.WithDescription("Attempt duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60))
	if err != nil {
		return nil, err
	}

	m.costPerAttempt, err = meter.Float64Histogram("llm.router.attempt.cost",
		metric.WithDescription("Cost per successful attempt in USD"),
		metric.WithUnit("USD"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5))
	if err != nil {
		return nil, err
	}

	m.activeAttempts, err = meter.Int64UpDownCounter("llm.router.attempt.active",
		metric.WithDescription("Number of in-flight attempts"),
		metric.WithUnit("{attempt}"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// AttemptAttrs 尝试属性
type AttemptAttrs struct {
	Provider string
	Vendor   string
	Model    string
	UseCase  string
	Index    int
	Stream   bool
}

func (a AttemptAttrs) common() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("provider", a.Provider),
		attribute.String("model", a.Model),
		attribute.String("use_case", a.UseCase),
	}
}

// AttemptResult 尝试结果
type AttemptResult struct {
	Success     bool
	FailureKind string
	Message     string // 已脱敏
	Tokens      int64
	Cost        float64
	Duration    time.Duration
}

// StartAttempt 开始一次尝试的 Span。
func (m *Metrics) StartAttempt(ctx context.Context, attrs AttemptAttrs) (context.Context, trace.Span) {
	if m == nil {
		return ctx, noopSpan()
	}
	ctx, span := m.tracer.Start(ctx, "router.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", attrs.Provider),
			attribute.String("llm.vendor", attrs.Vendor),
			attribute.String("llm.model", attrs.Model),
			attribute.String("llm.use_case", attrs.UseCase),
			attribute.Int("llm.attempt", attrs.Index),
			attribute.Bool("llm.stream", attrs.Stream),
		))

	m.activeAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", attrs.Provider)))
	return ctx, span
}

// EndAttempt 结束尝试并记录指标。
func (m *Metrics) EndAttempt(ctx context.Context, span trace.Span, attrs AttemptAttrs, res AttemptResult) {
	if m == nil {
		return
	}
	defer span.End()

	status := "success"
	if !res.Success {
		status = "failure"
	}
	common := append(attrs.common(), attribute.String("status", status))

	m.activeAttempts.Add(ctx, -1, metric.WithAttributes(attribute.String("provider", attrs.Provider)))
	m.attemptTotal.Add(ctx, 1, metric.WithAttributes(common...))
	m.attemptDuration.Record(ctx, res.Duration.Seconds(), metric.WithAttributes(common...))

	if res.Success {
		if res.Tokens > 0 {
			m.tokenTotal.Add(ctx, res.Tokens, metric.WithAttributes(attrs.common()...))
		}
		if res.Cost > 0 {
			m.costPerAttempt.Record(ctx, res.Cost, metric.WithAttributes(attrs.common()...))
		}
		span.SetStatus(codes.Ok, "")
	} else {
		m.failureTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", attrs.Provider),
			attribute.String("kind", res.FailureKind)))
		span.SetAttributes(attribute.String("llm.failure_kind", res.FailureKind))
		span.SetStatus(codes.Error, res.Message)
	}

	span.SetAttributes(
		attribute.String("llm.status", status),
		attribute.Int64("llm.tokens", res.Tokens),
		attribute.Float64("llm.cost", res.Cost),
		attribute.Float64("llm.duration_ms", float64(res.Duration.Milliseconds())))
}

// RecordSkip 记录因不健康被跳过的候选。
func (m *Metrics) RecordSkip(ctx context.Context, provider, useCase string) {
	if m == nil {
		return
	}
	m.skipTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("use_case", useCase)))
	trace.SpanFromContext(ctx).AddEvent("candidate.skipped",
		trace.WithAttributes(attribute.String("llm.provider", provider)))
}

// RecordFallback 记录一次直连兜底调用。
func (m *Metrics) RecordFallback(ctx context.Context, useCase string, success bool) {
	if m == nil {
		return
	}
	m.fallbackTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("use_case", useCase),
		attribute.Bool("success", success)))
	trace.SpanFromContext(ctx).AddEvent("fallback.invoked",
		trace.WithAttributes(attribute.Bool("success", success)))
}

// StartDispatch 开始一次完整调度的父 Span。
func (m *Metrics) StartDispatch(ctx context.Context, useCase string, stream bool) (context.Context, trace.Span) {
	if m == nil {
		return ctx, noopSpan()
	}
	return m.tracer.Start(ctx, "router.dispatch",
		trace.WithAttributes(
			attribute.String("llm.use_case", useCase),
			attribute.Bool("llm.stream", stream)))
}

// noopSpan 返回不记录任何内容的 Span，结束它不会影响 ctx 中已有的 Span。
func noopSpan() trace.Span {
	return trace.SpanFromContext(context.Background())
}
