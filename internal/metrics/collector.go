// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/BaSui01/llmrouter/llm/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 把 HTTP 请求、Provider 尝试结果与健康探测导出为 Prometheus 指标。
// 它实现了 llm/metrics.Observer，并可作为 health.WithObserver 的回调。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// Provider 尝试指标
	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	tokensUsed      *prometheus.CounterVec
	cost            *prometheus.CounterVec

	// 健康指标
	providerHealthy *prometheus.GaugeVec
	probeLatency    *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，reg 为 nil 时注册到默认 Registerer
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 7),
		},
		[]string{"method", "path"},
	)

	// Provider 尝试指标
	c.attemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_attempts_total",
			Help:      "Total number of provider attempts by outcome",
		},
		[]string{"provider", "outcome"},
	)

	c.attemptDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_attempt_duration_seconds",
			Help:      "Provider attempt duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "outcome"},
	)

	c.tokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Total number of tokens used",
		},
		[]string{"provider"},
	)

	c.cost = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_cost_total",
			Help:      "Estimated cost in USD",
		},
		[]string{"provider"},
	)

	// 健康指标
	c.providerHealthy = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "llm_provider_healthy",
			Help:      "1 if the last health probe succeeded, 0 otherwise",
		},
		[]string{"provider"},
	)

	c.probeLatency = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_health_probe_duration_seconds",
			Help:      "Health probe latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求，path 应为路由模板而非原始路径
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🤖 Provider 尝试指标
// =============================================================================

// ObserveSuccess 记录一次成功尝试
func (c *Collector) ObserveSuccess(provider string, latency time.Duration, tokens int64, cost float64) {
	c.attemptsTotal.WithLabelValues(provider, "success").Inc()
	c.attemptDuration.WithLabelValues(provider, "success").Observe(latency.Seconds())
	c.tokensUsed.WithLabelValues(provider).Add(float64(tokens))
	c.cost.WithLabelValues(provider).Add(cost)
}

// ObserveFailure 记录一次失败尝试
func (c *Collector) ObserveFailure(provider string, latency time.Duration) {
	c.attemptsTotal.WithLabelValues(provider, "failure").Inc()
	c.attemptDuration.WithLabelValues(provider, "failure").Observe(latency.Seconds())
}

// =============================================================================
// 🏥 健康指标
// =============================================================================

// ObserveHealth 记录一次探测结果
func (c *Collector) ObserveHealth(h health.ProviderHealth) {
	v := 0.0
	if h.Healthy {
		v = 1
	}
	c.providerHealthy.WithLabelValues(h.Provider).Set(v)
	if h.LatencyMs != nil {
		c.probeLatency.WithLabelValues(h.Provider).Observe(float64(*h.LatencyMs) / 1000)
	}
}

// ForgetProvider 删除已下线 Provider 的健康序列
func (c *Collector) ForgetProvider(provider string) {
	c.providerHealthy.DeleteLabelValues(provider)
	c.probeLatency.DeleteLabelValues(provider)
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
