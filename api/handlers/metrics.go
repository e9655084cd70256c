package handlers

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/BaSui01/llmrouter/internal/ctxkeys"
	"github.com/BaSui01/llmrouter/llm"
	"github.com/BaSui01/llmrouter/llm/metrics"
	"go.uber.org/zap"
)

// =============================================================================
// 📈 Provider 指标 Handler
// =============================================================================

// MetricsSource 由 *metrics.Registry 实现
type MetricsSource interface {
	Snapshot() metrics.Snapshot
	Reset()
	ResetProvider(provider string)
}

// MetricsHandler 处理 /v1/llm/metrics
type MetricsHandler struct {
	source MetricsSource
	logger *zap.Logger
}

// ProviderMetricsView 单个 Provider 的对外指标
type ProviderMetricsView struct {
	Provider          string  `json:"provider"`
	Requests          int64   `json:"requests"`
	SuccessRate       string  `json:"successRate"`
	AvgLatencyMs      int64   `json:"avgLatencyMs"`
	TotalTokens       int64   `json:"totalTokens"`
	TotalCost         float64 `json:"totalCost"`
	AvgCostPerRequest float64 `json:"avgCostPerRequest"`
	Errors            int64   `json:"errors"`
}

// AggregatedMetricsView 全部 Provider 的汇总
type AggregatedMetricsView struct {
	TotalRequests     int64   `json:"totalRequests"`
	TotalSuccess      int64   `json:"totalSuccess"`
	TotalFailures     int64   `json:"totalFailures"`
	SuccessRate       string  `json:"successRate"`
	AvgLatencyMs      int64   `json:"avgLatencyMs"`
	TotalTokens       int64   `json:"totalTokens"`
	TotalCost         float64 `json:"totalCost"`
	AvgCostPerRequest float64 `json:"avgCostPerRequest"`
}

// MetricsResponse GET /v1/llm/metrics 的响应数据
type MetricsResponse struct {
	Providers  []ProviderMetricsView `json:"providers"`
	Aggregated AggregatedMetricsView `json:"aggregated"`
	Uptime     string                `json:"uptime"`
	UptimeMs   int64                 `json:"uptimeMs"`
	Timestamp  time.Time             `json:"timestamp"`
}

// NewMetricsHandler 创建指标处理器
func NewMetricsHandler(source MetricsSource, logger *zap.Logger) *MetricsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetricsHandler{source: source, logger: logger}
}

// HandleMetrics 返回一次一致的指标快照
func (h *MetricsHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := h.source.Snapshot()

	resp := MetricsResponse{
		Providers: make([]ProviderMetricsView, 0, len(snap.Providers)),
		Aggregated: AggregatedMetricsView{
			TotalRequests:     snap.Aggregated.RequestCount,
			TotalSuccess:      snap.Aggregated.SuccessCount,
			TotalFailures:     snap.Aggregated.FailureCount,
			SuccessRate:       formatRate(snap.Aggregated.SuccessRate),
			AvgLatencyMs:      snap.Aggregated.AvgLatencyMs,
			TotalTokens:       snap.Aggregated.TotalTokens,
			TotalCost:         roundCost(snap.Aggregated.TotalCost),
			AvgCostPerRequest: roundCost(snap.Aggregated.AvgCostPerRequest),
		},
		Uptime:    FormatUptime(time.Duration(snap.UptimeMs) * time.Millisecond),
		UptimeMs:  snap.UptimeMs,
		Timestamp: snap.Timestamp,
	}
	for _, m := range snap.Providers {
		resp.Providers = append(resp.Providers, ProviderMetricsView{
			Provider:          m.Provider,
			Requests:          m.RequestCount,
			SuccessRate:       formatRate(m.SuccessRate),
			AvgLatencyMs:      m.AvgLatencyMs,
			TotalTokens:       m.TotalTokens,
			TotalCost:         roundCost(m.TotalCost),
			AvgCostPerRequest: roundCost(m.AvgCostPerRequest),
			Errors:            m.FailureCount,
		})
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	WriteSuccess(w, r, resp)
}

// HandleReset 清空计数器，?provider=<id> 时只清空单个 Provider。仅限有权限的调用方。
func (h *MetricsHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	if !ctxkeys.Authorized(r.Context()) {
		WriteErrorMessage(w, r, http.StatusForbidden, llm.ErrForbidden, "admin access required", h.logger)
		return
	}

	subject, _ := ctxkeys.Subject(r.Context())
	if provider := r.URL.Query().Get("provider"); provider != "" {
		h.source.ResetProvider(provider)
		h.logger.Info("provider metrics reset",
			zap.String("provider", provider),
			zap.String("subject", subject),
		)
		WriteSuccess(w, r, map[string]any{"reset": true, "provider": provider})
		return
	}

	h.source.Reset()
	h.logger.Info("metrics reset", zap.String("subject", subject))
	WriteSuccess(w, r, map[string]any{"reset": true})
}

// FormatUptime 格式化运行时长："2d 3h 4m"、"3h 4m"、"4m 5s" 或 "5s"
func FormatUptime(d time.Duration) string {
	total := int64(d / time.Second)
	if total < 0 {
		total = 0
	}
	days := total / 86400
	hours := total % 86400 / 3600
	minutes := total % 3600 / 60
	seconds := total % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

func formatRate(pct float64) string {
	return fmt.Sprintf("%.1f%%", pct)
}

func roundCost(c float64) float64 {
	return math.Round(c*1e6) / 1e6
}
