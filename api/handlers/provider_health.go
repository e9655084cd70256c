package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/BaSui01/llmrouter/internal/ctxkeys"
	"github.com/BaSui01/llmrouter/llm"
	"github.com/BaSui01/llmrouter/llm/health"
	"github.com/BaSui01/llmrouter/llm/vault"
	"go.uber.org/zap"
)

// =============================================================================
// 🩺 Provider 健康 Handler
// =============================================================================

// HealthSource 是健康监控对 HTTP 层暴露的视图，由 *health.Monitor 实现
type HealthSource interface {
	GetAllHealth() []health.ProviderHealth
	CheckAll(ctx context.Context)
}

// ProviderHealthHandler 处理 /v1/llm/health
type ProviderHealthHandler struct {
	source HealthSource
	logger *zap.Logger
}

// ProviderStatus 单个 Provider 的对外视图。错误信息只对有权限的调用方可见。
type ProviderStatus struct {
	Provider  string     `json:"provider"`
	Healthy   bool       `json:"healthy"`
	Latency   *string    `json:"latency"`
	LatencyMs *int64     `json:"latencyMs,omitempty"`
	LastCheck *time.Time `json:"lastCheck"`
	Error     string     `json:"error,omitempty"`
}

// HealthStatsView 健康统计
type HealthStatsView struct {
	Total            int    `json:"total"`
	Healthy          int    `json:"healthy"`
	Unhealthy        int    `json:"unhealthy"`
	HealthPercentage string `json:"healthPercentage"`
}

// ProviderHealthResponse GET /v1/llm/health 的响应体
type ProviderHealthResponse struct {
	Healthy   bool             `json:"healthy"`
	Providers []ProviderStatus `json:"providers"`
	Stats     HealthStatsView  `json:"stats"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewProviderHealthHandler 创建 Provider 健康处理器
func NewProviderHealthHandler(source HealthSource, logger *zap.Logger) *ProviderHealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProviderHealthHandler{source: source, logger: logger}
}

// HandleHealth 返回所有 Provider 的最近快照，整体健康时 200，否则 503。
// 该接口只读，不会触发探测。
func (h *ProviderHealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.write(w, ctxkeys.Authorized(r.Context()))
}

// HandleCheck 立即执行一轮探测后返回结果，仅限有权限的调用方
func (h *ProviderHealthHandler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	if !ctxkeys.Authorized(r.Context()) {
		WriteErrorMessage(w, r, http.StatusForbidden, llm.ErrForbidden, "admin access required", h.logger)
		return
	}
	// 探测不随客户端断开而中止
	h.source.CheckAll(context.WithoutCancel(r.Context()))
	h.logger.Info("manual health check completed", zap.String("request_id", requestID(r)))
	h.write(w, true)
}

func (h *ProviderHealthHandler) write(w http.ResponseWriter, authorized bool) {
	all := h.source.GetAllHealth()
	stats, overall := health.Summarize(all)

	providers := make([]ProviderStatus, 0, len(all))
	for _, ph := range all {
		providers = append(providers, toProviderStatus(ph, authorized))
	}

	resp := ProviderHealthResponse{
		Healthy:   overall,
		Providers: providers,
		Stats: HealthStatsView{
			Total:            stats.Total,
			Healthy:          stats.Healthy,
			Unhealthy:        stats.Unhealthy,
			HealthPercentage: healthPercentage(stats),
		},
		Timestamp: time.Now(),
	}

	status := http.StatusOK
	if !overall {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	WriteJSON(w, status, resp)
}

func toProviderStatus(ph health.ProviderHealth, authorized bool) ProviderStatus {
	ps := ProviderStatus{
		Provider:  ph.Provider,
		Healthy:   ph.Healthy,
		LatencyMs: ph.LatencyMs,
	}
	if ph.LatencyMs != nil {
		s := fmt.Sprintf("%dms", *ph.LatencyMs)
		ps.Latency = &s
	}
	if ph.Checked {
		t := ph.LastCheck
		ps.LastCheck = &t
	}
	if authorized {
		ps.Error = vault.SanitizeString(ph.Error)
	}
	return ps
}

func healthPercentage(st health.Stats) string {
	if st.Total == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.1f%%", float64(st.Healthy)/float64(st.Total)*100)
}
