package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BaSui01/llmrouter/internal/ctxkeys"
	"github.com/BaSui01/llmrouter/llm/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRegistry(now *time.Time) *metrics.Registry {
	return metrics.NewRegistry(metrics.WithClock(func() time.Time { return *now }))
}

func decodeMetrics(t *testing.T, w *httptest.ResponseRecorder) MetricsResponse {
	t.Helper()
	var envelope struct {
		Success bool            `json:"success"`
		Data    MetricsResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&envelope))
	require.True(t, envelope.Success)
	return envelope.Data
}

func TestMetricsHandler_Snapshot(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	reg := newTestRegistry(&now)
	reg.RecordSuccess("openai", 100, 150, 0.003)
	reg.RecordSuccess("openai", 300, 50, 0.001)
	reg.RecordFailure("openai", 200)
	reg.RecordFailure("anthropic", 50)
	now = now.Add(90 * time.Minute)

	h := NewMetricsHandler(reg, zaptest.NewLogger(t))
	w := httptest.NewRecorder()
	h.HandleMetrics(w, httptest.NewRequest(http.MethodGet, "/v1/llm/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeMetrics(t, w)

	byName := map[string]ProviderMetricsView{}
	for _, p := range resp.Providers {
		byName[p.Provider] = p
	}
	openai := byName["openai"]
	assert.Equal(t, int64(3), openai.Requests)
	assert.Equal(t, int64(1), openai.Errors)
	assert.Equal(t, "66.7%", openai.SuccessRate)
	assert.Equal(t, int64(200), openai.AvgLatencyMs)
	assert.Equal(t, int64(200), openai.TotalTokens)
	assert.InDelta(t, 0.004, openai.TotalCost, 1e-9)

	assert.Equal(t, "0.0%", byName["anthropic"].SuccessRate)

	agg := resp.Aggregated
	assert.Equal(t, int64(4), agg.TotalRequests)
	assert.Equal(t, int64(2), agg.TotalSuccess)
	assert.Equal(t, int64(2), agg.TotalFailures)
	assert.Equal(t, "50.0%", agg.SuccessRate)
	assert.InDelta(t, 0.001, agg.AvgCostPerRequest, 1e-9)

	assert.Equal(t, "1h 30m", resp.Uptime)
	assert.Equal(t, int64(90*60*1000), resp.UptimeMs)
}

func TestMetricsHandler_ResetRequiresAuthorization(t *testing.T) {
	now := time.Now()
	reg := newTestRegistry(&now)
	reg.RecordSuccess("openai", 10, 10, 0.01)
	h := NewMetricsHandler(reg, nil)

	w := httptest.NewRecorder()
	h.HandleReset(w, httptest.NewRequest(http.MethodPost, "/v1/llm/metrics/reset", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
	_, ok := reg.GetMetrics("openai")
	assert.True(t, ok, "unauthorized reset must not clear counters")

	r := httptest.NewRequest(http.MethodPost, "/v1/llm/metrics/reset", nil)
	r = r.WithContext(ctxkeys.WithAuthorized(r.Context(), true))
	w = httptest.NewRecorder()
	h.HandleReset(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	_, ok = reg.GetMetrics("openai")
	assert.False(t, ok)
}

func TestMetricsHandler_ResetSingleProvider(t *testing.T) {
	now := time.Now()
	reg := newTestRegistry(&now)
	reg.RecordSuccess("openai", 10, 10, 0.01)
	reg.RecordSuccess("anthropic", 10, 10, 0.01)
	h := NewMetricsHandler(reg, nil)

	r := httptest.NewRequest(http.MethodPost, "/v1/llm/metrics/reset?provider=openai", nil)
	r = r.WithContext(ctxkeys.WithAuthorized(r.Context(), true))
	w := httptest.NewRecorder()
	h.HandleReset(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	_, ok := reg.GetMetrics("openai")
	assert.False(t, ok)
	_, ok = reg.GetMetrics("anthropic")
	assert.True(t, ok)
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{-time.Second, "0s"},
		{42 * time.Second, "42s"},
		{5*time.Minute + 7*time.Second, "5m 7s"},
		{3*time.Hour + 4*time.Minute + 59*time.Second, "3h 4m"},
		{2*24*time.Hour + 3*time.Hour + 4*time.Minute, "2d 3h 4m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatUptime(tt.in), tt.in.String())
	}
}
