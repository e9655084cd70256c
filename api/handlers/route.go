package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/llmrouter/internal/ctxkeys"
	"github.com/BaSui01/llmrouter/llm"
	"github.com/BaSui01/llmrouter/llm/idempotency"
	"github.com/BaSui01/llmrouter/llm/router"
	"github.com/BaSui01/llmrouter/llm/vault"
	"go.uber.org/zap"
)

// =============================================================================
// 🧭 路由调度 Handler
// =============================================================================

// Dispatcher 由 *router.Client 实现
type Dispatcher interface {
	CallWithFallback(ctx context.Context, req router.Request, fallback router.DirectFallback, authToken string) (*router.Result, error)
	StreamWithFallback(ctx context.Context, req router.Request, fallback router.DirectFallback, authToken string) (*router.Stream, error)
}

// IdempotencyHeader 是非流式请求的幂等键请求头
const IdempotencyHeader = "Idempotency-Key"

// RouteHandler 处理 POST /v1/llm/route
type RouteHandler struct {
	dispatcher Dispatcher
	fallback   router.DirectFallback
	replay     idempotency.Manager
	replayTTL  time.Duration
	logger     *zap.Logger
}

// StreamEvent 是 SSE data 行的载荷
type StreamEvent struct {
	Provider     string         `json:"provider"`
	Model        string         `json:"model"`
	Content      string         `json:"content,omitempty"`
	ToolCalls    []llm.ToolCall `json:"toolCalls,omitempty"`
	FinishReason string         `json:"finishReason,omitempty"`
	Usage        *llm.ChatUsage `json:"usage,omitempty"`
}

// NewRouteHandler 创建路由处理器。fallback 可以为 nil，此时候选耗尽返回 502。
func NewRouteHandler(dispatcher Dispatcher, fallback router.DirectFallback, logger *zap.Logger) *RouteHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RouteHandler{dispatcher: dispatcher, fallback: fallback, logger: logger}
}

// WithIdempotency 启用 Idempotency-Key 结果重放，m 为 nil 时不启用
func (h *RouteHandler) WithIdempotency(m idempotency.Manager, ttl time.Duration) *RouteHandler {
	h.replay = m
	h.replayTTL = ttl
	return h
}

// HandleRoute 按用途调度到最合适的 Provider，req.stream 为 true 时以 SSE 返回
// @Summary 路由调度
// @Tags LLM
// @Accept json
// @Produce json,text/event-stream
// @Param request body router.Request true "路由请求"
// @Success 200 {object} router.Result "调度结果"
// @Failure 400 {object} Response "无效请求"
// @Failure 502 {object} Response "所有 Provider 均失败"
// @Failure 504 {object} Response "上游超时"
// @Security BearerAuth
// @Router /v1/llm/route [post]
func (h *RouteHandler) HandleRoute(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req router.Request
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	ctx := r.Context()
	// 已认证调用方的账户优先于请求体
	if account, ok := ctxkeys.AccountID(ctx); ok {
		req.AccountID = account
	}
	if req.TraceID == "" {
		if traceID, ok := ctxkeys.TraceID(ctx); ok {
			req.TraceID = traceID
		} else {
			req.TraceID = requestID(r)
		}
	}
	authToken, _ := ctxkeys.AuthToken(ctx)

	if req.Stream {
		h.stream(w, r, req, authToken)
		return
	}

	replayKey, ok := h.replayKey(w, r, req)
	if !ok {
		return
	}
	if replayKey != "" {
		cached, found, err := idempotency.GetTyped[router.Result](h.replay, ctx, replayKey)
		if err != nil {
			h.logger.Warn("idempotency lookup failed", zap.Error(err))
		} else if found {
			w.Header().Set("Idempotent-Replayed", "true")
			writeResult(w, r, &cached)
			return
		}
	}

	res, err := h.dispatcher.CallWithFallback(ctx, req, h.fallback, authToken)
	if err != nil {
		h.writeDispatchError(w, r, req, err)
		return
	}

	if replayKey != "" {
		if err := idempotency.SetTyped(h.replay, ctx, replayKey, *res, h.replayTTL); err != nil {
			h.logger.Warn("idempotency store failed", zap.Error(err))
		}
	}
	writeResult(w, r, res)
}

func writeResult(w http.ResponseWriter, r *http.Request, res *router.Result) {
	w.Header().Set("X-LLM-Provider", res.Provider)
	w.Header().Set("X-LLM-Fallback", strconv.FormatBool(res.Fallback))
	WriteSuccess(w, r, res)
}

// replayKey 计算重放存储键。未启用或未携带请求头时返回空串；请求头非法时已写 400。
func (h *RouteHandler) replayKey(w http.ResponseWriter, r *http.Request, req router.Request) (string, bool) {
	clientKey := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if h.replay == nil || clientKey == "" {
		return "", true
	}
	scope := req.AccountID
	if subject, ok := ctxkeys.Subject(r.Context()); ok {
		scope = subject + "/" + scope
	}
	// 追踪 ID 每次请求都不同，不参与指纹
	req.TraceID = ""
	key, err := h.replay.Key(scope, clientKey, req)
	if err != nil {
		WriteErrorMessage(w, r, http.StatusBadRequest, llm.ErrInvalidRequest, err.Error(), h.logger)
		return "", false
	}
	return key, true
}

func (h *RouteHandler) stream(w http.ResponseWriter, r *http.Request, req router.Request, authToken string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorMessage(w, r, http.StatusInternalServerError, llm.ErrInvalidRequest, "streaming not supported", h.logger)
		return
	}

	s, err := h.dispatcher.StreamWithFallback(r.Context(), req, h.fallback, authToken)
	if err != nil {
		h.writeDispatchError(w, r, req, err)
		return
	}
	defer s.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-LLM-Provider", s.Provider())
	w.Header().Set("X-LLM-Fallback", strconv.FormatBool(s.Fallback()))
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range s.Chunks() {
		if chunk.Err != nil {
			h.logger.Warn("stream interrupted",
				zap.String("provider", chunk.Provider),
				vault.RedactedError(chunk.Err),
			)
			writeSSEError(w, chunk.Err)
			flusher.Flush()
			return
		}
		if err := writeSSEData(w, StreamEvent{
			Provider:     chunk.Provider,
			Model:        chunk.Model,
			Content:      chunk.Delta.Content,
			ToolCalls:    chunk.Delta.ToolCalls,
			FinishReason: chunk.FinishReason,
			Usage:        chunk.Usage,
		}); err != nil {
			h.logger.Debug("client went away", zap.Error(err))
			return
		}
		flusher.Flush()
	}

	<-s.Done()
	if err := s.Err(); err != nil {
		if r.Context().Err() == nil {
			writeSSEError(w, err)
			flusher.Flush()
		}
		return
	}
	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

// writeDispatchError 把调度错误映射为 HTTP 响应。调用方已断开时不写响应体。
func (h *RouteHandler) writeDispatchError(w http.ResponseWriter, r *http.Request, req router.Request, err error) {
	if errors.Is(err, context.Canceled) {
		h.logger.Debug("route request canceled by client",
			zap.String("use_case", string(req.UseCase)),
			zap.String("request_id", requestID(r)),
		)
		return
	}

	apiErr, details := dispatchError(err)
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error("route dispatch failed",
			zap.String("use_case", string(req.UseCase)),
			zap.String("account_id", req.AccountID),
			vault.RedactedError(err),
		)
	}
	WriteError(w, r, apiErr, details, h.logger)
}

func dispatchError(err error) (*llm.Error, any) {
	var (
		exhausted  *llm.AllProvidersExhaustedError
		timeout    *llm.ProviderTimeoutError
		credential *llm.CredentialError
		requestErr *llm.ProviderRequestError
		llmErr     *llm.Error
	)

	switch {
	case errors.As(err, &exhausted):
		return &llm.Error{
			Code:       llm.ErrRoutingUnavailable,
			Message:    vault.SanitizeError(err),
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
		}, exhausted.Attempts
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return &llm.Error{
			Code:       llm.ErrUpstreamTimeout,
			Message:    vault.SanitizeError(err),
			HTTPStatus: http.StatusGatewayTimeout,
			Retryable:  true,
		}, nil
	case errors.As(err, &credential):
		return &llm.Error{
			Code:       llm.ErrCredential,
			Message:    vault.SanitizeError(err),
			HTTPStatus: http.StatusInternalServerError,
		}, nil
	case errors.As(err, &llmErr):
		out := *llmErr
		out.Message = vault.SanitizeString(out.Message)
		out.HTTPStatus = fallbackStatus(out.Code)
		return &out, nil
	case errors.As(err, &requestErr):
		return &llm.Error{
			Code:       requestErr.Code,
			Message:    vault.SanitizeError(err),
			HTTPStatus: fallbackStatus(requestErr.Code),
			Provider:   requestErr.Provider,
		}, nil
	default:
		return &llm.Error{
			Code:       llm.ErrUpstreamError,
			Message:    vault.SanitizeError(err),
			HTTPStatus: http.StatusBadGateway,
		}, nil
	}
}

// fallbackStatus 上游错误对外统一为网关类状态码
func fallbackStatus(code llm.ErrorCode) int {
	switch code {
	case llm.ErrRoutingUnavailable:
		return http.StatusServiceUnavailable
	case llm.ErrUpstreamTimeout:
		return http.StatusGatewayTimeout
	case llm.ErrRateLimited:
		return http.StatusTooManyRequests
	case llm.ErrInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func writeSSEData(w http.ResponseWriter, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}

// writeSSEError 以 json.Marshal 转义错误消息，避免破坏事件格式
func writeSSEError(w http.ResponseWriter, err error) {
	payload, _ := json.Marshal(map[string]string{
		"code":  string(llm.ErrStreamInterrupted),
		"error": vault.SanitizeError(err),
	})
	_, _ = w.Write([]byte("event: error\ndata: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
}
