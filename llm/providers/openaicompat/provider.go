// =============================================================================
// OpenAI 兼容 Provider
// =============================================================================
// 所有 OpenAI 兼容厂商共用的实现，厂商之间只有 BaseURL、端点路径、
// 默认模型与鉴权头不同，由 factory 以预设的方式提供。
// =============================================================================

package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/llmrouter/internal/tlsutil"
	"github.com/BaSui01/llmrouter/llm"
	"github.com/BaSui01/llmrouter/llm/providers"
	"go.uber.org/zap"
)

// ErrNoAPIKey 表示既没有 ctx 凭据也没有静态密钥。
var ErrNoAPIKey = errors.New("no api key available")

// Config OpenAI 兼容 Provider 的配置。
type Config struct {
	// ProviderName 是 Provider 的唯一标识，与目录中的名称一致
	ProviderName string

	// APIKey 是 ctx 中没有凭据时使用的静态密钥，通常为空
	APIKey string

	BaseURL       string
	DefaultModel  string
	FallbackModel string

	// Timeout 是同步请求的 HTTP 超时，默认 60s。流式请求只受 ctx 约束
	Timeout time.Duration

	// EndpointPath 默认 "/v1/chat/completions"
	EndpointPath string

	// ModelsEndpoint 默认 "/v1/models"，用作健康探测
	ModelsEndpoint string

	// BuildHeaders 自定义鉴权头，nil 时使用 Bearer
	BuildHeaders func(req *http.Request, apiKey string)

	// IncludeStreamUsage 请求上游在最后一个 chunk 中返回 usage
	IncludeStreamUsage bool
}

// Provider 是 OpenAI 兼容 Provider 的实现。
type Provider struct {
	Cfg          Config
	Client       *http.Client
	StreamClient *http.Client
	Logger       *zap.Logger
}

// New 创建 OpenAI 兼容 Provider。
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.ModelsEndpoint == "" {
		cfg.ModelsEndpoint = "/v1/models"
	}
	if cfg.BuildHeaders == nil {
		cfg.BuildHeaders = providers.BearerTokenHeaders
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		Cfg:          cfg,
		Client:       tlsutil.SecureHTTPClient(cfg.Timeout),
		StreamClient: tlsutil.StreamingHTTPClient(),
		Logger:       logger.With(zap.String("provider", cfg.ProviderName)),
	}
}

// Name 返回 Provider 名称。
func (p *Provider) Name() string { return p.Cfg.ProviderName }

// resolveAPIKey 优先使用路由层放入 ctx 的凭据。
func (p *Provider) resolveAPIKey(ctx context.Context) (string, error) {
	if c, ok := llm.CredentialFromContext(ctx); ok {
		if key := strings.TrimSpace(c.APIKey); key != "" {
			return key, nil
		}
	}
	if key := strings.TrimSpace(p.Cfg.APIKey); key != "" {
		return key, nil
	}
	return "", llm.NewCredentialError(p.Name(), "missing api key", ErrNoAPIKey)
}

func (p *Provider) endpoint(path string) string {
	return strings.TrimRight(p.Cfg.BaseURL, "/") + path
}

// HealthCheck 请求模型列表端点，2xx 视为健康。
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	apiKey, err := p.resolveAPIKey(ctx)
	if err != nil {
		return &llm.HealthStatus{Healthy: false}, err
	}
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(p.Cfg.ModelsEndpoint), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.Cfg.BuildHeaders(httpReq, apiKey)

	resp, err := p.Client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, providers.UpstreamError(p.Name(), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 300 {
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			providers.MapHTTPError(resp.StatusCode, http.StatusText(resp.StatusCode), p.Name())
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

func (p *Provider) buildBody(req *llm.ChatRequest, stream bool) providers.OpenAICompatRequest {
	body := providers.OpenAICompatRequest{
		Model:       providers.ChooseModel(req, p.Cfg.DefaultModel, p.Cfg.FallbackModel),
		Messages:    providers.ConvertMessagesToOpenAI(req.Messages),
		Tools:       providers.ConvertToolsToOpenAI(req.Tools),
		ToolChoice:  providers.ConvertToolChoice(req.ToolChoice),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
		User:        req.AccountID,
	}
	if len(body.Tools) == 0 {
		body.ToolChoice = nil
	}
	if stream && p.Cfg.IncludeStreamUsage {
		body.StreamOptions = &providers.OpenAICompatStreamOptions{IncludeUsage: true}
	}
	return body
}

func (p *Provider) post(ctx context.Context, client *http.Client, req *llm.ChatRequest, stream bool) (*http.Response, error) {
	apiKey, err := p.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(p.buildBody(req, stream))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.Cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.Cfg.BuildHeaders(httpReq, apiKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, providers.UpstreamError(p.Name(), err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, providers.MapHTTPError(resp.StatusCode, providers.ReadErrorMessage(resp.Body), p.Name())
	}
	return resp, nil
}

// Completion 发起同步请求。
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := p.post(ctx, p.Client, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var oaResp providers.OpenAICompatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaResp); err != nil {
		return nil, providers.UpstreamError(p.Name(), fmt.Errorf("decode response: %w", err))
	}

	result := providers.ToLLMChatResponse(oaResp, p.Name())
	if oaResp.Created != 0 {
		result.CreatedAt = time.Unix(oaResp.Created, 0)
	}
	return result, nil
}

// Stream 发起 SSE 流式请求。
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	resp, err := p.post(ctx, p.StreamClient, req, true)
	if err != nil {
		return nil, err
	}
	return StreamSSE(ctx, resp.Body, p.Name()), nil
}

// StreamSSE 解析 OpenAI 兼容的 SSE 流。通道在 [DONE] 或 EOF 后关闭；
// 读取或解码失败时最后一个 chunk 携带 Err。
func StreamSSE(ctx context.Context, body io.ReadCloser, providerName string) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk)
	go func() {
		defer body.Close()
		defer close(ch)

		send := func(c llm.StreamChunk) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- c:
				return true
			}
		}

		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					send(llm.StreamChunk{Provider: providerName, Err: providers.UpstreamError(providerName, err)})
				}
				return
			}
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var oaResp providers.OpenAICompatResponse
			if err := json.Unmarshal([]byte(data), &oaResp); err != nil {
				send(llm.StreamChunk{Provider: providerName, Err: providers.UpstreamError(providerName, fmt.Errorf("decode chunk: %w", err))})
				return
			}

			// include_usage 时最后一个 chunk 只有 usage，没有 choices
			if len(oaResp.Choices) == 0 {
				if u := providers.ConvertUsage(oaResp.Usage); u != nil {
					if !send(llm.StreamChunk{ID: oaResp.ID, Provider: providerName, Model: oaResp.Model, Usage: u}) {
						return
					}
				}
				continue
			}

			for _, choice := range oaResp.Choices {
				chunk := llm.StreamChunk{
					ID:           oaResp.ID,
					Provider:     providerName,
					Model:        oaResp.Model,
					Index:        choice.Index,
					FinishReason: choice.FinishReason,
					Delta:        llm.Message{Role: llm.RoleAssistant},
					Usage:        providers.ConvertUsage(oaResp.Usage),
				}
				if choice.Delta != nil {
					chunk.Delta.Content = choice.Delta.Content
					chunk.Delta.ToolCalls = providers.ConvertToolCalls(choice.Delta.ToolCalls)
				}
				if !send(chunk) {
					return
				}
			}
		}
	}()
	return ch
}
