package router

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/llmrouter/llm"
)

// DirectFallback 是候选耗尽后唯一一次的直连兜底。
// 调度器恰好调用一次 Fallback，并原样返回其结果与错误。
type DirectFallback interface {
	Fallback(ctx context.Context, req Request) (*Result, error)
}

// FallbackFunc 将函数适配为 DirectFallback。
type FallbackFunc func(ctx context.Context, req Request) (*Result, error)

// Fallback 实现 DirectFallback 接口。
func (f FallbackFunc) Fallback(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// 直连兜底默认使用的厂商与模型。
const (
	FallbackVendor = "openai"
	FallbackModel  = "gpt-4o-mini"
)

// ProviderFallback 直接调用一个固定的 Provider 与模型，不经过目录、健康检查与指标。
type ProviderFallback struct {
	provider   llm.Provider
	model      string
	credential llm.Credential
	timeout    time.Duration
	defaults   Defaults
}

// NewProviderFallback 创建直连兜底。model 为空时使用 gpt-4o-mini，timeout<=0 时为 60 秒。
func NewProviderFallback(p llm.Provider, model string, cred llm.Credential, timeout time.Duration) *ProviderFallback {
	if model == "" {
		model = FallbackModel
	}
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}
	return &ProviderFallback{
		provider:   p,
		model:      model,
		credential: cred,
		timeout:    timeout,
		defaults:   Defaults{}.withFallbacks(),
	}
}

// Fallback 实现 DirectFallback 接口。
func (f *ProviderFallback) Fallback(ctx context.Context, req Request) (*Result, error) {
	if f.provider == nil {
		return nil, &llm.Error{Code: llm.ErrRoutingUnavailable, Message: "no direct fallback provider configured", HTTPStatus: 503}
	}
	ctx, cancel := context.WithTimeout(llm.WithCredential(ctx, f.credential), f.timeout)
	defer cancel()

	start := time.Now()
	resp, err := f.provider.Completion(ctx, req.ChatRequest(f.model, 0, f.defaults))
	if err != nil {
		return nil, fmt.Errorf("direct fallback %s: %w", f.provider.Name(), err)
	}
	if resp == nil {
		return nil, fmt.Errorf("direct fallback %s: %w", f.provider.Name(), errNilResponse)
	}
	res := resultFromResponse(resp)
	if res.Provider == "" {
		res.Provider = f.provider.Name()
	}
	if res.Model == "" {
		res.Model = f.model
	}
	res.LatencyMs = time.Since(start).Milliseconds()
	res.Fallback = true
	return res, nil
}
