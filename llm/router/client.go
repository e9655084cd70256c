package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/llmrouter/llm"
	"github.com/BaSui01/llmrouter/llm/catalog"
	"github.com/BaSui01/llmrouter/llm/cost"
	"github.com/BaSui01/llmrouter/llm/observability"
	"github.com/BaSui01/llmrouter/llm/tokenizer"
	"github.com/BaSui01/llmrouter/llm/vault"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultAttemptTimeout 是单次尝试的默认截止时间。
const DefaultAttemptTimeout = 60 * time.Second

// =============================================================================
// 依赖接口
// =============================================================================

// Catalog 返回某个用途下已排序的候选列表。
type Catalog interface {
	Candidates(ctx context.Context, accountID string, useCase catalog.UseCase, modelOverride string) ([]catalog.Candidate, error)
}

// HealthView 是健康监控的只读视图，调用不得阻塞。
type HealthView interface {
	IsUnhealthy(provider string) bool
}

// MetricsRecorder 记录每次尝试的结果。
type MetricsRecorder interface {
	RecordSuccess(provider string, latencyMs, tokens int64, cost float64)
	RecordFailure(provider string, latencyMs int64)
}

// CredentialResolver 为一次尝试解析凭据。
type CredentialResolver interface {
	Resolve(ctx context.Context, ref vault.CredentialRef) (llm.Credential, error)
}

// Factory 为候选构造 Provider 客户端。
type Factory interface {
	Provider(c catalog.Candidate) (llm.Provider, error)
}

// FactoryFunc 将函数适配为 Factory。
type FactoryFunc func(c catalog.Candidate) (llm.Provider, error)

// Provider 实现 Factory 接口。
func (f FactoryFunc) Provider(c catalog.Candidate) (llm.Provider, error) { return f(c) }

type neverUnhealthy struct{}

func (neverUnhealthy) IsUnhealthy(string) bool { return false }

type discardMetrics struct{}

func (discardMetrics) RecordSuccess(string, int64, int64, float64) {}
func (discardMetrics) RecordFailure(string, int64)                 {}

type noCredentials struct{}

func (noCredentials) Resolve(context.Context, vault.CredentialRef) (llm.Credential, error) {
	return llm.Credential{}, nil
}

// =============================================================================
// Client
// =============================================================================

// Options 配置 Client。Catalog 与 Factory 必填，其余为 nil 时使用无副作用的默认实现。
type Options struct {
	Catalog        Catalog
	Health         HealthView
	Metrics        MetricsRecorder
	Credentials    CredentialResolver
	Factory        Factory
	Cost           *cost.Calculator
	Tokenizer      *tokenizer.Counter
	Observability  *observability.Metrics
	AttemptTimeout time.Duration
	Defaults       Defaults
	Logger         *zap.Logger
}

// Client 按排序依次尝试候选 Provider，全部失败后调用一次直连兜底。
// Client 无状态，可被任意多个请求并发使用。
type Client struct {
	catalog  Catalog
	health   HealthView
	metrics  MetricsRecorder
	creds    CredentialResolver
	factory  Factory
	cost     *cost.Calculator
	tokens   *tokenizer.Counter
	obs      *observability.Metrics
	timeout  time.Duration
	defaults Defaults
	logger   *zap.Logger
}

// New 创建 Client。
func New(opts Options) (*Client, error) {
	if opts.Catalog == nil {
		return nil, errors.New("router: catalog is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("router: provider factory is required")
	}
	c := &Client{
		catalog:  opts.Catalog,
		health:   opts.Health,
		metrics:  opts.Metrics,
		creds:    opts.Credentials,
		factory:  opts.Factory,
		cost:     opts.Cost,
		tokens:   opts.Tokenizer,
		obs:      opts.Observability,
		timeout:  opts.AttemptTimeout,
		defaults: opts.Defaults.withFallbacks(),
		logger:   opts.Logger,
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.health == nil {
		c.health = neverUnhealthy{}
	}
	if c.metrics == nil {
		c.metrics = discardMetrics{}
	}
	if c.creds == nil {
		c.creds = noCredentials{}
	}
	if c.cost == nil {
		c.cost = cost.NewCalculator()
	}
	if c.tokens == nil {
		c.tokens = tokenizer.NewCounter(false, c.logger)
	}
	if c.timeout <= 0 {
		c.timeout = DefaultAttemptTimeout
	}
	c.logger = c.logger.With(zap.String("component", "llm_router"))
	return c, nil
}

// Response 是 Call 的返回值，Result 与 Stream 二者恰有其一非空。
type Response struct {
	Result *Result
	Stream *Stream
}

// Call 根据 req.Stream 选择同步或流式调度。
func (c *Client) Call(ctx context.Context, req Request, fallback DirectFallback, authToken string) (*Response, error) {
	if req.Stream {
		s, err := c.StreamWithFallback(ctx, req, fallback, authToken)
		if err != nil {
			return nil, err
		}
		return &Response{Stream: s}, nil
	}
	res, err := c.CallWithFallback(ctx, req, fallback, authToken)
	if err != nil {
		return nil, err
	}
	return &Response{Result: res}, nil
}

// CallWithFallback 依次尝试排序后的候选，返回第一个成功结果。
// 不健康的候选在其后仍有候选时被跳过；全部失败后恰好调用一次 fallback，
// 并原样返回其结果或错误；fallback 为 nil 时返回 *llm.AllProvidersExhaustedError。
func (c *Client) CallWithFallback(ctx context.Context, req Request, fallback DirectFallback, authToken string) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx = llm.WithAuthToken(ctx, authToken)
	ctx, span := c.obs.StartDispatch(ctx, string(req.UseCase), false)
	defer span.End()

	cands := c.candidates(ctx, req)
	var failures []llm.AttemptFailure

	for i, cand := range cands {
		if c.skip(ctx, req, cands, i) {
			continue
		}
		out := c.attempt(ctx, req, cand, i)
		if out.OK() {
			res := resultFromResponse(out.Response)
			res.Provider = cand.Name
			if res.Model == "" {
				res.Model = cand.Model
			}
			res.Cost = out.Cost
			res.LatencyMs = out.LatencyMs
			res.Attempts = failures
			return res, nil
		}
		if out.Kind == FailureCanceled {
			return nil, ctx.Err()
		}
		failures = append(failures, out.Failure())
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.runFallback(ctx, req, fallback, failures)
}

// candidates 读取排序后的候选，目录不可用时视为空列表，直接进入兜底。
func (c *Client) candidates(ctx context.Context, req Request) []catalog.Candidate {
	cands, err := c.catalog.Candidates(ctx, req.AccountID, req.UseCase, req.ModelOverride)
	if err != nil {
		c.logger.Warn("candidate lookup failed",
			zap.String("use_case", string(req.UseCase)),
			vault.RedactedError(err))
		return nil
	}
	return cands
}

// skip 报告是否跳过第 i 个候选。最后一个候选总会被尝试。
func (c *Client) skip(ctx context.Context, req Request, cands []catalog.Candidate, i int) bool {
	if i == len(cands)-1 || !c.health.IsUnhealthy(cands[i].Name) {
		return false
	}
	c.logger.Info("skipping unhealthy provider",
		zap.String("provider", cands[i].Name),
		zap.String("use_case", string(req.UseCase)))
	c.obs.RecordSkip(ctx, cands[i].Name, string(req.UseCase))
	return true
}

func (c *Client) runFallback(ctx context.Context, req Request, fallback DirectFallback, failures []llm.AttemptFailure) (*Result, error) {
	if fallback == nil {
		return nil, &llm.AllProvidersExhaustedError{UseCase: string(req.UseCase), Attempts: failures}
	}
	c.logger.Warn("all providers failed, using direct fallback",
		zap.String("use_case", string(req.UseCase)),
		zap.Int("attempts", len(failures)))
	res, err := fallback.Fallback(ctx, req)
	c.obs.RecordFallback(ctx, string(req.UseCase), err == nil)
	return res, err
}

// =============================================================================
// 单次尝试
// =============================================================================

type completion struct {
	resp *llm.ChatResponse
	err  error
}

// attempt 在截止时间内完成一次同步调用，并记录指标、追踪与日志。
func (c *Client) attempt(ctx context.Context, req Request, cand catalog.Candidate, index int) Outcome {
	attrs := c.attrs(req, cand, index, false)
	ctx, span := c.obs.StartAttempt(ctx, attrs)
	start := time.Now()

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out := c.complete(ctx, attemptCtx, req, cand)
	out.LatencyMs = time.Since(start).Milliseconds()
	c.finish(ctx, span, attrs, out, time.Since(start))
	return out
}

func (c *Client) complete(caller, ctx context.Context, req Request, cand catalog.Candidate) Outcome {
	callCtx, p, chatReq, err := c.prepare(ctx, req, cand)
	if err != nil {
		return failure(cand.Name, 0, classify(caller, ctx, err), err)
	}

	done := make(chan completion, 1)
	go func() {
		resp, err := p.Completion(callCtx, chatReq)
		done <- completion{resp: resp, err: err}
	}()

	var r completion
	select {
	case r = <-done:
	case <-ctx.Done():
		r.err = ctx.Err()
	}

	if r.err == nil && r.resp == nil {
		r.err = errNilResponse
	}
	if r.err != nil {
		kind := classify(caller, ctx, r.err)
		return failure(cand.Name, 0, kind, c.wrap(cand, kind, r.err))
	}

	tokens, cost := c.usage(cand, chatReq, r.resp.Usage, r.resp.FirstContent())
	return success(cand.Name, 0, tokens, cost, r.resp)
}

// prepare 解析凭据并构造 Provider 与请求。凭据只进入返回的 ctx，不出现在请求体中。
func (c *Client) prepare(ctx context.Context, req Request, cand catalog.Candidate) (context.Context, llm.Provider, *llm.ChatRequest, error) {
	cred, err := c.creds.Resolve(ctx, cand.CredentialRef())
	if err != nil {
		var ce *llm.CredentialError
		if !errors.As(err, &ce) && ctx.Err() == nil {
			err = llm.NewCredentialError(cand.Name, "credential lookup failed", err)
		}
		return nil, nil, nil, err
	}
	p, err := c.factory.Provider(cand)
	if err != nil {
		return nil, nil, nil, llm.NewProviderRequestError(cand.Name, fmt.Errorf("create provider: %w", err))
	}
	return llm.WithCredential(ctx, cred), p, req.ChatRequest(cand.Model, cand.MaxTokens, c.defaults), nil
}

func (c *Client) wrap(cand catalog.Candidate, kind FailureKind, err error) error {
	switch kind {
	case FailureTimeout:
		var te *llm.ProviderTimeoutError
		if errors.As(err, &te) {
			return err
		}
		return &llm.ProviderTimeoutError{Provider: cand.Name, Timeout: c.timeout}
	case FailureRequest:
		var pe *llm.ProviderRequestError
		if errors.As(err, &pe) {
			return err
		}
		return llm.NewProviderRequestError(cand.Name, err)
	}
	return err
}

// usage 计算一次成功调用的 token 与成本。上游未给出 usage 时使用 tokenizer 估算。
func (c *Client) usage(cand catalog.Candidate, chatReq *llm.ChatRequest, u llm.ChatUsage, text string) (int64, float64) {
	input, output := u.PromptTokens, u.CompletionTokens
	total := u.TotalTokens
	if total == 0 {
		total = input + output
	}
	if total == 0 {
		input = c.tokens.CountMessages(cand.Model, tokenizerMessages(chatReq.Messages))
		output = c.tokens.Count(cand.Model, text)
		total = input + output
	}
	if u.Cost > 0 {
		return int64(total), u.Cost
	}
	if input == 0 && output == 0 {
		output = total
	}
	return int64(total), c.cost.Calculate(cand.Vendor, cand.Model, input, output)
}

func tokenizerMessages(msgs []llm.Message) []tokenizer.Message {
	out := make([]tokenizer.Message, len(msgs))
	for i, m := range msgs {
		out[i] = tokenizer.Message{Role: string(m.Role), Content: m.Content}
	}
	return out
}

func (c *Client) attrs(req Request, cand catalog.Candidate, index int, stream bool) observability.AttemptAttrs {
	return observability.AttemptAttrs{
		Provider: cand.Name,
		Vendor:   cand.Vendor,
		Model:    cand.Model,
		UseCase:  string(req.UseCase),
		Index:    index,
		Stream:   stream,
	}
}

// finish 记录一次尝试。被调用方取消的尝试不写入指标。
func (c *Client) finish(ctx context.Context, span trace.Span, attrs observability.AttemptAttrs, out Outcome, d time.Duration) {
	res := observability.AttemptResult{
		Success:  out.OK(),
		Tokens:   out.Tokens,
		Cost:     out.Cost,
		Duration: d,
	}
	if !out.OK() {
		res.FailureKind = string(out.Kind)
		res.Message = vault.SanitizeError(out.Err)
	}
	c.obs.EndAttempt(ctx, span, attrs, res)

	switch {
	case out.OK():
		c.metrics.RecordSuccess(out.Provider, out.LatencyMs, out.Tokens, out.Cost)
		c.logger.Debug("provider attempt succeeded",
			zap.String("provider", out.Provider),
			zap.String("model", attrs.Model),
			zap.Int64("latency_ms", out.LatencyMs),
			zap.Int64("tokens", out.Tokens))
	case out.Kind == FailureCanceled:
		c.logger.Debug("provider attempt canceled", zap.String("provider", out.Provider))
	default:
		c.metrics.RecordFailure(out.Provider, out.LatencyMs)
		c.logger.Warn("provider attempt failed",
			zap.String("provider", out.Provider),
			zap.String("kind", string(out.Kind)),
			zap.Int64("latency_ms", out.LatencyMs),
			zap.Any("error", vault.SanitizeObject(errorFields(out.Err))))
	}
}

// errorFields 把错误展开为可递归脱敏的结构。
func errorFields(err error) map[string]any {
	fields := map[string]any{"message": err.Error()}
	var pe *llm.ProviderRequestError
	if errors.As(err, &pe) {
		fields["status"] = pe.StatusCode
		fields["code"] = string(pe.Code)
	}
	var ce *llm.CredentialError
	if errors.As(err, &ce) {
		fields["reason"] = ce.Reason
	}
	return fields
}
