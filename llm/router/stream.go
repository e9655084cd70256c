package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/llmrouter/llm"
	"github.com/BaSui01/llmrouter/llm/catalog"
	"github.com/BaSui01/llmrouter/llm/observability"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var errEmptyStream = errors.New("stream closed before first chunk")

// Stream 是已经提交给某个 Provider 的流式输出。
// 读取方应读完 Chunks() 直到关闭，然后调用 Err()。
type Stream struct {
	chunks   chan llm.StreamChunk
	done     chan struct{}
	err      error
	provider string
	model    string
	fallback bool

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Chunks 返回增量输出通道，流结束后关闭。
func (s *Stream) Chunks() <-chan llm.StreamChunk { return s.chunks }

// Done 在流结束后关闭。
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err 返回流的终止错误。流未结束时返回 nil，不会阻塞。
// 中途失败时为 *llm.StreamInterruptedError。
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Provider 返回输出该流的 Provider。
func (s *Stream) Provider() string { return s.provider }

// Model 返回输出该流的模型。
func (s *Stream) Model() string { return s.model }

// Fallback 表示该流来自直连兜底。
func (s *Stream) Fallback() bool { return s.fallback }

// Close 停止读取上游，可重复调用。
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// StreamWithFallback 按候选顺序打开流。首个 chunk 到达之前的失败会切换到下一个候选；
// 首个 chunk 交付之后的失败不再重试，以 *llm.StreamInterruptedError 结束流。
// 全部候选失败后恰好调用一次 fallback，其结果包装为单个 chunk 的流，错误原样返回。
func (c *Client) StreamWithFallback(ctx context.Context, req Request, fallback DirectFallback, authToken string) (*Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx = llm.WithAuthToken(ctx, authToken)
	ctx, span := c.obs.StartDispatch(ctx, string(req.UseCase), true)

	cands := c.candidates(ctx, req)
	var failures []llm.AttemptFailure

	for i, cand := range cands {
		if c.skip(ctx, req, cands, i) {
			continue
		}
		s, out := c.openStream(ctx, span, req, cand, i)
		if s != nil {
			return s, nil
		}
		if out.Kind == FailureCanceled {
			span.End()
			return nil, ctx.Err()
		}
		failures = append(failures, out.Failure())
	}
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := c.runFallback(ctx, req, fallback, failures)
	if err != nil {
		return nil, err
	}
	return streamFromResult(res), nil
}

type opened struct {
	ch    <-chan llm.StreamChunk
	first llm.StreamChunk
	ok    bool
	err   error
}

// openStream 在截止时间内打开流并等待首个 chunk。成功时返回已提交的流，
// 截止时间只覆盖打开与首个 chunk。
func (c *Client) openStream(ctx context.Context, dispatch trace.Span, req Request, cand catalog.Candidate, index int) (*Stream, Outcome) {
	attrs := c.attrs(req, cand, index, true)
	spanCtx, span := c.obs.StartAttempt(ctx, attrs)
	start := time.Now()

	streamCtx, cancel := context.WithCancelCause(spanCtx)
	timer := time.AfterFunc(c.timeout, func() { cancel(context.DeadlineExceeded) })

	fail := func(err error) (*Stream, Outcome) {
		timer.Stop()
		kind := classify(ctx, streamCtx, err)
		cancel(context.Canceled)
		out := failure(cand.Name, time.Since(start).Milliseconds(), kind, c.wrap(cand, kind, err))
		c.finish(ctx, span, attrs, out, time.Since(start))
		return nil, out
	}

	callCtx, p, chatReq, err := c.prepare(streamCtx, req, cand)
	if err != nil {
		return fail(err)
	}

	res := make(chan opened, 1)
	go func() {
		ch, err := p.Stream(callCtx, chatReq)
		if err != nil {
			res <- opened{err: err}
			return
		}
		select {
		case first, ok := <-ch:
			res <- opened{ch: ch, first: first, ok: ok}
		case <-streamCtx.Done():
			res <- opened{err: streamCtx.Err()}
		}
	}()

	var o opened
	select {
	case o = <-res:
	case <-streamCtx.Done():
		o.err = streamCtx.Err()
	}
	switch {
	case o.err != nil:
		return fail(o.err)
	case !o.ok:
		return fail(errEmptyStream)
	case o.first.Err != nil:
		return fail(o.first.Err)
	}
	timer.Stop()

	s := &Stream{
		chunks:   make(chan llm.StreamChunk),
		done:     make(chan struct{}),
		provider: cand.Name,
		model:    cand.Model,
		cancel:   func() { cancel(context.Canceled) },
	}
	c.logger.Debug("stream committed",
		zap.String("provider", cand.Name),
		zap.Int64("first_chunk_ms", time.Since(start).Milliseconds()))

	pm := &pump{
		client:   c,
		caller:   ctx,
		ctx:      streamCtx,
		stream:   s,
		cand:     cand,
		chatReq:  chatReq,
		attrs:    attrs,
		span:     span,
		dispatch: dispatch,
		start:    start,
	}
	go pm.run(o.ch, o.first)
	return s, Outcome{Provider: cand.Name}
}

// pump 把上游 chunk 转发给调用方，并在流结束时记录一次结果。
type pump struct {
	client   *Client
	caller   context.Context
	ctx      context.Context
	stream   *Stream
	cand     catalog.Candidate
	chatReq  *llm.ChatRequest
	attrs    observability.AttemptAttrs
	span     trace.Span
	dispatch trace.Span
	start    time.Time

	delivered int
	text      strings.Builder
	usage     *llm.ChatUsage
}

func (p *pump) run(ch <-chan llm.StreamChunk, first llm.StreamChunk) {
	defer p.dispatch.End()
	defer p.stream.Close()

	if !p.forward(first) {
		p.end(p.canceled())
		return
	}
	for {
		select {
		case chunk, ok := <-ch:
			// 上游可能因调用方取消而关闭通道，此时不算完成
			if p.ctx.Err() != nil {
				p.end(p.canceled())
				return
			}
			if !ok {
				p.end(p.completed())
				return
			}
			if chunk.Err != nil {
				p.end(p.interrupted(chunk.Err))
				return
			}
			if !p.forward(chunk) {
				p.end(p.canceled())
				return
			}
		case <-p.ctx.Done():
			p.end(p.canceled())
			return
		}
	}
}

func (p *pump) forward(chunk llm.StreamChunk) bool {
	if chunk.Provider == "" {
		chunk.Provider = p.cand.Name
	}
	if chunk.Model == "" {
		chunk.Model = p.cand.Model
	}
	select {
	case p.stream.chunks <- chunk:
	case <-p.ctx.Done():
		return false
	}
	p.delivered++
	p.text.WriteString(chunk.Delta.Content)
	if chunk.Usage != nil {
		u := *chunk.Usage
		p.usage = &u
	}
	return true
}

func (p *pump) completed() Outcome {
	var u llm.ChatUsage
	if p.usage != nil {
		u = *p.usage
	}
	tokens, cost := p.client.usage(p.cand, p.chatReq, u, p.text.String())
	return success(p.cand.Name, time.Since(p.start).Milliseconds(), tokens, cost, nil)
}

func (p *pump) interrupted(cause error) Outcome {
	err := &llm.StreamInterruptedError{
		Provider:        p.cand.Name,
		ChunksDelivered: p.delivered,
		Cause:           cause,
	}
	// 调用方仍在读取时把错误作为最后一个 chunk 交付
	select {
	case p.stream.chunks <- llm.StreamChunk{Provider: p.cand.Name, Model: p.cand.Model, Err: err}:
	case <-p.ctx.Done():
	}
	return failure(p.cand.Name, time.Since(p.start).Milliseconds(), FailureStream, err)
}

func (p *pump) canceled() Outcome {
	err := context.Cause(p.ctx)
	if err == nil {
		err = context.Canceled
	}
	return failure(p.cand.Name, time.Since(p.start).Milliseconds(), FailureCanceled, err)
}

// end 记录结果并关闭流。err 必须在关闭 done 之前写入。
func (p *pump) end(out Outcome) {
	p.client.finish(p.caller, p.span, p.attrs, out, time.Since(p.start))
	p.stream.err = out.Err
	close(p.stream.done)
	close(p.stream.chunks)
}

// streamFromResult 把兜底结果包装为只有一个 chunk 的流。
func streamFromResult(res *Result) *Stream {
	s := &Stream{
		chunks:   make(chan llm.StreamChunk, 1),
		done:     make(chan struct{}),
		fallback: true,
	}
	if res == nil {
		close(s.done)
		close(s.chunks)
		return s
	}
	s.provider = res.Provider
	s.model = res.Model
	usage := res.Usage
	s.chunks <- llm.StreamChunk{
		Provider: res.Provider,
		Model:    res.Model,
		Delta: llm.Message{
			Role:      llm.RoleAssistant,
			Content:   res.Text,
			ToolCalls: res.ToolCalls,
		},
		FinishReason: "stop",
		Usage:        &usage,
	}
	close(s.done)
	close(s.chunks)
	return s
}
