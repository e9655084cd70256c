package router

import (
	"errors"
	"slices"
	"strings"

	"github.com/BaSui01/llmrouter/llm"
	"github.com/BaSui01/llmrouter/llm/catalog"
)

const (
	// DefaultMaxTokens 是请求与候选均未指定时的输出上限。
	DefaultMaxTokens = 1000
	// DefaultTemperature 是请求未指定温度时使用的值。
	DefaultTemperature float32 = 0.7
)

// Request 是一次路由请求，调用方构造后不再修改，调度器也不会修改它。
type Request struct {
	UseCase       catalog.UseCase  `json:"useCase"`
	AccountID     string           `json:"accountId,omitempty"`
	Prompt        string           `json:"prompt"`
	SystemPrompt  string           `json:"systemPrompt,omitempty"`
	MaxTokens     int              `json:"maxTokens,omitempty"`
	Temperature   *float32         `json:"temperature,omitempty"`
	ModelOverride string           `json:"modelOverride,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	Tools         []llm.ToolSchema `json:"tools,omitempty"`
	ToolChoice    string           `json:"toolChoice,omitempty"`
	MaxSteps      int              `json:"maxSteps,omitempty"`
	TraceID       string           `json:"traceId,omitempty"`
}

// Validate 检查请求是否可以调度。
func (r Request) Validate() error {
	if _, err := catalog.ParseUseCase(string(r.UseCase)); err != nil {
		return &llm.Error{Code: llm.ErrInvalidRequest, Message: err.Error(), HTTPStatus: 400}
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return &llm.Error{Code: llm.ErrInvalidRequest, Message: "prompt is required", HTTPStatus: 400}
	}
	if r.MaxTokens < 0 || r.MaxSteps < 0 {
		return &llm.Error{Code: llm.ErrInvalidRequest, Message: "maxTokens and maxSteps must not be negative", HTTPStatus: 400}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return &llm.Error{Code: llm.ErrInvalidRequest, Message: "temperature must be within [0, 2]", HTTPStatus: 400}
	}
	return nil
}

// Messages 返回请求对应的对话消息。
func (r Request) Messages() []llm.Message {
	msgs := make([]llm.Message, 0, 2)
	if r.SystemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: r.SystemPrompt})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: r.Prompt})
}

// ChatRequest 构造发往某个模型的请求。每次调用都返回独立副本，
// 工具定义与步数上限对所有候选一致。
func (r Request) ChatRequest(model string, candidateMaxTokens int, d Defaults) *llm.ChatRequest {
	maxTokens := r.MaxTokens
	if maxTokens == 0 {
		maxTokens = candidateMaxTokens
	}
	if maxTokens == 0 {
		maxTokens = d.MaxTokens
	}
	temperature := d.Temperature
	if r.Temperature != nil {
		temperature = *r.Temperature
	}

	var tools []llm.ToolSchema
	if len(r.Tools) > 0 {
		tools = make([]llm.ToolSchema, len(r.Tools))
		for i, t := range r.Tools {
			tools[i] = llm.ToolSchema{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  slices.Clone(t.Parameters),
			}
		}
	}

	return &llm.ChatRequest{
		TraceID:     r.TraceID,
		AccountID:   r.AccountID,
		Model:       model,
		Messages:    r.Messages(),
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Tools:       tools,
		ToolChoice:  r.ToolChoice,
		MaxSteps:    r.MaxSteps,
		Metadata:    map[string]string{"use_case": string(r.UseCase)},
	}
}

// Defaults 是请求参数的默认值。
type Defaults struct {
	MaxTokens   int
	Temperature float32
}

func (d Defaults) withFallbacks() Defaults {
	if d.MaxTokens <= 0 {
		d.MaxTokens = DefaultMaxTokens
	}
	if d.Temperature <= 0 {
		d.Temperature = DefaultTemperature
	}
	return d
}

// Result 是一次成功调度的结果。
type Result struct {
	Text      string               `json:"text"`
	Provider  string               `json:"provider"`
	Model     string               `json:"model"`
	Usage     llm.ChatUsage        `json:"usage"`
	Cost      float64              `json:"cost"`
	LatencyMs int64                `json:"latencyMs"`
	ToolCalls []llm.ToolCall       `json:"toolCalls,omitempty"`
	Fallback  bool                 `json:"fallback,omitempty"`
	Attempts  []llm.AttemptFailure `json:"attempts,omitempty"` // 成功之前的失败尝试
	Response  *llm.ChatResponse    `json:"-"`
}

func resultFromResponse(resp *llm.ChatResponse) *Result {
	res := &Result{
		Text:     resp.FirstContent(),
		Provider: resp.Provider,
		Model:    resp.Model,
		Usage:    resp.Usage,
		Response: resp,
	}
	if len(resp.Choices) > 0 {
		res.ToolCalls = resp.Choices[0].Message.ToolCalls
	}
	return res
}

var errNilResponse = errors.New("provider returned no response")
