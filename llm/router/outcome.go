package router

import (
	"context"
	"errors"

	"github.com/BaSui01/llmrouter/llm"
	"github.com/BaSui01/llmrouter/llm/vault"
)

// FailureKind 是失败尝试的分类。
type FailureKind string

const (
	FailureCredential FailureKind = "credential"
	FailureTimeout    FailureKind = "timeout"
	FailureRequest    FailureKind = "request"
	FailureCanceled   FailureKind = "canceled"
	FailureStream     FailureKind = "stream_interrupted"
)

// Outcome 是单次尝试的结果：Err 为 nil 时为成功，否则 Kind 给出失败类型。
type Outcome struct {
	Provider  string
	LatencyMs int64

	// 成功
	Tokens   int64
	Cost     float64
	Response *llm.ChatResponse

	// 失败
	Kind FailureKind
	Err  error
}

// OK 表示尝试成功。
func (o Outcome) OK() bool { return o.Err == nil }

// Failure 返回脱敏后的失败记录。
func (o Outcome) Failure() llm.AttemptFailure {
	return llm.AttemptFailure{
		Provider: o.Provider,
		Kind:     string(o.Kind),
		Message:  vault.SanitizeError(o.Err),
	}
}

func success(provider string, latencyMs, tokens int64, cost float64, resp *llm.ChatResponse) Outcome {
	return Outcome{Provider: provider, LatencyMs: latencyMs, Tokens: tokens, Cost: cost, Response: resp}
}

func failure(provider string, latencyMs int64, kind FailureKind, err error) Outcome {
	return Outcome{Provider: provider, LatencyMs: latencyMs, Kind: kind, Err: err}
}

// classify 把一次尝试的错误归类。caller 为调用方 ctx，attempt 为单次尝试 ctx。
func classify(caller, attempt context.Context, err error) FailureKind {
	if caller.Err() != nil {
		return FailureCanceled
	}
	var ce *llm.CredentialError
	if errors.As(err, &ce) {
		return FailureCredential
	}
	var te *llm.ProviderTimeoutError
	if errors.As(err, &te) || errors.Is(context.Cause(attempt), context.DeadlineExceeded) {
		return FailureTimeout
	}
	var se *llm.StreamInterruptedError
	if errors.As(err, &se) {
		return FailureStream
	}
	return FailureRequest
}
