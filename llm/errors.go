package llm

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// 路由错误类型
// =============================================================================
// 单个候选的 CredentialError / ProviderTimeoutError / ProviderRequestError
// 在分发循环内被消化；AllProvidersExhaustedError 与 StreamInterruptedError 会返回给调用方。

// CredentialError 表示凭据缺失、格式非法或解密失败。
type CredentialError struct {
	Provider string
	Reason   string
	Cause    error
}

func (e *CredentialError) Error() string {
	var b strings.Builder
	b.WriteString("credential error")
	if e.Provider != "" {
		b.WriteString(" for ")
		b.WriteString(e.Provider)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

func (e *CredentialError) Unwrap() error { return e.Cause }

// NewCredentialError 创建凭据错误。
func NewCredentialError(provider, reason string, cause error) *CredentialError {
	return &CredentialError{Provider: provider, Reason: reason, Cause: cause}
}

// ProviderTimeoutError 表示单次尝试超过了截止时间。
type ProviderTimeoutError struct {
	Provider string
	Timeout  time.Duration
}

func (e *ProviderTimeoutError) Error() string {
	return fmt.Sprintf("provider %s timed out after %s", e.Provider, e.Timeout)
}

// ProviderRequestError 表示 Provider 返回了非成功响应或网络失败。
type ProviderRequestError struct {
	Provider   string
	StatusCode int
	Code       ErrorCode
	Message    string
	Cause      error
}

func (e *ProviderRequestError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s request failed (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s request failed: %s", e.Provider, e.Message)
}

func (e *ProviderRequestError) Unwrap() error { return e.Cause }

// NewProviderRequestError 从任意上游错误构造 ProviderRequestError，
// 若 err 为 *Error 则保留其状态码与错误码。
func NewProviderRequestError(provider string, err error) *ProviderRequestError {
	pe := &ProviderRequestError{Provider: provider, Code: ErrUpstreamError, Cause: err}
	if err != nil {
		pe.Message = err.Error()
	}
	var le *Error
	if errors.As(err, &le) {
		pe.StatusCode = le.HTTPStatus
		pe.Code = le.Code
		pe.Message = le.Message
	}
	return pe
}

// AttemptFailure 记录一次失败尝试，Message 已经过脱敏。
type AttemptFailure struct {
	Provider string `json:"provider"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
}

// AllProvidersExhaustedError 表示所有候选均失败且没有提供兜底。
type AllProvidersExhaustedError struct {
	UseCase  string
	Attempts []AttemptFailure
}

func (e *AllProvidersExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("no providers available for use case %q", e.UseCase)
	}
	names := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		names = append(names, a.Provider+"("+a.Kind+")")
	}
	return fmt.Sprintf("all providers exhausted for use case %q: %s", e.UseCase, strings.Join(names, ", "))
}

// StreamInterruptedError 表示流式输出开始后 Provider 失败，不可重试。
type StreamInterruptedError struct {
	Provider        string
	ChunksDelivered int
	Cause           error
}

func (e *StreamInterruptedError) Error() string {
	return fmt.Sprintf("stream from %s interrupted after %d chunks: %v", e.Provider, e.ChunksDelivered, e.Cause)
}

func (e *StreamInterruptedError) Unwrap() error { return e.Cause }
