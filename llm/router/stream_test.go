package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/llmrouter/llm"
	"github.com/BaSui01/llmrouter/llm/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streamRequest() Request {
	req := baseRequest()
	req.Stream = true
	return req
}

func drain(s *Stream) (string, []llm.StreamChunk) {
	var b strings.Builder
	var got []llm.StreamChunk
	for c := range s.Chunks() {
		got = append(got, c)
		b.WriteString(c.Delta.Content)
	}
	return b.String(), got
}

// dropAfter 先输出给定片段，然后以 cause 中断。
func dropAfter(cause error, parts ...string) func(context.Context, *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	return func(context.Context, *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
		ch := make(chan llm.StreamChunk, len(parts)+1)
		for _, p := range parts {
			ch <- llm.StreamChunk{Delta: llm.Message{Content: p}}
		}
		ch <- llm.StreamChunk{Err: cause}
		close(ch)
		return ch, nil
	}
}

func TestStreamWithFallback_DeliversChunks(t *testing.T) {
	a := &fakeProvider{name: "a", stream: func(context.Context, *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
		ch := make(chan llm.StreamChunk, 3)
		ch <- llm.StreamChunk{Delta: llm.Message{Content: "Hel"}}
		ch <- llm.StreamChunk{Delta: llm.Message{Content: "lo"}}
		ch <- llm.StreamChunk{FinishReason: "stop", Usage: &llm.ChatUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}}
		close(ch)
		return ch, nil
	}}
	e := newEnv(a)

	s, err := e.client(t).StreamWithFallback(context.Background(), streamRequest(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, "a", s.Provider())
	assert.False(t, s.Fallback())

	text, got := drain(s)
	assert.Equal(t, "Hello", text)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].Provider)
	assert.NoError(t, s.Err())

	m, ok := e.metrics.GetMetrics("a")
	require.True(t, ok)
	assert.Equal(t, int64(1), m.SuccessCount)
	assert.Equal(t, int64(5), m.TotalTokens)
}

type keyPerProvider map[string]string

func (k keyPerProvider) Resolve(_ context.Context, ref vault.CredentialRef) (llm.Credential, error) {
	return llm.Credential{APIKey: k[ref.Provider]}, nil
}

func TestStreamWithFallback_CredentialReachesProvider(t *testing.T) {
	a := &fakeProvider{name: "a", stream: func(ctx context.Context, _ *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
		cred, ok := llm.CredentialFromContext(ctx)
		if !ok || cred.APIKey == "" {
			return nil, llm.NewCredentialError("a", "missing api key", nil)
		}
		return chunks("hi"), nil
	}}
	e := newEnv(a)

	s, err := e.client(t, func(o *Options) { o.Credentials = keyPerProvider{"a": "sk-stream-a"} }).
		StreamWithFallback(context.Background(), streamRequest(), nil, "")
	require.NoError(t, err)
	text, _ := drain(s)
	assert.Equal(t, "hi", text)
	assert.Equal(t, "a", s.Provider())

	require.Len(t, a.creds, 1)
	assert.Equal(t, "sk-stream-a", a.creds[0].APIKey)
}

func TestStreamWithFallback_MidStreamDropIsTerminal(t *testing.T) {
	a := &fakeProvider{name: "a", stream: dropAfter(errors.New("connection reset"), "partial ", "answer")}
	b := &fakeProvider{name: "b"}
	e := newEnv(a, b)

	var fallbackCalled bool
	fb := FallbackFunc(func(context.Context, Request) (*Result, error) {
		fallbackCalled = true
		return &Result{}, nil
	})
	s, err := e.client(t).StreamWithFallback(context.Background(), streamRequest(), fb, "")
	require.NoError(t, err)

	text, got := drain(s)
	assert.Equal(t, "partial answer", text)

	var sie *llm.StreamInterruptedError
	require.ErrorAs(t, s.Err(), &sie)
	assert.Equal(t, "a", sie.Provider)
	assert.Equal(t, 2, sie.ChunksDelivered)

	last := got[len(got)-1]
	assert.ErrorAs(t, last.Err, &sie)

	assert.Zero(t, b.calls.Load(), "B must never be attempted after output began")
	assert.False(t, fallbackCalled)

	m, _ := e.metrics.GetMetrics("a")
	assert.Equal(t, int64(1), m.FailureCount)
	assert.Zero(t, m.SuccessCount)
}

func TestStreamWithFallback_FailureBeforeFirstChunkAdvances(t *testing.T) {
	a := &fakeProvider{name: "a", stream: dropAfter(errors.New("refused"))}
	b := &fakeProvider{name: "b", stream: func(context.Context, *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
		return chunks("from ", "b"), nil
	}}
	e := newEnv(a, b)

	s, err := e.client(t).StreamWithFallback(context.Background(), streamRequest(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, "b", s.Provider())
	text, _ := drain(s)
	assert.Equal(t, "from b", text)
	assert.NoError(t, s.Err())

	ma, _ := e.metrics.GetMetrics("a")
	assert.Equal(t, int64(1), ma.FailureCount)
}

func TestStreamWithFallback_OpenErrorAndEmptyStreamAdvance(t *testing.T) {
	a := &fakeProvider{name: "a", stream: func(context.Context, *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
		return nil, &llm.Error{Code: llm.ErrRateLimited, Message: "slow down", HTTPStatus: 429}
	}}
	empty := &fakeProvider{name: "empty", stream: func(context.Context, *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
		return chunks(), nil
	}}
	c := &fakeProvider{name: "c"}
	e := newEnv(a, empty, c)

	s, err := e.client(t).StreamWithFallback(context.Background(), streamRequest(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, "c", s.Provider())
	drain(s)
}

func TestStreamWithFallback_FirstChunkDeadline(t *testing.T) {
	silent := &fakeProvider{name: "silent", stream: func(ctx context.Context, _ *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
		return make(chan llm.StreamChunk), nil
	}}
	b := &fakeProvider{name: "b"}
	e := newEnv(silent, b)

	s, err := e.client(t, func(o *Options) { o.AttemptTimeout = 30 * time.Millisecond }).
		StreamWithFallback(context.Background(), streamRequest(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, "b", s.Provider())
	drain(s)
}

func TestStreamWithFallback_DeadlineDoesNotCoverCommittedStream(t *testing.T) {
	a := &fakeProvider{name: "a", stream: func(ctx context.Context, _ *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
		ch := make(chan llm.StreamChunk)
		go func() {
			defer close(ch)
			for _, p := range []string{"one ", "two"} {
				select {
				case ch <- llm.StreamChunk{Delta: llm.Message{Content: p}}:
				case <-ctx.Done():
					return
				}
				time.Sleep(40 * time.Millisecond)
			}
		}()
		return ch, nil
	}}
	e := newEnv(a)

	s, err := e.client(t, func(o *Options) { o.AttemptTimeout = 25 * time.Millisecond }).
		StreamWithFallback(context.Background(), streamRequest(), nil, "")
	require.NoError(t, err)
	text, _ := drain(s)
	assert.Equal(t, "one two", text)
	assert.NoError(t, s.Err())
}

func TestStreamWithFallback_FallbackWrappedAsSingleChunk(t *testing.T) {
	e := newEnv(&fakeProvider{name: "a", stream: dropAfter(errors.New("down"))})
	fb := FallbackFunc(func(context.Context, Request) (*Result, error) {
		return &Result{Text: "direct answer", Provider: "direct", Model: "gpt-4o-mini", Fallback: true}, nil
	})

	s, err := e.client(t).StreamWithFallback(context.Background(), streamRequest(), fb, "")
	require.NoError(t, err)
	assert.True(t, s.Fallback())
	assert.Equal(t, "direct", s.Provider())
	text, got := drain(s)
	assert.Equal(t, "direct answer", text)
	require.Len(t, got, 1)
	assert.Equal(t, "stop", got[0].FinishReason)
	assert.NoError(t, s.Err())
}

func TestStreamWithFallback_CallerCancelStopsPump(t *testing.T) {
	a := &fakeProvider{name: "a", stream: func(ctx context.Context, _ *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
		ch := make(chan llm.StreamChunk)
		go func() {
			defer close(ch)
			for {
				select {
				case ch <- llm.StreamChunk{Delta: llm.Message{Content: "x"}}:
				case <-ctx.Done():
					return
				}
			}
		}()
		return ch, nil
	}}
	e := newEnv(a)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := e.client(t).StreamWithFallback(ctx, streamRequest(), nil, "")
	require.NoError(t, err)

	<-s.Chunks()
	cancel()
	drain(s)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("pump did not stop after cancellation")
	}
	assert.ErrorIs(t, s.Err(), context.Canceled)

	m, _ := e.metrics.GetMetrics("a")
	assert.Zero(t, m.SuccessCount, "canceled stream records no success")
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	e := newEnv(&fakeProvider{name: "a"})
	s, err := e.client(t).StreamWithFallback(context.Background(), streamRequest(), nil, "")
	require.NoError(t, err)
	s.Close()
	s.Close()
	drain(s)
	<-s.Done()
}

func TestStreamWithFallback_ExhaustedWithoutFallback(t *testing.T) {
	e := newEnv(
		&fakeProvider{name: "a", stream: dropAfter(errors.New("down"))},
		&fakeProvider{name: "b", stream: dropAfter(errors.New("down"))},
	)
	_, err := e.client(t).StreamWithFallback(context.Background(), streamRequest(), nil, "")
	var ex *llm.AllProvidersExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Len(t, ex.Attempts, 2)
}
