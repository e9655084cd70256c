package idempotency

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/llmrouter/internal/cache"
)

type replayed struct {
	Text     string `json:"text"`
	Provider string `json:"provider"`
}

func TestBuildKey(t *testing.T) {
	body := map[string]string{"prompt": "hi"}

	k1, err := buildKey("acct-1", "req-1", body)
	require.NoError(t, err)
	assert.Len(t, k1, 64)

	same, err := buildKey("acct-1", "req-1", map[string]string{"prompt": "hi"})
	require.NoError(t, err)
	assert.Equal(t, k1, same)

	otherScope, _ := buildKey("acct-2", "req-1", body)
	otherBody, _ := buildKey("acct-1", "req-1", map[string]string{"prompt": "bye"})
	assert.NotEqual(t, k1, otherScope)
	assert.NotEqual(t, k1, otherBody)

	_, err = buildKey("acct-1", "", body)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = buildKey("acct-1", strings.Repeat("x", MaxClientKeyLength+1), body)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestMemoryManager_RoundTripAndExpiry(t *testing.T) {
	m := NewMemoryManager(zap.NewNop(), 0)
	t.Cleanup(m.Close)
	ctx := context.Background()

	now := time.Now()
	m.now = func() time.Time { return now }

	require.NoError(t, SetTyped(m, ctx, "k", replayed{Text: "hello", Provider: "openai-main"}, time.Minute))
	got, ok, err := GetTyped[replayed](m, ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", got.Text)

	now = now.Add(2 * time.Minute)
	_, ok, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, m.Len())
}

func TestMemoryManager_DefaultTTLAndDelete(t *testing.T) {
	m := NewMemoryManager(nil, 0)
	t.Cleanup(m.Close)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", replayed{Text: "x"}, 0))
	m.mu.RLock()
	e := m.entries["k"]
	m.mu.RUnlock()
	assert.WithinDuration(t, time.Now().Add(DefaultTTL), e.expiresAt, 5*time.Second)

	require.NoError(t, m.Delete(ctx, "k"))
	_, ok, _ := m.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryManager_CleanupLoop(t *testing.T) {
	m := NewMemoryManager(zap.NewNop(), 10*time.Millisecond)
	t.Cleanup(m.Close)

	require.NoError(t, m.Set(context.Background(), "short", replayed{}, time.Millisecond))
	assert.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 10*time.Millisecond)

	m.Close()
	m.Close()
}

func TestCacheManager_UsesRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := cache.NewManager(cache.Config{Addr: mr.Addr(), KeyPrefix: "llmrouter:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	m := NewCacheManager(c, nil)
	ctx := context.Background()
	key, err := m.Key("acct-1", "req-1", "body")
	require.NoError(t, err)

	_, ok, err := m.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, SetTyped(m, ctx, key, replayed{Text: "cached", Provider: "qwen"}, time.Minute))
	assert.True(t, mr.Exists("llmrouter:idempotency:"+key))
	assert.Equal(t, time.Minute, mr.TTL("llmrouter:idempotency:"+key))

	got, ok, err := GetTyped[replayed](m, ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, replayed{Text: "cached", Provider: "qwen"}, got)

	mr.FastForward(2 * time.Minute)
	_, ok, err = m.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Delete(ctx, key))
}

func TestGetTyped_BadPayload(t *testing.T) {
	m := NewMemoryManager(nil, 0)
	t.Cleanup(m.Close)
	require.NoError(t, m.Set(context.Background(), "k", "not an object", time.Minute))

	_, ok, err := GetTyped[replayed](m, context.Background(), "k")
	assert.Error(t, err)
	assert.False(t, ok)
}
