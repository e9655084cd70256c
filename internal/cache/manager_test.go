package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Manager 测试
// =============================================================================

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)

	manager, err := NewManager(Config{
		Addr:       mr.Addr(),
		KeyPrefix:  "test:",
		DefaultTTL: time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	return mr, manager
}

func TestNewManager_ConnectFailure(t *testing.T) {
	_, err := NewManager(Config{Addr: "127.0.0.1:1"}, nil)
	assert.ErrorContains(t, err, "failed to connect to redis")
}

func TestManager_SetAndGetUsePrefix(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "k", "v", 0))
	got, err := manager.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	raw, err := mr.Get("test:k")
	require.NoError(t, err)
	assert.Equal(t, "v", raw)
	assert.Equal(t, time.Minute, mr.TTL("test:k"))
}

func TestManager_Miss(t *testing.T) {
	_, manager := setupTestRedis(t)

	_, err := manager.Get(context.Background(), "absent")
	assert.True(t, IsCacheMiss(err))
	assert.True(t, IsCacheMiss(fmt.Errorf("wrapped: %w", err)))

	var dest []string
	assert.True(t, IsCacheMiss(manager.GetJSON(context.Background(), "absent", &dest)))
}

func TestManager_JSON(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	type entry struct {
		Name string `json:"name"`
	}
	require.NoError(t, manager.SetJSON(ctx, "list", []entry{{"a"}, {"b"}}, 5*time.Second))
	assert.Equal(t, 5*time.Second, mr.TTL("test:list"))

	var got []entry
	require.NoError(t, manager.GetJSON(ctx, "list", &got))
	assert.Equal(t, []entry{{"a"}, {"b"}}, got)

	assert.Error(t, manager.SetJSON(ctx, "bad", make(chan int), 0))

	require.NoError(t, mr.Set("test:garbage", "{not json"))
	assert.ErrorContains(t, manager.GetJSON(ctx, "garbage", &got), "unmarshal")
}

func TestManager_Delete(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "a", "1", 0))
	require.NoError(t, manager.Set(ctx, "b", "2", 0))
	require.NoError(t, manager.Delete(ctx, "a", "b"))
	require.NoError(t, manager.Delete(ctx))
	assert.False(t, mr.Exists("test:a"))
	assert.False(t, mr.Exists("test:b"))
}

func TestManager_TTLExpiry(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "short", "v", time.Second))
	mr.FastForward(2 * time.Second)
	_, err := manager.Get(ctx, "short")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_RedisDown(t *testing.T) {
	mr, manager := setupTestRedis(t)
	mr.Close()

	ctx := context.Background()
	assert.Error(t, manager.Ping(ctx))
	_, err := manager.Get(ctx, "k")
	assert.Error(t, err)
	assert.False(t, IsCacheMiss(err))
}

func TestManager_Closed(t *testing.T) {
	_, manager := setupTestRedis(t)
	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	ctx := context.Background()
	_, err := manager.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, manager.Set(ctx, "k", "v", 0), ErrClosed)
	assert.ErrorIs(t, manager.Delete(ctx, "k"), ErrClosed)
	assert.ErrorIs(t, manager.Ping(ctx), ErrClosed)
}

func TestManager_HealthLoopStopsOnClose(t *testing.T) {
	mr := miniredis.RunT(t)
	manager, err := NewManager(Config{Addr: mr.Addr(), HealthCheckInterval: 5 * time.Millisecond}, nil)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, manager.Close())
}

func TestManager_ConcurrentOperations(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			assert.NoError(t, manager.Set(ctx, key, key, 0))
			got, err := manager.Get(ctx, key)
			assert.NoError(t, err)
			assert.Equal(t, key, got)
		}(i)
	}
	wg.Wait()
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "llmrouter:", cfg.KeyPrefix)
	assert.Equal(t, 30*time.Second, cfg.DefaultTTL)
}
