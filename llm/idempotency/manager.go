package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/llmrouter/internal/cache"
)

// =============================================================================
// 🔁 路由结果重放
// =============================================================================

// MaxClientKeyLength 是 Idempotency-Key 请求头允许的最大长度
const MaxClientKeyLength = 255

// DefaultTTL 是 Set 传入非正 ttl 时的保留时间
const DefaultTTL = 10 * time.Minute

// ErrInvalidKey 客户端幂等键为空或过长
var ErrInvalidKey = errors.New("idempotency key must be 1-255 characters")

// Manager 保存已完成的路由结果，供同一调用方携带同一幂等键重试时直接返回
type Manager interface {
	// Key 由调用方作用域、客户端幂等键与请求体指纹生成存储键
	Key(scope, clientKey string, payload any) (string, error)

	// Get 读取已保存的结果
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)

	// Set 保存结果
	Set(ctx context.Context, key string, result any, ttl time.Duration) error

	// Delete 删除结果
	Delete(ctx context.Context, key string) error
}

// buildKey 对 [scope, clientKey, payload] 做 SHA256。
// 请求体变化时得到不同的键，旧结果不会被错误重放。
func buildKey(scope, clientKey string, payload any) (string, error) {
	if clientKey == "" || len(clientKey) > MaxClientKeyLength {
		return "", ErrInvalidKey
	}
	data, err := json.Marshal([]any{scope, clientKey, payload})
	if err != nil {
		return "", fmt.Errorf("marshal idempotency inputs: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// =============================================================================
// 💾 Redis 实现（复用缓存管理器）
// =============================================================================

type cacheManager struct {
	cache  *cache.Manager
	prefix string
	logger *zap.Logger
}

// NewCacheManager 创建基于 Redis 缓存管理器的实现，多实例部署时共享重放结果
func NewCacheManager(c *cache.Manager, logger *zap.Logger) Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &cacheManager{
		cache:  c,
		prefix: "idempotency:",
		logger: logger.With(zap.String("component", "idempotency")),
	}
}

func (m *cacheManager) Key(scope, clientKey string, payload any) (string, error) {
	return buildKey(scope, clientKey, payload)
}

func (m *cacheManager) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	val, err := m.cache.Get(ctx, m.prefix+key)
	if cache.IsCacheMiss(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	m.logger.Debug("idempotency hit", zap.String("key", key), zap.Int("size", len(val)))
	return json.RawMessage(val), true, nil
}

func (m *cacheManager) Set(ctx context.Context, key string, result any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return m.cache.SetJSON(ctx, m.prefix+key, result, ttl)
}

func (m *cacheManager) Delete(ctx context.Context, key string) error {
	return m.cache.Delete(ctx, m.prefix+key)
}

// =============================================================================
// 🧠 内存实现
// =============================================================================

type entry struct {
	data      json.RawMessage
	expiresAt time.Time
}

// MemoryManager 单实例部署时使用的内存实现，后台定期清理过期条目
type MemoryManager struct {
	mu      sync.RWMutex
	entries map[string]entry
	logger  *zap.Logger
	now     func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMemoryManager 创建内存实现，cleanupInterval 非正时不启动后台清理
func NewMemoryManager(logger *zap.Logger, cleanupInterval time.Duration) *MemoryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &MemoryManager{
		entries: make(map[string]entry),
		logger:  logger.With(zap.String("component", "idempotency")),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go m.cleanupLoop(cleanupInterval)
	}
	return m
}

func (m *MemoryManager) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCh:
			return
		}
	}
}

func (m *MemoryManager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	expired := 0
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
			expired++
		}
	}
	if expired > 0 {
		m.logger.Debug("cleaned up expired idempotency entries",
			zap.Int("expired", expired),
			zap.Int("remaining", len(m.entries)))
	}
}

// Close 停止后台清理，可重复调用
func (m *MemoryManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Len 返回当前条目数（含尚未清理的过期条目）
func (m *MemoryManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryManager) Key(scope, clientKey string, payload any) (string, error) {
	return buildKey(scope, clientKey, payload)
}

func (m *MemoryManager) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if m.now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, false, nil
	}
	return e.data, true, nil
}

func (m *MemoryManager) Set(_ context.Context, key string, result any, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal idempotent result: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	m.entries[key] = entry{data: data, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryManager) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}
