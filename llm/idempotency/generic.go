package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// GetTyped 读取并反序列化为 T
//
//	res, found, err := idempotency.GetTyped[router.Result](m, ctx, key)
func GetTyped[T any](m Manager, ctx context.Context, key string) (T, bool, error) {
	var zero T
	raw, found, err := m.Get(ctx, key)
	if err != nil || !found {
		return zero, found, err
	}
	var result T
	if err := json.Unmarshal(raw, &result); err != nil {
		return zero, false, fmt.Errorf("unmarshal idempotent result: %w", err)
	}
	return result, true, nil
}

// SetTyped 是 Manager.Set 的类型化封装
func SetTyped[T any](m Manager, ctx context.Context, key string, result T, ttl time.Duration) error {
	return m.Set(ctx, key, result, ttl)
}
