// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package idempotency 为非流式路由请求提供基于 Idempotency-Key 的结果重放。

同一调用方携带相同幂等键与相同请求体重试时，直接返回首次成功的结果，
不再重复调用上游 Provider。存储键由调用方作用域、客户端幂等键与请求体
指纹做 SHA256 得到。失败结果不会被保存。

# 实现

  - NewCacheManager  — 基于 internal/cache 的 Redis 实现，多实例共享
  - NewMemoryManager — 进程内实现，后台定期清理过期条目
  - GetTyped/SetTyped — 类型化读写封装
*/
package idempotency
