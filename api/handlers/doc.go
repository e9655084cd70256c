// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 llmrouter HTTP API 的请求处理器实现。

# 概述

所有 Handler 均遵循标准 net/http 接口，依赖以小接口声明
（Dispatcher、HealthSource、MetricsSource），由 cmd/llmrouter 注入
router.Client、health.Monitor 与 metrics.Registry。

# 核心类型

  - RouteHandler          — POST /v1/llm/route，同步 JSON 或 SSE 流式响应
  - ProviderHealthHandler — Provider 健康快照与手动探测
  - MetricsHandler        — 调用指标快照与重置
  - HealthHandler         — 进程健康检查（/health, /healthz, /ready, /version）
  - Response / ErrorInfo  — 统一 JSON 响应结构
  - ResponseWriter        — 捕获状态码与字节数，保留 Flusher 能力

# 错误映射

调度错误按类型映射为状态码：参数校验 400，候选耗尽 502（details 为脱敏后的
尝试列表），上游超时 504，凭据错误 500，兜底返回的上游错误统一为网关类状态码。
客户端断开时不写响应体。流式输出开始后的失败以 SSE error 事件结束，不再输出
[DONE] 标记。

# 幂等重放

非流式路由请求携带 Idempotency-Key 时，成功结果按调用方、幂等键与请求体
保存（llm/idempotency），相同请求重试直接返回并带 Idempotent-Replayed 头。

# 权限

管理操作（手动探测、指标重置）读取 ctxkeys.Authorized，由 JWT 中间件根据
角色写入；未授权时返回 403。
*/
package handlers
