// Package api 描述 llmrouter 的 HTTP 接口，处理器实现在 api/handlers。
//
// # 接口一览
//
//	POST /v1/llm/route              按用途调度，stream=true 时返回 text/event-stream
//	GET  /v1/llm/health             Provider 健康快照，整体不健康时返回 503
//	POST /v1/llm/health/check       立即执行一轮探测（需要管理员角色）
//	GET  /v1/llm/metrics            各 Provider 与汇总的调用指标
//	POST /v1/llm/metrics/reset      清空指标，?provider= 只清空单个（需要管理员角色）
//	GET  /health, /healthz          进程存活
//	GET  /ready                     数据库与 Redis 就绪检查
//	GET  /version                   构建信息
//
// Prometheus 抓取端点 /metrics 由独立的监听地址提供。
//
// # 认证
//
// 配置了 JWT 密钥时，/v1/llm/* 需要 Authorization: Bearer <token>（HS256）。
// 令牌中的 account_id 决定可见的账户级 Provider，roles 命中管理员角色时
// 可执行上面标注的管理操作，并能看到健康快照中的错误详情。
//
// # 响应格式
//
// 路由与指标接口使用统一信封：
//
//	{"success": true, "data": {...}, "timestamp": "...", "request_id": "..."}
//	{"success": false, "error": {"code": "LLM_ROUTING_UNAVAILABLE", "message": "...", "details": [...]}}
//
// 健康接口直接返回快照对象，便于负载均衡器按状态码判断。
// 所有错误消息与详情在写出前都经过凭据脱敏。
package api
