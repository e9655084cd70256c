// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 llm 定义路由层与各 Provider 之间共享的请求、响应与错误模型。

# 概述

上层只与 [Provider] 接口交互，厂商差异由 llm/providers 下的适配器吸收。
路由、健康探测与指标等能力位于子包中，本包只保留它们共同依赖的类型。

# 核心接口

  - [Provider]：Completion / Stream / HealthCheck / Name

# 核心类型

  - [ChatRequest] / [ChatResponse]：聊天请求与响应
  - [StreamChunk]：流式输出分片，Err 非空表示流中断
  - [HealthStatus]：单次健康探测结果
  - [Credential]：单次调用的凭据，通过 context 传给适配器

# 错误模型

  - [Error]：带 [ErrorCode] 与 HTTP 状态码的统一错误
  - [CredentialError]：凭据缺失或无法解密
  - [ProviderTimeoutError] / [ProviderRequestError]：单次尝试失败
  - [AllProvidersExhaustedError]：所有候选均失败，携带逐个尝试的 [AttemptFailure]
  - [StreamInterruptedError]：首个分片之后的流中断

# 相关子包

  - llm/catalog：Provider 目录、用途匹配与排序
  - llm/vault：凭据加密、解析与错误脱敏
  - llm/health：周期性健康探测
  - llm/metrics：按 Provider 的调用统计
  - llm/router：按用途调度、失败转移与直连兜底
  - llm/idempotency：Idempotency-Key 结果重放
  - llm/factory：按目录记录构造并缓存 Provider 实例
*/
package llm
