// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 observability 基于 OpenTelemetry 为路由调度提供追踪与指标。

# 概述

每一次 Provider 尝试对应一个 router.attempt Span，并同步更新尝试计数、
失败计数（按失败类型）、健康跳过计数、兜底计数、延迟直方图、Token 与成本。
TracerProvider 与 MeterProvider 默认取自全局 otel，由 internal/telemetry 初始化。

# 核心接口

  - Metrics：尝试级别的 Span 与指标记录器，nil 接收者安全，未配置时不产生任何开销。
  - AttemptAttrs / AttemptResult：一次尝试的输入属性与结果。
*/
package observability
