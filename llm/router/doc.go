// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 router 是业务逻辑调用上游模型的唯一入口：按用途排序候选 Provider，
跳过健康监控判定为不健康的候选，逐个尝试，并在全部失败后恰好调用一次直连兜底。

# 调度流程

  1. 从目录取得按用途排好序的候选列表。
  2. 依次处理候选：已被探测为不健康且后面还有候选时跳过；
     否则解析凭据（失败计为一次失败尝试），在单次尝试截止时间内调用。
  3. 每次尝试结束都把延迟、Token 与成本写入指标注册表，成功立即返回。
  4. 候选耗尽时调用 DirectFallback 一次并原样返回其结果；未提供兜底时返回
     *llm.AllProvidersExhaustedError。

# 流式

首个输出块到达之前的失败可以切换到下一个候选；首个输出块交付给调用方之后的失败
以 *llm.StreamInterruptedError 结束流，不会在其它候选上重试。

# 核心接口

  - Client：调度器，通过 Options 注入目录、健康视图、指标、凭据解析与 Provider 工厂。
  - DirectFallback：单方法的兜底策略，FallbackFunc 与 ProviderFallback 为两种实现。
  - Outcome：单次尝试的结果值，调度循环据其 Kind 决定是否前进。
*/
package router
