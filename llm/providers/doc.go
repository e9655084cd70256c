// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
# 概述

包 providers 是上游适配器的公共基础层：OpenAI 兼容线格式、消息与工具转换、
HTTP 错误到 llm.Error 的映射。路由层只依赖 llm.Provider 接口，具体线协议
由 openaicompat 子包实现。

# 核心函数

  - MapHTTPError — 将 HTTP 状态码映射为语义化的 llm.Error（含 Retryable 标记）
  - ReadErrorMessage — 读取有限长度的错误体并提取消息
  - ConvertMessagesToOpenAI / ConvertToolsToOpenAI / ConvertToolChoice — 请求转换
  - ToLLMChatResponse / ConvertToolCalls / ConvertUsage — 响应转换
  - ChooseModel — 按优先级选择模型（请求 > 默认 > 兜底）
*/
package providers
