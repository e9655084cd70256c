// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package tlsutil 为访问上游 Provider 的 HTTP 客户端提供统一的 TLS 加固设置
// （TLS 1.2+，仅 AEAD 密码套件），并区分同步调用与流式调用的超时策略。
package tlsutil
