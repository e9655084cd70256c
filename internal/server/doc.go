// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 HTTP 服务器生命周期管理：非阻塞启动、优雅关闭与
异步错误传播。

llmrouter 进程运行两个 Manager：一个承载 /v1/llm/* API，一个承载
Prometheus 抓取端点 /metrics。信号处理由 cmd/llmrouter 负责，收到
SIGINT/SIGTERM 后依次调用各 Manager 的 Shutdown。

API 服务器的 WriteTimeout 默认为 0，SSE 路由的长连接不会被写超时截断。
*/
package server
