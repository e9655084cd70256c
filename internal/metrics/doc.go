// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 把路由服务的运行状态导出为 Prometheus 指标。

# 核心类型

  - Collector：按 namespace 注册 Counter、Histogram、Gauge 向量指标。
    注册目标可以是默认 Registerer，也可以是测试用的独立 Registry。

# 指标

  - HTTP：请求总数、耗时与响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - Provider 尝试：按 provider/outcome 统计次数与耗时，Token 与成本累计。
    Collector 实现 llm/metrics.Observer，挂到进程内注册表上即可同步。
  - 健康：llm_provider_healthy Gauge 与探测耗时，由 health.WithObserver 回调写入。
*/
package metrics
