// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 llmrouter 服务端程序入口。

# 概述

cmd/llmrouter 把 Provider 目录、凭据 Vault、健康监控、指标注册表与
路由客户端装配成一个 HTTP 服务，并提供数据库迁移与密钥管理子命令。

# 核心类型

  - Server      — 装配全部组件，管理 API 与 Metrics 双端口及优雅关闭
  - Middleware  — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - keysCommand — keys 子命令共享的数据库与 Vault 依赖

# 主要能力

  - 子命令：serve、migrate、keys、version、health
  - 中间件链：Recovery、RequestID、OTelTracing、SecurityHeaders、
    RequestLogger、MetricsMiddleware、JWTAuth、RateLimiter（按账户或 IP）
  - 目录来源：配置了数据库时读数据库（可选 Redis 缓存），否则使用配置文件中的静态目录
  - 热更新：静态目录随配置文件变更替换，并同步健康监控注册
  - 优雅关闭：信号监听 → 停止监听与探测 → 关闭 HTTP → 刷新遥测 → 关闭存储
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
