// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package config 提供 llmrouter 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（前缀 LLMROUTER）的顺序叠加。
// Watcher 轮询配置文件，变更后重新加载并回调，用于热更新静态 Provider 目录。
package config
