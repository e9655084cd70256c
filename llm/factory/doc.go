// Package factory 按目录候选构造上游 Provider 客户端：内置各厂商 OpenAI 兼容端点的预设，
// 候选的 base_url 可覆盖预设，相同配置的候选复用同一个客户端。
package factory
