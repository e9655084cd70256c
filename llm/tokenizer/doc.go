// Package tokenizer 提供统一的 Token 计数接口，
// 支持 tiktoken 精确计数与 CJK 估算器，用于在上游未返回 usage 时估算流式输出的 token 数。
package tokenizer
