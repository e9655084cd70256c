// Package openaicompat 实现 OpenAI Chat Completions 线协议，供所有兼容该协议的
// 厂商共用（openai、deepseek、qwen、glm、grok、kimi、mistral，以及 Anthropic 的兼容端点）。
//
// 凭据不写入配置：路由层在每次尝试前把解析出的凭据放进 ctx，
// Provider 通过 llm.CredentialFromContext 读取，Config.APIKey 仅作为缺省值。
//
// 用法：
//
//	p := openaicompat.New(openaicompat.Config{
//	    ProviderName: "deepseek-chat",
//	    BaseURL:      "https://api.deepseek.com",
//	    DefaultModel: "deepseek-chat",
//	}, logger)
//	resp, err := p.Completion(llm.WithCredential(ctx, cred), req)
package openaicompat
