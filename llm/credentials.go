package llm

import (
	"context"
	"encoding/json"
)

type credentialKey struct{}

// Credential 是路由层为单次尝试解析出的 Provider 凭据。
// 只通过 context 传递给适配器，任何格式化输出都会被遮蔽。
type Credential struct {
	APIKey  string
	Version int
}

func (c Credential) String() string {
	if c.APIKey == "" {
		return "Credential{}"
	}
	return "Credential{APIKey:***}"
}

func (c Credential) GoString() string { return c.String() }

func (c Credential) MarshalJSON() ([]byte, error) {
	type masked struct {
		APIKey  string `json:"api_key,omitempty"`
		Version int    `json:"version,omitempty"`
	}
	out := masked{Version: c.Version}
	if c.APIKey != "" {
		out.APIKey = "***"
	}
	return json.Marshal(out)
}

// WithCredential 在 ctx 中写入凭据。空 APIKey 不会改变 ctx。
func WithCredential(ctx context.Context, c Credential) context.Context {
	if c.APIKey == "" {
		return ctx
	}
	return context.WithValue(ctx, credentialKey{}, c)
}

// CredentialFromContext 从 ctx 读取凭据。
func CredentialFromContext(ctx context.Context) (Credential, bool) {
	c, ok := ctx.Value(credentialKey{}).(Credential)
	return c, ok
}

type authTokenKey struct{}

// WithAuthToken 在 ctx 中写入调用方的鉴权令牌，供直连兜底等下游使用。
func WithAuthToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, authTokenKey{}, token)
}

// AuthTokenFromContext 读取调用方的鉴权令牌。
func AuthTokenFromContext(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(authTokenKey{}).(string)
	return t, ok
}
