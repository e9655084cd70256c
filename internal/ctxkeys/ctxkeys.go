// Package ctxkeys 定义 HTTP 边缘层写入 context 的请求级取值。
package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	requestIDKey  contextKey = "request_id"
	traceIDKey    contextKey = "trace_id"
	accountIDKey  contextKey = "account_id"
	subjectKey    contextKey = "subject"
	rolesKey      contextKey = "roles"
	authorizedKey contextKey = "authorized"
	authTokenKey  contextKey = "auth_token"
)

// WithRequestID 设置 RequestID
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID 获取 RequestID
func RequestID(ctx context.Context) (string, bool) {
	return stringValue(ctx, requestIDKey)
}

// WithTraceID 设置 TraceID
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID 获取 TraceID
func TraceID(ctx context.Context) (string, bool) {
	return stringValue(ctx, traceIDKey)
}

// WithAccountID 设置调用方账户
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountIDKey, accountID)
}

// AccountID 获取调用方账户
func AccountID(ctx context.Context) (string, bool) {
	return stringValue(ctx, accountIDKey)
}

// WithSubject 设置令牌主体
func WithSubject(ctx context.Context, sub string) context.Context {
	return context.WithValue(ctx, subjectKey, sub)
}

// Subject 获取令牌主体
func Subject(ctx context.Context) (string, bool) {
	return stringValue(ctx, subjectKey)
}

// WithRoles 设置令牌角色
func WithRoles(ctx context.Context, roles []string) context.Context {
	return context.WithValue(ctx, rolesKey, roles)
}

// Roles 获取令牌角色
func Roles(ctx context.Context) []string {
	roles, _ := ctx.Value(rolesKey).([]string)
	return roles
}

// WithAuthorized 标记调用方是否拥有管理权限
func WithAuthorized(ctx context.Context, authorized bool) context.Context {
	return context.WithValue(ctx, authorizedKey, authorized)
}

// Authorized 返回调用方是否拥有管理权限，未设置时为 false
func Authorized(ctx context.Context) bool {
	v, _ := ctx.Value(authorizedKey).(bool)
	return v
}

// WithAuthToken 保存原始 Bearer 令牌
func WithAuthToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, authTokenKey, token)
}

// AuthToken 获取原始 Bearer 令牌
func AuthToken(ctx context.Context) (string, bool) {
	return stringValue(ctx, authTokenKey)
}

func stringValue(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
