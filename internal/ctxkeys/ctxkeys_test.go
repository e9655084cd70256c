package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStringKeys(t *testing.T) {
	ctx := context.Background()

	_, ok := RequestID(ctx)
	assert.False(t, ok)

	ctx = WithRequestID(ctx, "req-1")
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithAccountID(ctx, "acct-1")
	ctx = WithSubject(ctx, "user-1")
	ctx = WithAuthToken(ctx, "tok")

	v, ok := RequestID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "req-1", v)

	v, _ = TraceID(ctx)
	assert.Equal(t, "trace-1", v)
	v, _ = AccountID(ctx)
	assert.Equal(t, "acct-1", v)
	v, _ = Subject(ctx)
	assert.Equal(t, "user-1", v)
	v, _ = AuthToken(ctx)
	assert.Equal(t, "tok", v)
}

func TestEmptyStringIsAbsent(t *testing.T) {
	ctx := WithAccountID(context.Background(), "")
	_, ok := AccountID(ctx)
	assert.False(t, ok)
}

func TestAuthorizedAndRoles(t *testing.T) {
	ctx := context.Background()
	assert.False(t, Authorized(ctx))
	assert.Nil(t, Roles(ctx))

	ctx = WithRoles(WithAuthorized(ctx, true), []string{"admin"})
	assert.True(t, Authorized(ctx))
	assert.Equal(t, []string{"admin"}, Roles(ctx))
}
