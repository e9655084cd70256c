package vault

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/BaSui01/llmrouter/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New("test-passphrase", 1)
	require.NoError(t, err)
	return v
}

func TestVault_EncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)

	for _, plain := range []string{"sk-1234567890123456789012345", "", "短密钥", strings.Repeat("x", 4096)} {
		ct, err := v.Encrypt(plain)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(ct, "v1:"))

		got, err := v.Decrypt(ct)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	}
}

func TestVault_EncryptUsesFreshNonce(t *testing.T) {
	v := newTestVault(t)
	a, err := v.Encrypt("same")
	require.NoError(t, err)
	b, err := v.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVault_DecryptDetectsBitFlip(t *testing.T) {
	v := newTestVault(t)
	ct, err := v.Encrypt("sk-1234567890123456789012345")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ct, "v1:"))
	require.NoError(t, err)

	for i := range raw {
		flipped := append([]byte(nil), raw...)
		flipped[i] ^= 0x01
		_, err := v.Decrypt("v1:" + base64.StdEncoding.EncodeToString(flipped))

		var ce *llm.CredentialError
		require.True(t, errors.As(err, &ce), "byte %d: expected CredentialError, got %v", i, err)
	}
}

func TestVault_DecryptMalformed(t *testing.T) {
	v := newTestVault(t)
	cases := []string{"", "garbage", "v1:not-base64!!", "v0:AAAA", "vX:AAAA", "v1:AAAA", "v9:" + base64.StdEncoding.EncodeToString(make([]byte, 64))}
	for _, c := range cases {
		_, err := v.Decrypt(c)
		var ce *llm.CredentialError
		assert.True(t, errors.As(err, &ce), "input %q", c)
	}
}

func TestVault_WrongPassphrase(t *testing.T) {
	a := newTestVault(t)
	b, err := New("other-passphrase", 1)
	require.NoError(t, err)

	ct, err := a.Encrypt("secret")
	require.NoError(t, err)
	_, err = b.Decrypt(ct)
	var ce *llm.CredentialError
	assert.True(t, errors.As(err, &ce))
}

func TestVault_Rotate(t *testing.T) {
	v := newTestVault(t)
	old, err := v.Encrypt("sk-rotate-me-1234567890abcdef")
	require.NoError(t, err)

	require.NoError(t, v.AddKey(2, "new-passphrase"))
	require.NoError(t, v.SetCurrent(2))
	assert.Equal(t, 2, v.CurrentVersion())

	rotated, err := v.Rotate(old)
	require.NoError(t, err)
	version, err := VersionOf(rotated)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	plain, err := v.Decrypt(rotated)
	require.NoError(t, err)
	assert.Equal(t, "sk-rotate-me-1234567890abcdef", plain)

	// 旧密文在保留旧版本密钥时仍可解密
	plain, err = v.Decrypt(old)
	require.NoError(t, err)
	assert.Equal(t, "sk-rotate-me-1234567890abcdef", plain)
}

func TestVault_ConfigErrors(t *testing.T) {
	_, err := New("", 1)
	assert.ErrorIs(t, err, ErrEmptyPassphrase)

	_, err = New("p", 0)
	assert.Error(t, err)

	v := newTestVault(t)
	assert.Error(t, v.SetCurrent(7))
}

func TestResolver_EnvTakesPrecedence(t *testing.T) {
	v := newTestVault(t)
	ct, err := v.Encrypt("sk-from-db-000000000000000000")
	require.NoError(t, err)

	env := map[string]string{"OPENAI_API_KEY": "sk-from-env-00000000000000000"}
	r := NewResolver(v, zaptest.NewLogger(t), WithEnvLookup(func(k string) (string, bool) {
		val, ok := env[k]
		return val, ok
	}))

	cred, err := r.Resolve(context.Background(), CredentialRef{Provider: "openai-fast", Vendor: "openai", EncryptedKey: ct})
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env-00000000000000000", cred.APIKey)

	cred, err = r.Resolve(context.Background(), CredentialRef{Provider: "claude", Vendor: "anthropic", EncryptedKey: ct})
	require.NoError(t, err)
	assert.Equal(t, "sk-from-db-000000000000000000", cred.APIKey)
	assert.Equal(t, 1, cred.Version)
}

func TestResolver_Failures(t *testing.T) {
	noEnv := WithEnvLookup(func(string) (string, bool) { return "", false })

	r := NewResolver(newTestVault(t), nil, noEnv)
	_, err := r.Resolve(context.Background(), CredentialRef{Provider: "p1", Vendor: "openai"})
	var ce *llm.CredentialError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "p1", ce.Provider)

	_, err = r.Resolve(context.Background(), CredentialRef{Provider: "p2", Vendor: "openai", EncryptedKey: "v1:AAAA"})
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "p2", ce.Provider)

	bare := NewResolver(nil, nil, noEnv)
	_, err = bare.Resolve(context.Background(), CredentialRef{Provider: "p3", EncryptedKey: "v1:AAAA"})
	assert.True(t, errors.As(err, &ce))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Resolve(ctx, CredentialRef{Provider: "p4"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolver_ValidateAll(t *testing.T) {
	v := newTestVault(t)
	ct, err := v.Encrypt("sk-valid-key-000000000000000000")
	require.NoError(t, err)
	r := NewResolver(v, nil, WithEnvLookup(func(string) (string, bool) { return "", false }))

	results := r.ValidateAll(context.Background(), []CredentialRef{
		{Provider: "good", EncryptedKey: ct},
		{Provider: "bad", EncryptedKey: "v1:broken"},
	})
	require.Len(t, results, 2)
	assert.True(t, results[0].Valid)
	assert.Equal(t, "sk-v...0000", results[0].Masked)
	assert.False(t, results[1].Valid)
	assert.NotEmpty(t, results[1].Error)
}

func TestEnvVarName(t *testing.T) {
	assert.Equal(t, "OPENAI_API_KEY", EnvVarName("openai"))
	assert.Equal(t, "GOOGLE_AI_API_KEY", EnvVarName("google-ai"))
}

func TestCredential_NeverPrintsKey(t *testing.T) {
	c := llm.Credential{APIKey: "sk-1234567890123456789012345"}
	assert.NotContains(t, c.String(), "1234")
	b, err := c.MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(b), "1234")
}
