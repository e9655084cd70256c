package vault

import (
	"context"
	"errors"
	"os"
	"strings"
	"unicode"

	"github.com/BaSui01/llmrouter/llm"
	"go.uber.org/zap"
)

// CredentialRef 描述如何为某个 Provider 取得凭据。
type CredentialRef struct {
	Provider     string // Provider 标识，仅用于错误与日志
	Vendor       string // 厂商名，决定环境变量名 <VENDOR>_API_KEY
	EncryptedKey string // 目录中保存的密文，可为空
}

// Resolver 按 "环境变量优先，其次解密目录密文" 的顺序解析凭据。
type Resolver struct {
	vault     *Vault
	lookupEnv func(string) (string, bool)
	logger    *zap.Logger
}

// ResolverOption 配置 Resolver。
type ResolverOption func(*Resolver)

// WithEnvLookup 替换环境变量查找函数，便于测试。
func WithEnvLookup(fn func(string) (string, bool)) ResolverOption {
	return func(r *Resolver) { r.lookupEnv = fn }
}

// NewResolver 创建凭据解析器，vault 为 nil 时仅支持环境变量。
func NewResolver(v *Vault, logger *zap.Logger, opts ...ResolverOption) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		vault:     v,
		lookupEnv: os.LookupEnv,
		logger:    logger.With(zap.String("component", "credential_resolver")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnvVarName 返回厂商对应的环境变量名，例如 openai -> OPENAI_API_KEY。
func EnvVarName(vendor string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(vendor) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		} else {
			b.WriteByte('_')
		}
	}
	b.WriteString("_API_KEY")
	return b.String()
}

// Resolve 解析凭据，失败时返回 *llm.CredentialError。
func (r *Resolver) Resolve(ctx context.Context, ref CredentialRef) (llm.Credential, error) {
	if err := ctx.Err(); err != nil {
		return llm.Credential{}, err
	}

	if ref.Vendor != "" {
		if key, ok := r.lookupEnv(EnvVarName(ref.Vendor)); ok && strings.TrimSpace(key) != "" {
			return llm.Credential{APIKey: strings.TrimSpace(key)}, nil
		}
	}

	if ref.EncryptedKey == "" {
		return llm.Credential{}, llm.NewCredentialError(ref.Provider, "no credential configured", nil)
	}
	if r.vault == nil {
		return llm.Credential{}, llm.NewCredentialError(ref.Provider, "vault not configured", nil)
	}

	plain, err := r.vault.Decrypt(ref.EncryptedKey)
	if err != nil {
		r.logger.Warn("credential decryption failed",
			zap.String("provider", ref.Provider),
			RedactedError(err))
		var ce *llm.CredentialError
		if errors.As(err, &ce) {
			ce.Provider = ref.Provider
			return llm.Credential{}, ce
		}
		return llm.Credential{}, llm.NewCredentialError(ref.Provider, "decryption failed", err)
	}
	version, _ := VersionOf(ref.EncryptedKey)
	return llm.Credential{APIKey: plain, Version: version}, nil
}

// ValidationResult 是单个 Provider 凭据校验结果。
type ValidationResult struct {
	Provider string `json:"provider"`
	Valid    bool   `json:"valid"`
	Masked   string `json:"masked,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ValidateAll 逐个解析凭据，返回脱敏后的校验结果。
func (r *Resolver) ValidateAll(ctx context.Context, refs []CredentialRef) []ValidationResult {
	results := make([]ValidationResult, 0, len(refs))
	for _, ref := range refs {
		cred, err := r.Resolve(ctx, ref)
		res := ValidationResult{Provider: ref.Provider, Valid: err == nil}
		if err != nil {
			res.Error = SanitizeError(err)
		} else {
			res.Masked = MaskAPIKey(cred.APIKey)
		}
		results = append(results, res)
	}
	return results
}
