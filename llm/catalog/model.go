// Package catalog 保存 Provider 目录（厂商、模型、账户归属、用途、加密凭据），
// 并按用途给出排好序的候选列表。
package catalog

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/BaSui01/llmrouter/llm/vault"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UseCase 是调用方声明的用途标签。
type UseCase string

const (
	UseCaseDraft   UseCase = "draft"
	UseCaseSummary UseCase = "summary"
	UseCaseComplex UseCase = "complex"
	UseCaseVision  UseCase = "vision"
	UseCaseGeneral UseCase = "general"
	UseCaseVoice   UseCase = "voice"
)

// UseCases 返回所有合法用途。
func UseCases() []UseCase {
	return []UseCase{UseCaseDraft, UseCaseSummary, UseCaseComplex, UseCaseVision, UseCaseGeneral, UseCaseVoice}
}

// ParseUseCase 解析用途标签，大小写不敏感。
func ParseUseCase(s string) (UseCase, error) {
	u := UseCase(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(UseCases(), u) {
		return u, nil
	}
	return "", fmt.Errorf("unknown use case %q", s)
}

// Provider 是目录中的一条 Provider 记录。
type Provider struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	Name            string    `gorm:"size:100;not null;uniqueIndex" json:"name"`
	Vendor          string    `gorm:"size:50;not null;index" json:"vendor"`
	Model           string    `gorm:"size:200;not null" json:"model"`
	BaseURL         string    `gorm:"size:500" json:"base_url,omitempty"`
	AccountID       *string   `gorm:"size:64;index" json:"account_id,omitempty"`
	IsDefault       bool      `json:"is_default"`
	IsActive        bool      `gorm:"index" json:"is_active"`
	UseCases        string    `gorm:"size:200" json:"use_cases"` // 逗号分隔
	MaxTokens       int       `json:"max_tokens"`
	EncryptedAPIKey string    `gorm:"type:text" json:"-"`
	KeyVersion      int       `json:"key_version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName 指定表名
func (Provider) TableName() string {
	return "llm_providers"
}

// BeforeCreate 为新记录生成 UUID 主键。
func (p *Provider) BeforeCreate(*gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// SetUseCases 以规范化形式写入用途列表。
func (p *Provider) SetUseCases(useCases ...UseCase) {
	parts := make([]string, 0, len(useCases))
	for _, u := range useCases {
		parts = append(parts, string(u))
	}
	p.UseCases = strings.Join(parts, ",")
}

// Candidate 把记录转换为路由候选。
func (p Provider) Candidate() Candidate {
	c := Candidate{
		ID:           p.ID,
		Name:         p.Name,
		Vendor:       strings.ToLower(p.Vendor),
		Model:        p.Model,
		BaseURL:      p.BaseURL,
		IsDefault:    p.IsDefault,
		MaxTokens:    p.MaxTokens,
		EncryptedKey: p.EncryptedAPIKey,
	}
	if p.AccountID != nil && *p.AccountID != "" {
		c.AccountID = *p.AccountID
	}
	for _, u := range strings.Split(p.UseCases, ",") {
		if u = strings.TrimSpace(u); u != "" {
			c.UseCases = append(c.UseCases, UseCase(strings.ToLower(u)))
		}
	}
	return c
}

// Candidate 是一次路由可尝试的 Provider。Name 即 ProviderID，
// 健康监控与指标注册表都以它为键。
type Candidate struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Vendor       string    `json:"vendor"`
	Model        string    `json:"model"`
	BaseURL      string    `json:"base_url,omitempty"`
	AccountID    string    `json:"account_id,omitempty"`
	IsDefault    bool      `json:"is_default"`
	UseCases     []UseCase `json:"use_cases"`
	MaxTokens    int       `json:"max_tokens,omitempty"`
	EncryptedKey string    `json:"encrypted_key,omitempty"`
}

// AccountScoped 表示该 Provider 归属某个账户，而非全局共享。
func (c Candidate) AccountScoped() bool { return c.AccountID != "" }

// Supports 判断是否声明了该用途。
func (c Candidate) Supports(u UseCase) bool { return slices.Contains(c.UseCases, u) }

// CredentialRef 返回解析凭据所需的引用。
func (c Candidate) CredentialRef() vault.CredentialRef {
	return vault.CredentialRef{
		Provider:     c.Name,
		Vendor:       c.Vendor,
		EncryptedKey: c.EncryptedKey,
	}
}
