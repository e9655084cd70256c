package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/llmrouter/llm/vault"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	cacheKeyPrefix  = "llm:providers"
	defaultCacheTTL = 5 * time.Minute
)

// ErrNotFound 表示目录中不存在该 Provider。
var ErrNotFound = errors.New("provider not found")

// Cache 是目录使用的最小缓存接口，internal/cache.Manager 满足该接口。
type Cache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Store 是 gorm 支撑的 Provider 目录。账户可见的候选列表会写入缓存，
// 缓存不可用时直接回源数据库。
type Store struct {
	db     *gorm.DB
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

// StoreOption 配置 Store。
type StoreOption func(*Store)

// WithCache 启用候选列表缓存，ttl<=0 时使用 5 分钟。
func WithCache(c Cache, ttl time.Duration) StoreOption {
	return func(s *Store) {
		s.cache = c
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(logger *zap.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore 创建目录存储。
func NewStore(db *gorm.DB, opts ...StoreOption) *Store {
	s := &Store{
		db:     db,
		ttl:    defaultCacheTTL,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "provider_catalog"))
	return s
}

// AutoMigrate 创建目录表，用于开发环境与测试；生产环境使用 migrate 子命令。
func (s *Store) AutoMigrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&Provider{}); err != nil {
		return fmt.Errorf("failed to auto migrate catalog: %w", err)
	}
	return nil
}

func cacheKey(accountID string) string {
	if accountID == "" {
		return cacheKeyPrefix + ":global"
	}
	return cacheKeyPrefix + ":" + accountID
}

// =============================================================================
// 🎯 查询
// =============================================================================

// List 返回账户可见的启用 Provider：全局记录加上该账户专属的记录。
func (s *Store) List(ctx context.Context, accountID string) ([]Candidate, error) {
	key := cacheKey(accountID)
	if s.cache != nil {
		var cached []Candidate
		if err := s.cache.GetJSON(ctx, key, &cached); err == nil {
			return cached, nil
		}
	}

	q := s.db.WithContext(ctx).Where("is_active = ?", true)
	if accountID != "" {
		q = q.Where("account_id IS NULL OR account_id = ?", accountID)
	} else {
		q = q.Where("account_id IS NULL")
	}

	var rows []Provider
	if err := q.Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}

	out := make([]Candidate, 0, len(rows))
	for _, p := range rows {
		out = append(out, p.Candidate())
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, out, s.ttl); err != nil {
			s.logger.Warn("provider cache set failed", zap.String("key", key), zap.Error(err))
		}
	}
	return out, nil
}

// Candidates 返回本次请求的有序候选列表。
func (s *Store) Candidates(ctx context.Context, accountID string, useCase UseCase, modelOverride string) ([]Candidate, error) {
	all, err := s.List(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return Select(all, useCase, modelOverride), nil
}

// Get 按名称查询 Provider。
func (s *Store) Get(ctx context.Context, name string) (*Provider, error) {
	var p Provider
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider %s: %w", name, err)
	}
	return &p, nil
}

// All 返回所有启用的 Provider，不区分账户，用于健康探测注册与凭据校验。
func (s *Store) All(ctx context.Context) ([]Provider, error) {
	var rows []Provider
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	return rows, nil
}

// =============================================================================
// ✏️ 写入
// =============================================================================

// Upsert 按名称插入或更新 Provider，并使相关缓存失效。
func (s *Store) Upsert(ctx context.Context, p *Provider) error {
	if p.Name == "" || p.Vendor == "" || p.Model == "" {
		return fmt.Errorf("provider name, vendor and model are required")
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"vendor", "model", "base_url", "account_id", "is_default", "is_active",
			"use_cases", "max_tokens", "encrypted_api_key", "key_version", "updated_at",
		}),
	}).Create(p).Error
	if err != nil {
		return fmt.Errorf("failed to upsert provider %s: %w", p.Name, err)
	}
	s.invalidate(ctx, p.AccountID)
	return nil
}

// SetActive 启用或停用 Provider。
func (s *Store) SetActive(ctx context.Context, name string, active bool) error {
	p, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Model(p).Update("is_active", active).Error; err != nil {
		return fmt.Errorf("failed to update provider %s: %w", name, err)
	}
	s.invalidate(ctx, p.AccountID)
	return nil
}

// SetAPIKey 用 Vault 当前版本加密明文密钥并保存。
func (s *Store) SetAPIKey(ctx context.Context, name string, v *vault.Vault, plaintext string) error {
	p, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	enc, err := v.Encrypt(plaintext)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Model(p).Updates(map[string]any{
		"encrypted_api_key": enc,
		"key_version":       v.CurrentVersion(),
	}).Error
	if err != nil {
		return fmt.Errorf("failed to store key for provider %s: %w", name, err)
	}
	s.invalidate(ctx, p.AccountID)
	s.logger.Info("provider key updated",
		zap.String("provider", name),
		zap.String("api_key", vault.MaskAPIKey(plaintext)),
		zap.Int("key_version", v.CurrentVersion()))
	return nil
}

// RotateKeys 将所有旧版本密文重新加密为 Vault 当前版本，返回更新条数。
// 单条失败不会中止整体轮换。
func (s *Store) RotateKeys(ctx context.Context, v *vault.Vault) (int, error) {
	var rows []Provider
	if err := s.db.WithContext(ctx).Where("encrypted_api_key <> ''").Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("failed to load provider keys: %w", err)
	}

	current := v.CurrentVersion()
	var (
		rotated int
		errs    []error
	)
	for _, p := range rows {
		if ver, err := vault.VersionOf(p.EncryptedAPIKey); err == nil && ver == current {
			continue
		}
		enc, err := v.Rotate(p.EncryptedAPIKey)
		if err != nil {
			errs = append(errs, err)
			s.logger.Warn("key rotation failed", zap.String("provider", p.Name), vault.RedactedError(err))
			continue
		}
		err = s.db.WithContext(ctx).Model(&p).Updates(map[string]any{
			"encrypted_api_key": enc,
			"key_version":       current,
		}).Error
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to store rotated key for %s: %w", p.Name, err))
			continue
		}
		s.invalidate(ctx, p.AccountID)
		rotated++
	}
	return rotated, errors.Join(errs...)
}

// invalidate 删除全局及所属账户的缓存。全局记录变更时，其它账户的缓存依赖 TTL 过期。
func (s *Store) invalidate(ctx context.Context, accountID *string) {
	if s.cache == nil {
		return
	}
	keys := []string{cacheKey("")}
	if accountID != nil && *accountID != "" {
		keys = append(keys, cacheKey(*accountID))
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.logger.Warn("provider cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
	}
}
