package catalog

import (
	"context"
	"slices"
	"sync"
)

// Static 是由配置构建的目录，不依赖数据库。配置重载时用 Replace 整体替换。
type Static struct {
	mu         sync.RWMutex
	candidates []Candidate
}

// NewStatic 创建静态目录。
func NewStatic(candidates []Candidate) *Static {
	return &Static{candidates: slices.Clone(candidates)}
}

// List 返回全局候选与该账户专属候选。
func (s *Static) List(_ context.Context, accountID string) ([]Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Candidate, 0, len(s.candidates))
	for _, c := range s.candidates {
		if c.AccountID == "" || c.AccountID == accountID {
			out = append(out, c)
		}
	}
	return out, nil
}

// Candidates 返回本次请求的有序候选列表。
func (s *Static) Candidates(ctx context.Context, accountID string, useCase UseCase, modelOverride string) ([]Candidate, error) {
	all, _ := s.List(ctx, accountID)
	return Select(all, useCase, modelOverride), nil
}

// All 返回全部候选。
func (s *Static) All() []Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.candidates)
}

// Replace 替换全部候选，返回被移除的候选名。
func (s *Static) Replace(candidates []Candidate) (removed []string) {
	next := slices.Clone(candidates)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, old := range s.candidates {
		if !slices.ContainsFunc(next, func(c Candidate) bool { return c.Name == old.Name }) {
			removed = append(removed, old.Name)
		}
	}
	s.candidates = next
	return removed
}
