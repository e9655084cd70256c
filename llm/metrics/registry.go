// Package metrics 累计每个 Provider 的请求数、成功/失败数、延迟、token 与成本，
// 并在读取时派生聚合统计。
package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ProviderMetrics 是单个 Provider 的原始计数器，两次重置之间单调递增。
type ProviderMetrics struct {
	Provider       string  `json:"provider"`
	RequestCount   int64   `json:"requestCount"`
	SuccessCount   int64   `json:"successCount"`
	FailureCount   int64   `json:"failureCount"`
	TotalLatencyMs int64   `json:"totalLatencyMs"`
	TotalTokens    int64   `json:"totalTokens"`
	TotalCost      float64 `json:"totalCost"`
}

// DetailedMetrics 在原始计数器之上附加派生比率。
type DetailedMetrics struct {
	ProviderMetrics
	SuccessRate         float64   `json:"successRate"`
	AvgLatencyMs        int64     `json:"avgLatencyMs"`
	AvgTokensPerRequest int64     `json:"avgTokensPerRequest"`
	AvgCostPerRequest   float64   `json:"avgCostPerRequest"`
	LastUpdated         time.Time `json:"lastUpdated"`
}

// Snapshot 是某一时刻的完整视图，聚合值与各 Provider 值来自同一次读取。
type Snapshot struct {
	Providers  []DetailedMetrics `json:"providers"`
	Aggregated DetailedMetrics   `json:"aggregated"`
	UptimeMs   int64             `json:"uptimeMs"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Observer 在每次记录后被调用，用于把尝试结果同步到外部指标系统。
type Observer interface {
	ObserveSuccess(provider string, latency time.Duration, tokens int64, cost float64)
	ObserveFailure(provider string, latency time.Duration)
}

// AggregateProvider 是聚合视图使用的 Provider 名。
const AggregateProvider = "all"

type counters struct {
	mu sync.Mutex
	ProviderMetrics
}

// generation 是两次重置之间的一代计数器。
type generation struct {
	providers sync.Map // provider -> *counters
	startedAt time.Time
}

// Registry 是进程内的指标注册表。
//
// 不同 Provider 的计数器各自加锁，互不串行，也没有跨 Provider 的共享锁。
// 重置整体替换当前一代；记录落在它读到的那一代上，因此要么完整计入重置之前，
// 要么完整计入之后。
type Registry struct {
	gen atomic.Pointer[generation]

	now      func() time.Time
	observer Observer
}

// Option 配置 Registry。
type Option func(*Registry)

// WithObserver 注册外部观察者。
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// WithClock 替换时钟，便于测试。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry 创建指标注册表，运行时间从此刻开始计算。
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.gen.Store(&generation{startedAt: r.now()})
	return r
}

func (g *generation) entry(provider string) *counters {
	if v, ok := g.providers.Load(provider); ok {
		return v.(*counters)
	}
	v, _ := g.providers.LoadOrStore(provider, &counters{ProviderMetrics: ProviderMetrics{Provider: provider}})
	return v.(*counters)
}

// =============================================================================
// 🎯 记录
// =============================================================================

// RecordSuccess 记录一次成功尝试。
func (r *Registry) RecordSuccess(provider string, latencyMs, tokens int64, cost float64) {
	latencyMs, tokens, cost = max(latencyMs, 0), max(tokens, 0), math.Max(cost, 0)

	c := r.gen.Load().entry(provider)
	c.mu.Lock()
	c.RequestCount++
	c.SuccessCount++
	c.TotalLatencyMs += latencyMs
	c.TotalTokens += tokens
	c.TotalCost += cost
	c.mu.Unlock()

	if r.observer != nil {
		r.observer.ObserveSuccess(provider, time.Duration(latencyMs)*time.Millisecond, tokens, cost)
	}
}

// RecordFailure 记录一次失败尝试，失败耗时同样计入平均延迟。
func (r *Registry) RecordFailure(provider string, latencyMs int64) {
	latencyMs = max(latencyMs, 0)

	c := r.gen.Load().entry(provider)
	c.mu.Lock()
	c.RequestCount++
	c.FailureCount++
	c.TotalLatencyMs += latencyMs
	c.mu.Unlock()

	if r.observer != nil {
		r.observer.ObserveFailure(provider, time.Duration(latencyMs)*time.Millisecond)
	}
}

// =============================================================================
// 读取，从不返回错误
// =============================================================================

// GetMetrics 返回 Provider 的原始计数器，未记录过时返回零值与 false。
func (r *Registry) GetMetrics(provider string) (ProviderMetrics, bool) {
	v, ok := r.gen.Load().providers.Load(provider)
	if !ok {
		return ProviderMetrics{Provider: provider}, false
	}
	c := v.(*counters)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ProviderMetrics, true
}

// GetDetailedMetrics 返回 Provider 的派生指标，未记录过时各项为零。
func (r *Registry) GetDetailedMetrics(provider string) (DetailedMetrics, bool) {
	m, ok := r.GetMetrics(provider)
	return derive(m, r.now()), ok
}

// GetAllDetailedMetrics 按 Provider 名排序返回所有派生指标。
func (r *Registry) GetAllDetailedMetrics() []DetailedMetrics {
	return r.Snapshot().Providers
}

// GetAggregatedMetrics 先对所有计数器求和，再在总和上派生比率。
func (r *Registry) GetAggregatedMetrics() DetailedMetrics {
	return r.Snapshot().Aggregated
}

// GetUptimeMs 返回自创建或上次重置以来的毫秒数。
func (r *Registry) GetUptimeMs() int64 {
	return r.now().Sub(r.gen.Load().startedAt).Milliseconds()
}

// Snapshot 从同一代读取所有计数器，只逐个持有 Provider 自己的锁。
func (r *Registry) Snapshot() Snapshot {
	g := r.gen.Load()
	raw := make([]ProviderMetrics, 0)
	g.providers.Range(func(_, v any) bool {
		c := v.(*counters)
		c.mu.Lock()
		raw = append(raw, c.ProviderMetrics)
		c.mu.Unlock()
		return true
	})
	now := r.now()
	uptime := now.Sub(g.startedAt).Milliseconds()

	sort.Slice(raw, func(i, j int) bool { return raw[i].Provider < raw[j].Provider })

	total := ProviderMetrics{Provider: AggregateProvider}
	providers := make([]DetailedMetrics, 0, len(raw))
	for _, m := range raw {
		total.RequestCount += m.RequestCount
		total.SuccessCount += m.SuccessCount
		total.FailureCount += m.FailureCount
		total.TotalLatencyMs += m.TotalLatencyMs
		total.TotalTokens += m.TotalTokens
		total.TotalCost += m.TotalCost
		providers = append(providers, derive(m, now))
	}

	return Snapshot{
		Providers:  providers,
		Aggregated: derive(total, now),
		UptimeMs:   uptime,
		Timestamp:  now,
	}
}

// =============================================================================
// 重置
// =============================================================================

// Reset 原子地换上新的一代，清空所有计数器并重新开始计时。
func (r *Registry) Reset() {
	r.gen.Store(&generation{startedAt: r.now()})
}

// ResetProvider 清空单个 Provider 的计数器。
func (r *Registry) ResetProvider(provider string) {
	r.gen.Load().providers.Delete(provider)
}

func derive(m ProviderMetrics, now time.Time) DetailedMetrics {
	d := DetailedMetrics{ProviderMetrics: m, LastUpdated: now}
	if m.RequestCount == 0 {
		return d
	}
	n := float64(m.RequestCount)
	d.SuccessRate = float64(m.SuccessCount) / n * 100
	d.AvgLatencyMs = int64(math.Round(float64(m.TotalLatencyMs) / n))
	d.AvgTokensPerRequest = int64(math.Round(float64(m.TotalTokens) / n))
	d.AvgCostPerRequest = m.TotalCost / n
	return d
}
