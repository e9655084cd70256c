// Package health 周期性探测已注册的 Provider，并提供不阻塞调用方的最近一次健康快照。
package health

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/BaSui01/llmrouter/llm"
	"github.com/BaSui01/llmrouter/llm/vault"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const notCheckedYet = "not checked yet"

// ErrProbeTimeout 表示探测超过了截止时间。
var ErrProbeTimeout = errors.New("timeout")

// Probe 是一次最小的可达性往返调用。
type Probe interface {
	Probe(ctx context.Context) error
}

// ProbeFunc 将函数适配为 Probe。
type ProbeFunc func(ctx context.Context) error

// Probe 实现 Probe 接口。
func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

// CredentialFunc 为探测提供凭据。
type CredentialFunc func(ctx context.Context) (llm.Credential, error)

// ProviderProbe 使用 Provider 的 HealthCheck 作为探测，cred 可为 nil。
func ProviderProbe(p llm.Provider, cred CredentialFunc) Probe {
	return ProbeFunc(func(ctx context.Context) error {
		if cred != nil {
			c, err := cred(ctx)
			if err != nil {
				return err
			}
			ctx = llm.WithCredential(ctx, c)
		}
		st, err := p.HealthCheck(ctx)
		if err != nil {
			return err
		}
		if st == nil || !st.Healthy {
			return fmt.Errorf("provider %s reported unhealthy", p.Name())
		}
		return nil
	})
}

// ProviderHealth 是单个 Provider 最近一次的健康快照。
type ProviderHealth struct {
	Provider  string    `json:"provider"`
	Healthy   bool      `json:"healthy"`
	LatencyMs *int64    `json:"latencyMs,omitempty"`
	LastCheck time.Time `json:"lastCheck"`
	Error     string    `json:"error,omitempty"`
	Checked   bool      `json:"-"`
}

// Stats 健康统计。
type Stats struct {
	Total            int `json:"total"`
	Healthy          int `json:"healthy"`
	Unhealthy        int `json:"unhealthy"`
	HealthPercentage int `json:"healthPercentage"`
}

// Config 探测配置。
type Config struct {
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// DefaultConfig 返回默认探测配置：每 60 秒一轮，单次探测 5 秒超时。
func DefaultConfig() Config {
	return Config{
		Interval: 60 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// Option 配置 Monitor。
type Option func(*Monitor)

// WithObserver 注册快照观察者，每次写入记录后在锁外回调。
func WithObserver(fn func(ProviderHealth)) Option {
	return func(m *Monitor) { m.observer = fn }
}

// WithClock 替换时钟，便于测试。
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

type entry struct {
	probe  Probe
	health ProviderHealth
}

// Monitor 维护每个 Provider 唯一的一条健康记录，每次探测原地覆盖。
type Monitor struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string

	cfg      Config
	logger   *zap.Logger
	observer func(ProviderHealth)
	now      func() time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor 创建健康监控器，非法配置回退为默认值。
func NewMonitor(cfg Config, logger *zap.Logger, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		entries: make(map[string]*entry),
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "health_monitor")),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// =============================================================================
// 注册
// =============================================================================

// RegisterProvider 关联 Provider 与其探测。重复注册只替换探测，保留已有记录。
func (m *Monitor) RegisterProvider(id string, probe Probe) {
	if id == "" || probe == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.probe = probe
		return
	}
	m.entries[id] = &entry{
		probe: probe,
		health: ProviderHealth{
			Provider: id,
			Error:    notCheckedYet,
		},
	}
	m.order = append(m.order, id)
}

// UnregisterProvider 移除 Provider，其进行中的探测结果会被丢弃。
func (m *Monitor) UnregisterProvider(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return
	}
	delete(m.entries, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// =============================================================================
// 生命周期
// =============================================================================

// Start 立即执行一轮探测，随后按间隔周期执行。重复调用无副作用。
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	// 探测不随调度一起取消，Stop 后进行中的探测仍会完成并写入结果
	probeCtx := context.WithoutCancel(ctx)

	go m.loop(loopCtx, probeCtx, m.done)
	m.logger.Info("health monitor started",
		zap.Duration("interval", m.cfg.Interval),
		zap.Duration("timeout", m.cfg.Timeout))
}

// Stop 停止调度后续探测。进行中的探测允许完成。
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("health monitor stopped")
}

// IsRunning 返回周期探测是否在运行。
func (m *Monitor) IsRunning() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.cancel != nil
}

func (m *Monitor) loop(ctx, probeCtx context.Context, done chan struct{}) {
	defer close(done)

	go m.CheckAll(probeCtx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// 各轮之间不串行，慢探测不会推迟下一轮
			go m.CheckAll(probeCtx)
		}
	}
}

// CheckAll 并发执行所有已注册探测，全部完成（或超时）后返回。
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.RLock()
	targets := make(map[string]Probe, len(m.entries))
	for id, e := range m.entries {
		targets[id] = e.probe
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for id, probe := range targets {
		g.Go(func() error {
			m.checkOne(ctx, id, probe)
			return nil
		})
	}
	_ = g.Wait()
}

// checkOne 以独立截止时间执行一次探测。探测即使忽略 ctx 也会在超时后被记为失败；
// 调用方 ctx 结束时结果被丢弃，原有状态保持不变。
func (m *Monitor) checkOne(ctx context.Context, id string, probe Probe) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	start := m.now()
	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("probe panic: %v", r)
			}
		}()
		result <- probe.Probe(pctx)
	}()

	var err error
	select {
	case err = <-result:
	case <-pctx.Done():
		err = pctx.Err()
	}
	if err != nil && ctx.Err() != nil {
		// 调用方放弃等待，不构成对 Provider 的判定
		m.logger.Debug("probe abandoned by caller", zap.String("provider", id), zap.Error(ctx.Err()))
		return
	}
	if err != nil && errors.Is(pctx.Err(), context.DeadlineExceeded) {
		err = ErrProbeTimeout
	}
	m.record(id, start, err)
}

func (m *Monitor) record(id string, start time.Time, err error) {
	end := m.now()

	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	wasHealthy := e.health.Healthy
	h := ProviderHealth{Provider: id, LastCheck: end, Checked: true}
	if err == nil {
		latency := end.Sub(start).Milliseconds()
		h.Healthy = true
		h.LatencyMs = &latency
	} else {
		h.Error = vault.SanitizeError(err)
	}
	e.health = h
	m.mu.Unlock()

	switch {
	case wasHealthy && !h.Healthy:
		m.logger.Warn("provider became unhealthy", zap.String("provider", id), zap.String("error", h.Error))
	case !wasHealthy && h.Healthy:
		m.logger.Info("provider is healthy", zap.String("provider", id), zap.Int64("latency_ms", *h.LatencyMs))
	default:
		m.logger.Debug("provider probed", zap.String("provider", id), zap.Bool("healthy", h.Healthy))
	}

	if m.observer != nil {
		m.observer(h)
	}
}

// =============================================================================
// 只读查询，从不触发探测
// =============================================================================

// GetHealth 返回 Provider 最近一次的快照。
func (m *Monitor) GetHealth(id string) (ProviderHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return ProviderHealth{}, false
	}
	return copyHealth(e.health), true
}

// GetAllHealth 按注册顺序返回所有快照。
func (m *Monitor) GetAllHealth() []ProviderHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ProviderHealth, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, copyHealth(m.entries[id].health))
	}
	return out
}

// IsUnhealthy 仅当 Provider 已被探测且最近一次失败时返回 true。
// 未注册或尚未探测的 Provider 视为未知，不参与跳过。
func (m *Monitor) IsUnhealthy(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return ok && e.health.Checked && !e.health.Healthy
}

// GetOverallHealth 至少一个 Provider 健康时为 true。
func (m *Monitor) GetOverallHealth() bool {
	_, overall := Summarize(m.GetAllHealth())
	return overall
}

// GetHealthStats 返回健康统计。
func (m *Monitor) GetHealthStats() Stats {
	st, _ := Summarize(m.GetAllHealth())
	return st
}

// Summarize 从同一份快照计算统计与整体健康，两者不会互相矛盾。
func Summarize(all []ProviderHealth) (Stats, bool) {
	st := Stats{Total: len(all)}
	for _, h := range all {
		if h.Healthy {
			st.Healthy++
		}
	}
	st.Unhealthy = st.Total - st.Healthy
	if st.Total > 0 {
		st.HealthPercentage = int(math.Round(float64(st.Healthy) / float64(st.Total) * 100))
	}
	return st, st.Healthy > 0
}

func copyHealth(h ProviderHealth) ProviderHealth {
	if h.LatencyMs != nil {
		v := *h.LatencyMs
		h.LatencyMs = &v
	}
	return h
}
