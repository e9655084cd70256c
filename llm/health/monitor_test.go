package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/llmrouter/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func sleepProbe(d time.Duration, err error) Probe {
	return ProbeFunc(func(ctx context.Context) error {
		time.Sleep(d)
		return err
	})
}

func TestMonitor_UncheckedProvider(t *testing.T) {
	m := NewMonitor(DefaultConfig(), zaptest.NewLogger(t))
	m.RegisterProvider("a", sleepProbe(0, nil))

	h, ok := m.GetHealth("a")
	require.True(t, ok)
	assert.False(t, h.Healthy)
	assert.False(t, h.Checked)
	assert.Equal(t, "not checked yet", h.Error)
	assert.True(t, h.LastCheck.IsZero())

	// 未探测视为未知，不参与路由跳过
	assert.False(t, m.IsUnhealthy("a"))
	assert.False(t, m.IsUnhealthy("missing"))

	_, ok = m.GetHealth("missing")
	assert.False(t, ok)
}

func TestMonitor_SlowProbeTimesOutWithoutBlockingOthers(t *testing.T) {
	m := NewMonitor(Config{Interval: time.Hour, Timeout: 100 * time.Millisecond}, zaptest.NewLogger(t))
	m.RegisterProvider("A", sleepProbe(600*time.Millisecond, nil))
	m.RegisterProvider("B", sleepProbe(5*time.Millisecond, nil))

	start := time.Now()
	m.CheckAll(context.Background())
	elapsed := time.Since(start)
	assert.Less(t, elapsed, 400*time.Millisecond, "slow probe must not delay the tick")

	a, _ := m.GetHealth("A")
	b, _ := m.GetHealth("B")
	assert.False(t, a.Healthy)
	assert.Equal(t, "timeout", a.Error)
	assert.Nil(t, a.LatencyMs)
	assert.True(t, b.Healthy)
	require.NotNil(t, b.LatencyMs)
	assert.GreaterOrEqual(t, *b.LatencyMs, int64(0))

	assert.True(t, m.IsUnhealthy("A"))
	assert.False(t, m.IsUnhealthy("B"))
	assert.True(t, m.GetOverallHealth())
}

func TestMonitor_ProbeErrorsAndPanicsBecomeFailures(t *testing.T) {
	m := NewMonitor(Config{Timeout: time.Second}, nil)
	m.RegisterProvider("err", sleepProbe(0, errors.New("upstream said no: Bearer sk-abcdefghijklmnopqrstuvwxyz")))
	m.RegisterProvider("panic", ProbeFunc(func(context.Context) error { panic("boom") }))

	require.NotPanics(t, func() { m.CheckAll(context.Background()) })

	h, _ := m.GetHealth("err")
	assert.False(t, h.Healthy)
	assert.NotContains(t, h.Error, "abcdefghijklmnop")
	assert.Contains(t, h.Error, "REDACTED")

	h, _ = m.GetHealth("panic")
	assert.False(t, h.Healthy)
	assert.Contains(t, h.Error, "boom")
}

func TestMonitor_CallerCancelKeepsPreviousRecord(t *testing.T) {
	m := NewMonitor(Config{Timeout: time.Second}, zaptest.NewLogger(t))
	m.RegisterProvider("a", ProbeFunc(func(ctx context.Context) error {
		select {
		case <-time.After(50 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))

	m.CheckAll(context.Background())
	before, _ := m.GetHealth("a")
	require.True(t, before.Healthy)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	m.CheckAll(ctx)

	after, _ := m.GetHealth("a")
	assert.True(t, after.Healthy)
	assert.Empty(t, after.Error)
	assert.Equal(t, before.LastCheck, after.LastCheck)
	assert.False(t, m.IsUnhealthy("a"))
	assert.True(t, m.GetOverallHealth())

	// 从未探测过的 Provider 保持未知
	m.RegisterProvider("b", sleepProbe(50*time.Millisecond, nil))
	canceled, stop := context.WithCancel(context.Background())
	stop()
	m.CheckAll(canceled)
	b, _ := m.GetHealth("b")
	assert.False(t, b.Checked)
	assert.False(t, m.IsUnhealthy("b"))
}

func TestMonitor_OverallHealth(t *testing.T) {
	var healthy atomic.Bool
	flaky := ProbeFunc(func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("down")
	})

	m := NewMonitor(Config{Timeout: time.Second}, nil)
	assert.False(t, m.GetOverallHealth(), "no providers registered")

	m.RegisterProvider("a", sleepProbe(0, errors.New("down")))
	m.RegisterProvider("b", flaky)
	m.CheckAll(context.Background())
	assert.False(t, m.GetOverallHealth())
	assert.Equal(t, Stats{Total: 2, Healthy: 0, Unhealthy: 2, HealthPercentage: 0}, m.GetHealthStats())

	healthy.Store(true)
	m.CheckAll(context.Background())
	assert.True(t, m.GetOverallHealth())
	assert.Equal(t, Stats{Total: 2, Healthy: 1, Unhealthy: 1, HealthPercentage: 50}, m.GetHealthStats())
}

func TestMonitor_RecordsOverwrittenInPlace(t *testing.T) {
	m := NewMonitor(Config{Timeout: time.Second}, nil)
	m.RegisterProvider("a", sleepProbe(0, nil))
	m.RegisterProvider("b", sleepProbe(0, nil))
	for i := 0; i < 5; i++ {
		m.CheckAll(context.Background())
	}
	all := m.GetAllHealth()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Provider)
	assert.Equal(t, "b", all[1].Provider)

	m.UnregisterProvider("a")
	assert.Len(t, m.GetAllHealth(), 1)
	assert.Equal(t, 1, m.GetHealthStats().Total)
}

func TestMonitor_ReadsNeverProbe(t *testing.T) {
	var calls atomic.Int32
	m := NewMonitor(Config{Timeout: time.Second}, nil)
	m.RegisterProvider("a", ProbeFunc(func(context.Context) error {
		calls.Add(1)
		return nil
	}))

	m.GetHealth("a")
	m.GetAllHealth()
	m.GetOverallHealth()
	m.GetHealthStats()
	m.IsUnhealthy("a")
	assert.Equal(t, int32(0), calls.Load())
}

func TestMonitor_StartStop(t *testing.T) {
	var calls atomic.Int32
	m := NewMonitor(Config{Interval: 20 * time.Millisecond, Timeout: 50 * time.Millisecond}, zaptest.NewLogger(t))
	m.RegisterProvider("a", ProbeFunc(func(context.Context) error {
		calls.Add(1)
		return nil
	}))

	m.Start(context.Background())
	m.Start(context.Background())
	assert.True(t, m.IsRunning())

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	h, _ := m.GetHealth("a")
	assert.True(t, h.Healthy)

	m.Stop()
	m.Stop()
	assert.False(t, m.IsRunning())

	time.Sleep(30 * time.Millisecond)
	settled := calls.Load()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, settled, calls.Load(), "no ticks after stop")
}

func TestMonitor_StopLetsInFlightProbeFinish(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	m := NewMonitor(Config{Interval: time.Hour, Timeout: 2 * time.Second}, nil)
	m.RegisterProvider("slow", ProbeFunc(func(context.Context) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}))

	m.Start(context.Background())
	<-started
	m.Stop()
	close(release)

	assert.Eventually(t, func() bool {
		h, _ := m.GetHealth("slow")
		return h.Healthy
	}, time.Second, 5*time.Millisecond)
}

func TestMonitor_ObserverReceivesSnapshots(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	m := NewMonitor(Config{Timeout: time.Second}, nil, WithObserver(func(h ProviderHealth) {
		mu.Lock()
		seen[h.Provider] = h.Healthy
		mu.Unlock()
	}))
	m.RegisterProvider("up", sleepProbe(0, nil))
	m.RegisterProvider("down", sleepProbe(0, errors.New("x")))
	m.CheckAll(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]bool{"up": true, "down": false}, seen)
}

type fakeProvider struct {
	healthy bool
	gotKey  string
}

func (f *fakeProvider) Completion(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeProvider) Stream(context.Context, *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	if c, ok := llm.CredentialFromContext(ctx); ok {
		f.gotKey = c.APIKey
	}
	return &llm.HealthStatus{Healthy: f.healthy}, nil
}
func (f *fakeProvider) Name() string { return "fake" }

func TestProviderProbe(t *testing.T) {
	p := &fakeProvider{healthy: true}
	probe := ProviderProbe(p, func(context.Context) (llm.Credential, error) {
		return llm.Credential{APIKey: "k-123"}, nil
	})
	require.NoError(t, probe.Probe(context.Background()))
	assert.Equal(t, "k-123", p.gotKey)

	p.healthy = false
	assert.Error(t, probe.Probe(context.Background()))

	credErr := ProviderProbe(p, func(context.Context) (llm.Credential, error) {
		return llm.Credential{}, llm.NewCredentialError("fake", "missing", nil)
	})
	var ce *llm.CredentialError
	assert.True(t, errors.As(credErr.Probe(context.Background()), &ce))
}
