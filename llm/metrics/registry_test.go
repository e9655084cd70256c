package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRegistry_RecordAndDerive(t *testing.T) {
	r := NewRegistry()
	r.RecordSuccess("a", 100, 50, 0.01)
	r.RecordSuccess("a", 200, 150, 0.03)
	r.RecordFailure("a", 300)

	m, ok := r.GetMetrics("a")
	require.True(t, ok)
	assert.Equal(t, int64(3), m.RequestCount)
	assert.Equal(t, int64(2), m.SuccessCount)
	assert.Equal(t, int64(1), m.FailureCount)
	assert.Equal(t, int64(600), m.TotalLatencyMs)
	assert.Equal(t, int64(200), m.TotalTokens)
	assert.InDelta(t, 0.04, m.TotalCost, 1e-9)

	d, ok := r.GetDetailedMetrics("a")
	require.True(t, ok)
	assert.InDelta(t, 66.6666, d.SuccessRate, 0.001)
	assert.Equal(t, int64(200), d.AvgLatencyMs)
	assert.Equal(t, int64(67), d.AvgTokensPerRequest)
	assert.InDelta(t, 0.04/3, d.AvgCostPerRequest, 1e-9)
}

func TestRegistry_UnknownProviderIsZeroed(t *testing.T) {
	r := NewRegistry()
	d, ok := r.GetDetailedMetrics("nope")
	assert.False(t, ok)
	assert.Equal(t, "nope", d.Provider)
	assert.Zero(t, d.RequestCount)
	assert.Zero(t, d.SuccessRate)
	assert.Zero(t, d.AvgLatencyMs)
	assert.Zero(t, d.AvgCostPerRequest)

	agg := r.GetAggregatedMetrics()
	assert.Equal(t, AggregateProvider, agg.Provider)
	assert.Zero(t, agg.RequestCount)
	assert.Empty(t, r.GetAllDetailedMetrics())
}

func TestRegistry_AggregatesSumsBeforeDeriving(t *testing.T) {
	r := NewRegistry()
	r.RecordSuccess("fast", 10, 10, 0.001)
	for i := 0; i < 3; i++ {
		r.RecordFailure("slow", 1000)
	}

	agg := r.GetAggregatedMetrics()
	assert.Equal(t, int64(4), agg.RequestCount)
	assert.Equal(t, int64(1), agg.SuccessCount)
	assert.Equal(t, int64(3), agg.FailureCount)
	// 总和派生：25%，而非各 Provider 成功率的平均值 50%
	assert.InDelta(t, 25.0, agg.SuccessRate, 1e-9)
	// (10 + 3000) / 4 = 752.5 -> 753
	assert.Equal(t, int64(753), agg.AvgLatencyMs)
	assert.InDelta(t, 0.001/4, agg.AvgCostPerRequest, 1e-12)
}

func TestRegistry_NegativeInputsClamped(t *testing.T) {
	r := NewRegistry()
	r.RecordSuccess("a", -5, -1, -0.5)
	r.RecordFailure("a", -10)
	m, _ := r.GetMetrics("a")
	assert.Equal(t, int64(2), m.RequestCount)
	assert.Zero(t, m.TotalLatencyMs)
	assert.Zero(t, m.TotalTokens)
	assert.Zero(t, m.TotalCost)
}

func TestRegistry_UptimeAndReset(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := NewRegistry(WithClock(clock.Now))

	clock.Advance(1500 * time.Millisecond)
	assert.Equal(t, int64(1500), r.GetUptimeMs())

	r.RecordSuccess("a", 1, 1, 1)
	r.RecordSuccess("b", 1, 1, 1)
	r.Reset()
	assert.Equal(t, int64(0), r.GetUptimeMs())
	assert.Empty(t, r.GetAllDetailedMetrics())

	r.RecordFailure("a", 5)
	r.ResetProvider("a")
	_, ok := r.GetMetrics("a")
	assert.False(t, ok)

	snap := r.Snapshot()
	assert.Equal(t, clock.Now(), snap.Timestamp)
}

func TestRegistry_SnapshotSortedByProvider(t *testing.T) {
	r := NewRegistry()
	for _, p := range []string{"c", "a", "b"} {
		r.RecordSuccess(p, 1, 1, 0)
	}
	snap := r.Snapshot()
	require.Len(t, snap.Providers, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{snap.Providers[0].Provider, snap.Providers[1].Provider, snap.Providers[2].Provider})
}

type countingObserver struct {
	success atomic.Int64
	failure atomic.Int64
}

func (o *countingObserver) ObserveSuccess(string, time.Duration, int64, float64) { o.success.Add(1) }
func (o *countingObserver) ObserveFailure(string, time.Duration)                 { o.failure.Add(1) }

func TestRegistry_Observer(t *testing.T) {
	obs := &countingObserver{}
	r := NewRegistry(WithObserver(obs))
	r.RecordSuccess("a", 1, 1, 0)
	r.RecordFailure("a", 1)
	r.RecordFailure("b", 1)
	assert.Equal(t, int64(1), obs.success.Load())
	assert.Equal(t, int64(2), obs.failure.Load())
}

func TestRegistry_ConcurrentRecordsAreNotLost(t *testing.T) {
	r := NewRegistry()
	const workers, perWorker = 16, 500

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			provider := fmt.Sprintf("p%d", w%4)
			for i := 0; i < perWorker; i++ {
				if i%5 == 0 {
					r.RecordFailure(provider, 2)
				} else {
					r.RecordSuccess(provider, 1, 10, 0.5)
				}
			}
		}(w)
	}
	wg.Wait()

	agg := r.GetAggregatedMetrics()
	assert.Equal(t, int64(workers*perWorker), agg.RequestCount)
	assert.Equal(t, int64(workers*perWorker/5), agg.FailureCount)
	assert.Equal(t, agg.RequestCount, agg.SuccessCount+agg.FailureCount)
	assert.InDelta(t, 80.0, agg.SuccessRate, 1e-9)
}

func TestRegistry_ResetConcurrentWithRecordsStaysConsistent(t *testing.T) {
	r := NewRegistry()
	stop := make(chan struct{})
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			provider := fmt.Sprintf("p%d", w%3)
			for {
				select {
				case <-stop:
					return
				default:
					r.RecordSuccess(provider, 3, 7, 0.25)
				}
			}
		}(w)
	}

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		r.Reset()
		snap := r.Snapshot()
		var sum int64
		for _, p := range snap.Providers {
			// 只记录成功：每个字段必须与 requestCount 保持一致
			require.Equal(t, p.RequestCount, p.SuccessCount)
			require.Zero(t, p.FailureCount)
			require.Equal(t, p.RequestCount*3, p.TotalLatencyMs)
			require.Equal(t, p.RequestCount*7, p.TotalTokens)
			require.InDelta(t, float64(p.RequestCount)*0.25, p.TotalCost, 1e-6)
			sum += p.RequestCount
		}
		require.Equal(t, sum, snap.Aggregated.RequestCount)
	}
	close(stop)
	wg.Wait()
}

func TestRegistry_SnapshotDoesNotStallOtherProviders(t *testing.T) {
	r := NewRegistry()
	r.RecordSuccess("a", 1, 1, 0)
	r.RecordSuccess("b", 1, 1, 0)

	// 快照卡在 a 的锁上时，b 的记录与读取不受影响
	held := r.gen.Load().entry("a")
	held.mu.Lock()
	snapDone := make(chan Snapshot)
	go func() { snapDone <- r.Snapshot() }()

	recorded := make(chan struct{})
	go func() {
		r.RecordFailure("b", 5)
		_, _ = r.GetMetrics("b")
		_ = r.GetUptimeMs()
		close(recorded)
	}()

	select {
	case <-recorded:
	case <-time.After(time.Second):
		t.Fatal("recording b blocked behind a snapshot waiting on a")
	}
	held.mu.Unlock()

	snap := <-snapDone
	require.Len(t, snap.Providers, 2)
	assert.Equal(t, snap.Aggregated.RequestCount, snap.Providers[0].RequestCount+snap.Providers[1].RequestCount)
	mb, _ := r.GetMetrics("b")
	assert.Equal(t, int64(2), mb.RequestCount)
}

// TestProperty_AggregatedEqualsSumOfProviders 任意记录序列下，聚合计数等于各 Provider 计数之和。
func TestProperty_AggregatedEqualsSumOfProviders(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r := NewRegistry()
		ops := rapid.IntRange(0, 200).Draw(rt, "ops")
		providers := []string{"a", "b", "c", "d"}

		for i := 0; i < ops; i++ {
			p := rapid.SampledFrom(providers).Draw(rt, "provider")
			latency := rapid.Int64Range(0, 10_000).Draw(rt, "latency")
			switch rapid.IntRange(0, 9).Draw(rt, "op") {
			case 0:
				r.Reset()
			case 1, 2, 3:
				r.RecordFailure(p, latency)
			default:
				tokens := rapid.Int64Range(0, 4_000).Draw(rt, "tokens")
				r.RecordSuccess(p, latency, tokens, float64(tokens)/1000*0.002)
			}
		}

		snap := r.Snapshot()
		var req, succ, fail, lat, tok int64
		for _, p := range snap.Providers {
			req += p.RequestCount
			succ += p.SuccessCount
			fail += p.FailureCount
			lat += p.TotalLatencyMs
			tok += p.TotalTokens
			assert.Equal(rt, p.RequestCount, p.SuccessCount+p.FailureCount)
		}
		assert.Equal(rt, req, snap.Aggregated.RequestCount)
		assert.Equal(rt, succ, snap.Aggregated.SuccessCount)
		assert.Equal(rt, fail, snap.Aggregated.FailureCount)
		assert.Equal(rt, lat, snap.Aggregated.TotalLatencyMs)
		assert.Equal(rt, tok, snap.Aggregated.TotalTokens)
		if req > 0 {
			assert.InDelta(rt, float64(succ)/float64(req)*100, snap.Aggregated.SuccessRate, 1e-9)
		}
	})
}
