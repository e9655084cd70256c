package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestNewWatcher(t *testing.T) {
	_, err := NewWatcher("", nil)
	assert.Error(t, err)

	w, err := NewWatcher("/nonexistent/config.yaml", nil)
	require.NoError(t, err)
	assert.Equal(t, "/nonexistent/config.yaml", w.Path())
	assert.False(t, w.IsRunning())
	assert.Equal(t, time.Second, w.pollInterval)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "providers:\n  - {name: a, vendor: openai, model: gpt-4o}\n")

	w, err := NewWatcher(path, nil,
		WithPollInterval(10*time.Millisecond),
		WithDebounceDelay(10*time.Millisecond),
		WithWatcherLogger(zap.NewNop()))
	require.NoError(t, err)

	var mu sync.Mutex
	var got []*Config
	w.OnReload(func(cfg *Config) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, cfg)
	})

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()
	assert.Error(t, w.Start(context.Background()))

	// 保证修改时间变化
	time.Sleep(20 * time.Millisecond)
	writeConfig(t, path, "providers:\n  - {name: a, vendor: openai, model: gpt-4o}\n  - {name: b, vendor: qwen, model: qwen-max}\n")
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && len(got[len(got)-1].Providers) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_RejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "providers:\n  - {name: a}\n")

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	called := false
	w.OnReload(func(*Config) { called = true })

	assert.ErrorContains(t, w.Reload(), "name and vendor are required")
	assert.False(t, called)

	writeConfig(t, path, "server: [broken\n")
	assert.Error(t, w.Reload())
	assert.False(t, called)
}

func TestWatcher_ManualReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "router:\n  fallback_model: gpt-4.1-mini\n")

	w, err := NewWatcher(path, NewLoader().WithEnvPrefix("WATCHER_TEST"))
	require.NoError(t, err)
	var model string
	w.OnReload(func(cfg *Config) { model = cfg.Router.FallbackModel })

	require.NoError(t, w.Reload())
	assert.Equal(t, "gpt-4.1-mini", model)
}

func TestWatcher_CheckDetectsLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	w, err := NewWatcher(path, nil)
	require.NoError(t, err)

	assert.Nil(t, w.check())

	writeConfig(t, path, "{}")
	ev := w.check()
	require.NotNil(t, ev)
	assert.Equal(t, FileOpCreate, ev.Op)
	assert.Nil(t, w.check())

	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))
	ev = w.check()
	require.NotNil(t, ev)
	assert.Equal(t, "WRITE", ev.Op.String())

	require.NoError(t, os.Remove(path))
	ev = w.check()
	require.NotNil(t, ev)
	assert.Equal(t, FileOpRemove, ev.Op)
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w, err := NewWatcher(filepath.Join(t.TempDir(), "c.yaml"), nil, WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)
	w.Stop()
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
	assert.False(t, w.IsRunning())
}
