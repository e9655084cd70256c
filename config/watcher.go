// 配置文件变更监听与重载。
//
// 轮询文件修改时间，防抖后重新加载配置并回调。
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 文件事件 ---

// FileOp 文件操作类型
type FileOp int

const (
	// FileOpCreate 表示文件已创建
	FileOpCreate FileOp = iota
	// FileOpWrite 指示文件已被修改
	FileOpWrite
	// FileOpRemove 表示文件已被删除
	FileOpRemove
)

// String returns the string representation of FileOp
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// FileEvent 是一次文件变更
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// ReloadFunc 在配置成功重载后调用
type ReloadFunc func(cfg *Config)

// --- 监听器选项 ---

// WatcherOption 配置 Watcher
type WatcherOption func(*Watcher)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.pollInterval = d }
}

// WithDebounceDelay 设置防抖延迟
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounceDelay = d }
}

// WithWatcherLogger 设置日志
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger }
}

// --- 监听器 ---

// Watcher 监听配置文件，变更后用 Loader 重新加载并通过 Validate 后回调。
// 加载或校验失败时保留旧配置，只记录日志。
type Watcher struct {
	mu sync.Mutex

	path          string
	loader        *Loader
	pollInterval  time.Duration
	debounceDelay time.Duration
	logger        *zap.Logger

	callbacks []ReloadFunc
	lastMod   time.Time
	exists    bool
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewWatcher 创建配置监听器，loader 为 nil 时使用默认 Loader。
func NewWatcher(path string, loader *Loader, opts ...WatcherOption) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("config watcher requires a file path")
	}
	if loader == nil {
		loader = NewLoader()
	}
	w := &Watcher{
		path:          path,
		loader:        loader.WithConfigPath(path),
		pollInterval:  time.Second,
		debounceDelay: 100 * time.Millisecond,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"))

	if _, err := os.Stat(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat path %s: %w", path, err)
	}
	return w, nil
}

// OnReload 注册重载回调
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start 开始轮询
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("watcher already running")
	}
	if info, err := os.Stat(w.path); err == nil {
		w.lastMod, w.exists = info.ModTime(), true
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.loop(ctx, w.stopCh, w.doneCh)

	w.logger.Info("config watcher started",
		zap.String("path", w.path),
		zap.Duration("poll_interval", w.pollInterval))
	return nil
}

// Stop 停止轮询并等待后台 goroutine 退出
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	done := w.doneCh
	w.mu.Unlock()
	<-done
}

func (w *Watcher) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var pending *FileEvent
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if ev := w.check(); ev != nil {
				// 同一文件的事件只保留最后一次
				pending = ev
				debounce = time.After(w.debounceDelay)
			}
		case <-debounce:
			debounce = nil
			if pending != nil && pending.Op != FileOpRemove {
				w.reload(*pending)
			}
			pending = nil
		}
	}
}

// check 比较修改时间，返回变更事件
func (w *Watcher) check() *FileEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := os.Stat(w.path)
	now := time.Now()
	switch {
	case err != nil:
		if w.exists {
			w.exists = false
			return &FileEvent{Path: w.path, Op: FileOpRemove, Timestamp: now}
		}
		return nil
	case !w.exists:
		w.exists, w.lastMod = true, info.ModTime()
		return &FileEvent{Path: w.path, Op: FileOpCreate, Timestamp: now}
	case !info.ModTime().Equal(w.lastMod):
		w.lastMod = info.ModTime()
		return &FileEvent{Path: w.path, Op: FileOpWrite, Timestamp: now}
	}
	return nil
}

// Reload 立即重新加载配置并回调，供 SIGHUP 等手动触发使用。
func (w *Watcher) Reload() error {
	return w.reload(FileEvent{Path: w.path, Op: FileOpWrite, Timestamp: time.Now()})
}

func (w *Watcher) reload(ev FileEvent) error {
	cfg, err := w.loader.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		w.logger.Warn("config reload rejected, keeping previous config",
			zap.String("op", ev.Op.String()),
			zap.Error(err))
		return err
	}

	w.mu.Lock()
	callbacks := make([]ReloadFunc, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, cb := range callbacks {
		cb(cfg)
	}
	w.logger.Info("config reloaded",
		zap.String("op", ev.Op.String()),
		zap.Int("providers", len(cfg.Providers)))
	return nil
}

// Path 返回监听的文件
func (w *Watcher) Path() string { return w.path }

// IsRunning 返回是否在运行
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
