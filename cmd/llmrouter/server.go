package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/BaSui01/llmrouter/api/handlers"
	"github.com/BaSui01/llmrouter/config"
	"github.com/BaSui01/llmrouter/internal/cache"
	"github.com/BaSui01/llmrouter/internal/database"
	"github.com/BaSui01/llmrouter/internal/metrics"
	"github.com/BaSui01/llmrouter/internal/server"
	"github.com/BaSui01/llmrouter/internal/telemetry"
	"github.com/BaSui01/llmrouter/llm"
	"github.com/BaSui01/llmrouter/llm/catalog"
	"github.com/BaSui01/llmrouter/llm/cost"
	llmfactory "github.com/BaSui01/llmrouter/llm/factory"
	"github.com/BaSui01/llmrouter/llm/health"
	"github.com/BaSui01/llmrouter/llm/idempotency"
	llmmetrics "github.com/BaSui01/llmrouter/llm/metrics"
	"github.com/BaSui01/llmrouter/llm/observability"
	"github.com/BaSui01/llmrouter/llm/router"
	"github.com/BaSui01/llmrouter/llm/tokenizer"
	"github.com/BaSui01/llmrouter/llm/vault"
)

// fallbackProviderName 是直连兜底在日志与工厂缓存中的名字
const fallbackProviderName = "direct-fallback"

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 组装目录、凭据、健康监控、指标与路由，并对外提供 HTTP API
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 可观测性
	promRegistry *prometheus.Registry
	collector    *metrics.Collector
	telemetry    *telemetry.Providers

	// 存储，未配置数据库时 db、store 为 nil
	db     *database.PoolManager
	cache  *cache.Manager
	store  *catalog.Store
	static *catalog.Static

	// 路由核心
	resolver *vault.Resolver
	factory  *llmfactory.Factory
	monitor  *health.Monitor
	registry *llmmetrics.Registry
	router   *router.Client
	fallback router.DirectFallback

	// 未配置 Redis 时的进程内幂等存储
	replayMem *idempotency.MemoryManager

	handler http.Handler
	watcher *config.Watcher

	// 已注册到健康监控的 Provider
	mu         sync.Mutex
	registered map[string]struct{}

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer 创建服务器并完成依赖装配，不监听端口
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		registered: make(map[string]struct{}),
	}
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())

	steps := []struct {
		name string
		fn   func() error
	}{
		{"observability", s.initObservability},
		{"storage", s.initStorage},
		{"routing", s.initRouting},
		{"handlers", s.initHandlers},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			s.Shutdown()
			return nil, fmt.Errorf("failed to init %s: %w", step.name, err)
		}
	}
	return s, nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

func (s *Server) initObservability() error {
	s.promRegistry = prometheus.NewRegistry()
	s.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollector("llmrouter", s.promRegistry, s.logger)

	tp, err := telemetry.Init(s.cfg.Telemetry, s.logger, telemetry.WithServiceVersion(Version))
	if err != nil {
		return err
	}
	s.telemetry = tp
	return nil
}

// initStorage 配置了数据库时使用数据库目录（可选 Redis 缓存），否则使用配置文件中的静态目录
func (s *Server) initStorage() error {
	if s.cfg.Redis.Addr != "" {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.Addr = s.cfg.Redis.Addr
		cacheCfg.Password = s.cfg.Redis.Password
		cacheCfg.DB = s.cfg.Redis.DB
		cacheCfg.PoolSize = s.cfg.Redis.PoolSize
		cacheCfg.MinIdleConns = s.cfg.Redis.MinIdleConns
		cacheCfg.DefaultTTL = s.cfg.Redis.CandidateTTL

		cm, err := cache.NewManager(cacheCfg, s.logger)
		if err != nil {
			// 缓存只是加速层，连不上时直接读数据库，幂等结果退回进程内存
			s.logger.Warn("Redis unavailable, cache disabled", zap.Error(err))
		} else {
			s.cache = cm
		}
	}

	if s.cfg.Database.Driver == "" {
		s.static = catalog.NewStatic(candidatesFromConfig(s.cfg.Providers))
		s.logger.Info("Using static provider catalog", zap.Int("providers", len(s.cfg.Providers)))
		return nil
	}

	pool, err := openDatabase(s.cfg.Database, s.logger)
	if err != nil {
		return err
	}
	s.db = pool

	storeOpts := []catalog.StoreOption{catalog.WithLogger(s.logger)}
	if s.cache != nil {
		storeOpts = append(storeOpts, catalog.WithCache(s.cache, s.cfg.Redis.CandidateTTL))
	}
	s.store = catalog.NewStore(pool.DB(), storeOpts...)
	s.logger.Info("Using database provider catalog", zap.String("driver", s.cfg.Database.Driver))
	return nil
}

func (s *Server) initRouting() error {
	v, err := newVault(s.cfg.Vault)
	if err != nil {
		return err
	}
	if v == nil {
		s.logger.Info("Vault passphrase not set, credentials come from environment only")
	}
	s.resolver = vault.NewResolver(v, s.logger)

	s.factory = llmfactory.New(
		llmfactory.WithTimeout(s.cfg.Router.AttemptTimeout),
		llmfactory.WithLogger(s.logger),
		llmfactory.WithStreamUsage(true),
	)

	s.monitor = health.NewMonitor(
		health.Config{Interval: s.cfg.Health.Interval, Timeout: s.cfg.Health.Timeout},
		s.logger,
		health.WithObserver(s.collector.ObserveHealth),
	)
	s.registry = llmmetrics.NewRegistry(llmmetrics.WithObserver(s.collector))

	obs, err := observability.NewMetricsWithProviders(s.telemetry.TracerProvider(), s.telemetry.MeterProvider())
	if err != nil {
		return fmt.Errorf("create router instruments: %w", err)
	}

	var cat router.Catalog = s.static
	if s.store != nil {
		cat = s.store
	}
	s.router, err = router.New(router.Options{
		Catalog:        cat,
		Health:         s.monitor,
		Metrics:        s.registry,
		Credentials:    s.resolver,
		Factory:        s.factory,
		Cost:           cost.NewCalculator(),
		Tokenizer:      tokenizer.NewCounter(true, s.logger),
		Observability:  obs,
		AttemptTimeout: s.cfg.Router.AttemptTimeout,
		Defaults: router.Defaults{
			MaxTokens:   s.cfg.Router.DefaultMaxTokens,
			Temperature: float32(s.cfg.Router.DefaultTemperature),
		},
		Logger: s.logger,
	})
	if err != nil {
		return err
	}

	s.fallback = s.buildFallback()
	s.syncProviders(s.bgCtx)
	return nil
}

// buildFallback 构造直连兜底。凭据缺失时兜底仍然存在，调用时返回 503。
func (s *Server) buildFallback() router.DirectFallback {
	cand := catalog.Candidate{
		Name:    fallbackProviderName,
		Vendor:  s.cfg.Router.FallbackVendor,
		Model:   s.cfg.Router.FallbackModel,
		BaseURL: s.cfg.Router.FallbackBaseURL,
	}
	if cand.Vendor == "" {
		cand.Vendor = router.FallbackVendor
	}

	p, err := s.factory.Provider(cand)
	if err != nil {
		s.logger.Warn("Direct fallback disabled", zap.String("vendor", cand.Vendor), zap.Error(err))
		return router.NewProviderFallback(nil, cand.Model, llm.Credential{}, s.cfg.Router.AttemptTimeout)
	}
	cred, err := s.resolver.Resolve(s.bgCtx, cand.CredentialRef())
	if err != nil {
		s.logger.Warn("Direct fallback has no credential",
			zap.String("vendor", cand.Vendor),
			zap.String("env", vault.EnvVarName(cand.Vendor)),
			vault.RedactedError(err))
		return router.NewProviderFallback(nil, cand.Model, llm.Credential{}, s.cfg.Router.AttemptTimeout)
	}
	return router.NewProviderFallback(p, cand.Model, cred, s.cfg.Router.AttemptTimeout)
}

func (s *Server) initHandlers() error {
	healthHandler := handlers.NewHealthHandler(s.logger)
	if s.db != nil {
		healthHandler.RegisterCheck(handlers.NewPingCheck("database", s.db.Ping))
	}
	if s.cache != nil {
		healthHandler.RegisterCheck(handlers.NewPingCheck("redis", s.cache.Ping))
	}
	providerHealth := handlers.NewProviderHealthHandler(s.monitor, s.logger)
	metricsHandler := handlers.NewMetricsHandler(s.registry, s.logger)
	routeHandler := handlers.NewRouteHandler(s.router, s.fallback, s.logger)
	if ttl := s.cfg.Router.IdempotencyTTL; ttl > 0 {
		if s.cache != nil {
			routeHandler.WithIdempotency(idempotency.NewCacheManager(s.cache, s.logger), ttl)
		} else {
			s.replayMem = idempotency.NewMemoryManager(s.logger, time.Minute)
			routeHandler.WithIdempotency(s.replayMem, ttl)
		}
	}

	authenticated := RequireAuthenticated(s.cfg.JWT)

	mux := http.NewServeMux()

	// 健康检查与版本
	mux.HandleFunc("GET /health", healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", healthHandler.HandleReady)
	mux.HandleFunc("GET /version", healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// LLM API
	mux.Handle("POST /v1/llm/route", authenticated(http.HandlerFunc(routeHandler.HandleRoute)))
	mux.HandleFunc("GET /v1/llm/health", providerHealth.HandleHealth)
	mux.HandleFunc("POST /v1/llm/health/check", providerHealth.HandleCheck)
	mux.HandleFunc("GET /v1/llm/metrics", metricsHandler.HandleMetrics)
	mux.HandleFunc("POST /v1/llm/metrics/reset", metricsHandler.HandleReset)

	if s.cfg.Server.MetricsPort == 0 {
		mux.Handle("GET /metrics", s.metricsHTTPHandler())
	}

	propagator := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	s.handler = Chain(mux,
		Recovery(s.logger),
		RequestID(),
		OTelTracing(s.telemetry.TracerProvider(), propagator),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		JWTAuth(s.cfg.JWT, s.logger),
		RateLimiter(s.bgCtx, s.cfg.RateLimit.RPS, s.cfg.RateLimit.Burst, s.logger),
	)
	return nil
}

// Handler 返回带完整中间件链的 API handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) metricsHTTPHandler() http.Handler {
	return promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{Registry: s.promRegistry})
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动健康监控、配置监听与 HTTP 服务器
func (s *Server) Start() error {
	if s.cfg.Health.Enabled {
		s.monitor.Start(s.bgCtx)
	}
	if s.store != nil {
		s.startCatalogSync()
	}
	if err := s.startWatcher(); err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("health_monitor", s.cfg.Health.Enabled),
		zap.Bool("hot_reload_enabled", s.watcher != nil),
	)
	return nil
}

func (s *Server) startHTTPServer() error {
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.httpManager = server.NewManager("http", s.handler, serverConfig, s.logger)
	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort == 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metricsHTTPHandler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.metricsManager = server.NewManager("metrics", mux, serverConfig, s.logger)
	return s.metricsManager.Start()
}

// =============================================================================
// 🔄 目录同步与热更新
// =============================================================================

// syncProviders 让健康监控的注册表与当前目录一致
func (s *Server) syncProviders(ctx context.Context) {
	cands, err := s.allCandidates(ctx)
	if err != nil {
		s.logger.Warn("Failed to list providers for health monitoring", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[string]struct{}, len(cands))
	for _, c := range cands {
		p, err := s.factory.Provider(c)
		if err != nil {
			s.logger.Warn("Skipping provider", zap.String("provider", c.Name), zap.Error(err))
			continue
		}
		ref := c.CredentialRef()
		s.monitor.RegisterProvider(c.Name, health.ProviderProbe(p, func(ctx context.Context) (llm.Credential, error) {
			return s.resolver.Resolve(ctx, ref)
		}))
		current[c.Name] = struct{}{}
	}

	for name := range s.registered {
		if _, ok := current[name]; ok {
			continue
		}
		s.forgetProvider(name)
	}
	s.registered = current
}

func (s *Server) forgetProvider(name string) {
	s.monitor.UnregisterProvider(name)
	s.factory.Forget(name)
	s.collector.ForgetProvider(name)
	s.logger.Info("Provider removed from catalog", zap.String("provider", name))
}

func (s *Server) allCandidates(ctx context.Context) ([]catalog.Candidate, error) {
	if s.store == nil {
		return s.static.All(), nil
	}
	providers, err := s.store.All(ctx)
	if err != nil {
		return nil, err
	}
	cands := make([]catalog.Candidate, 0, len(providers))
	for _, p := range providers {
		if p.IsActive {
			cands = append(cands, p.Candidate())
		}
	}
	return cands, nil
}

// startCatalogSync 按健康探测间隔从数据库刷新 Provider 注册
func (s *Server) startCatalogSync() {
	interval := s.cfg.Health.Interval
	if interval <= 0 {
		interval = health.DefaultConfig().Interval
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.bgCtx.Done():
				return
			case <-ticker.C:
				s.syncProviders(s.bgCtx)
			}
		}
	}()
}

func (s *Server) startWatcher() error {
	if s.configPath == "" {
		return nil
	}
	w, err := config.NewWatcher(s.configPath, config.NewLoader(), config.WithWatcherLogger(s.logger))
	if err != nil {
		return err
	}
	w.OnReload(s.applyConfig)
	if err := w.Start(s.bgCtx); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// applyConfig 应用热更新后的静态目录，其余配置项需要重启才生效
func (s *Server) applyConfig(next *config.Config) {
	if s.static == nil {
		s.logger.Info("Configuration reloaded, providers are managed by the database")
		return
	}

	cands := candidatesFromConfig(next.Providers)
	old := s.static.All()
	removed := s.static.Replace(cands)
	// 同名但地址或厂商变化的 Provider 需要重建客户端
	for _, c := range old {
		s.factory.Forget(c.Name)
	}
	s.syncProviders(s.bgCtx)

	s.logger.Info("Provider catalog reloaded",
		zap.Int("providers", len(cands)),
		zap.Strings("removed", removed),
	)
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待 SIGINT/SIGTERM 或服务器异步错误，然后优雅关闭
func (s *Server) WaitForShutdown() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var httpErrs, metricsErrs <-chan error
	if s.httpManager != nil {
		httpErrs = s.httpManager.Errors()
	}
	if s.metricsManager != nil {
		metricsErrs = s.metricsManager.Errors()
	}

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case err := <-httpErrs:
		s.logger.Error("HTTP server error", zap.Error(err))
	case err := <-metricsErrs:
		s.logger.Error("Metrics server error", zap.Error(err))
	}

	s.Shutdown()
}

// Shutdown 优雅关闭所有组件，可重复调用
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// 1. 停止配置监听与后台任务
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.monitor != nil {
		s.monitor.Stop()
	}
	s.bgCancel()
	s.wg.Wait()

	// 2. 关闭 HTTP 服务器
	for _, m := range []*server.Manager{s.httpManager, s.metricsManager} {
		if m == nil {
			continue
		}
		if err := m.Shutdown(ctx); err != nil {
			s.logger.Error("Server shutdown error", zap.Error(err))
		}
	}

	// 3. 刷新遥测数据
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭存储
	if s.replayMem != nil {
		s.replayMem.Close()
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil && !errors.Is(err, cache.ErrClosed) {
			s.logger.Error("Cache close error", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Database close error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// candidatesFromConfig 把配置中的静态目录转成候选，未声明用途的默认 general
func candidatesFromConfig(providers []config.ProviderConfig) []catalog.Candidate {
	out := make([]catalog.Candidate, 0, len(providers))
	for _, p := range providers {
		c := catalog.Candidate{
			ID:           p.Name,
			Name:         p.Name,
			Vendor:       p.Vendor,
			Model:        p.Model,
			BaseURL:      p.BaseURL,
			AccountID:    p.AccountID,
			IsDefault:    p.IsDefault,
			MaxTokens:    p.MaxTokens,
			EncryptedKey: p.EncryptedKey,
		}
		for _, u := range p.UseCases {
			if uc, err := catalog.ParseUseCase(u); err == nil {
				c.UseCases = append(c.UseCases, uc)
			}
		}
		if len(c.UseCases) == 0 {
			c.UseCases = []catalog.UseCase{catalog.UseCaseGeneral}
		}
		out = append(out, c)
	}
	return out
}

// newVault 按当前与历史密钥构造 Vault，未设置口令时返回 nil
func newVault(cfg config.VaultConfig) (*vault.Vault, error) {
	if cfg.Passphrase == "" {
		return nil, nil
	}
	v, err := vault.New(cfg.Passphrase, cfg.KeyVersion)
	if err != nil {
		return nil, fmt.Errorf("create vault: %w", err)
	}
	previous, err := cfg.ParsePreviousKeys()
	if err != nil {
		return nil, err
	}
	for version, pass := range previous {
		if err := v.AddKey(version, pass); err != nil {
			return nil, fmt.Errorf("add vault key v%d: %w", version, err)
		}
	}
	return v, nil
}

// openDatabase 按配置打开数据库连接池
func openDatabase(cfg config.DatabaseConfig, logger *zap.Logger) (*database.PoolManager, error) {
	poolCfg := database.DefaultPoolConfig()
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	pool, err := database.Open(cfg.Driver, cfg.DSN(), poolCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}
	return pool, nil
}
