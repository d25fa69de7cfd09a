package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/chatrelay/api/handlers"
	"github.com/BaSui01/chatrelay/config"
	"github.com/BaSui01/chatrelay/gateway"
	"github.com/BaSui01/chatrelay/internal/database"
	"github.com/BaSui01/chatrelay/internal/metrics"
	"github.com/BaSui01/chatrelay/internal/migration"
	"github.com/BaSui01/chatrelay/internal/server"
	"github.com/BaSui01/chatrelay/internal/tlsutil"
	"github.com/BaSui01/chatrelay/persistence"
	"github.com/BaSui01/chatrelay/reactions"
	"github.com/BaSui01/chatrelay/relay"
	"github.com/BaSui01/chatrelay/types"
)

// skipAuthPaths 免 API Key 的探针路径
var skipAuthPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version"}

// =============================================================================
// 🖥️ Server
// =============================================================================

// Server 组装存储、网关、中继服务与两个 HTTP 监听
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel

	collector *metrics.Collector
	store     persistence.Store
	dbPool    *database.PoolManager
	relay     *relay.Service
	replyText atomic.Pointer[string]

	apiServer     *server.Manager
	metricsServer *server.Manager
	reloader      *config.Reloader
}

// NewServer 按配置构建所有组件。ctx 控制限流清理等后台 goroutine 的生命周期。
func NewServer(ctx context.Context, cfg *config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel) (*Server, error) {
	return newServer(ctx, cfg, configPath, logger, level, metrics.NewCollector("chatrelay", logger))
}

func newServer(ctx context.Context, cfg *config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel, collector *metrics.Collector) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		level:      level,
		collector:  collector,
	}
	replyText := cfg.Dispatch.ReplyText
	s.replyText.Store(&replyText)

	store, queue, redisClient, err := s.buildStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("build store: %w", err)
	}
	s.store = store

	opts := []relay.Option{relay.WithConfig(relayConfig(cfg)), relay.WithMetrics(collector)}
	if queue != nil {
		opts = append(opts, relay.WithReconcileQueue(queue))
	}
	s.relay = relay.New(store, s.buildGateway(), relay.GeneratorFunc(s.generate), logger, opts...)

	health := handlers.NewHealthHandler(logger)
	health.RegisterCheck(handlers.NewCheck("store", store.Ping))
	if redisClient != nil {
		health.RegisterCheck(handlers.NewCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	}
	health.SetDetails(s.details)

	mux := http.NewServeMux()
	health.Register(mux, handlers.VersionInfo{Version: Version, BuildTime: BuildTime, GitCommit: GitCommit})
	handlers.NewConversationHandler(s.relay, logger).Register(mux)
	handlers.NewPacingHandler(s.relay, logger).Register(mux)

	handler := Chain(mux,
		Recovery(logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(collector),
		RequestLogger(logger),
		RateLimiter(ctx, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),
		APIKeyAuth(cfg.Server.APIKeys, skipAuthPaths),
	)
	s.apiServer = server.NewManager("api", handler, server.FromServerConfig(cfg.Server, cfg.Server.HTTPPort), logger)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	s.metricsServer = server.NewManager("metrics", metricsMux, server.FromServerConfig(cfg.Server, cfg.Server.MetricsPort), logger)

	if configPath != "" {
		s.reloader = config.NewReloader(configPath, cfg, config.WithReloadLogger(logger))
		s.reloader.OnReload(s.applyReload)
	}

	return s, nil
}

// =============================================================================
// 🔧 组件构建
// =============================================================================

// buildStore 按 store.type 创建存储; redis 存储同时提供表情对账队列
func (s *Server) buildStore(ctx context.Context) (persistence.Store, reactions.ReconcileQueue, *redis.Client, error) {
	cfg := s.cfg
	storeCfg := persistence.StoreConfig{
		Type: persistence.StoreType(cfg.Store.Type),
		Redis: persistence.RedisStoreConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			KeyPrefix: cfg.Store.KeyPrefix,
		},
		Mongo: persistence.MongoStoreConfig{
			URI:            cfg.Mongo.URI,
			Database:       cfg.Mongo.Database,
			ConnectTimeout: cfg.Mongo.ConnectTimeout,
		},
		MaxCommitRetries: cfg.Store.MaxCommitRetries,
	}

	switch storeCfg.Type {
	case persistence.StoreTypeRedis:
		opts := &redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}
		if cfg.Redis.TLS {
			opts.TLSConfig = tlsutil.ClientConfig(tlsutil.ServerNameFromAddr(cfg.Redis.Addr))
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		s.logger.Info("using redis store", zap.String("addr", cfg.Redis.Addr))
		return persistence.NewRedisStore(client, storeCfg), reactions.NewRedisQueue(client, cfg.Store.KeyPrefix), client, nil

	case persistence.StoreTypeSQL:
		if cfg.Database.AutoMigrate {
			if err := s.migrateUp(ctx); err != nil {
				return nil, nil, nil, err
			}
		}
		gdb, err := database.Open(cfg.Database.Driver, cfg.Database.DSN(), s.logger)
		if err != nil {
			return nil, nil, nil, err
		}
		poolCfg := database.DefaultPoolConfig()
		if cfg.Database.MaxOpenConns > 0 {
			poolCfg.MaxOpenConns = cfg.Database.MaxOpenConns
		}
		if cfg.Database.MaxIdleConns > 0 {
			poolCfg.MaxIdleConns = cfg.Database.MaxIdleConns
		}
		if cfg.Database.ConnMaxLifetime > 0 {
			poolCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
		}
		if cfg.Database.Driver == "sqlite" {
			poolCfg.MaxOpenConns, poolCfg.MaxIdleConns = 1, 1
		}
		pool, err := database.NewPoolManager(gdb, poolCfg, s.logger)
		if err != nil {
			return nil, nil, nil, err
		}
		s.dbPool = pool
		s.logger.Info("using sql store", zap.String("driver", cfg.Database.Driver))
		return persistence.NewGormStore(pool, storeCfg), nil, nil, nil

	default:
		store, err := persistence.NewStore(storeCfg, nil)
		if err != nil {
			return nil, nil, nil, err
		}
		s.logger.Info("using store", zap.String("type", string(storeCfg.Type)))
		return store, nil, nil, nil
	}
}

func (s *Server) migrateUp(ctx context.Context) error {
	m, err := migration.Open(s.cfg.Database, s.logger)
	if err != nil {
		return fmt.Errorf("open migrator: %w", err)
	}
	defer func() { _ = m.Close() }()
	return m.Up(ctx)
}

// buildGateway 创建网关: http 或 log, 外层包限流与指标
func (s *Server) buildGateway() gateway.Gateway {
	cfg := s.cfg.Gateway
	var gw gateway.Gateway
	switch cfg.Type {
	case "http":
		gw = gateway.NewHTTPClient(gateway.HTTPConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Timeout: cfg.Timeout,
		}, s.logger)
	default:
		gw = gateway.NewLogGateway(s.logger)
	}
	if cfg.RateLimitRPS > 0 {
		gw = gateway.NewRateLimited(gw, cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	return gateway.NewInstrumented(gw, s.collector)
}

// relayConfig 将应用配置映射到中继配置
func relayConfig(cfg *config.Config) relay.Config {
	rc := relay.DefaultConfig()
	if cfg.Dispatch.MailboxSize > 0 {
		rc.Pool.MailboxSize = cfg.Dispatch.MailboxSize
	}
	if cfg.Dispatch.WorkerIdleTimeout > 0 {
		rc.Pool.IdleTimeout = cfg.Dispatch.WorkerIdleTimeout
	}
	if cfg.Dispatch.FireTimeout > 0 {
		rc.Dispatch.FireTimeout = cfg.Dispatch.FireTimeout
	}
	if cfg.Dispatch.ConflictRetries > 0 {
		rc.ConflictRetries = cfg.Dispatch.ConflictRetries
	}
	rc.Retry.MaxRetries = cfg.Gateway.MaxRetries
	if cfg.Gateway.RetryInitialDelay > 0 {
		rc.Retry.InitialDelay = cfg.Gateway.RetryInitialDelay
	}
	if cfg.Gateway.RetryMaxDelay > 0 {
		rc.Retry.MaxDelay = cfg.Gateway.RetryMaxDelay
	}
	rc.PacingDefaults = types.DelayPolicy{
		Enabled:                 cfg.Pacing.Enabled,
		MinDelayMs:              cfg.Pacing.MinDelayMs,
		MaxDelayMs:              cfg.Pacing.MaxDelayMs,
		PerQueuedMessageDelayMs: cfg.Pacing.PerQueuedMessageDelayMs,
	}
	rc.PacingRefresh = cfg.Pacing.RefreshInterval
	return rc
}

// details 就绪检查附带的运行时统计
func (s *Server) details() any {
	d := map[string]any{"relay": s.relay.Stats()}
	if s.dbPool != nil {
		d["database"] = s.dbPool.GetStats()
	}
	return d
}

// generate 返回当前配置的固定回复文本
func (s *Server) generate(ctx context.Context, conv *types.Conversation, history []*types.Message) (string, error) {
	return *s.replyText.Load(), nil
}

// =============================================================================
// 🔄 热重载
// =============================================================================

// applyReload 应用可热更新字段, 其余变化仅记录日志
func (s *Server) applyReload(oldCfg, newCfg *config.Config) {
	for _, path := range config.Diff(oldCfg, newCfg) {
		if !config.IsHotReloadable(path) {
			s.logger.Warn("config change requires restart", zap.String("field", path))
		}
	}

	if oldCfg.Log.Level != newCfg.Log.Level {
		s.level.SetLevel(parseLevel(newCfg.Log.Level))
		s.logger.Info("log level changed", zap.String("level", newCfg.Log.Level))
	}
	if oldCfg.Dispatch.ReplyText != newCfg.Dispatch.ReplyText {
		text := newCfg.Dispatch.ReplyText
		s.replyText.Store(&text)
		s.logger.Info("reply text changed")
	}
}

// =============================================================================
// 🚀 运行与关闭
// =============================================================================

// Run 启动所有监听与后台循环, ctx 取消后依次关闭 HTTP、中继与存储
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.apiServer.Run(gctx) })
	g.Go(func() error { return s.metricsServer.Run(gctx) })
	if s.cfg.Dispatch.ReconcileInterval > 0 {
		g.Go(func() error { return s.reconcileLoop(gctx) })
	}
	if s.reloader != nil {
		g.Go(func() error { return s.reloader.Run(gctx) })
	}

	s.logger.Info("chatrelay started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("store", s.cfg.Store.Type),
		zap.String("gateway", s.cfg.Gateway.Type),
		zap.Bool("hot_reload", s.reloader != nil),
	)

	runErr := g.Wait()
	return errors.Join(runErr, s.shutdown())
}

// reconcileLoop 定期补录已发送但未记录的表情
func (s *Server) reconcileLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Dispatch.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			repaired, err := s.relay.ReconcileReactions(ctx, s.cfg.Dispatch.ReconcileBatch, s.cfg.Dispatch.ReconcileMaxAttempts)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("reaction reconcile failed", zap.Error(err))
				continue
			}
			if repaired > 0 {
				s.logger.Info("reactions reconciled", zap.Int("repaired", repaired))
			}
		}
	}
}

func (s *Server) shutdown() error {
	s.logger.Info("starting graceful shutdown")

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := s.relay.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close relay: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	s.logger.Info("graceful shutdown completed")
	return errors.Join(errs...)
}
