package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/graphflow/api/handlers"
	"github.com/BaSui01/graphflow/config"
	"github.com/BaSui01/graphflow/internal/metrics"
	"github.com/BaSui01/graphflow/internal/server"
	"github.com/BaSui01/graphflow/internal/telemetry"
	"github.com/BaSui01/graphflow/internal/tlsutil"
	"github.com/BaSui01/graphflow/workflow"
	"github.com/BaSui01/graphflow/workflow/checkpoint"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// skipAuthPaths 不需要认证的路径
var skipAuthPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}

// Server 是 GraphFlow 的主服务器
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel

	registry  *prometheus.Registry
	collector *metrics.Collector
	broker    *handlers.EventBroker
	history   *workflow.HistoryStore
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		level:      level,
		registry:   reg,
		collector:  metrics.NewCollector("graphflow", reg, logger),
		broker:     handlers.NewEventBroker(64, logger),
		history:    workflow.NewHistoryStore(cfg.Runtime.HistoryPerThread),
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Run 启动 API 与指标服务器并阻塞到 ctx 取消，返回前释放所有资源
func (s *Server) Run(ctx context.Context) error {
	providers, err := telemetry.Init(s.cfg.Telemetry, s.logger)
	if err != nil {
		return fmt.Errorf("failed to init telemetry: %w", err)
	}
	defer func() {
		if err := providers.Shutdown(context.Background()); err != nil {
			s.logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}()

	store, err := openStore(ctx, s.cfg.Checkpoint, s.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			s.logger.Warn("checkpoint store close error", zap.Error(err))
		}
	}()

	handler, err := s.buildHandler(ctx, store, providers)
	if err != nil {
		return err
	}

	if s.configPath != "" {
		reloader, err := s.startReloader(ctx)
		if err != nil {
			return err
		}
		defer reloader.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)

	apiCfg := server.FromServerConfig("api", s.cfg.Server.HTTPPort, s.cfg.Server)
	apiCfg.TLSConfig, err = tlsutil.ServerTLSConfig(s.cfg.Server.TLSCertFile, s.cfg.Server.TLSKeyFile)
	if err != nil {
		return err
	}
	api := server.NewManager(handler, apiCfg, s.logger)
	g.Go(func() error { return api.Run(gctx) })

	if s.cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
		ms := server.NewManager(mux, server.FromServerConfig("metrics", s.cfg.Server.MetricsPort, s.cfg.Server), s.logger)
		g.Go(func() error { return ms.Run(gctx) })
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("tls", apiCfg.TLSConfig != nil),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.logger.Info("Graceful shutdown completed")
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// buildHandler 注册所有路由并套上中间件链
func (s *Server) buildHandler(ctx context.Context, store checkpoint.Store, providers *telemetry.Providers) (http.Handler, error) {
	graph, err := newProposalGraph(s.cfg.Runtime, "", s.logger)
	if err != nil {
		return nil, err
	}

	opts := append(runnerOptions(s.cfg.Runtime, s.history, s.logger),
		workflow.WithObserver(s.collector),
		workflow.WithObserver(s.broker),
		workflow.WithTracerProvider(providers.TracerProvider()),
		workflow.WithMeterProvider(providers.MeterProvider()),
	)
	runner := workflow.NewRunner(graph, store, opts...)

	threads, err := handlers.NewThreadHandler(store, s.logger, runner)
	if err != nil {
		return nil, fmt.Errorf("failed to init thread handler: %w", err)
	}

	health := handlers.NewHealthHandler(s.logger)
	health.RegisterCheck(handlers.NewStoreHealthCheck(store))

	mux := http.NewServeMux()
	health.Register(mux, Version, BuildTime, GitCommit)
	threads.Register(mux)
	handlers.NewStreamHandler(s.broker, s.cfg.Server.CORSAllowedOrigins, s.logger).Register(mux)
	s.logger.Info("Handlers initialized", zap.String("graph", graph.Name()))

	srv := s.cfg.Server
	chain := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(providers.TracerProvider()),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		CORS(srv.CORSAllowedOrigins),
		RateLimiter(ctx, float64(srv.RateLimitRPS), srv.RateLimitBurst, s.logger),
	}
	if srv.JWT.Enabled() {
		chain = append(chain, JWTAuth(srv.JWT, skipAuthPaths, s.logger))
	} else {
		chain = append(chain, APIKeyAuth(srv.APIKeys, skipAuthPaths, srv.AllowQueryAPIKey, s.logger))
	}
	return Chain(mux, chain...), nil
}

// startReloader 监听配置文件，变更时更新日志级别
func (s *Server) startReloader(ctx context.Context) (*config.Reloader, error) {
	loader := config.NewLoader().WithConfigPath(s.configPath)
	reloader, err := config.NewReloader(s.configPath, s.cfg, loader, config.WithReloadLogger(s.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to init config reloader: %w", err)
	}
	reloader.OnReload(func(oldCfg, newCfg *config.Config) {
		if oldCfg.Log.Level != newCfg.Log.Level {
			s.level.SetLevel(parseLevel(newCfg.Log.Level))
			s.logger.Info("log level changed",
				zap.String("from", oldCfg.Log.Level),
				zap.String("to", newCfg.Log.Level))
		}
	})
	if err := reloader.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start config reloader: %w", err)
	}
	return reloader, nil
}
