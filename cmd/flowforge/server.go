package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/flowforge/api/handlers"
	"github.com/BaSui01/flowforge/config"
	"github.com/BaSui01/flowforge/engine"
	"github.com/BaSui01/flowforge/internal/cache"
	"github.com/BaSui01/flowforge/internal/metrics"
	"github.com/BaSui01/flowforge/internal/pool"
	"github.com/BaSui01/flowforge/internal/server"
	"github.com/BaSui01/flowforge/nodes"
	"github.com/BaSui01/flowforge/store"
)

// Server wires the engine, persistence, and HTTP surface together.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpManager    *server.Manager
	metricsManager *server.Manager

	healthHandler *handlers.HealthHandler
	graphsHandler *handlers.GraphsHandler
	runsHandler   *handlers.RunsHandler

	metricsCollector *metrics.Collector
	store            store.Store
	cache            *cache.Manager
	workerPool       *pool.WorkerPool

	rateLimiterCancel context.CancelFunc
}

// NewServer creates a server from a loaded configuration.
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up the store, cache, engine, and both HTTP listeners.
func (s *Server) Start() error {
	s.metricsCollector = metrics.NewCollector("flowforge", s.logger)

	if err := s.initStore(); err != nil {
		return fmt.Errorf("failed to init store: %w", err)
	}

	s.initCache()
	s.initHandlers()

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("database_driver", s.cfg.Database.Driver),
		zap.Bool("cache_enabled", s.cache != nil),
	)

	return nil
}

func (s *Server) initStore() error {
	switch s.cfg.Database.Driver {
	case "sqlite":
		st, err := store.OpenSQLite(s.cfg.Database.Path, s.logger)
		if err != nil {
			return err
		}
		s.store = st
		s.logger.Info("SQLite store opened", zap.String("path", s.cfg.Database.Path))
	default:
		s.store = store.NewMemoryStore()
		s.logger.Info("In-memory store initialized")
	}
	return nil
}

// initCache connects the run cache when Redis is enabled. A connection
// failure degrades to uncached operation rather than aborting startup.
func (s *Server) initCache() {
	if !s.cfg.Redis.Enabled {
		return
	}

	manager, err := cache.NewManager(cache.Config{
		Addr:         s.cfg.Redis.Addr,
		Password:     s.cfg.Redis.Password,
		DB:           s.cfg.Redis.DB,
		PoolSize:     s.cfg.Redis.PoolSize,
		MinIdleConns: s.cfg.Redis.MinIdleConns,
		DefaultTTL:   s.cfg.Redis.RunTTL,
	}, s.logger)
	if err != nil {
		s.logger.Warn("Redis not available, run caching disabled", zap.Error(err))
		return
	}
	s.cache = manager
}

func (s *Server) initHandlers() {
	registry := engine.NewRegistry()
	nodes.RegisterBuiltins(registry)
	runner := engine.NewRunner(registry, s.logger)

	s.workerPool = pool.New(pool.Config{
		MaxWorkers: s.cfg.Engine.AsyncWorkers,
		QueueSize:  s.cfg.Engine.AsyncQueueSize,
		PanicHandler: func(r any) {
			s.logger.Error("background run panicked", zap.Any("panic", r))
		},
	})

	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("store", s.store.Ping))
	if s.cache != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("cache", s.cache.Ping))
	}

	s.graphsHandler = handlers.NewGraphsHandler(s.store, s.logger)
	s.runsHandler = handlers.NewRunsHandler(handlers.RunsConfig{
		Store:      s.store,
		Cache:      s.cache,
		Runner:     runner,
		Pool:       s.workerPool,
		Metrics:    s.metricsCollector,
		Logger:     s.logger,
		StepBudget: s.cfg.Engine.StepBudget,
		RunTimeout: s.cfg.Engine.RunTimeout,
		CacheTTL:   s.cfg.Redis.RunTTL,
	})

	s.logger.Info("Handlers initialized",
		zap.Strings("node_functions", registry.Keys(engine.NamespaceNode)),
		zap.Strings("tool_functions", registry.Keys(engine.NamespaceTool)),
	)
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.healthHandler.HandleRoot)
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("POST /api/v1/graphs", s.graphsHandler.HandleCreate)
	mux.HandleFunc("GET /api/v1/graphs", s.graphsHandler.HandleList)
	mux.HandleFunc("GET /api/v1/graphs/{id}", s.graphsHandler.HandleGet)

	mux.HandleFunc("POST /api/v1/runs", s.runsHandler.HandleRunSync)
	mux.HandleFunc("POST /api/v1/runs/async", s.runsHandler.HandleRunAsync)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.runsHandler.HandleGet)
	mux.HandleFunc("GET /api/v1/runs/{id}/watch", s.runsHandler.HandleWatch)
	mux.HandleFunc("GET /api/v1/functions", s.runsHandler.HandleFunctions)

	skipAuthPaths := []string{"/", "/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	var apiKeys []string
	if s.cfg.Server.APIKey != "" {
		apiKeys = []string{s.cfg.Server.APIKey}
	}

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		APIKeyAuth(apiKeys, skipAuthPaths, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// WaitForShutdown blocks until a termination signal, then shuts down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops the listeners, drains in-flight background runs, and
// closes the cache and store.
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	if s.workerPool != nil {
		s.workerPool.Close()
	}

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("Cache shutdown error", zap.Error(err))
		}
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("Store shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
