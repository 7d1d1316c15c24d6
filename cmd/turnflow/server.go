package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/turnflow/api/handlers"
	"github.com/BaSui01/turnflow/config"
	"github.com/BaSui01/turnflow/history"
	"github.com/BaSui01/turnflow/internal/cache"
	"github.com/BaSui01/turnflow/internal/database"
	"github.com/BaSui01/turnflow/internal/metrics"
	"github.com/BaSui01/turnflow/internal/obs"
	"github.com/BaSui01/turnflow/internal/server"
	"github.com/BaSui01/turnflow/internal/telemetry"
	"github.com/BaSui01/turnflow/llm/gemini"
	"github.com/BaSui01/turnflow/llm/observability"
	"github.com/BaSui01/turnflow/llm/retry"
	"github.com/BaSui01/turnflow/memory"
	"github.com/BaSui01/turnflow/turn"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 TurnFlow 的主服务器
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	telemetry *telemetry.Providers
	db        *gorm.DB

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 基础设施
	recorder     obs.Recorder
	provider     *gemini.Provider
	cacheManager *cache.Manager
	poolManager  *database.PoolManager
	retriever    *memory.MongoRetriever
	contextStore *memory.ContextStore
	paramStore   *memory.ParameterStore
	historyStore *history.Store

	// 回合编排器
	orchestrator *turn.Orchestrator

	// Handlers
	healthHandler  *handlers.HealthHandler
	turnHandler    *handlers.TurnHandler
	historyHandler *handlers.HistoryHandler
	paramsHandler  *handlers.ParamsHandler

	// 指标收集器
	metricsCollector *metrics.Collector

	// 热更新管理器
	hotReloadManager *config.HotReloadManager
	configAPIHandler *config.ConfigAPIHandler

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc

	wg sync.WaitGroup
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otel *telemetry.Providers, db *gorm.DB) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		telemetry:  otel,
		db:         db,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器与观测记录器
	s.metricsCollector = metrics.NewCollector("turnflow", s.logger)
	s.recorder = obs.NewZapRecorder(s.logger)

	// 2. 初始化生成后端
	s.initGeneration()

	// 3. 初始化基础设施（Redis / Mongo / 数据库）
	s.initInfrastructure()

	// 4. 初始化回合编排器
	if err := s.initOrchestrator(); err != nil {
		return fmt.Errorf("failed to init orchestrator: %w", err)
	}

	// 5. 初始化 Handlers
	s.initHandlers()

	// 6. 初始化热更新管理器
	if err := s.initHotReloadManager(); err != nil {
		return fmt.Errorf("failed to init hot reload manager: %w", err)
	}

	// 7. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 8. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initGeneration 初始化生成后端 Provider
func (s *Server) initGeneration() {
	if s.cfg.Generation.APIKey == "" {
		s.logger.Warn("Generation API key not configured, turn endpoints disabled")
		return
	}
	if p := s.cfg.Generation.Provider; p != "" && p != "gemini" {
		s.logger.Warn("Unsupported generation provider, turn endpoints disabled",
			zap.String("provider", p))
		return
	}

	s.provider = gemini.New(gemini.Config{
		APIKey:     s.cfg.Generation.APIKey,
		BaseURL:    s.cfg.Generation.BaseURL,
		Model:      s.cfg.Generation.Model,
		EmbedModel: s.cfg.Generation.EmbedModel,
		Timeout:    s.cfg.Generation.Timeout,
	}, s.logger)

	s.logger.Info("Generation provider initialized",
		zap.String("provider", s.provider.Name()),
		zap.String("model", s.cfg.Generation.Model),
	)
}

// initInfrastructure 初始化外部依赖。每个依赖都按尽力而为接入：
// 缺失或连接失败只收窄对应能力，不阻断启动。
func (s *Server) initInfrastructure() {
	// Redis：连续性上下文、检索参数缓存、摄取队列
	if s.cfg.Redis.Addr != "" {
		mgr, err := cache.NewManager(cache.Config{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			DefaultTTL:   s.cfg.Redis.DefaultTTL,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
		}, s.logger)
		if err != nil {
			s.logger.Warn("Redis not available, continuity context and parameter cache disabled",
				zap.Error(err))
		} else {
			s.cacheManager = mgr
			s.contextStore = memory.NewContextStore(mgr, s.recorder, s.logger)
			s.paramStore = memory.NewParameterStore(mgr, s.recorder, s.logger)
			s.logger.Info("Redis cache initialized", zap.String("addr", s.cfg.Redis.Addr))
		}
	}

	// MongoDB：加权记忆检索（需要嵌入器，由生成 Provider 兼任）
	if s.cfg.Mongo.URI != "" && s.provider != nil {
		retriever, err := memory.NewMongoRetriever(memory.MongoConfig{
			URI:                 s.cfg.Mongo.URI,
			Database:            s.cfg.Mongo.Database,
			UnitsCollection:     s.cfg.Mongo.UnitsCollection,
			ConceptsCollection:  s.cfg.Mongo.ConceptsCollection,
			ArtifactsCollection: s.cfg.Mongo.ArtifactsCollection,
			VectorIndex:         s.cfg.Mongo.VectorIndex,
			MaxPoolSize:         s.cfg.Mongo.MaxPoolSize,
			ConnectTimeout:      s.cfg.Mongo.ConnectTimeout,
		}, s.provider, s.recorder, s.logger)
		if err != nil {
			s.logger.Warn("Mongo not available, memory retrieval degraded to empty results",
				zap.Error(err))
		} else {
			s.retriever = retriever
			s.logger.Info("Memory retriever initialized", zap.String("database", s.cfg.Mongo.Database))
		}
	}

	// 关系库：会话与回合流水
	if s.db != nil {
		pool, err := database.NewPoolManager(s.db, database.PoolConfig{
			MaxIdleConns:    s.cfg.Database.MaxIdleConns,
			MaxOpenConns:    s.cfg.Database.MaxOpenConns,
			ConnMaxLifetime: s.cfg.Database.ConnMaxLifetime,
		}, s.logger)
		if err != nil {
			s.logger.Warn("Database pool not available, turn history disabled", zap.Error(err))
		} else {
			s.poolManager = pool
			store, err := history.NewStore(pool, s.logger)
			if err != nil {
				s.logger.Warn("History store init failed, turn history disabled", zap.Error(err))
			} else {
				s.historyStore = store
				s.logger.Info("History store initialized")
			}
		}
	}
}

// initOrchestrator 组装回合编排器。除 Generator 外的依赖都可缺席，
// 编排器内部按依赖降级处理。
func (s *Server) initOrchestrator() error {
	if s.provider == nil {
		return nil
	}

	deps := turn.Deps{
		Generator: s.provider,
		Recorder:  s.recorder,
		Logger:    s.logger,
	}
	if m, err := observability.NewMetrics(); err != nil {
		s.logger.Warn("Generation metrics unavailable", zap.Error(err))
	} else {
		deps.Generator = observability.Instrument(s.provider, m)
	}
	if s.retriever != nil {
		deps.Retriever = s.retriever
	}
	if s.cacheManager != nil {
		deps.Params = s.paramStore
		deps.Contexts = s.contextStore
		deps.Notifier = memory.NewIngestNotifier(s.cacheManager, s.cfg.Turn.IngestQueue, s.recorder, s.logger)
	}
	if s.cfg.Generation.MaxRetries > 0 {
		policy := retry.DefaultRetryPolicy()
		policy.MaxRetries = s.cfg.Generation.MaxRetries
		deps.RetryPolicy = policy
	}

	orch, err := turn.New(turn.Config{
		Model:           s.cfg.Generation.Model,
		Temperature:     s.cfg.Turn.Temperature,
		MaxOutputTokens: s.cfg.Turn.MaxOutputTokens,
		HistoryBudget:   s.cfg.Turn.HistoryBudget,
		MemoryBudget:    s.cfg.Turn.MemoryBudget,
		ContextTTL:      s.cfg.Turn.ContextTTL,
		Persona:         s.cfg.Turn.Persona,
	}, deps)
	if err != nil {
		return err
	}

	s.orchestrator = orch
	s.logger.Info("Turn orchestrator initialized",
		zap.Bool("retrieval", s.retriever != nil),
		zap.Bool("continuity", s.contextStore != nil),
	)
	return nil
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	// 健康检查 handler + 依赖探测
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	if s.poolManager != nil {
		s.healthHandler.RegisterCheck(handlers.NewDatabaseHealthCheck("database", s.poolManager.Ping))
	}
	if s.cacheManager != nil {
		s.healthHandler.RegisterCheck(handlers.NewRedisHealthCheck("redis", s.cacheManager.Ping))
	}
	if s.retriever != nil {
		s.healthHandler.RegisterCheck(handlers.NewDatabaseHealthCheck("mongo", s.retriever.Ping))
	}
	if s.provider != nil {
		s.healthHandler.RegisterCheck(handlers.NewGeneratorHealthCheck("generation", func(ctx context.Context) error {
			_, err := s.provider.HealthCheck(ctx)
			return err
		}))
	}

	// 回合 handler
	if s.orchestrator != nil {
		opts := []handlers.TurnHandlerOption{
			handlers.WithTurnMetrics(s.metricsCollector),
		}
		if s.historyStore != nil {
			opts = append(opts, handlers.WithTurnStore(s.historyStore))
		}
		if s.contextStore != nil {
			opts = append(opts, handlers.WithContextLoader(s.contextStore))
		}
		if s.cfg.Turn.HistoryWindow > 0 {
			opts = append(opts, handlers.WithHistoryWindow(s.cfg.Turn.HistoryWindow))
		}
		s.turnHandler = handlers.NewTurnHandler(s.orchestrator, s.logger, opts...)
	}

	// 历史查询 handler
	if s.historyStore != nil {
		s.historyHandler = handlers.NewHistoryHandler(s.historyStore, s.logger)
	}

	// 检索参数管理 handler
	if s.paramStore != nil {
		s.paramsHandler = handlers.NewParamsHandler(s.paramStore, s.logger)
	}

	s.logger.Info("Handlers initialized")
}

// initHotReloadManager 初始化热更新管理器
func (s *Server) initHotReloadManager() error {
	opts := []config.HotReloadOption{
		config.WithHotReloadLogger(s.logger),
	}

	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}

	s.hotReloadManager = config.NewHotReloadManager(s.cfg, opts...)

	// 注册配置变更回调
	s.hotReloadManager.OnChange(func(change config.ConfigChange) {
		s.logger.Info("Configuration changed",
			zap.String("path", change.Path),
			zap.String("source", change.Source),
			zap.Bool("requires_restart", change.RequiresRestart),
		)
	})

	// 注册配置重载回调
	s.hotReloadManager.OnReload(func(oldConfig, newConfig *config.Config) {
		s.logger.Info("Configuration reloaded")
		s.cfg = newConfig
	})

	// 启动热更新管理器
	ctx := context.Background()
	if err := s.hotReloadManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hot reload manager: %w", err)
	}

	// 创建配置 API 处理器
	s.configAPIHandler = config.NewConfigAPIHandler(s.hotReloadManager)

	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点
	// ========================================
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)

	// 版本信息端点
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// 回合 API 路由
	// ========================================
	if s.turnHandler != nil {
		mux.HandleFunc("POST /api/v1/turns", s.turnHandler.HandleSubmit)
		mux.HandleFunc("POST /api/v1/turns/stream", s.turnHandler.HandleStream)
		mux.HandleFunc("GET /api/v1/turns/ws", s.turnHandler.HandleWS)
		s.logger.Info("Turn API routes registered")
	}

	// ========================================
	// 历史 API 路由
	// ========================================
	if s.historyHandler != nil {
		mux.HandleFunc("GET /api/v1/conversations", s.historyHandler.HandleListConversations)
		mux.HandleFunc("GET /api/v1/conversations/{id}", s.historyHandler.HandleGetConversation)
		mux.HandleFunc("DELETE /api/v1/conversations/{id}", s.historyHandler.HandleDeleteConversation)
		mux.HandleFunc("GET /api/v1/conversations/{id}/turns", s.historyHandler.HandleListTurns)
		mux.HandleFunc("GET /api/v1/turns/{id}", s.historyHandler.HandleGetTurn)
	}

	// 检索参数管理路由
	if s.paramsHandler != nil {
		mux.HandleFunc("GET /api/v1/users/{id}/retrieval-params", s.paramsHandler.HandleGetParams)
		mux.HandleFunc("PUT /api/v1/users/{id}/retrieval-params", s.paramsHandler.HandlePutParams)
		mux.HandleFunc("DELETE /api/v1/users/{id}/retrieval-params", s.paramsHandler.HandleResetParams)
		s.logger.Info("Retrieval parameter routes registered")
	}

	// ========================================
	// 配置管理 API（需要独立认证保护）
	// 安全修复：配置 API 是敏感的管理端点，必须经过认证中间件保护，
	// 不依赖全局中间件链的顺序，而是显式包装认证检查。
	// ========================================
	if s.configAPIHandler != nil {
		configAuth := config.NewConfigAPIMiddleware(s.configAPIHandler, s.cfg.Auth.APIKey)
		mux.HandleFunc("/api/v1/config", configAuth.RequireAuth(s.configAPIHandler.HandleConfig))
		mux.HandleFunc("/api/v1/config/reload", configAuth.RequireAuth(s.configAPIHandler.HandleReload))
		mux.HandleFunc("/api/v1/config/fields", configAuth.RequireAuth(s.configAPIHandler.HandleFields))
		mux.HandleFunc("/api/v1/config/changes", configAuth.RequireAuth(s.configAPIHandler.HandleChanges))
		s.logger.Info("Configuration API registered with authentication")
	}

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
		CORS(s.cfg.Server.AllowedOrigins),
		RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
	}
	if s.cfg.Auth.APIKey != "" {
		// WebSocket 握手无法携带自定义头，允许查询参数回退
		middlewares = append(middlewares,
			APIKeyAuth([]string{s.cfg.Auth.APIKey}, skipAuthPaths, true, s.logger))
	}
	if s.cfg.Auth.JWTSecret != "" {
		middlewares = append(middlewares,
			JWTAuth(s.cfg.Auth.JWTSecret, skipAuthPaths, s.logger),
			TenantRateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger))
	}

	handler := Chain(mux, middlewares...)

	// ========================================
	// 使用 internal/server.Manager
	// ========================================
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout, // 2x ReadTimeout
		MaxHeaderBytes:  1 << 20,                      // 1 MB
		MaxConns:        s.cfg.Server.MaxConns,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
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

	// 启动服务器（非阻塞）
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	// 使用 httpManager 的 WaitForShutdown（它会监听信号）
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	// 执行清理
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 0. 停止 rate limiter 清理 goroutine
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 1. 停止热更新管理器
	if s.hotReloadManager != nil {
		if err := s.hotReloadManager.Stop(); err != nil {
			s.logger.Error("Hot reload manager shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭基础设施连接
	if s.retriever != nil {
		if err := s.retriever.Close(ctx); err != nil {
			s.logger.Error("Memory retriever shutdown error", zap.Error(err))
		}
	}
	if s.cacheManager != nil {
		if err := s.cacheManager.Close(); err != nil {
			s.logger.Error("Cache manager shutdown error", zap.Error(err))
		}
	}
	if s.poolManager != nil {
		if err := s.poolManager.Close(); err != nil {
			s.logger.Error("Database pool shutdown error", zap.Error(err))
		}
	}

	// 5. 关闭遥测
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	// 6. 等待所有 goroutine 完成
	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}
