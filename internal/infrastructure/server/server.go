package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"

	apihttp "github.com/korvin89/charts-playground/internal/api/http"
	"github.com/korvin89/charts-playground/internal/api/middleware"
	"github.com/korvin89/charts-playground/internal/infrastructure/config"
	"github.com/korvin89/charts-playground/internal/infrastructure/logging"
	"github.com/korvin89/charts-playground/internal/infrastructure/monitoring"
	"github.com/korvin89/charts-playground/internal/infrastructure/resilience"
	"github.com/korvin89/charts-playground/internal/sandbox/configstage"
	"github.com/korvin89/charts-playground/internal/sandbox/pool"
	"github.com/korvin89/charts-playground/internal/ws"
)

// Version is reported by the root endpoint
const Version = "0.3.0"

// Server wraps the HTTP server and dependencies
type Server struct {
	router   *gin.Engine
	http     *http.Server
	pool     *pool.Pool
	runtimes *configstage.RuntimePool
	logger   *logging.Logger
	config   *config.Config
	metrics  *monitoring.Metrics
}

// NewServer creates a new server instance. ctx bounds the lifetime of the
// pipelines started for the synchronous run endpoint.
func NewServer(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.NewDefault()
	}

	logger.Info("Initializing charts playground server",
		zap.String("port", cfg.Server.Port),
		zap.Int("pool_size", cfg.Sandbox.PoolSize),
		zap.Duration("exec_timeout", cfg.Sandbox.ExecTimeout),
	)

	metrics := monitoring.NewMetrics()
	exec := ExecConfig(cfg.Sandbox)

	runPool, err := pool.New(ctx, pool.Config{
		Size:            cfg.Sandbox.PoolSize,
		Exec:            exec,
		ReadyTimeout:    cfg.Sandbox.ReadyTimeout,
		ResponseTimeout: cfg.Sandbox.ResponseTimeout,
	}, logger.Sandbox("pool"), metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to start pipeline pool: %w", err)
	}

	// interactive sessions share one set of warm runtimes
	runtimes := configstage.NewRuntimePool(exec, cfg.Sandbox.PoolSize)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	router.Use(middleware.MaxBody(cfg.Server.MaxBodyBytes))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	guarded := resilience.NewGuardedRunner(runPool, resilience.DefaultSettings(), logger.Named("resilience"))
	handlers := apihttp.NewHandlers(guarded, metrics, logger.Named("http"), Version)
	wsHandler := ws.NewHandler(ws.Options{
		Exec:            exec,
		Runtimes:        runtimes,
		ReadyTimeout:    cfg.Sandbox.ReadyTimeout,
		ResponseTimeout: cfg.Sandbox.ResponseTimeout,
		Metrics:         metrics,
		Logger:          logger.Sandbox("session"),
	})

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	{
		api.GET("/capabilities", handlers.Capabilities)
		api.POST("/run", handlers.Run)
		api.POST("/analyze", handlers.Analyze)
		api.POST("/data/import", handlers.ImportData)
		api.POST("/logs", handlers.StreamLogs)
	}

	router.GET("/ws", wsHandler.HandleConnection)

	s := &Server{
		router:   router,
		pool:     runPool,
		runtimes: runtimes,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
	}
	s.http = &http.Server{
		Addr:              cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server initialized successfully")
	return s, nil
}

// ExecConfig maps sandbox settings onto the config stage
func ExecConfig(cfg config.SandboxConfig) configstage.Config {
	exec := configstage.DefaultConfig()
	exec.Timeout = cfg.ExecTimeout
	exec.MaxCallStackSize = cfg.MaxCallStack
	exec.MaxConsole = cfg.MaxConsole
	if cfg.ResultVariable != "" {
		exec.ResultVariable = cfg.ResultVariable
	}
	return exec
}

// Handler returns the root handler. WebSocket upgrades bypass compression
// because the gzip writer cannot be hijacked.
func (s *Server) Handler() http.Handler {
	compressed := gzhttp.GzipHandler(s.router)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			s.router.ServeHTTP(w, r)
			return
		}
		compressed.ServeHTTP(w, r)
	})
}

// Run starts the HTTP server and blocks until it stops
func (s *Server) Run() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and releases the pipelines
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down http server: %w", err))
	}
	if err := s.pool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close pipeline pool: %w", err))
	}
	if err := s.runtimes.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close runtimes: %w", err))
	}

	_ = s.logger.Sync()
	return errors.Join(errs...)
}
