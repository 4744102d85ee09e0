// Package server exposes the credential pool over HTTP: the proxy
// surface that relays upstream API calls, and the admin surface for
// credential inventory, bucket management, validation tasks, and pool
// statistics.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/avkeypool/internal/cache"
	"github.com/vyrodovalexey/avkeypool/internal/credential"
	"github.com/vyrodovalexey/avkeypool/internal/health"
	"github.com/vyrodovalexey/avkeypool/internal/observability"
	"github.com/vyrodovalexey/avkeypool/internal/proxy"
	"github.com/vyrodovalexey/avkeypool/internal/ratelimit"
	"github.com/vyrodovalexey/avkeypool/internal/scheduler"
)

// Config holds the HTTP server configuration.
type Config struct {
	Address         string
	AdminToken      string
	ShutdownTimeout time.Duration
}

// Deps are the service components the server fronts.
type Deps struct {
	Credentials credential.Store
	ActiveSet   *cache.ActiveSet
	Limiter     *ratelimit.Limiter
	Scheduler   *scheduler.Scheduler
	Coordinator *proxy.Coordinator
	Checker     *health.Checker
	Logger      observability.Logger
}

// Server is the HTTP server for the credential pool service.
type Server struct {
	cfg    Config
	deps   Deps
	engine *gin.Engine
	srv    *http.Server
	logger observability.Logger
}

// New creates the server and wires all routes.
func New(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(recoveryMiddleware(deps.Logger), loggingMiddleware(deps.Logger))

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		engine: engine,
		logger: deps.Logger,
	}
	s.registerRoutes()

	return s
}

// Engine exposes the router, used by tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/readyz", s.handleReadyz)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := s.engine.Group("/admin", s.adminAuth())
	{
		admin.GET("/credentials", s.handleListCredentials)
		admin.POST("/credentials", s.handleImportCredentials)
		admin.DELETE("/credentials", s.handleDeleteCredentials)
		admin.GET("/credentials/:id", s.handleGetCredential)
		admin.GET("/credentials/:id/bucket", s.handleBucketInfo)
		admin.POST("/credentials/:id/bucket", s.handleBucketConfigure)
		admin.DELETE("/credentials/:id/bucket", s.handleBucketReset)

		admin.POST("/validate", s.handleValidateAll)
		admin.GET("/validate/:id", s.handleValidationTask)

		admin.GET("/stats", s.handleStats)
		admin.GET("/stats/history", s.handleStatsHistory)
	}

	// Everything else is relayed upstream through the pool.
	s.engine.NoRoute(s.handleProxy)
}

// Start begins serving. Blocks until the listener fails or Stop is
// called.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("http server listening",
		observability.String("address", s.cfg.Address),
	)

	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	return s.srv.Shutdown(shutdownCtx)
}

// adminAuth guards the admin surface with a shared token when one is
// configured.
func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminToken == "" {
			c.Next()
			return
		}
		if c.GetHeader("X-Admin-Token") != s.cfg.AdminToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			return
		}
		c.Next()
	}
}

// loggingMiddleware logs one line per request.
func loggingMiddleware(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug("http request",
			observability.String("method", c.Request.Method),
			observability.String("path", c.Request.URL.Path),
			observability.Int("status", c.Writer.Status()),
			observability.Duration("took", time.Since(start)),
		)
	}
}

// recoveryMiddleware converts panics into 500s.
func recoveryMiddleware(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("handler panic",
					observability.Any("panic", r),
					observability.String("path", c.Request.URL.Path),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}
