package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/isdmx/codepad/config"
	"github.com/isdmx/codepad/engine"
)

const (
	limiterCleanupInterval = 5 * time.Minute
	readHeaderTimeout      = 10 * time.Second
)

// Compiler runs snippets; *engine.Engine satisfies it
type Compiler interface {
	CompileAndRun(ctx context.Context, source string) (engine.Result, error)
}

// Rebuilder forces a fresh toolchain bootstrap; *toolchain.Manager satisfies it
type Rebuilder interface {
	Rebuild(ctx context.Context) error
}

// Server is the HTTP surface of codepad
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	compiler   Compiler
	rebuilder  Rebuilder
	limiter    *RateLimiter
	mcpHandler http.Handler
	router     *gin.Engine
	httpServer *http.Server

	ctx        context.Context
	cancel     context.CancelFunc
	background sync.WaitGroup
}

// Option defines a functional option for Server
type Option func(*Server)

// WithMCPHandler mounts an MCP streamable HTTP handler at /mcp
func WithMCPHandler(handler http.Handler) Option {
	return func(s *Server) {
		s.mcpHandler = handler
	}
}

// WithRateLimiter replaces the limiter built from configuration
func WithRateLimiter(limiter *RateLimiter) Option {
	return func(s *Server) {
		s.limiter = limiter
	}
}

// New creates a Server with all routes registered
func New(cfg *config.Config, logger *zap.Logger, compiler Compiler, rebuilder Rebuilder, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    cfg,
		logger:    logger,
		compiler:  compiler,
		rebuilder: rebuilder,
		limiter:   NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),
		ctx:       ctx,
		cancel:    cancel,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger(), s.cors())

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "codepad API server"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.GET("/health", s.Health)
		api.POST("/compile", s.limiter.Middleware(), s.Compile)
		api.POST("/webhook/github", s.GitHubWebhook)
	}

	if s.mcpHandler != nil {
		router.Any("/mcp", s.limiter.Middleware(), gin.WrapH(s.mcpHandler))
	}

	return router
}

// requestLogger logs every request at debug level
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

// cors lets browser front ends on another origin call the API. An empty
// origin disables it.
func (s *Server) cors() gin.HandlerFunc {
	origin := s.config.Server.CORSOrigin
	return func(c *gin.Context) {
		if origin == "" {
			c.Next()
			return
		}

		header := c.Writer.Header()
		header.Set("Access-Control-Allow-Origin", origin)
		header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP until Stop is called
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.Int("port", s.config.Server.HTTPPort))

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		s.limiter.Run(s.ctx, limiterCleanupInterval)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Stop shuts the HTTP server down and cancels background work
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	s.cancel()

	err := s.httpServer.Shutdown(ctx)
	s.background.Wait()
	if err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
