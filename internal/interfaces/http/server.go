// Package http provides the gin adapter for the workflow core.
// It translates HTTP requests into coordinator and engine calls.
package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/trafficops/offense-workflow/internal/application/coordinator"
	"github.com/trafficops/offense-workflow/internal/application/workflow"
)

// Logger interface for logging operations
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// Recorder observes request latency per route
type Recorder interface {
	ObserveHTTP(method, route, status string, d time.Duration)
}

// HealthCheck reports whether the service and its backing storage are usable
type HealthCheck func(ctx context.Context) error

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Mode            string
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Mode:            gin.ReleaseMode,
	}
}

// Server is the HTTP server adapter
type Server struct {
	config         ServerConfig
	httpServer     *http.Server
	router         *gin.Engine
	coordinator    coordinator.Coordinator
	engine         workflow.WorkflowEngine
	logger         Logger
	recorder       Recorder
	healthCheck    HealthCheck
	metricsHandler http.Handler
	limiter        *clientLimiter
}

// ServerOption configures optional server collaborators
type ServerOption func(*Server)

// WithRecorder records request latency
func WithRecorder(r Recorder) ServerOption {
	return func(s *Server) {
		s.recorder = r
	}
}

// WithHealthCheck makes /health report the given check
func WithHealthCheck(fn HealthCheck) ServerOption {
	return func(s *Server) {
		s.healthCheck = fn
	}
}

// WithMetricsHandler exposes h at /metrics
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metricsHandler = h
	}
}

// WithRateLimit caps mutation requests per client IP. rps <= 0 disables it.
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.limiter = newClientLimiter(rps, burst)
	}
}

// NewServer creates a new HTTP server
func NewServer(
	config ServerConfig,
	coord coordinator.Coordinator,
	engine workflow.WorkflowEngine,
	logger Logger,
	opts ...ServerOption,
) *Server {
	if config.Mode != "" {
		gin.SetMode(config.Mode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &Server{
		config:      config,
		router:      gin.New(),
		coordinator: coord,
		engine:      engine,
		logger:      logger,
	}

	for _, opt := range opts {
		opt(server)
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures middleware for the router
func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(tracingMiddleware())
	s.router.Use(s.loggingMiddleware())
}

// tracingMiddleware continues the caller's trace, if the request carries one
func tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// loggingMiddleware logs each request and records its latency
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		s.logger.Info("HTTP request",
			"method", method,
			"path", path,
			"status", status,
			"latency", latency.String(),
			"client_ip", c.ClientIP(),
		)

		if s.recorder != nil {
			route := c.FullPath()
			if route == "" {
				route = "unmatched"
			}
			s.recorder.ObserveHTTP(method, route, strconv.Itoa(status), latency)
		}
	}
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	handlers := NewHandlers(s.coordinator, s.engine, s.healthCheck, s.logger)

	s.router.GET("/health", handlers.HealthCheck)
	if s.metricsHandler != nil {
		s.router.GET("/metrics", gin.WrapH(s.metricsHandler))
	}

	api := s.router.Group("/api/v1")
	{
		limited := s.limiter.middleware()
		api.POST("/workflows/:kind", limited, handlers.RegisterInstance)
		api.GET("/workflows/:kind/:entityId", handlers.GetInstance)
		api.GET("/workflows/:kind/:entityId/history", handlers.GetHistory)
		api.POST("/workflows/:kind/:entityId/events", limited, handlers.SubmitEvent)
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	addr := s.Address()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting HTTP server", "address", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("HTTP server shutdown requested")
		return s.Stop()
	case err := <-errCh:
		s.logger.Error("HTTP server error", "error", err)
		return err
	}
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("Stopping HTTP server")

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
		return err
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Router returns the underlying gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Address returns the server address
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}
