// Package http serves the REST API, the web assessment form and the live
// prediction feed.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"diabetesai/auth"
	"diabetesai/ml"
	"diabetesai/monitoring"
	"diabetesai/pipeline"

	"go.uber.org/zap"
)

const Version = "1.0.0"

type ServerConfig struct {
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	AllowedOrigins []string
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:           8000,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   60 * time.Second,
		RequestTimeout: 30 * time.Second,
		MaxBodyBytes:   4 << 20,
		AllowedOrigins: []string{"*"},
	}
}

// Deps are the collaborators the handlers serve from.
type Deps struct {
	Pipeline *pipeline.Pipeline
	Resolver *auth.Resolver
	Model    *ml.Holder
	Hub      *monitoring.WebSocketHub
	Metrics  *monitoring.PredictionMetrics
	Alerts   *monitoring.AlertManager
	Logger   *zap.Logger
}

type Server struct {
	server *http.Server
	config ServerConfig
	deps   Deps
	logger *zap.Logger
}

func NewServer(config ServerConfig, deps Deps) (*Server, error) {
	if deps.Pipeline == nil || deps.Resolver == nil || deps.Model == nil {
		return nil, errors.New("server requires a pipeline, a token resolver and a model holder")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = monitoring.NewPredictionMetrics(monitoring.NewMetricsCollector())
	}
	defaults := DefaultServerConfig()
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = defaults.AllowedOrigins
	}

	s := &Server{config: config, deps: deps, logger: deps.Logger}
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      s.Handler(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// Handler builds the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPIHandlers(mux)
	s.registerWebHandlers(mux)
	s.registerMonitoringHandlers(mux)

	chain := Chain(
		RecoveryMiddleware(s.logger),
		LoggerMiddleware(s.logger),
		SecurityHeadersMiddleware,
		CORSMiddleware(s.config.AllowedOrigins),
		TimeoutMiddleware(s.config.RequestTimeout),
		RequestSizeMiddleware(s.config.MaxBodyBytes),
		GzipMiddleware,
	)
	return chain(mux)
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("starting http server",
		zap.String("addr", s.server.Addr),
		zap.String("live_feed", "/api/ws/predictions"))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.logger.Info("shutting down http server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

func (s *Server) Addr() string {
	return s.server.Addr
}
