// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package vaxserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/internal/auth"
	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/replay"
)

// Config holds configuration for the reference server
type Config struct {
	JWTSecret   string        // empty disables authentication; the device then comes from X-Device-ID
	TokenTTL    time.Duration // lifetime of tokens from POST /auth/token
	Routes      map[string]replay.Route
	LogRequests bool
	Service     *ServiceConfig
}

func DefaultConfig() *Config {
	return &Config{
		TokenTTL: 15 * time.Minute,
		Routes:   replay.DefaultRoutes(),
		Service:  DefaultServiceConfig(),
	}
}

// Server wires the action service, authentication and routes together.
type Server struct {
	Service  *ActionService
	JWTAuth  *auth.JWTAuth
	Handlers *HTTPHandlers
	handler  http.Handler
	logger   *slog.Logger
}

func New(sink ActionSink, config *Config, logger *slog.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Routes == nil {
		config.Routes = replay.DefaultRoutes()
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	var jwtAuth *auth.JWTAuth
	if config.JWTSecret != "" {
		jwtAuth = auth.NewJWTAuth(config.JWTSecret, logger)
	} else {
		logger.Warn("authentication disabled, devices are identified by header")
	}

	service := NewActionService(sink, config.Service, logger)
	handlers := NewHTTPHandlers(service, jwtAuth, config.TokenTTL, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("POST /auth/token", handlers.HandleToken)
	for action, route := range config.Routes {
		var h http.Handler = handlers.HandleAction(action)
		if jwtAuth != nil {
			h = jwtAuth.Middleware(h)
		}
		mux.Handle(route.Method+" "+route.Path, LoggingMiddleware(config.LogRequests, h, logger))
	}

	return &Server{
		Service:  service,
		JWTAuth:  jwtAuth,
		Handlers: handlers,
		handler:  mux,
		logger:   logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// LoggingMiddleware logs each request with its status and duration.
func LoggingMiddleware(enableLogging bool, next http.Handler, logger *slog.Logger) http.Handler {
	if !enableLogging {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"idempotency_key", r.Header.Get(replay.HeaderIdempotencyKey),
			"remote_addr", r.RemoteAddr,
			"duration", time.Since(start).String(),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
