// Package server exposes the live-update web socket and the small HTTP API
// around it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/notify"
	"github.com/zulandar/signalbox/internal/order"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 10 * time.Second

// announceTimeout bounds one admin broadcast.
const announceTimeout = 30 * time.Second

// Authenticator resolves the user behind a request. The default trusts the
// X-User-ID header set by the gateway.
type Authenticator = notify.Authenticator

// Opts holds configuration for the HTTP server.
type Opts struct {
	Listen        string
	Orders        order.Store
	Hub           *notify.Hub
	Authenticator Authenticator // notify.HeaderAuthenticator when nil
	Keepalive     time.Duration
	WriteTimeout  time.Duration
	AdminToken    string // empty disables the admin endpoints
	Logger        *zap.Logger
}

// Server is the HTTP surface: health, web socket and order re-fetch.
type Server struct {
	listen string
	router *gin.Engine
	logger *zap.Logger
}

// New builds the router.
func New(opts Opts) (*Server, error) {
	if opts.Orders == nil {
		return nil, fmt.Errorf("server: orders store is required")
	}
	if opts.Hub == nil {
		return nil, fmt.Errorf("server: hub is required")
	}
	if opts.Listen == "" {
		opts.Listen = ":8080"
	}
	if opts.Authenticator == nil {
		opts.Authenticator = notify.HeaderAuthenticator
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ws, err := notify.NewHandler(notify.HandlerOpts{
		Hub:           opts.Hub,
		Authenticator: opts.Authenticator,
		Keepalive:     opts.Keepalive,
		WriteTimeout:  opts.WriteTimeout,
		Logger:        opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(opts.Logger))
	registerRoutes(router, routeDeps{
		orders:     opts.Orders,
		hub:        opts.Hub,
		ws:         ws,
		auth:       opts.Authenticator,
		adminToken: opts.AdminToken,
		logger:     opts.Logger,
	})

	return &Server{listen: opts.Listen, router: router, logger: opts.Logger}, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("server: shutdown", zap.Error(err))
		}
	}()

	s.logger.Info("server: listening", zap.String("addr", s.listen))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// requestLogger logs one line per request. Web socket sessions are logged
// when they end.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("server: request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}
