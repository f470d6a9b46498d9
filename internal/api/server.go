// Package api is the local HTTP surface of the gateway: the OpenAI-style
// chat completion endpoint backed by the dispatcher, plus models, health,
// metrics, and a debug log view.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/opencode-kiro/kiro-gateway/internal/account"
	"github.com/opencode-kiro/kiro-gateway/internal/config"
	"github.com/opencode-kiro/kiro-gateway/internal/gateway"
	"github.com/opencode-kiro/kiro-gateway/internal/logging"
	"github.com/opencode-kiro/kiro-gateway/internal/metrics"
)

type serverOptions struct {
	extraMiddleware []gin.HandlerFunc
}

// ServerOption customises server construction.
type ServerOption func(*serverOptions)

// WithMiddleware appends gin middleware ahead of the routes.
func WithMiddleware(mw ...gin.HandlerFunc) ServerOption {
	return func(o *serverOptions) {
		o.extraMiddleware = append(o.extraMiddleware, mw...)
	}
}

// Server hosts the gateway's local HTTP API.
type Server struct {
	engine     *gin.Engine
	server     *http.Server
	cfg        *config.Config
	manager    *account.Manager
	dispatcher *gateway.Dispatcher
}

// NewServer wires routes and middleware.
func NewServer(cfg *config.Config, manager *account.Manager, dispatcher *gateway.Dispatcher, opts ...ServerOption) *Server {
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	if !cfg.DebugEnabled() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(logging.GinRecovery(), logging.GinLogger(), corsMiddleware())
	engine.Use(o.extraMiddleware...)

	s := &Server{
		engine:     engine,
		cfg:        cfg,
		manager:    manager,
		dispatcher: dispatcher,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.POST("/v1/chat/completions", s.chatCompletions)
	s.engine.GET("/v1/models", s.listModels)
	s.engine.GET("/healthz", s.healthz)
	s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))
	if s.cfg.DebugEnabled() {
		s.engine.GET("/v1/logs", s.recentLogs)
	}
}

// Handler exposes the engine for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("api: listening on %s", addr)
		errCh <- s.server.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
