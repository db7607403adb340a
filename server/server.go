package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ghiac/agentdesk/config"
	"github.com/ghiac/agentdesk/log"
	"github.com/gin-gonic/gin"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second

	// DefaultShutdownTimeout bounds how long in-flight turns may finish
	DefaultShutdownTimeout = 30 * time.Second
)

// RouteRegistrar installs handlers on a gin engine
type RouteRegistrar interface {
	RegisterRoutes(router *gin.Engine)
}

// Server represents the HTTP server
type Server struct {
	config *config.Config
	router *gin.Engine

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a new HTTP server serving the routes of app
func NewServer(cfg *config.Config, app RouteRegistrar) *Server {
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	app.RegisterRoutes(router)

	return &Server{config: cfg, router: router}
}

// Handler returns the underlying handler, e.g. for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	if !s.config.HTTP.Enabled {
		log.Log.Infof("[Server] ⏸️  HTTP server is disabled")
		<-ctx.Done()
		return nil
	}

	s.mu.Lock()
	s.server = &http.Server{
		Addr:              s.config.GetAddress(),
		Handler:           s.router,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	srv := s.server
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		log.Log.Infof("[Server] 🚀 Listening on %s", srv.Addr)
		log.Log.Infof("[Server]   POST /v1/messages - handle one end-user message")
		log.Log.Infof("[Server]   POST /v1/conversations/:id/end - end a conversation")
		log.Log.Infof("[Server]   GET  /v1/conversations/:id/messages - conversation history")
		log.Log.Infof("[Server]   GET  /v1/conversations/:id/tool-calls - tool call audit")
		log.Log.Infof("[Server]   GET  /health, /metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	log.Log.Infof("[Server] 🛑 Shutting down, waiting up to %v for in-flight requests", DefaultShutdownTimeout)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// requestLogger logs one line per request through the service logger
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		switch {
		case status >= http.StatusInternalServerError:
			log.Log.Warnf("[HTTP] %s %s %d %v", c.Request.Method, path, status, time.Since(start))
		case path == "/health" || path == "/metrics":
			log.Log.Debugf("[HTTP] %s %s %d %v", c.Request.Method, path, status, time.Since(start))
		default:
			log.Log.Infof("[HTTP] %s %s %d %v", c.Request.Method, path, status, time.Since(start))
		}
	}
}
