// Package server exposes the chat websocket, the cache and journal admin
// API, health and metrics over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/signalbox/internal/cache"
	"github.com/zulandar/signalbox/internal/glossary"
	"github.com/zulandar/signalbox/internal/journal"
	"github.com/zulandar/signalbox/internal/logging"
	"github.com/zulandar/signalbox/internal/metrics"
	"github.com/zulandar/signalbox/internal/session"
)

// StartOpts holds configuration for the HTTP server.
type StartOpts struct {
	Port     int
	Out      io.Writer
	Logger   *logging.Logger
	Sessions *session.Manager
	Cache    *cache.Store
	Journal  *journal.Reader
	Metrics  *metrics.Metrics
	Terms    *glossary.Glossary // optional

	PingInterval time.Duration // websocket keepalive
	HistoryLimit int
	PollInterval time.Duration // SSE journal poll; default 2s
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Sessions == nil {
		return nil, fmt.Errorf("server: session manager is required")
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("server: cache store is required")
	}
	if opts.Journal == nil {
		return nil, fmt.Errorf("server: journal reader is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(opts.Logger))
	registerRoutes(router, opts)
	return router, nil
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "signalbox listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// requestLogger logs each request after it completes. Websocket and SSE
// requests are logged when the stream ends.
func requestLogger(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		kv := []interface{}{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"elapsed_ms", time.Since(start).Milliseconds(),
		}
		if status >= http.StatusInternalServerError {
			log.Warn("server: request failed", kv...)
			return
		}
		log.Debug("server: request", kv...)
	}
}
