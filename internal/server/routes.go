package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/signalbox/internal/session"
)

// registerRoutes sets up all routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/healthz", handleHealth(opts.Sessions))
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	// Chat.
	chat := session.Handler(opts.Sessions, session.HandlerOpts{
		PingInterval: opts.PingInterval,
		HistoryLimit: opts.HistoryLimit,
	})
	router.GET("/ws/chat", chat)
	router.GET("/ws/chat/:session_id", chat)
	router.POST("/api/sessions/:id/interrupt", handleInterrupt(opts.Sessions))

	// Cache administration.
	c := router.Group("/api/cache")
	c.GET("", handleCacheList(opts.Cache))
	c.GET("/stats", handleCacheStats(opts.Cache))
	c.POST("/deprecate-tables", handleCacheDeprecateTables(opts.Cache))
	c.GET("/:id", handleCacheGet(opts.Cache))
	c.POST("/:id/status", handleCacheStatus(opts.Cache))
	c.DELETE("/:id", handleCacheDelete(opts.Cache))

	// Execution journal.
	l := router.Group("/api/logs")
	l.GET("", handleLogList(opts.Journal))
	l.GET("/stats", handleLogStats(opts.Journal))
	l.GET("/stream", handleLogStream(opts.Journal, opts.PollInterval))
	l.GET("/:id", handleLogGet(opts.Journal))

	// Business terms.
	if opts.Terms != nil {
		g := router.Group("/api/terms")
		g.GET("", handleTermList(opts.Terms))
		g.POST("", handleTermAdd(opts.Terms))
		g.POST("/reload", handleTermReload(opts.Terms))
		g.GET("/:name", handleTermGet(opts.Terms))
		g.PUT("/:name", handleTermUpdate(opts.Terms))
		g.DELETE("/:name", handleTermDelete(opts.Terms))
	}
}

func handleHealth(m *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"sessions": m.Count(),
		})
	}
}
