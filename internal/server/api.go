package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/signalbox/internal/cache"
	"github.com/zulandar/signalbox/internal/glossary"
	"github.com/zulandar/signalbox/internal/journal"
	"github.com/zulandar/signalbox/internal/session"
)

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

type interruptRequest struct {
	Reason          string `json:"reason"`
	TargetMessageID string `json:"target_message_id"`
}

func handleInterrupt(m *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req interruptRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		ok, err := m.Interrupt(c.Request.Context(), c.Param("id"), req.Reason, req.TargetMessageID)
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"interrupted": ok})
	}
}

// ---------------------------------------------------------------------------
// Cache
// ---------------------------------------------------------------------------

func handleCacheList(store *cache.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		pg, size := pageParams(c)
		f := cache.ListFilter{Status: c.Query("status"), Keyword: c.Query("keyword")}
		entries, total, err := store.List(c.Request.Context(), f, pg, size)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]cacheView, 0, len(entries))
		for _, e := range entries {
			items = append(items, newCacheView(e))
		}
		c.JSON(http.StatusOK, page[cacheView]{Items: items, Total: total, Page: pg, Size: len(items)})
	}
}

func handleCacheStats(store *cache.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := store.Stats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

func handleCacheGet(store *cache.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		e, err := store.Get(c.Request.Context(), id)
		if err != nil {
			cacheError(c, err)
			return
		}
		c.JSON(http.StatusOK, newCacheView(*e))
	}
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

func handleCacheStatus(store *cache.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		var req statusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := store.SetStatusByID(c.Request.Context(), id, req.Status); err != nil {
			cacheError(c, err)
			return
		}
		e, err := store.Get(c.Request.Context(), id)
		if err != nil {
			cacheError(c, err)
			return
		}
		c.JSON(http.StatusOK, newCacheView(*e))
	}
}

type deprecateTablesRequest struct {
	Tables []string `json:"tables" binding:"required,min=1"`
}

func handleCacheDeprecateTables(store *cache.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req deprecateTablesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		n, err := store.DeprecateByTables(c.Request.Context(), req.Tables)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deprecated": n})
	}
}

func handleCacheDelete(store *cache.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		if err := store.Delete(c.Request.Context(), id); err != nil {
			cacheError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func cacheError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, cache.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, cache.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case strings.Contains(err.Error(), "unknown status"):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// ---------------------------------------------------------------------------
// Journal
// ---------------------------------------------------------------------------

func handleLogList(r *journal.Reader) gin.HandlerFunc {
	return func(c *gin.Context) {
		f, err := logFilter(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		pg, size := pageParams(c)
		rows, total, err := r.List(c.Request.Context(), f, pg, size)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]logView, 0, len(rows))
		for _, row := range rows {
			items = append(items, newLogView(row))
		}
		c.JSON(http.StatusOK, page[logView]{Items: items, Total: total, Page: pg, Size: len(items)})
	}
}

func handleLogStats(r *journal.Reader) gin.HandlerFunc {
	return func(c *gin.Context) {
		since, err := parseSince(c.Query("since"), time.Now())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		st, err := r.Stats(c.Request.Context(), since)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

func handleLogGet(r *journal.Reader) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		row, err := r.Get(c.Request.Context(), id)
		if errors.Is(err, journal.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, newLogView(*row))
	}
}

// ---------------------------------------------------------------------------
// Params
// ---------------------------------------------------------------------------

func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

func pageParams(c *gin.Context) (int, int) {
	pg, _ := strconv.Atoi(c.Query("page"))
	size, _ := strconv.Atoi(c.Query("size"))
	if pg < 1 {
		pg = 1
	}
	if size <= 0 {
		size = cache.DefaultPageSize
	}
	if size > cache.MaxPageSize {
		size = cache.MaxPageSize
	}
	return pg, size
}

func logFilter(c *gin.Context) (journal.Filter, error) {
	f := journal.Filter{Status: c.Query("status"), SessionID: c.Query("session")}
	if v := c.Query("cache_hit"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.New("cache_hit must be a boolean")
		}
		f.CacheHit = &b
	}
	since, err := parseSince(c.Query("since"), time.Now())
	if err != nil {
		return f, err
	}
	f.Since = since
	return f, nil
}

// parseSince accepts an RFC 3339 timestamp or a Go duration meaning "that
// long before now". Empty means no lower bound.
func parseSince(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		if d < 0 {
			d = -d
		}
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New("since must be an RFC 3339 time or a duration such as 24h")
	}
	return t, nil
}

// ---------------------------------------------------------------------------
// Terms
// ---------------------------------------------------------------------------

func handleTermList(g *glossary.Glossary) gin.HandlerFunc {
	return func(c *gin.Context) {
		terms := g.List()
		c.JSON(http.StatusOK, gin.H{"items": terms, "total": len(terms)})
	}
}

func handleTermGet(g *glossary.Glossary) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := g.Get(c.Param("name"))
		if err != nil {
			termError(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

func handleTermAdd(g *glossary.Glossary) gin.HandlerFunc {
	return func(c *gin.Context) {
		var t glossary.Term
		if err := c.ShouldBindJSON(&t); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := g.Add(t); err != nil {
			termError(c, err)
			return
		}
		saved, err := g.Get(strings.TrimSpace(t.Name))
		if err != nil {
			termError(c, err)
			return
		}
		c.JSON(http.StatusCreated, saved)
	}
}

func handleTermUpdate(g *glossary.Glossary) gin.HandlerFunc {
	return func(c *gin.Context) {
		var u glossary.Update
		if err := c.ShouldBindJSON(&u); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		t, err := g.Update(c.Param("name"), u)
		if err != nil {
			termError(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

func handleTermDelete(g *glossary.Glossary) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := g.Delete(c.Param("name")); err != nil {
			termError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": c.Param("name")})
	}
}

func handleTermReload(g *glossary.Glossary) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := g.Reload(); err != nil {
			termError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"total": g.Len()})
	}
}

func termError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, glossary.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, glossary.ErrExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, glossary.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, glossary.ErrReadOnly):
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
