package server

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/signalbox/internal/journal"
)

// handleLogStream tails the execution journal as server-sent events. Only
// rows written after the client connects are sent.
func handleLogStream(r *journal.Reader, poll time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		f, err := logFilter(c)
		if err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		f.Since = time.Time{}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		ctx := c.Request.Context()
		lastSeenID, err := r.LatestID(ctx)
		if err != nil {
			writeSSE(c.Writer, "error", map[string]string{"error": err.Error()})
			c.Writer.Flush()
			return
		}

		writeSSE(c.Writer, "connected", map[string]any{"type": "connected", "last_id": lastSeenID})
		c.Writer.Flush()

		ticker := time.NewTicker(poll)
		heartbeat := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				rows, err := r.After(ctx, f, lastSeenID, 100)
				if err != nil || len(rows) == 0 {
					continue
				}
				for _, row := range rows {
					writeSSE(c.Writer, "log", newLogView(row))
				}
				lastSeenID = rows[len(rows)-1].ID
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
