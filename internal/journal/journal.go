// Package journal records the outcome of every pipeline run. Appends are
// fire-and-forget: a slow or failing database never delays the caller.
package journal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/signalbox/internal/logging"
	"github.com/zulandar/signalbox/internal/metrics"
	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
)

// Entry is one run outcome as reported by the orchestrator.
type Entry struct {
	RunID             string
	SessionID         string
	MessageID         string
	Question          string
	RewrittenQuestion string
	QueryText         string
	Tables            []string
	Status            string // models.LogStatus*
	Error             string
	RowCount          *int
	Elapsed           time.Duration
	CacheScore        *int
	CacheHit          bool
}

func (e Entry) row() models.ExecutionLog {
	row := models.ExecutionLog{
		RunID:             e.RunID,
		SessionID:         e.SessionID,
		MessageID:         e.MessageID,
		Question:          e.Question,
		RewrittenQuestion: e.RewrittenQuestion,
		QueryText:         e.QueryText,
		Tables:            models.EncodeStrings(e.Tables),
		Status:            e.Status,
		RowCount:          e.RowCount,
		ElapsedMs:         e.Elapsed.Milliseconds(),
		CacheScore:        e.CacheScore,
		CacheHit:          e.CacheHit,
	}
	if e.Error != "" {
		msg := e.Error
		row.ErrorText = &msg
	}
	if row.Status == "" {
		row.Status = models.LogStatusPending
	}
	return row
}

// Opts configures a Journal.
type Opts struct {
	DB      *gorm.DB
	Buffer  int // queued entries before Append starts dropping; default 256
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Journal is an asynchronous append-only writer backed by one goroutine.
type Journal struct {
	db      *gorm.DB
	log     *logging.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan models.ExecutionLog
	done   chan struct{}
}

// New starts the writer goroutine. Call Close to drain and stop it.
func New(opts Opts) (*Journal, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("journal: db is required")
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	j := &Journal{
		db:      opts.DB,
		log:     opts.Logger,
		metrics: opts.Metrics,
		queue:   make(chan models.ExecutionLog, opts.Buffer),
		done:    make(chan struct{}),
	}
	go j.run()
	return j, nil
}

// Append enqueues e and returns immediately. When the queue is full or the
// journal is closed the entry is dropped and a warning logged.
func (j *Journal) Append(e Entry) {
	row := e.row()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.drop(row, "closed")
		return
	}
	select {
	case j.queue <- row:
	default:
		j.drop(row, "queue full")
	}
}

func (j *Journal) drop(row models.ExecutionLog, reason string) {
	j.metrics.JournalEntry("dropped")
	j.log.Warn("journal: entry dropped", "reason", reason, "run_id", row.RunID, "status", row.Status)
}

func (j *Journal) run() {
	defer close(j.done)
	for row := range j.queue {
		if err := j.db.Create(&row).Error; err != nil {
			j.metrics.JournalEntry("failed")
			j.log.Error("journal: write failed", "run_id", row.RunID, "error", err)
			continue
		}
		j.metrics.JournalEntry("written")
	}
}

// Close stops accepting entries and waits for queued ones to be written,
// or for ctx to end.
func (j *Journal) Close(ctx context.Context) error {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.queue)
	}
	j.mu.Unlock()

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("journal: close: %w", ctx.Err())
	}
}
