package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("journal: entry not found")

// Reader queries journal rows for reporting surfaces.
type Reader struct {
	db *gorm.DB
}

// NewReader returns a Reader on db.
func NewReader(db *gorm.DB) *Reader {
	return &Reader{db: db}
}

// Filter narrows List. Zero values mean "any".
type Filter struct {
	Status    string
	SessionID string
	CacheHit  *bool
	Since     time.Time
}

// Stats summarises journal rows.
type Stats struct {
	Total        int64   `json:"total"`
	Success      int64   `json:"success"`
	Error        int64   `json:"error"`
	Timeout      int64   `json:"timeout"`
	Pending      int64   `json:"pending"`
	CacheHits    int64   `json:"cache_hits"`
	CacheHitRate float64 `json:"cache_hit_rate"`
	AvgElapsedMs float64 `json:"avg_elapsed_ms"`
}

func (r *Reader) query(ctx context.Context, f Filter) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&models.ExecutionLog{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.SessionID != "" {
		q = q.Where("session_id = ?", f.SessionID)
	}
	if f.CacheHit != nil {
		q = q.Where("cache_hit = ?", *f.CacheHit)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	return q
}

// List returns a page of rows, newest first, and the total match count.
func (r *Reader) List(ctx context.Context, f Filter, page, size int) ([]models.ExecutionLog, int64, error) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	if size > 100 {
		size = 100
	}

	var total int64
	if err := r.query(ctx, f).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("journal: list count: %w", err)
	}
	var rows []models.ExecutionLog
	if err := r.query(ctx, f).Order("id DESC").Offset((page - 1) * size).Limit(size).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("journal: list: %w", err)
	}
	return rows, total, nil
}

// After returns rows with id > lastID in insertion order, for tailing.
func (r *Reader) After(ctx context.Context, f Filter, lastID uint, limit int) ([]models.ExecutionLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.ExecutionLog
	if err := r.query(ctx, f).Where("id > ?", lastID).Order("id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("journal: after %d: %w", lastID, err)
	}
	return rows, nil
}

// LatestID returns the highest row id, or 0 for an empty journal.
func (r *Reader) LatestID(ctx context.Context) (uint, error) {
	var id uint
	if err := r.db.WithContext(ctx).Model(&models.ExecutionLog{}).
		Select("COALESCE(MAX(id), 0)").Scan(&id).Error; err != nil {
		return 0, fmt.Errorf("journal: latest id: %w", err)
	}
	return id, nil
}

// Get returns the row with the given id.
func (r *Reader) Get(ctx context.Context, id uint) (*models.ExecutionLog, error) {
	var row models.ExecutionLog
	err := r.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("journal: get %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("journal: get %d: %w", id, err)
	}
	return &row, nil
}

// Stats aggregates rows created at or after since (zero means all time).
func (r *Reader) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	var rows []struct {
		Status  string
		N       int64
		Hits    int64
		Elapsed int64
	}
	err := r.query(ctx, Filter{Since: since}).
		Select("status, COUNT(*) AS n, " +
			"COALESCE(SUM(CASE WHEN cache_hit THEN 1 ELSE 0 END), 0) AS hits, " +
			"COALESCE(SUM(elapsed_ms), 0) AS elapsed").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("journal: stats: %w", err)
	}

	st := &Stats{}
	var elapsed int64
	for _, row := range rows {
		st.Total += row.N
		st.CacheHits += row.Hits
		elapsed += row.Elapsed
		switch row.Status {
		case models.LogStatusSuccess:
			st.Success = row.N
		case models.LogStatusError:
			st.Error = row.N
		case models.LogStatusTimeout:
			st.Timeout = row.N
		case models.LogStatusPending:
			st.Pending = row.N
		}
	}
	if st.Total > 0 {
		st.CacheHitRate = float64(st.CacheHits) / float64(st.Total)
		st.AvgElapsedMs = float64(elapsed) / float64(st.Total)
	}
	return st, nil
}
