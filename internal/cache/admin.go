package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
)

// ListFilter narrows List results. Zero values mean "any".
type ListFilter struct {
	Status  string
	Keyword string
}

// Page bounds.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Stats summarises the cache table.
type Stats struct {
	Total      int64   `json:"total"`
	Active     int64   `json:"active"`
	Deprecated int64   `json:"deprecated"`
	Invalid    int64   `json:"invalid"`
	TotalHits  int64   `json:"total_hits"`
	AvgScore   float64 `json:"avg_score"`
}

// Get returns the entry with the given id.
func (s *Store) Get(ctx context.Context, id uint) (*models.CacheEntry, error) {
	var entry models.CacheEntry
	err := s.db.WithContext(ctx).First(&entry, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("cache: get %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get %d: %w", id, err)
	}
	return &entry, nil
}

// List returns one page of entries, newest first, plus the total match count.
// page is 1-based.
func (s *Store) List(ctx context.Context, f ListFilter, page, size int) ([]models.CacheEntry, int64, error) {
	page, size = normalizePage(page, size)

	q := s.db.WithContext(ctx).Model(&models.CacheEntry{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if kw := strings.TrimSpace(f.Keyword); kw != "" {
		like := "%" + kw + "%"
		q = q.Where("question LIKE ? OR rewritten_question LIKE ?", like, like)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("cache: list count: %w", err)
	}
	var entries []models.CacheEntry
	if err := q.Order("id DESC").Offset((page - 1) * size).Limit(size).Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("cache: list: %w", err)
	}
	return entries, total, nil
}

// Stats aggregates counts per status, total hits, and the mean score.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var rows []struct {
		Status string
		N      int64
		Hits   int64
		Scores int64
	}
	err := s.db.WithContext(ctx).Model(&models.CacheEntry{}).
		Select("status, COUNT(*) AS n, COALESCE(SUM(hit_count), 0) AS hits, COALESCE(SUM(score), 0) AS scores").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("cache: stats: %w", err)
	}

	st := &Stats{}
	var scoreSum int64
	for _, r := range rows {
		st.Total += r.N
		st.TotalHits += r.Hits
		scoreSum += r.Scores
		switch r.Status {
		case models.CacheStatusActive:
			st.Active = r.N
		case models.CacheStatusDeprecated:
			st.Deprecated = r.N
		case models.CacheStatusInvalid:
			st.Invalid = r.N
		}
	}
	if st.Total > 0 {
		st.AvgScore = float64(scoreSum) / float64(st.Total)
	}
	return st, nil
}

// DeprecateByTables marks every active entry that references any of tables
// as deprecated, for use after those tables change shape. Table names match
// case-insensitively. It returns the number of entries deprecated.
func (s *Store) DeprecateByTables(ctx context.Context, tables []string) (int64, error) {
	if len(tables) == 0 {
		return 0, nil
	}
	wanted := make(map[string]bool, len(tables))
	for _, t := range tables {
		wanted[strings.ToLower(strings.TrimSpace(t))] = true
	}

	var active []models.CacheEntry
	if err := s.db.WithContext(ctx).
		Select("id", "table_names").
		Where("status = ?", models.CacheStatusActive).
		Find(&active).Error; err != nil {
		return 0, fmt.Errorf("cache: deprecate by tables: %w", err)
	}

	var ids []uint
	for _, e := range active {
		for _, t := range e.TableList() {
			if wanted[strings.ToLower(t)] {
				ids = append(ids, e.ID)
				break
			}
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	result := s.db.WithContext(ctx).Model(&models.CacheEntry{}).
		Where("id IN ? AND status = ?", ids, models.CacheStatusActive).
		Updates(map[string]interface{}{"status": models.CacheStatusDeprecated, "updated_at": time.Now()})
	if result.Error != nil {
		return 0, fmt.Errorf("cache: deprecate by tables: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Delete removes an entry permanently. This is an explicit admin action;
// nothing in the question path deletes entries.
func (s *Store) Delete(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Delete(&models.CacheEntry{}, id)
	if result.Error != nil {
		return fmt.Errorf("cache: delete %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("cache: delete %d: %w", id, ErrNotFound)
	}
	return nil
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}
