package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when no entry matches.
	ErrNotFound = errors.New("cache: entry not found")
	// ErrInvalidTransition is returned for a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("cache: invalid status transition")
)

// Store is the gorm-backed cache. Uniqueness per fingerprint is enforced by
// the database, so several processes may share one Store's table.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store on db. The query_cache table must exist.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("cache: db is required")
	}
	return &Store{db: db}, nil
}

// Write describes a cache row to create on the first successful run.
type Write struct {
	Fingerprint       string
	Question          string
	RewrittenQuestion string
	QueryText         string
	Tables            []string
	Score             int
}

// Lookup returns the entry for fingerprint, or nil when there is none. Any
// status is returned; callers decide whether a non-active entry counts.
func (s *Store) Lookup(ctx context.Context, fingerprint string) (*models.CacheEntry, error) {
	var entry models.CacheEntry
	err := s.db.WithContext(ctx).Where("fingerprint = ?", fingerprint).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: lookup %s: %w", short(fingerprint), err)
	}
	return &entry, nil
}

// UpsertOnFirstSuccess inserts w unless a row with the same fingerprint
// already exists. The insert-if-absent is a single statement against the
// unique index. When the row already exists the call counts as a hit
// instead. created reports whether this call inserted the row.
func (s *Store) UpsertOnFirstSuccess(ctx context.Context, w Write) (created bool, err error) {
	if w.Fingerprint == "" {
		return false, fmt.Errorf("cache: upsert: fingerprint is required")
	}
	if w.Score < 0 || w.Score > MaxScore {
		return false, fmt.Errorf("cache: upsert: score %d out of range", w.Score)
	}
	entry := models.CacheEntry{
		Fingerprint:       w.Fingerprint,
		Question:          w.Question,
		RewrittenQuestion: w.RewrittenQuestion,
		QueryText:         w.QueryText,
		Tables:            models.EncodeStrings(w.Tables),
		Score:             w.Score,
		Status:            models.CacheStatusActive,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fingerprint"}},
		DoNothing: true,
	}).Create(&entry)
	if result.Error != nil {
		return false, fmt.Errorf("cache: upsert %s: %w", short(w.Fingerprint), result.Error)
	}
	if result.RowsAffected == 1 {
		return true, nil
	}
	if err := s.RecordHit(ctx, w.Fingerprint); err != nil {
		return false, err
	}
	return false, nil
}

// RecordHit increments the hit count. The counter only ever grows.
func (s *Store) RecordHit(ctx context.Context, fingerprint string) error {
	result := s.db.WithContext(ctx).Model(&models.CacheEntry{}).
		Where("fingerprint = ?", fingerprint).
		Updates(map[string]interface{}{
			"hit_count":  gorm.Expr("hit_count + 1"),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("cache: record hit %s: %w", short(fingerprint), result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("cache: record hit %s: %w", short(fingerprint), ErrNotFound)
	}
	return nil
}

// SetStatus moves an entry out of the active state. Only active→deprecated
// and active→invalid are allowed; setting the current status again is a
// no-op.
func (s *Store) SetStatus(ctx context.Context, fingerprint, status string) error {
	return s.setStatus(ctx, "fingerprint = ?", fingerprint, status)
}

// SetStatusByID is SetStatus addressed by primary key, for admin surfaces.
func (s *Store) SetStatusByID(ctx context.Context, id uint, status string) error {
	return s.setStatus(ctx, "id = ?", id, status)
}

func (s *Store) setStatus(ctx context.Context, where string, key interface{}, status string) error {
	if status != models.CacheStatusDeprecated && status != models.CacheStatusInvalid && status != models.CacheStatusActive {
		return fmt.Errorf("cache: set status %v: unknown status %q", key, status)
	}
	db := s.db.WithContext(ctx)
	if status != models.CacheStatusActive {
		// Compare-and-set against the active status.
		result := db.Model(&models.CacheEntry{}).
			Where(where+" AND status = ?", key, models.CacheStatusActive).
			Updates(map[string]interface{}{"status": status, "updated_at": time.Now()})
		if result.Error != nil {
			return fmt.Errorf("cache: set status %v: %w", key, result.Error)
		}
		if result.RowsAffected == 1 {
			return nil
		}
	}

	var current models.CacheEntry
	err := db.Where(where, key).First(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("cache: set status %v: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("cache: set status %v: %w", key, err)
	}
	if current.Status == status {
		return nil
	}
	return fmt.Errorf("cache: set status %v: %s -> %s: %w", key, current.Status, status, ErrInvalidTransition)
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
