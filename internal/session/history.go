package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/pipeline"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// History persists chat sessions and their messages.
type History struct {
	db *gorm.DB
}

// NewHistory creates a History backed by db.
func NewHistory(db *gorm.DB) (*History, error) {
	if db == nil {
		return nil, fmt.Errorf("session: history: db is required")
	}
	return &History{db: db}, nil
}

// EnsureSession returns the session row, creating it when absent. A
// previously closed session is reopened.
func (h *History) EnsureSession(ctx context.Context, id string) (*models.ChatSession, error) {
	now := time.Now()
	row := models.ChatSession{ID: id, LastActiveAt: now}
	err := h.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("session: ensure %s: %w", id, err)
	}
	err = h.db.WithContext(ctx).Model(&models.ChatSession{}).Where("id = ?", id).
		Updates(map[string]interface{}{"last_active_at": now, "closed_at": nil}).Error
	if err != nil {
		return nil, fmt.Errorf("session: ensure %s: %w", id, err)
	}
	var got models.ChatSession
	if err := h.db.WithContext(ctx).Where("id = ?", id).First(&got).Error; err != nil {
		return nil, fmt.Errorf("session: ensure %s: %w", id, err)
	}
	return &got, nil
}

// Touch records activity on a session.
func (h *History) Touch(ctx context.Context, id string, at time.Time) error {
	err := h.db.WithContext(ctx).Model(&models.ChatSession{}).Where("id = ?", id).
		Update("last_active_at", at).Error
	if err != nil {
		return fmt.Errorf("session: touch %s: %w", id, err)
	}
	return nil
}

// CloseSession stamps closed_at.
func (h *History) CloseSession(ctx context.Context, id string, at time.Time) error {
	err := h.db.WithContext(ctx).Model(&models.ChatSession{}).Where("id = ?", id).
		Update("closed_at", at).Error
	if err != nil {
		return fmt.Errorf("session: close %s: %w", id, err)
	}
	return nil
}

// Append stores one message.
func (h *History) Append(ctx context.Context, msg models.ChatMessage) error {
	if msg.Visualization == "" {
		msg.Visualization = "null"
	}
	if err := h.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return fmt.Errorf("session: append message %s: %w", msg.MessageID, err)
	}
	return nil
}

// Page returns up to limit messages older than beforeMessageID (or the
// newest when empty), oldest first, and whether older messages remain.
func (h *History) Page(ctx context.Context, sessionID string, limit int, beforeMessageID string) ([]models.ChatMessage, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	q := h.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if beforeMessageID != "" {
		var anchor models.ChatMessage
		err := h.db.WithContext(ctx).Select("id").
			Where("session_id = ? AND message_id = ?", sessionID, beforeMessageID).
			First(&anchor).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("session: history %s: %w", sessionID, err)
		}
		q = q.Where("id < ?", anchor.ID)
	}

	var rows []models.ChatMessage
	if err := q.Order("id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, false, fmt.Errorf("session: history %s: %w", sessionID, err)
	}
	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, hasMore, nil
}

// Recent returns the last n turns of a session for intent resolution.
func (h *History) Recent(ctx context.Context, sessionID string, n int) ([]pipeline.Turn, error) {
	rows, _, err := h.Page(ctx, sessionID, n, "")
	if err != nil {
		return nil, err
	}
	turns := make([]pipeline.Turn, 0, len(rows))
	for _, r := range rows {
		turns = append(turns, pipeline.Turn{Role: r.Role, Content: r.Content})
	}
	return turns, nil
}

// historyPayload converts a page into the wire form.
func historyPayload(rows []models.ChatMessage, hasMore bool, created *time.Time) HistoryPayload {
	out := HistoryPayload{Messages: make([]HistoryMessage, 0, len(rows)), HasMore: hasMore, SessionCreatedAt: created}
	for _, r := range rows {
		m := HistoryMessage{
			MessageID: r.MessageID,
			Role:      r.Role,
			Content:   r.Content,
			Timestamp: r.CreatedAt.UTC(),
			ReplyTo:   r.ReplyTo,
		}
		if r.Visualization != "" && r.Visualization != "null" {
			m.Visualization = json.RawMessage(r.Visualization)
		}
		out.Messages = append(out.Messages, m)
	}
	return out
}
