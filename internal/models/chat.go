package models

import "time"

// ChatSession is the persisted side of a WebSocket chat session. The
// in-memory session table owns liveness; this row carries history.
type ChatSession struct {
	ID           string `gorm:"primaryKey;size:64"`
	CreatedAt    time.Time
	LastActiveAt time.Time `gorm:"index"`
	ClosedAt     *time.Time

	Messages []ChatMessage `gorm:"foreignKey:SessionID"`
}

// Chat message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage stores a single user or assistant turn.
type ChatMessage struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	SessionID     string `gorm:"size:64;not null;index"`
	MessageID     string `gorm:"size:64;not null;uniqueIndex"`
	Role          string `gorm:"size:16;not null"` // "user" or "assistant"
	Content       string `gorm:"type:mediumtext;not null"`
	ReplyTo       string `gorm:"size:64"`
	Visualization string `gorm:"type:json"` // "null" when absent
	CreatedAt     time.Time
}
