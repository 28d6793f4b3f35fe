package models

import "time"

// Journal statuses.
const (
	LogStatusSuccess = "success"
	LogStatusError   = "error"
	LogStatusTimeout = "timeout"
	LogStatusPending = "pending"
)

// ExecutionLog records the outcome of one pipeline run. Rows are inserted
// once and never updated.
type ExecutionLog struct {
	ID                uint    `gorm:"primaryKey;autoIncrement"`
	RunID             string  `gorm:"size:64;index"`
	SessionID         string  `gorm:"size:64;index"`
	MessageID         string  `gorm:"size:64;index"`
	Question          string  `gorm:"type:text;not null"`
	RewrittenQuestion string  `gorm:"type:text"`
	QueryText         string  `gorm:"type:text"`
	Tables            string  `gorm:"column:table_names;type:json"` // JSON array
	Status            string  `gorm:"size:16;not null;index"`
	ErrorText         *string `gorm:"type:text"`
	RowCount          *int
	ElapsedMs         int64
	CacheScore        *int
	CacheHit          bool      `gorm:"not null;default:false;index"`
	CreatedAt         time.Time `gorm:"index"`
}

// TableList decodes the Tables column.
func (e ExecutionLog) TableList() []string {
	return DecodeStrings(e.Tables)
}
