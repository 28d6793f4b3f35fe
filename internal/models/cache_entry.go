package models

import "time"

// Cache entry lifecycle states.
const (
	CacheStatusActive     = "active"
	CacheStatusDeprecated = "deprecated"
	CacheStatusInvalid    = "invalid"
)

// CacheEntry is a fingerprinted question whose generated query produced a
// good enough answer to be reused. At most one row exists per fingerprint.
type CacheEntry struct {
	ID                uint   `gorm:"primaryKey;autoIncrement"`
	Fingerprint       string `gorm:"size:64;not null;uniqueIndex"`
	Question          string `gorm:"type:text;not null"`
	RewrittenQuestion string `gorm:"type:text"`
	QueryText         string `gorm:"type:text;not null"`
	Tables            string `gorm:"column:table_names;type:json"` // JSON array
	Score             int    `gorm:"not null;default:0"`
	HitCount          int64  `gorm:"not null;default:0"`
	Status            string `gorm:"size:16;not null;default:active;index"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TableName pins the table name independently of the struct name.
func (CacheEntry) TableName() string { return "query_cache" }

// TableList decodes the Tables column.
func (c CacheEntry) TableList() []string {
	return DecodeStrings(c.Tables)
}
