package server

import (
	"time"

	"github.com/zulandar/signalbox/internal/models"
)

// cacheView is the JSON form of a cache entry.
type cacheView struct {
	ID                uint      `json:"id"`
	Fingerprint       string    `json:"fingerprint"`
	Question          string    `json:"question"`
	RewrittenQuestion string    `json:"rewritten_question,omitempty"`
	QueryText         string    `json:"query_text"`
	Tables            []string  `json:"tables"`
	Score             int       `json:"score"`
	HitCount          int64     `json:"hit_count"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func newCacheView(e models.CacheEntry) cacheView {
	tables := e.TableList()
	if tables == nil {
		tables = []string{}
	}
	return cacheView{
		ID:                e.ID,
		Fingerprint:       e.Fingerprint,
		Question:          e.Question,
		RewrittenQuestion: e.RewrittenQuestion,
		QueryText:         e.QueryText,
		Tables:            tables,
		Score:             e.Score,
		HitCount:          e.HitCount,
		Status:            e.Status,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}

// logView is the JSON form of a journal row.
type logView struct {
	ID                uint      `json:"id"`
	RunID             string    `json:"run_id"`
	SessionID         string    `json:"session_id,omitempty"`
	MessageID         string    `json:"message_id,omitempty"`
	Question          string    `json:"question"`
	RewrittenQuestion string    `json:"rewritten_question,omitempty"`
	QueryText         string    `json:"query_text,omitempty"`
	Tables            []string  `json:"tables"`
	Status            string    `json:"status"`
	Error             *string   `json:"error,omitempty"`
	RowCount          *int      `json:"row_count,omitempty"`
	ElapsedMs         int64     `json:"elapsed_ms"`
	CacheScore        *int      `json:"cache_score,omitempty"`
	CacheHit          bool      `json:"cache_hit"`
	CreatedAt         time.Time `json:"created_at"`
}

func newLogView(l models.ExecutionLog) logView {
	tables := models.DecodeStrings(l.Tables)
	if tables == nil {
		tables = []string{}
	}
	return logView{
		ID:                l.ID,
		RunID:             l.RunID,
		SessionID:         l.SessionID,
		MessageID:         l.MessageID,
		Question:          l.Question,
		RewrittenQuestion: l.RewrittenQuestion,
		QueryText:         l.QueryText,
		Tables:            tables,
		Status:            l.Status,
		Error:             l.ErrorText,
		RowCount:          l.RowCount,
		ElapsedMs:         l.ElapsedMs,
		CacheScore:        l.CacheScore,
		CacheHit:          l.CacheHit,
		CreatedAt:         l.CreatedAt,
	}
}

// page wraps a list response.
type page[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Size  int   `json:"size"`
}
