package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/adlibrary-insight/internal/ads"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("history record not found")

// Retention limits shared by every implementation.
const (
	MaxSearchLogs   = 1000
	MaxHistoryItems = 5
)

// RunStatus mirrors the search_runs.status column.
type RunStatus string

// Run statuses.
const (
	StatusRunning               RunStatus = "running"
	StatusCompleted             RunStatus = "completed"
	StatusCompletedWithFailures RunStatus = "completed_with_failures"
	StatusAborted               RunStatus = "aborted"
)

// Terminal reports whether the status ends a run.
func (s RunStatus) Terminal() bool {
	return s != StatusRunning && s != ""
}

// RunCounters are the final tallies of a run.
type RunCounters struct {
	Dispatched int `json:"dispatched"`
	Failed     int `json:"failed"`
	Ads        int `json:"ads"`
}

// RunRecord models one row of search_runs.
type RunRecord struct {
	// ID is the run UUID shared with progress events.
	ID uuid.UUID `json:"id"`
	// UserID is the caller identity that started the run.
	UserID string `json:"user_id"`
	// Targets is the number of keywords selected by the window.
	Targets int `json:"targets"`
	// StartedAt captures when the run was accepted.
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is nil until the run is terminal.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// Status is running until FinishRun is called.
	Status RunStatus `json:"status"`
	RunCounters
	// Reason holds the fatal reason for aborted runs.
	Reason *string `json:"reason,omitempty"`
}

// SearchLog is one admin-visible audit line per run.
type SearchLog struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	Keywords    string            `json:"keywords"`
	Filters     ads.SearchFilters `json:"filters"`
	ResultCount int               `json:"result_count"`
	Status      RunStatus         `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
}

// HistoryItem is one recent search shown back to the user.
type HistoryItem struct {
	Keyword    string            `json:"keyword"`
	Filters    ads.SearchFilters `json:"filters"`
	SearchedAt time.Time         `json:"searched_at"`
}

// HistoryRepository persists run summaries, search logs and recent searches.
type HistoryRepository interface {
	// StartRun inserts a running record; repeating it for the same ID is a no-op.
	StartRun(ctx context.Context, run RunRecord) error
	// FinishRun marks the run terminal with its counters and optional reason.
	FinishRun(
		ctx context.Context,
		runID uuid.UUID,
		status RunStatus,
		finishedAt time.Time,
		counters RunCounters,
		reason *string,
	) error
	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (RunRecord, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, limit, offset int) ([]RunRecord, error)

	// SaveSearchLog records a log line, keeping at most MaxSearchLogs.
	SaveSearchLog(ctx context.Context, entry SearchLog) error
	// ListSearchLogs returns logs newest first.
	ListSearchLogs(ctx context.Context, limit int) ([]SearchLog, error)
	// ClearSearchLogs removes every log line.
	ClearSearchLogs(ctx context.Context) error

	// SaveHistory bumps item to the top of the user's list, deduplicating
	// keywords case-insensitively and keeping MaxHistoryItems.
	SaveHistory(ctx context.Context, userID string, item HistoryItem) error
	// ListHistory returns the user's recent searches, most recent first.
	ListHistory(ctx context.Context, userID string) ([]HistoryItem, error)
}

// AdRepository persists a finished run's ads. Backends implement it optionally.
type AdRepository interface {
	SaveAds(ctx context.Context, runID uuid.UUID, list []ads.Ad) error
}

// MergeHistory applies the recent-search rules to an existing list.
func MergeHistory(existing []HistoryItem, item HistoryItem) []HistoryItem {
	out := make([]HistoryItem, 0, MaxHistoryItems)
	out = append(out, item)
	for _, h := range existing {
		if len(out) == MaxHistoryItems {
			break
		}
		if strings.EqualFold(strings.TrimSpace(h.Keyword), strings.TrimSpace(item.Keyword)) {
			continue
		}
		out = append(out, h)
	}
	return out
}

// ClampLimit bounds a caller-provided page size.
func ClampLimit(limit, fallback, ceiling int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > ceiling {
		return ceiling
	}
	return limit
}
