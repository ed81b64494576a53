package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/adlibrary-insight/internal/store"
)

// HistoryStore implements store.HistoryRepository in memory.
type HistoryStore struct {
	mu      sync.RWMutex
	runs    map[uuid.UUID]store.RunRecord
	logs    []store.SearchLog
	history map[string][]store.HistoryItem
}

var _ store.HistoryRepository = (*HistoryStore)(nil)

// NewHistoryStore constructs an empty HistoryStore.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{
		runs:    make(map[uuid.UUID]store.RunRecord),
		history: make(map[string][]store.HistoryItem),
	}
}

// StartRun stores a running record. A repeated ID is ignored.
func (s *HistoryStore) StartRun(_ context.Context, run store.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return nil
	}
	if run.Status == "" {
		run.Status = store.StatusRunning
	}
	s.runs[run.ID] = run
	return nil
}

// FinishRun marks a run terminal.
func (s *HistoryStore) FinishRun(
	_ context.Context,
	runID uuid.UUID,
	status store.RunStatus,
	finishedAt time.Time,
	counters store.RunCounters,
	reason *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("finish run %s: %w", runID, store.ErrNotFound)
	}
	run.Status = status
	run.FinishedAt = &finishedAt
	run.RunCounters = counters
	run.Reason = reason
	s.runs[runID] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *HistoryStore) GetRun(_ context.Context, runID uuid.UUID) (store.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.RunRecord{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs ordered by start time, newest first.
func (s *HistoryStore) ListRuns(_ context.Context, limit, offset int) ([]store.RunRecord, error) {
	s.mu.RLock()
	out := make([]store.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return page(out, limit, offset), nil
}

// SaveSearchLog prepends entry and trims to store.MaxSearchLogs.
func (s *HistoryStore) SaveSearchLog(_ context.Context, entry store.SearchLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append([]store.SearchLog{entry}, s.logs...)
	if len(s.logs) > store.MaxSearchLogs {
		s.logs = s.logs[:store.MaxSearchLogs]
	}
	return nil
}

// ListSearchLogs returns up to limit logs, newest first.
func (s *HistoryStore) ListSearchLogs(_ context.Context, limit int) ([]store.SearchLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.SearchLog, len(s.logs))
	copy(out, s.logs)
	return page(out, limit, 0), nil
}

// ClearSearchLogs drops every log.
func (s *HistoryStore) ClearSearchLogs(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = nil
	return nil
}

// SaveHistory records a recent search for userID.
func (s *HistoryStore) SaveHistory(_ context.Context, userID string, item store.HistoryItem) error {
	if strings.TrimSpace(item.Keyword) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[userID] = store.MergeHistory(s.history[userID], item)
	return nil
}

// ListHistory returns the user's recent searches.
func (s *HistoryStore) ListHistory(_ context.Context, userID string) ([]store.HistoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.history[userID]
	out := make([]store.HistoryItem, len(items))
	copy(out, items)
	return out, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
