package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-insight/internal/progress"
	"github.com/JakeFAU/adlibrary-insight/internal/store"
)

// StoreSink persists run start and finish via a store.HistoryRepository.
// Sub-batch events are not persisted; in-flight state is memory only.
type StoreSink struct {
	repo   store.HistoryRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.HistoryRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards lifecycle events to the repository and returns the first error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			rec := store.RunRecord{
				ID:        runID,
				UserID:    evt.Caller,
				Targets:   evt.Keywords,
				StartedAt: evt.TS,
				Status:    store.StatusRunning,
			}
			if err := s.repo.StartRun(ctx, rec); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageRunDone, progress.StageRunAborted:
			status := store.RunStatus(evt.Result)
			if !status.Terminal() {
				status = store.StatusCompleted
				if evt.Stage == progress.StageRunAborted {
					status = store.StatusAborted
				}
			}
			var reason *string
			if evt.Note != "" {
				note := evt.Note
				reason = &note
			}
			counters := store.RunCounters{Dispatched: evt.Keywords, Failed: evt.Failed, Ads: evt.Ads}
			if err := s.repo.FinishRun(ctx, runID, status, evt.TS, counters, reason); err != nil {
				return fmt.Errorf("finish run: %w", err)
			}
			s.logger.Debug("run persisted", zap.String("run_id", runID.String()), zap.String("status", string(status)))
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
