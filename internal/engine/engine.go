// Package engine orchestrates one batch search run: it partitions the keyword
// input, dispatches sub-batches under a rolling concurrency window, classifies
// failures, normalizes and merges results, and reports progress.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-insight/internal/ads"
	"github.com/JakeFAU/adlibrary-insight/internal/aggregate"
	"github.com/JakeFAU/adlibrary-insight/internal/classify"
	"github.com/JakeFAU/adlibrary-insight/internal/clock/system"
	"github.com/JakeFAU/adlibrary-insight/internal/dispatcher"
	"github.com/JakeFAU/adlibrary-insight/internal/normalize"
	"github.com/JakeFAU/adlibrary-insight/internal/progress"
	"github.com/JakeFAU/adlibrary-insight/internal/store"
)

// Observer receives a fresh snapshot after every aggregate mutation. It runs
// on the dispatcher's coordinating goroutine and must not block.
type Observer func(aggregate.Snapshot)

// Engine is safe to reuse across runs.
type Engine struct {
	searcher   ads.Searcher
	dispatcher *dispatcher.Dispatcher
	emitter    progress.Emitter
	clock      ads.Clock
	ids        ads.IDGenerator
	logger     *zap.Logger
}

// New constructs an Engine. emitter, clock and logger may be nil.
func New(
	searcher ads.Searcher,
	emitter progress.Emitter,
	clock ads.Clock,
	ids ads.IDGenerator,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if clock == nil {
		clock = system.New()
	}
	logger = logger.Named("engine")
	return &Engine{
		searcher:   searcher,
		dispatcher: dispatcher.New(logger),
		emitter:    emitter,
		clock:      clock,
		ids:        ids,
		logger:     logger,
	}
}

// Run validates req, executes it to completion and returns the result. Only
// validation and ID generation fail the call; a fatal abort is reported on
// the result.
func (e *Engine) Run(ctx context.Context, req ads.BatchRequest, cfg Config, obs Observer) (ads.Result, error) {
	plan, err := Prepare(req, cfg)
	if err != nil {
		return ads.Result{}, err
	}
	if e.ids == nil {
		return ads.Result{}, fmt.Errorf("engine: id generator is not configured")
	}
	runID, err := e.ids.NewRawID()
	if err != nil {
		return ads.Result{}, fmt.Errorf("new run id: %w", err)
	}
	return e.Execute(ctx, runID, plan, cfg, aggregate.New(len(plan.Targets)), obs), nil
}

// Execute dispatches a prepared plan, recording into agg so callers can read
// snapshots while the run is in progress.
func (e *Engine) Execute(
	ctx context.Context,
	runID uuid.UUID,
	plan Plan,
	cfg Config,
	agg *aggregate.Aggregator,
	obs Observer,
) ads.Result {
	cfg = cfg.withDefaults()
	if obs != nil {
		unsubscribe := agg.Subscribe(obs)
		defer unsubscribe()
	}
	eventID := progress.UUIDToBytes(runID)
	started := e.clock.Now()
	logger := e.logger.With(zap.String("run_id", runID.String()), zap.String("caller", cfg.Caller))
	logger.Info("run starting",
		zap.Int("targets", len(plan.Targets)),
		zap.Int("sub_batches", len(plan.Batches)),
		zap.Int("concurrency", plan.Concurrency),
	)
	e.emitter.Emit(progress.Event{
		RunID:    eventID,
		TS:       started,
		Stage:    progress.StageRunStart,
		Caller:   cfg.Caller,
		Keywords: len(plan.Targets),
	})

	call := func(ctx context.Context, batch ads.SubBatch) ([]ads.RawItem, error) {
		items, err := e.searcher.Search(ctx, cfg.Credential, batch.Keywords, plan.Filters)
		if err != nil {
			return nil, fmt.Errorf("search sub-batch: %w", err)
		}
		return items, nil
	}
	handle := func(c dispatcher.Completion) bool {
		return e.handle(logger, eventID, agg, c)
	}
	summary := e.dispatcher.Run(ctx, plan.Batches, plan.Concurrency, call, handle)

	if fatal, _ := agg.Fatal(); !fatal && summary.Launched < len(plan.Batches) {
		if err := ctx.Err(); err != nil {
			agg.MarkFatal("run canceled: " + classify.Reason(err))
		}
	}

	snap := agg.Snapshot()
	finished := e.clock.Now()
	result := ads.Result{
		RunID:       runID.String(),
		Ads:         snap.Ads,
		Outcomes:    snap.Outcomes,
		Dispatched:  snap.Dispatched,
		Total:       snap.Total,
		Fatal:       snap.Fatal,
		FatalReason: snap.FatalReason,
		Started:     started,
		Finished:    finished,
	}
	status := Status(result)
	stage := progress.StageRunDone
	if result.Fatal {
		stage = progress.StageRunAborted
	}
	e.emitter.Emit(progress.Event{
		RunID:    eventID,
		TS:       finished,
		Stage:    stage,
		Keywords: result.Dispatched,
		Ads:      len(result.Ads),
		Failed:   result.FailedKeywords(),
		Result:   string(status),
		Dur:      nonNegative(finished.Sub(started)),
		Note:     result.FatalReason,
	})
	logger.Info("run finished",
		zap.String("status", string(status)),
		zap.Int("launched", summary.Launched),
		zap.Int("dispatched", result.Dispatched),
		zap.Int("failed", result.FailedKeywords()),
		zap.Int("ads", len(result.Ads)),
	)
	return result
}

func (e *Engine) handle(logger *zap.Logger, eventID [16]byte, agg *aggregate.Aggregator, c dispatcher.Completion) bool {
	evt := progress.Event{
		RunID:    eventID,
		TS:       e.clock.Now(),
		Stage:    progress.StageBatchDone,
		Batch:    c.Batch.Index,
		Keywords: len(c.Batch.Keywords),
		Dur:      c.Duration,
	}

	if c.Err != nil {
		severity := classify.Classify(c.Err)
		reason := classify.Reason(c.Err)
		agg.Update(func(tx *aggregate.Tx) {
			for _, kw := range c.Batch.Keywords {
				tx.RecordOutcome(kw, 0, c.Err)
			}
			if severity == classify.Fatal {
				tx.MarkFatal(reason)
			}
		})
		evt.Result = string(progress.BatchTransient)
		if severity == classify.Fatal {
			evt.Result = string(progress.BatchFatal)
		}
		evt.Failed = len(c.Batch.Keywords)
		evt.Note = reason
		e.emitter.Emit(evt)
		logger.Warn("sub-batch failed",
			zap.Int("batch", c.Batch.Index),
			zap.Stringer("severity", severity),
			zap.Error(c.Err),
		)
		return severity == classify.Fatal
	}

	records, counts := collect(c.Items, c.Batch)
	agg.Update(func(tx *aggregate.Tx) {
		tx.MergeAds(records)
		for _, kw := range c.Batch.Keywords {
			tx.RecordOutcome(kw, counts[kw], nil)
		}
	})
	evt.Result = string(progress.BatchOK)
	evt.Ads = len(records)
	e.emitter.Emit(evt)
	logger.Debug("sub-batch done",
		zap.Int("batch", c.Batch.Index),
		zap.Int("items", len(c.Items)),
		zap.Int("ads", len(records)),
		zap.Duration("dur", c.Duration),
	)
	return false
}

// collect normalizes items, attributes each to a keyword and deduplicates
// within the call. counts holds the number of unique records per keyword.
// Items without a source id get ids scoped to the sub-batch so they do not
// collide across calls.
func collect(items []ads.RawItem, batch ads.SubBatch) ([]ads.Ad, map[string]int) {
	kws := batch.Keywords
	byID := make(map[string]int, len(items))
	records := make([]ads.Ad, 0, len(items))
	for i, raw := range items {
		ad := normalize.NormalizeWithID(raw, fmt.Sprintf("%s%d-%d", normalize.GeneratedIDPrefix, batch.Index, i))
		ad.OriginalKeyword = normalize.Attribute(raw, kws)
		if pos, ok := byID[ad.ID]; ok {
			records[pos] = ad
			continue
		}
		byID[ad.ID] = len(records)
		records = append(records, ad)
	}
	counts := make(map[string]int, len(kws))
	for _, ad := range records {
		counts[ad.OriginalKeyword]++
	}
	return records, counts
}

// Status maps a result onto the persisted run status.
func Status(res ads.Result) store.RunStatus {
	switch {
	case res.Fatal:
		return store.StatusAborted
	case res.FailedKeywords() > 0:
		return store.StatusCompletedWithFailures
	default:
		return store.StatusCompleted
	}
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
