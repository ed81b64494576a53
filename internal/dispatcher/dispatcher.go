// Package dispatcher runs sub-batch calls under a rolling concurrency window.
//
// A single coordinating goroutine owns every launch decision. It starts calls
// while fewer than the configured number are in flight, then blocks until any
// one of them completes, hands that completion to the caller's handler, and
// only then considers launching more. A handler may request a stop; from that
// point no new call is launched, but calls already in flight run to completion
// and are still handed to the handler.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-insight/internal/ads"
)

// CallFunc performs the external call for one sub-batch.
type CallFunc func(ctx context.Context, batch ads.SubBatch) ([]ads.RawItem, error)

// Completion is the result of one finished call.
type Completion struct {
	Batch    ads.SubBatch
	Items    []ads.RawItem
	Err      error
	Started  time.Time
	Duration time.Duration
}

// HandleFunc consumes a completion on the coordinating goroutine. Returning
// true stops further launches.
type HandleFunc func(c Completion) (stop bool)

// Summary reports what a Run did.
type Summary struct {
	Launched  int
	Completed int
	Stopped   bool
}

// Dispatcher is stateless between runs and safe to share.
type Dispatcher struct {
	logger *zap.Logger
}

// New creates a Dispatcher.
func New(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{logger: logger}
}

// Run dispatches batches in order and returns once every launched call has
// completed and been handled. concurrency is clamped to [1, len(batches)].
// Cancelling ctx stops new launches the same way a handler stop does.
func (d *Dispatcher) Run(
	ctx context.Context,
	batches []ads.SubBatch,
	concurrency int,
	call CallFunc,
	handle HandleFunc,
) Summary {
	var sum Summary
	if len(batches) == 0 {
		return sum
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > len(batches) {
		concurrency = len(batches)
	}

	// Buffered to the window size so finished calls never block on send.
	results := make(chan Completion, concurrency)
	active, next := 0, 0
	for {
		for !sum.Stopped && active < concurrency && next < len(batches) {
			if err := ctx.Err(); err != nil {
				sum.Stopped = true
				d.logger.Info("dispatch stopped by context", zap.Error(err), zap.Int("launched", sum.Launched))
				break
			}
			batch := batches[next]
			next++
			active++
			sum.Launched++
			go d.invoke(ctx, batch, call, results)
		}
		if active == 0 {
			return sum
		}

		c := <-results
		active--
		sum.Completed++
		if handle != nil && handle(c) && !sum.Stopped {
			sum.Stopped = true
			d.logger.Info("dispatch stop requested",
				zap.Int("batch", c.Batch.Index),
				zap.Int("in_flight", active),
				zap.Int("not_launched", len(batches)-next),
			)
		}
	}
}

func (d *Dispatcher) invoke(ctx context.Context, batch ads.SubBatch, call CallFunc, out chan<- Completion) {
	started := time.Now()
	c := Completion{Batch: batch, Started: started}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("sub-batch call panicked", zap.Int("batch", batch.Index), zap.Any("panic", r))
			c.Items = nil
			c.Err = fmt.Errorf("sub-batch %d panicked: %v", batch.Index, r)
		}
		c.Duration = time.Since(started)
		out <- c
	}()
	c.Items, c.Err = call(ctx, batch)
}
