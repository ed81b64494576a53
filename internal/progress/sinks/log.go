package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-insight/internal/progress"
)

// LogSink writes one structured line per event. Sub-batch events are logged at
// debug level unless they failed.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.Int("keywords", evt.Keywords),
			zap.Int("ads", evt.Ads),
			zap.Duration("dur", evt.Dur),
		}
		switch evt.Stage {
		case progress.StageRunStart:
			s.logger.Info("run started", append(fields, zap.String("caller", evt.Caller))...)
		case progress.StageBatchDone:
			fields = append(fields, zap.Int("batch", evt.Batch), zap.String("result", evt.Result))
			if evt.Result == string(progress.BatchOK) {
				s.logger.Debug("sub-batch done", fields...)
				continue
			}
			s.logger.Warn("sub-batch failed", append(fields, zap.String("note", evt.Note))...)
		case progress.StageRunDone:
			s.logger.Info("run finished",
				append(fields, zap.String("status", evt.Result), zap.Int("failed", evt.Failed))...)
		case progress.StageRunAborted:
			s.logger.Warn("run aborted",
				append(fields, zap.Int("failed", evt.Failed), zap.String("reason", evt.Note))...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
