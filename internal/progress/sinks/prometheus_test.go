package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adlibrary-insight/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms follow a run's events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart, Keywords: 20},
		{RunID: runID, TS: now, Stage: progress.StageRunStart, Keywords: 20},
		{
			RunID: runID, TS: now.Add(time.Second), Stage: progress.StageBatchDone,
			Batch: 0, Keywords: 10, Ads: 7, Result: string(progress.BatchOK), Dur: 2 * time.Second,
		},
		{
			RunID: runID, TS: now.Add(2 * time.Second), Stage: progress.StageBatchDone,
			Batch: 1, Keywords: 10, Result: string(progress.BatchTransient), Dur: time.Second,
		},
		{
			RunID: runID, TS: now.Add(3 * time.Second), Stage: progress.StageRunDone,
			Result: "completed_with_failures", Dur: 3 * time.Second,
		},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 2.0, testutil.ToFloat64(sink.runsStarted), 1e-9)
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.runsRunning), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("completed_with_failures")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.batchCalls.WithLabelValues("ok")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.batchCalls.WithLabelValues("transient")), 1e-9)
	require.InDelta(t, 7.0, testutil.ToFloat64(sink.adsCollected), 1e-9)
	require.Equal(t, 2, testutil.CollectAndCount(sink.batchDuration, "adsearch_subbatch_duration_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runRuntime, "adsearch_run_runtime_seconds"))
}

// TestPrometheusSinkDuplicateRegistration surfaces registry conflicts.
func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.ErrorContains(t, err, "register progress collector")
}
