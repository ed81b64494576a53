package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/adlibrary-insight/internal/progress"
)

// PrometheusSink exports run and sub-batch metrics derived from progress events.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	batchCalls    *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	adsCollected  prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adsearch_runs_started_total",
			Help: "Total batch runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adsearch_runs_completed_total",
			Help: "Total batch runs finished, partitioned by final status.",
		}, []string{"status"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adsearch_runs_running",
			Help: "Current number of running batch runs.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "adsearch_run_runtime_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"status"}),
		batchCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adsearch_subbatch_calls_total",
			Help: "Sub-batch search calls partitioned by result.",
		}, []string{"result"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "adsearch_subbatch_duration_seconds",
			Help:    "Sub-batch call latency partitioned by result.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 120},
		}, []string{"result"}),
		adsCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adsearch_ads_collected_total",
			Help: "Ad records returned by successful sub-batches before deduplication.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.batchCalls,
		s.batchDuration,
		s.adsCollected,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
			if s.tracker.start(evt.RunID) {
				s.runsRunning.Inc()
			}
		case progress.StageBatchDone:
			s.batchCalls.WithLabelValues(evt.Result).Inc()
			if evt.Dur > 0 {
				s.batchDuration.WithLabelValues(evt.Result).Observe(evt.Dur.Seconds())
			}
			if evt.Ads > 0 {
				s.adsCollected.Add(float64(evt.Ads))
			}
		case progress.StageRunDone, progress.StageRunAborted:
			status := evt.Result
			if status == "" {
				status = "unknown"
			}
			s.runsCompleted.WithLabelValues(status).Inc()
			if evt.Dur > 0 {
				s.runRuntime.WithLabelValues(status).Observe(evt.Dur.Seconds())
			}
			if s.tracker.complete(evt.RunID) {
				s.runsRunning.Dec()
			}
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
