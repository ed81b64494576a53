package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestHubFlushesWhenBatchFull verifies a full batch is flushed without waiting for the timer.
func TestHubFlushesWhenBatchFull(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(StageRunStart)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubFlushesAfterWait verifies a small batch is flushed once MaxBatchWait elapses.
func TestHubFlushesAfterWait(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   20 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageRunStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(1), hub.Stats().Flushes)
}

// TestHubEmitNeverBlocks asserts Emit returns immediately when nobody drains the channel.
func TestHubEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{}.withDefaults(),
		events: make(chan Event),
	}
	start := time.Now()
	hub.Emit(sampleEvent(StageRunStart))
	hub.Emit(sampleEvent(StageRunStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(2), hub.Stats().Dropped)
}

// TestHubDiscardsInvalidEvents drops events that fail validation.
func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)
	hub.Emit(Event{Stage: StageRunStart})
	hub.Emit(Event{RunID: sampleEvent(StageRunStart).RunID, TS: time.Now(), Stage: StageBatchDone})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
	require.Zero(t, hub.Stats().Accepted)
}

// TestHubFlushOnClose ensures Close drains buffered events and closes sinks.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleEvent(StageRunStart))
	hub.Emit(sampleEvent(StageRunDone))

	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 2)
	require.True(t, sink.Closed())

	hub.Emit(sampleEvent(StageRunStart))
	require.Equal(t, int64(2), hub.Stats().Accepted)
}

// TestHubContinuesAfterSinkError keeps feeding other sinks when one fails.
func TestHubContinuesAfterSinkError(t *testing.T) {
	t.Parallel()

	good := newStubSink()
	bad := newStubSink()
	bad.err = errors.New("down")
	hub := NewHub(Config{MaxBatchEvents: 1, Logger: zap.NewNop()}, bad, nil, good)

	hub.Emit(sampleEvent(StageRunStart))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, good.Batches(), 1)
}

// TestEventValidate covers stage-specific requirements.
func TestEventValidate(t *testing.T) {
	t.Parallel()

	base := sampleEvent(StageBatchDone)
	base.Result = string(BatchOK)
	require.NoError(t, base.Validate())

	missing := base
	missing.Result = ""
	require.Error(t, missing.Validate())

	unknown := base
	unknown.Stage = "NOPE"
	require.ErrorContains(t, unknown.Validate(), "unknown stage")

	negative := base
	negative.Dur = -time.Second
	require.Error(t, negative.Validate())

	require.True(t, sampleEvent(StageRunAborted).Terminal())
	require.False(t, sampleEvent(StageRunStart).Terminal())
}

// TestFanoutForwardsToAll checks the emitter helpers.
func TestFanoutForwardsToAll(t *testing.T) {
	t.Parallel()

	var got []Stage
	rec := EmitterFunc(func(e Event) { got = append(got, e.Stage) })
	Fanout{rec, nil, Nop{}, rec}.Emit(sampleEvent(StageRunDone))
	require.Equal(t, []Stage{StageRunDone, StageRunDone}, got)
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
	err     error
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	return Event{
		RunID: UUIDToBytes(uuid.New()),
		TS:    time.Now(),
		Stage: stage,
	}
}
