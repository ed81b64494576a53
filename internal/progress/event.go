// Package progress defines the run lifecycle events emitted by the batch engine.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart   Stage = "RUN_START"
	StageBatchDone  Stage = "BATCH_DONE"
	StageRunDone    Stage = "RUN_DONE"
	StageRunAborted Stage = "RUN_ABORTED"
)

// BatchResult classifies one finished sub-batch call.
type BatchResult string

// Sub-batch results carried on BATCH_DONE events.
const (
	BatchOK        BatchResult = "ok"
	BatchTransient BatchResult = "transient"
	BatchFatal     BatchResult = "fatal"
)

// Event captures a single milestone of a batch run.
type Event struct {
	// RunID is the 16-byte form of the run UUID.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Caller identifies who started the run (RUN_START only).
	Caller string
	// Batch is the zero-based sub-batch index (BATCH_DONE only).
	Batch int
	// Keywords is the sub-batch size on BATCH_DONE, the target total on
	// RUN_START, and the dispatched total on RUN_DONE/RUN_ABORTED.
	Keywords int
	// Ads is the attributed record count on BATCH_DONE and the deduplicated
	// total on terminal events.
	Ads int
	// Failed counts keywords whose sub-batch errored.
	Failed int
	// Result is the sub-batch class on BATCH_DONE and the run status on
	// terminal events.
	Result string
	// Dur is the call latency on BATCH_DONE and the run wall time on terminal events.
	Dur time.Duration
	// Note carries the failure reason, if any.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunAborted:
	case StageBatchDone:
		if e.Batch < 0 {
			return errors.New("batch done requires a batch index")
		}
		if e.Result == "" {
			return errors.New("batch done requires a result")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event ends a run.
func (e Event) Terminal() bool {
	return e.Stage == StageRunDone || e.Stage == StageRunAborted
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
