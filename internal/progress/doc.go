// Package progress provides the event primitives, non-blocking hub, and emitter
// interface the batch engine uses to report run progress. Events are batched on
// a background goroutine and fanned out to sinks such as structured logs,
// Prometheus collectors, or the run history repository.
package progress
