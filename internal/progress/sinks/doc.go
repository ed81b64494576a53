// Package sinks implements concrete progress consumers: Prometheus collectors,
// the run history repository, and structured logging. Each satisfies
// progress.Sink.
package sinks
