// Package store defines the persistence contracts for run history, search logs
// and per-user recent searches. Implementations live under internal/storage;
// this package must not import database drivers or concrete clients.
package store
