// Package postgres provides the Postgres-backed history repository.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/adlibrary-insight/internal/ads"
	"github.com/JakeFAU/adlibrary-insight/internal/store"
)

//go:embed schema.sql
var schema string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// pool is the subset of *pgxpool.Pool the store needs; pgxmock satisfies it.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error)
	Ping(context.Context) error
	Close()
}

// HistoryStore implements store.HistoryRepository and store.AdRepository.
type HistoryStore struct {
	pool pool
}

var (
	_ store.HistoryRepository = (*HistoryStore)(nil)
	_ store.AdRepository      = (*HistoryStore)(nil)
)

// NewHistoryStore connects to Postgres and optionally applies the schema.
func NewHistoryStore(ctx context.Context, cfg Config) (*HistoryStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &HistoryStore{pool: p}
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewHistoryStoreWithPool wraps an existing pool (primarily for testing).
func NewHistoryStoreWithPool(p pool) (*HistoryStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &HistoryStore{pool: p}, nil
}

// Migrate creates the tables if they do not exist.
func (s *HistoryStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks the pool can reach the database.
func (s *HistoryStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *HistoryStore) Close() {
	s.pool.Close()
}

// StartRun inserts a running record; a repeated ID is ignored.
func (s *HistoryStore) StartRun(ctx context.Context, run store.RunRecord) error {
	status := run.Status
	if status == "" {
		status = store.StatusRunning
	}
	const query = `
		INSERT INTO search_runs (id, user_id, targets, started_at, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING;`
	if _, err := s.pool.Exec(ctx, query, run.ID, run.UserID, run.Targets, run.StartedAt, status); err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun marks a run terminal.
func (s *HistoryStore) FinishRun(
	ctx context.Context,
	runID uuid.UUID,
	status store.RunStatus,
	finishedAt time.Time,
	counters store.RunCounters,
	reason *string,
) error {
	const query = `
		UPDATE search_runs
		SET finished_at = $1, status = $2, dispatched = $3, failed = $4, ads = $5, reason = $6
		WHERE id = $7;`
	tag, err := s.pool.Exec(ctx, query, finishedAt, status,
		counters.Dispatched, counters.Failed, counters.Ads, reason, runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish run %s: %w", runID, store.ErrNotFound)
	}
	return nil
}

const runColumns = `id, user_id, targets, started_at, finished_at, status, dispatched, failed, ads, reason`

func scanRun(row pgx.Row) (store.RunRecord, error) {
	var run store.RunRecord
	err := row.Scan(
		&run.ID,
		&run.UserID,
		&run.Targets,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.Dispatched,
		&run.Failed,
		&run.Ads,
		&run.Reason,
	)
	return run, err
}

// GetRun loads one run.
func (s *HistoryStore) GetRun(ctx context.Context, runID uuid.UUID) (store.RunRecord, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM search_runs WHERE id = $1;`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.RunRecord{}, store.ErrNotFound
		}
		return store.RunRecord{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *HistoryStore) ListRuns(ctx context.Context, limit, offset int) ([]store.RunRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM search_runs ORDER BY started_at DESC LIMIT $1 OFFSET $2;`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []store.RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// SaveSearchLog inserts one log line.
func (s *HistoryStore) SaveSearchLog(ctx context.Context, entry store.SearchLog) error {
	filters, err := json.Marshal(entry.Filters)
	if err != nil {
		return fmt.Errorf("encode filters: %w", err)
	}
	const query = `
		INSERT INTO search_logs (id, user_id, keywords, filters, result_count, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING;`
	_, err = s.pool.Exec(ctx, query, entry.ID, entry.UserID, entry.Keywords, filters,
		entry.ResultCount, entry.Status, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert search log: %w", err)
	}
	return nil
}

// ListSearchLogs returns up to limit logs, newest first.
func (s *HistoryStore) ListSearchLogs(ctx context.Context, limit int) ([]store.SearchLog, error) {
	limit = store.ClampLimit(limit, store.MaxSearchLogs, store.MaxSearchLogs)
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, keywords, filters, result_count, status, created_at
		FROM search_logs ORDER BY created_at DESC LIMIT $1;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list search logs: %w", err)
	}
	defer rows.Close()

	logs := []store.SearchLog{}
	for rows.Next() {
		var entry store.SearchLog
		var filters []byte
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Keywords, &filters,
			&entry.ResultCount, &entry.Status, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan search log row: %w", err)
		}
		if err := json.Unmarshal(filters, &entry.Filters); err != nil {
			return nil, fmt.Errorf("decode filters: %w", err)
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search logs: %w", err)
	}
	return logs, nil
}

// ClearSearchLogs removes every log line.
func (s *HistoryStore) ClearSearchLogs(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM search_logs;`); err != nil {
		return fmt.Errorf("clear search logs: %w", err)
	}
	return nil
}

// SaveHistory upserts the keyword for userID and trims the list in one transaction.
func (s *HistoryStore) SaveHistory(ctx context.Context, userID string, item store.HistoryItem) error {
	keyword := strings.TrimSpace(item.Keyword)
	if keyword == "" {
		return nil
	}
	filters, err := json.Marshal(item.Filters)
	if err != nil {
		return fmt.Errorf("encode filters: %w", err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	if err := saveHistoryTx(ctx, tx, userID, keyword, filters, item.SearchedAt); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit history: %w", err)
	}
	return nil
}

func saveHistoryTx(ctx context.Context, tx pgx.Tx, userID, keyword string, filters []byte, at time.Time) error {
	const upsert = `
		INSERT INTO search_history (user_id, keyword_key, keyword, filters, searched_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, keyword_key) DO UPDATE
		SET keyword = EXCLUDED.keyword, filters = EXCLUDED.filters, searched_at = EXCLUDED.searched_at;`
	if _, err := tx.Exec(ctx, upsert, userID, strings.ToLower(keyword), keyword, filters, at); err != nil {
		return fmt.Errorf("upsert history: %w", err)
	}
	const trim = `
		DELETE FROM search_history
		WHERE user_id = $1 AND keyword_key NOT IN (
			SELECT keyword_key FROM search_history WHERE user_id = $1
			ORDER BY searched_at DESC LIMIT $2
		);`
	if _, err := tx.Exec(ctx, trim, userID, store.MaxHistoryItems); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	return nil
}

// ListHistory returns the user's recent searches.
func (s *HistoryStore) ListHistory(ctx context.Context, userID string) ([]store.HistoryItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT keyword, filters, searched_at FROM search_history
		WHERE user_id = $1 ORDER BY searched_at DESC LIMIT $2;`, userID, store.MaxHistoryItems)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	items := []store.HistoryItem{}
	for rows.Next() {
		var item store.HistoryItem
		var filters []byte
		if err := rows.Scan(&item.Keyword, &filters, &item.SearchedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if err := json.Unmarshal(filters, &item.Filters); err != nil {
			return nil, fmt.Errorf("decode filters: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return items, nil
}

// SaveAds bulk-copies a run's final ads.
func (s *HistoryStore) SaveAds(ctx context.Context, runID uuid.UUID, list []ads.Ad) error {
	if len(list) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(list))
	for _, ad := range list {
		payload, err := json.Marshal(ad)
		if err != nil {
			return fmt.Errorf("encode ad %s: %w", ad.ID, err)
		}
		rows = append(rows, []any{runID, ad.ID, ad.AdvertiserName, ad.OriginalKeyword, payload})
	}
	n, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"run_ads"},
		[]string{"run_id", "ad_id", "advertiser", "keyword", "payload"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy ads for run %s: %w", runID, err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("copy ads for run %s: wrote %d of %d rows", runID, n, len(rows))
	}
	return nil
}
