// Package sqlite persists run history in a single-file SQLite database using
// the cgo-free modernc driver. It suits the CLI and single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/adlibrary-insight/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS search_runs (
	id          TEXT PRIMARY KEY,
	user_id     TEXT    NOT NULL,
	targets     INTEGER NOT NULL DEFAULT 0,
	started_at  TEXT    NOT NULL,
	finished_at TEXT,
	status      TEXT    NOT NULL,
	dispatched  INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	ads         INTEGER NOT NULL DEFAULT 0,
	reason      TEXT
);
CREATE TABLE IF NOT EXISTS search_logs (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT    NOT NULL UNIQUE,
	user_id      TEXT    NOT NULL,
	keywords     TEXT    NOT NULL,
	filters      TEXT    NOT NULL,
	result_count INTEGER NOT NULL,
	status       TEXT    NOT NULL,
	created_at   TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS search_history (
	user_id     TEXT NOT NULL,
	keyword_key TEXT NOT NULL,
	keyword     TEXT NOT NULL,
	filters     TEXT NOT NULL,
	searched_at TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	PRIMARY KEY (user_id, keyword_key)
);`

// Config controls the SQLite database.
type Config struct {
	// Path is a file path or ":memory:".
	Path string `mapstructure:"path"`
}

// HistoryStore implements store.HistoryRepository on SQLite.
type HistoryStore struct {
	db *sql.DB
}

var _ store.HistoryRepository = (*HistoryStore)(nil)

// Open opens (creating if needed) the database and applies the schema.
func Open(ctx context.Context, cfg Config) (*HistoryStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:" coherent.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA busy_timeout = 5000;", "PRAGMA foreign_keys = ON;"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure sqlite: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &HistoryStore{db: db}, nil
}

// Ping checks the database file is usable.
func (s *HistoryStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t, nil
}

// StartRun inserts a running record; a repeated ID is ignored.
func (s *HistoryStore) StartRun(ctx context.Context, run store.RunRecord) error {
	status := run.Status
	if status == "" {
		status = store.StatusRunning
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO search_runs (id, user_id, targets, started_at, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING;`,
		run.ID.String(), run.UserID, run.Targets, formatTime(run.StartedAt), string(status))
	if err != nil {
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
	res, err := s.db.ExecContext(ctx, `
		UPDATE search_runs
		SET finished_at = ?, status = ?, dispatched = ?, failed = ?, ads = ?, reason = ?
		WHERE id = ?;`,
		formatTime(finishedAt), string(status), counters.Dispatched, counters.Failed, counters.Ads,
		reason, runID.String())
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, store.ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (store.RunRecord, error) {
	var (
		run      store.RunRecord
		id       string
		started  string
		finished sql.NullString
		status   string
		reason   sql.NullString
	)
	if err := row.Scan(&id, &run.UserID, &run.Targets, &started, &finished, &status,
		&run.Dispatched, &run.Failed, &run.Ads, &reason); err != nil {
		return store.RunRecord{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return store.RunRecord{}, fmt.Errorf("parse run id %q: %w", id, err)
	}
	run.ID = parsed
	run.Status = store.RunStatus(status)
	if run.StartedAt, err = parseTime(started); err != nil {
		return store.RunRecord{}, err
	}
	if finished.Valid {
		t, err := parseTime(finished.String)
		if err != nil {
			return store.RunRecord{}, err
		}
		run.FinishedAt = &t
	}
	if reason.Valid {
		r := reason.String
		run.Reason = &r
	}
	return run, nil
}

const runColumns = `id, user_id, targets, started_at, finished_at, status, dispatched, failed, ads, reason`

// GetRun loads one run.
func (s *HistoryStore) GetRun(ctx context.Context, runID uuid.UUID) (store.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM search_runs WHERE id = ?;`, runID.String())
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.RunRecord{}, store.ErrNotFound
		}
		return store.RunRecord{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *HistoryStore) ListRuns(ctx context.Context, limit, offset int) ([]store.RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM search_runs ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?;`,
		limit, max(offset, 0))
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

// SaveSearchLog inserts a log line and trims to store.MaxSearchLogs.
func (s *HistoryStore) SaveSearchLog(ctx context.Context, entry store.SearchLog) error {
	filters, err := json.Marshal(entry.Filters)
	if err != nil {
		return fmt.Errorf("encode filters: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin search log tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO search_logs (id, user_id, keywords, filters, result_count, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING;`,
		entry.ID, entry.UserID, entry.Keywords, string(filters), entry.ResultCount,
		string(entry.Status), formatTime(entry.CreatedAt)); err != nil {
		return fmt.Errorf("insert search log: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM search_logs WHERE seq NOT IN (
			SELECT seq FROM search_logs ORDER BY seq DESC LIMIT ?
		);`, store.MaxSearchLogs); err != nil {
		return fmt.Errorf("trim search logs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit search log: %w", err)
	}
	return nil
}

// ListSearchLogs returns up to limit logs, newest first.
func (s *HistoryStore) ListSearchLogs(ctx context.Context, limit int) ([]store.SearchLog, error) {
	limit = store.ClampLimit(limit, store.MaxSearchLogs, store.MaxSearchLogs)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, keywords, filters, result_count, status, created_at
		FROM search_logs ORDER BY seq DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list search logs: %w", err)
	}
	defer rows.Close()

	logs := []store.SearchLog{}
	for rows.Next() {
		var (
			entry   store.SearchLog
			filters string
			status  string
			created string
		)
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Keywords, &filters,
			&entry.ResultCount, &status, &created); err != nil {
			return nil, fmt.Errorf("scan search log row: %w", err)
		}
		if err := json.Unmarshal([]byte(filters), &entry.Filters); err != nil {
			return nil, fmt.Errorf("decode filters: %w", err)
		}
		entry.Status = store.RunStatus(status)
		if entry.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
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
	if _, err := s.db.ExecContext(ctx, `DELETE FROM search_logs;`); err != nil {
		return fmt.Errorf("clear search logs: %w", err)
	}
	return nil
}

// SaveHistory bumps the keyword to the top of the user's list and trims it.
func (s *HistoryStore) SaveHistory(ctx context.Context, userID string, item store.HistoryItem) error {
	keyword := strings.TrimSpace(item.Keyword)
	if keyword == "" {
		return nil
	}
	filters, err := json.Marshal(item.Filters)
	if err != nil {
		return fmt.Errorf("encode filters: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO search_history (user_id, keyword_key, keyword, filters, searched_at, seq)
		VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM search_history WHERE user_id = ?))
		ON CONFLICT (user_id, keyword_key) DO UPDATE
		SET keyword = excluded.keyword, filters = excluded.filters,
			searched_at = excluded.searched_at, seq = excluded.seq;`,
		userID, strings.ToLower(keyword), keyword, string(filters), formatTime(item.SearchedAt), userID); err != nil {
		return fmt.Errorf("upsert history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM search_history
		WHERE user_id = ? AND keyword_key NOT IN (
			SELECT keyword_key FROM search_history WHERE user_id = ? ORDER BY seq DESC LIMIT ?
		);`, userID, userID, store.MaxHistoryItems); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history: %w", err)
	}
	return nil
}

// ListHistory returns the user's recent searches, most recent first.
func (s *HistoryStore) ListHistory(ctx context.Context, userID string) ([]store.HistoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT keyword, filters, searched_at FROM search_history
		WHERE user_id = ? ORDER BY seq DESC LIMIT ?;`, userID, store.MaxHistoryItems)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	items := []store.HistoryItem{}
	for rows.Next() {
		var (
			item     store.HistoryItem
			filters  string
			searched string
		)
		if err := rows.Scan(&item.Keyword, &filters, &searched); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if err := json.Unmarshal([]byte(filters), &item.Filters); err != nil {
			return nil, fmt.Errorf("decode filters: %w", err)
		}
		if item.SearchedAt, err = parseTime(searched); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return items, nil
}
