package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-insight/internal/middleware"
	"github.com/JakeFAU/adlibrary-insight/internal/store"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	defaultLogLimit = 100
	maxLogLimit     = store.MaxSearchLogs
	historyTimeout  = 3 * time.Second
)

// HistoryHandler exposes persisted runs, search logs and recent searches.
type HistoryHandler struct {
	repo    store.HistoryRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewHistoryHandler wires the repository and logger.
func NewHistoryHandler(repo store.HistoryRepository, logger *zap.Logger) *HistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryHandler{
		repo:    repo,
		timeout: historyTimeout,
		logger:  logger,
	}
}

// ListRuns handles GET /v1/history/runs?limit=&offset=. It returns
// {"runs": [...]}, 400 for invalid paging, 503 without a repository, or 500.
func (h *HistoryHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "history repository unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.repo.ListRuns(ctx, limit, offset)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": toRunDTOs(runs)})
}

// GetRun handles GET /v1/history/runs/{run_id}. It returns {"run": {...}},
// 400 for malformed IDs, 404 when the repository reports store.ErrNotFound,
// 503 without a repository, or 500 otherwise.
func (h *HistoryHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "history repository unavailable")
		return
	}
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

// ListLogs handles GET /v1/history/logs?limit=.
func (h *HistoryHandler) ListLogs(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "history repository unavailable")
		return
	}
	limit, _, err := parseLimitOffset(r, defaultLogLimit, maxLogLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	logs, err := h.repo.ListSearchLogs(ctx, limit)
	if err != nil {
		h.logger.Error("list search logs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list search logs")
		return
	}
	if logs == nil {
		logs = []store.SearchLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// ClearLogs handles DELETE /v1/history/logs.
func (h *HistoryHandler) ClearLogs(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "history repository unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.repo.ClearSearchLogs(ctx); err != nil {
		h.logger.Error("clear search logs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to clear search logs")
		return
	}
	h.logger.Info("search logs cleared", zap.String("user_id", middleware.UserFrom(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

// ListSearches handles GET /v1/history/searches for the calling user.
func (h *HistoryHandler) ListSearches(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "history repository unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	items, err := h.repo.ListHistory(ctx, middleware.UserFrom(r.Context()))
	if err != nil {
		h.logger.Error("list history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list recent searches")
		return
	}
	if items == nil {
		items = []store.HistoryItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"searches": items})
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "run_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("run_id is required")
	}
	runID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid run_id")
	}
	return runID, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = store.ClampLimit(val, def, maxLimit)
	}
	offset := 0
	if offStr := strings.TrimSpace(q.Get("offset")); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func toRunDTOs(in []store.RunRecord) []runDTO {
	out := make([]runDTO, 0, len(in))
	for _, run := range in {
		out = append(out, toRunDTO(run))
	}
	return out
}

func toRunDTO(run store.RunRecord) runDTO {
	return runDTO{
		ID:         run.ID.String(),
		UserID:     run.UserID,
		Targets:    run.Targets,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		Dispatched: run.Dispatched,
		Failed:     run.Failed,
		Ads:        run.Ads,
		Reason:     run.Reason,
	}
}

type runDTO struct {
	ID         string     `json:"run_id"`
	UserID     string     `json:"user_id"`
	Targets    int        `json:"targets"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Dispatched int        `json:"dispatched"`
	Failed     int        `json:"failed"`
	Ads        int        `json:"ads"`
	Reason     *string    `json:"reason,omitempty"`
}
