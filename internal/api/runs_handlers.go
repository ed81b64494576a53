package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-insight/internal/ads"
	"github.com/JakeFAU/adlibrary-insight/internal/classify"
	"github.com/JakeFAU/adlibrary-insight/internal/engine"
	"github.com/JakeFAU/adlibrary-insight/internal/keywords"
	"github.com/JakeFAU/adlibrary-insight/internal/metrics"
	"github.com/JakeFAU/adlibrary-insight/internal/middleware"
	"github.com/JakeFAU/adlibrary-insight/internal/runs"
	"github.com/JakeFAU/adlibrary-insight/internal/translate"
)

const maxRequestBody = 4 << 20

type startRunRequest struct {
	Keywords    string            `json:"keywords"`
	GroupSize   int               `json:"group_size"`
	StartGroup  int               `json:"start_group"`
	GroupCount  int               `json:"group_count"`
	Concurrency int               `json:"concurrency"`
	Filters     ads.SearchFilters `json:"filters"`
}

func (req startRunRequest) batch() ads.BatchRequest {
	return ads.BatchRequest{
		RawInput:    req.Keywords,
		GroupSize:   req.GroupSize,
		StartGroup:  req.StartGroup,
		GroupCount:  req.GroupCount,
		Concurrency: req.Concurrency,
		Filters:     req.Filters,
	}
}

type translateRequest struct {
	Target string `json:"target"`
}

type previewResponse struct {
	Parsed      int `json:"parsed"`
	TotalGroups int `json:"total_groups"`
	First       int `json:"first"`
	Last        int `json:"last"`
	Targets     int `json:"targets"`
	SubBatches  int `json:"sub_batches"`
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func (s *Server) caller(r *http.Request) runs.Caller {
	cred := strings.TrimSpace(r.Header.Get(HeaderSearchToken))
	if cred == "" {
		cred = s.opts.DefaultCredential
	}
	return runs.Caller{UserID: middleware.UserFrom(r.Context()), Credential: cred}
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	view, err := s.runs.Start(s.caller(r), req.batch())
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	s.logger.Info("run accepted",
		zap.String("run_id", view.ID),
		zap.String("user_id", view.UserID),
		zap.Int("targets", view.Total),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":      view.ID,
		"status":      view.Status,
		"total":       view.Total,
		"sub_batches": view.SubBatches,
		"concurrency": view.Concurrency,
		"first":       view.First,
		"last":        view.Last,
	})
}

func (s *Server) listRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.runs.List()})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	view, err := s.runs.Get(runID)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// streamRun sends run views as server-sent events until the run is terminal
// or the client goes away.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	views, cancel, err := s.runs.Subscribe(runID)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	defer cancel()
	metrics.IncStreamClients()
	defer metrics.DecStreamClients()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case view, open := <-views:
			if !open {
				return
			}
			event := "progress"
			if view.Terminal() {
				event = "done"
			}
			payload, err := json.Marshal(view)
			if err != nil {
				s.logger.Error("encode stream view failed", zap.Error(err))
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
				return
			}
			flusher.Flush()
			if view.Terminal() {
				return
			}
		}
	}
}

func (s *Server) translateRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req translateRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	report, err := s.runs.Translate(r.Context(), runID, strings.TrimSpace(req.Target))
	if err != nil {
		var quota *translate.QuotaError
		switch {
		case errors.As(err, &quota):
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(time.Until(quota.Until).Seconds())+1))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": err.Error(), "report": report})
		case errors.Is(err, classify.ErrInvalidCredential):
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "report": report})
		default:
			s.writeRunError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) runAnalytics(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.runs.Analytics(runID, strings.TrimSpace(r.URL.Query().Get("keyword")))
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) previewKeywords(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	parsed := keywords.Parse(req.Keywords)
	if req.GroupSize < 1 {
		writeError(w, http.StatusBadRequest, engine.ErrInvalidWindow.Error())
		return
	}
	if req.StartGroup < 1 {
		req.StartGroup = 1
	}
	if req.GroupCount < 1 {
		req.GroupCount = 1
	}
	window := keywords.Window{GroupSize: req.GroupSize, StartGroup: req.StartGroup, GroupCount: req.GroupCount}
	targets := window.Targets(parsed)
	first, last := window.Range(len(parsed))
	if len(targets) == 0 {
		first, last = 0, 0
	}
	writeJSON(w, http.StatusOK, previewResponse{
		Parsed:      len(parsed),
		TotalGroups: keywords.TotalGroups(len(parsed), req.GroupSize),
		First:       first,
		Last:        last,
		Targets:     len(targets),
		SubBatches:  len(keywords.Chunk(targets, s.opts.SubBatchSize)),
	})
}

// writeRunError maps manager and validation errors onto status codes.
func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrEmptyKeywords),
		errors.Is(err, engine.ErrInvalidWindow),
		errors.Is(err, engine.ErrInvalidConcurrency),
		errors.Is(err, engine.ErrNoTargets),
		errors.Is(err, engine.ErrMissingCredential):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, runs.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, runs.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, runs.ErrNoTranslator), errors.Is(err, runs.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("run request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
