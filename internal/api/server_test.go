package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-insight/internal/ads"
	"github.com/JakeFAU/adlibrary-insight/internal/engine"
	"github.com/JakeFAU/adlibrary-insight/internal/id/uuid"
	"github.com/JakeFAU/adlibrary-insight/internal/middleware"
	pubmemory "github.com/JakeFAU/adlibrary-insight/internal/publisher/memory"
	"github.com/JakeFAU/adlibrary-insight/internal/runs"
	"github.com/JakeFAU/adlibrary-insight/internal/storage/memory"
	"github.com/JakeFAU/adlibrary-insight/internal/store"
)

type fakeSearcher struct {
	gate chan struct{}
}

func (f *fakeSearcher) Search(ctx context.Context, _ string, kws []string, _ ads.SearchFilters) ([]ads.RawItem, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	items := make([]ads.RawItem, 0, len(kws))
	for _, kw := range kws {
		items = append(items, ads.RawItem{
			"ad_archive_id": "ad-" + kw,
			"page_name":     "Page " + kw,
			"text":          "hola " + kw,
		})
	}
	return items, nil
}

type echoTranslator struct{}

func (echoTranslator) Translate(_ context.Context, texts []string, target string) ([]string, error) {
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = "[" + target + "] " + t
	}
	return out, nil
}

type testEnv struct {
	server  *Server
	manager *runs.Manager
	history *memory.HistoryStore
}

func newTestEnv(t *testing.T, searcher ads.Searcher, translator ads.Translator, opts Options) testEnv {
	t.Helper()
	ids := uuid.New()
	history := memory.NewHistoryStore()
	mgr, err := runs.NewManager(runs.Deps{
		Engine:     engine.New(searcher, nil, nil, ids, nil),
		IDs:        ids,
		History:    history,
		Blobs:      memory.NewBlobStore(),
		Publisher:  pubmemory.New(),
		Translator: translator,
	}, runs.Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, mgr.Shutdown(ctx))
	})
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DefaultCredential == "" {
		opts.DefaultCredential = "server-token"
	}
	return testEnv{
		server:  NewServer(mgr, history, opts),
		manager: mgr,
		history: history,
	}
}

func (e testEnv) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e testEnv) startAndWait(t *testing.T, body string) runs.View {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/runs", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	runID, err := uuid.Parse(resp.RunID)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	view, err := e.manager.Wait(ctx, runID)
	require.NoError(t, err)
	return view
}

const twoKeywords = `{"keywords":"nike, adidas","group_size":10,"start_group":1,"group_count":1,"concurrency":2}`

// TestHealthz reports liveness without touching dependencies.
func TestHealthz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeSearcher{}, nil, Options{})
	rec := env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get(middleware.HeaderRequestID))
}

// TestReadyzReflectsCheck surfaces readiness failures as 503.
func TestReadyzReflectsCheck(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeSearcher{}, nil, Options{
		Ready: func(context.Context) error { return errors.New("db down") },
	})
	rec := env.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// TestStartRunCompletes starts a run over HTTP and reads it back.
func TestStartRunCompletes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeSearcher{}, nil, Options{})
	view := env.startAndWait(t, twoKeywords)
	require.Equal(t, store.StatusCompleted, view.Status)
	require.Equal(t, 2, view.AdCount)

	rec := env.do(t, http.MethodGet, "/v1/runs/"+view.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got runs.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, view.ID, got.ID)
	require.Len(t, got.Ads, 2)

	rec = env.do(t, http.MethodGet, "/v1/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), view.ID)
}

// TestStartRunUsesCallerIdentity records the X-User-ID on the run.
func TestStartRunUsesCallerIdentity(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeSearcher{}, nil, Options{})
	rec := env.do(t, http.MethodPost, "/v1/runs",
		`{"keywords":"nike","group_size":10,"start_group":1,"group_count":1,"concurrency":1}`,
		middleware.HeaderUserID, "alice")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), `"run_id"`)

	require.Eventually(t, func() bool {
		items, err := env.history.ListHistory(context.Background(), "alice")
		return err == nil && len(items) == 1
	}, 5*time.Second, 10*time.Millisecond)

	rec = env.do(t, http.MethodGet, "/v1/history/searches", "", middleware.HeaderUserID, "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "nike")
}

// TestStartRunValidation maps invalid requests to 400.
func TestStartRunValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeSearcher{}, nil, Options{})
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad json", "{", "invalid JSON"},
		{"empty keywords", `{"keywords":" , ","group_size":10,"start_group":1,"group_count":1,"concurrency":1}`, engine.ErrEmptyKeywords.Error()},
		{"bad window", `{"keywords":"a","group_size":0,"start_group":1,"group_count":1,"concurrency":1}`, engine.ErrInvalidWindow.Error()},
		{"no targets", `{"keywords":"a","group_size":1,"start_group":5,"group_count":1,"concurrency":1}`, engine.ErrNoTargets.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := env.do(t, http.MethodPost, "/v1/runs", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

// TestStartRunConflict rejects a second run while one is active.
func TestStartRunConflict(t *testing.T) {
	t.Parallel()

	searcher := &fakeSearcher{gate: make(chan struct{})}
	env := newTestEnv(t, searcher, nil, Options{})
	rec := env.do(t, http.MethodPost, "/v1/runs", twoKeywords)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/runs", twoKeywords)
	require.Equal(t, http.StatusConflict, rec.Code)
	close(searcher.gate)
}

// TestGetRunErrors covers malformed and unknown run IDs.
func TestGetRunErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeSearcher{}, nil, Options{})
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/runs/not-a-uuid", "").Code)
	unknownID, err := uuid.New().NewID()
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/runs/"+unknownID, "").Code)
}

// TestStreamRunEmitsDone replays a finished run as a single done event.
func TestStreamRunEmitsDone(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeSearcher{}, nil, Options{})
	view := env.startAndWait(t, twoKeywords)

	ts := httptest.NewServer(env.server.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/v1/runs/" + view.ID + "/stream")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, name)
		}
	}
	require.NotEmpty(t, events)
	require.Equal(t, "done", events[len(events)-1])
}

// TestTranslateRun translates the finished run's ads.
func TestTranslateRun(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeSearcher{}, echoTranslator{}, Options{})
	view := env.startAndWait(t, twoKeywords)

	rec := env.do(t, http.MethodPost, "/v1/runs/"+view.ID+"/translate", `{"target":"en"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report runs.TranslateReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, 2, report.Translated)

	rec = env.do(t, http.MethodGet, "/v1/runs/"+view.ID, "")
	require.Contains(t, rec.Body.String(), "[en] hola nike")
}

// TestTranslateWithoutTranslator reports the feature as unavailable.
func TestTranslateWithoutTranslator(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeSearcher{}, nil, Options{})
	view := env.startAndWait(t, twoKeywords)
	rec := env.do(t, http.MethodPost, "/v1/runs/"+view.ID+"/translate", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// TestRunAnalytics returns the report for a finished run.
func TestRunAnalytics(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeSearcher{}, nil, Options{})
	view := env.startAndWait(t, twoKeywords)
	rec := env.do(t, http.MethodGet, "/v1/runs/"+view.ID+"/analytics?keyword=nike", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, json.Valid(rec.Body.Bytes()))
}

// TestPreviewKeywords reports the window without starting a run.
func TestPreviewKeywords(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeSearcher{}, nil, Options{SubBatchSize: 2})
	var kws []string
	for i := range 25 {
		kws = append(kws, fmt.Sprintf("kw%d", i))
	}
	body, err := json.Marshal(map[string]any{
		"keywords":    strings.Join(kws, "\n"),
		"group_size":  10,
		"start_group": 2,
		"group_count": 2,
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/v1/keywords/preview", string(body))
	require.Equal(t, http.StatusOK, rec.Code)
	var got previewResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, previewResponse{
		Parsed: 25, TotalGroups: 3, First: 11, Last: 25, Targets: 15, SubBatches: 8,
	}, got)

	_, active := env.manager.Active()
	require.False(t, active)
}

// TestPreviewKeywordsRejectsBadWindow requires a positive group size.
func TestPreviewKeywordsRejectsBadWindow(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeSearcher{}, nil, Options{})
	rec := env.do(t, http.MethodPost, "/v1/keywords/preview", `{"keywords":"a","group_size":0}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestPreviewKeywordsHugeWindow clamps near-MaxInt grouping values.
func TestPreviewKeywordsHugeWindow(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeSearcher{}, nil, Options{})
	body := fmt.Sprintf(`{"keywords":"a b c","group_size":%d,"start_group":1,"group_count":3}`, math.MaxInt/2+1)
	rec := env.do(t, http.MethodPost, "/v1/keywords/preview", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var got previewResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, previewResponse{Parsed: 3, TotalGroups: 1, First: 1, Last: 3, Targets: 3, SubBatches: 1}, got)
}

// TestAPIKeyGuardsRoutes leaves probes open and rejects missing keys.
func TestAPIKeyGuardsRoutes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeSearcher{}, nil, Options{AuthEnabled: true, APIKey: "secret"})
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/v1/runs", "").Code)
	require.Equal(t, http.StatusOK,
		env.do(t, http.MethodGet, "/v1/runs", "", middleware.HeaderAPIKey, "secret").Code)
}

// TestHistoryLogs lists and clears persisted search logs.
func TestHistoryLogs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeSearcher{}, nil, Options{})
	env.startAndWait(t, twoKeywords)

	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/v1/history/logs", "")
		return rec.Code == http.StatusOK && bytes.Contains(rec.Body.Bytes(), []byte("nike, adidas"))
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/v1/history/logs", "").Code)
	rec := env.do(t, http.MethodGet, "/v1/history/logs", "")
	require.NotContains(t, rec.Body.String(), "nike, adidas")
}
