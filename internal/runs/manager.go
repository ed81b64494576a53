// Package runs owns the lifecycle of batch search runs inside the service:
// one active run at a time, recent runs kept in memory for reads and
// streaming, and post-run persistence to history, blob export and Pub/Sub.
package runs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-insight/internal/ads"
	"github.com/JakeFAU/adlibrary-insight/internal/aggregate"
	"github.com/JakeFAU/adlibrary-insight/internal/analytics"
	"github.com/JakeFAU/adlibrary-insight/internal/clock/system"
	"github.com/JakeFAU/adlibrary-insight/internal/engine"
	"github.com/JakeFAU/adlibrary-insight/internal/hash/sha256"
	"github.com/JakeFAU/adlibrary-insight/internal/normalize"
	"github.com/JakeFAU/adlibrary-insight/internal/store"
	"github.com/JakeFAU/adlibrary-insight/internal/translate"
)

// Errors returned by Manager.
var (
	ErrRunInProgress = errors.New("a batch run is already in progress")
	ErrNotFound      = errors.New("run not found")
	ErrNoTranslator  = errors.New("translation is not configured")
	ErrShuttingDown  = errors.New("run manager is shutting down")
)

// EventRunCompleted is the type attribute of completion notifications.
const EventRunCompleted = "run.completed"

// Defaults applied by NewManager.
const (
	DefaultRetainRuns     = 20
	DefaultExportPrefix   = "runs"
	DefaultPersistTimeout = 30 * time.Second
)

// Config controls run execution and retention.
type Config struct {
	SubBatchSize   int           `mapstructure:"sub_batch_size"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	RetainRuns     int           `mapstructure:"retain_runs"`
	ExportPrefix   string        `mapstructure:"export_prefix"`
	Topic          string        `mapstructure:"topic"`
	PersistTimeout time.Duration `mapstructure:"persist_timeout"`
	// Translation defaults used by Manager.Translate.
	TranslateTarget      string `mapstructure:"translate_target"`
	TranslateChunkSize   int    `mapstructure:"translate_chunk_size"`
	TranslateParallelism int    `mapstructure:"translate_parallelism"`
}

func (c Config) withDefaults() Config {
	if c.RetainRuns <= 0 {
		c.RetainRuns = DefaultRetainRuns
	}
	if c.ExportPrefix == "" {
		c.ExportPrefix = DefaultExportPrefix
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = DefaultPersistTimeout
	}
	if c.TranslateTarget == "" {
		c.TranslateTarget = translate.DefaultTarget
	}
	return c
}

// Caller identifies who starts a run and the credential forwarded to the searcher.
type Caller struct {
	UserID     string
	Credential string
}

// Deps are the collaborators of a Manager. Only Engine and IDs are required.
type Deps struct {
	Engine     *engine.Engine
	IDs        ads.IDGenerator
	History    store.HistoryRepository
	Blobs      ads.BlobStore
	Publisher  ads.Publisher
	Translator ads.Translator
	Hasher     ads.Hasher
	Clock      ads.Clock
	Logger     *zap.Logger
}

// Notification is published once per finished run.
type Notification struct {
	Type        string          `json:"type"`
	RunID       string          `json:"run_id"`
	UserID      string          `json:"user_id"`
	Status      store.RunStatus `json:"status"`
	Total       int             `json:"total"`
	Dispatched  int             `json:"dispatched"`
	Failed      int             `json:"failed"`
	Ads         int             `json:"ads"`
	FatalReason string          `json:"fatal_reason,omitempty"`
	ExportURI   string          `json:"export_uri,omitempty"`
	ExportSHA   string          `json:"export_sha256,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}

// TranslateReport summarizes a Translate call.
type TranslateReport struct {
	RunID        string `json:"run_id"`
	Target       string `json:"target"`
	Requested    int    `json:"requested"`
	Translated   int    `json:"translated"`
	FailedChunks int    `json:"failed_chunks"`
	Error        string `json:"error,omitempty"`
}

// Manager serializes runs and retains the most recent ones.
type Manager struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	active   *run
	runs     map[uuid.UUID]*run
	order    []uuid.UUID
	shutdown bool
}

// NewManager validates deps and returns a Manager.
func NewManager(deps Deps, cfg Config) (*Manager, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("runs: engine is required")
	}
	if deps.IDs == nil {
		return nil, fmt.Errorf("runs: id generator is required")
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Hasher == nil {
		deps.Hasher = sha256.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:    deps,
		cfg:     cfg.withDefaults(),
		logger:  deps.Logger.Named("runs"),
		baseCtx: ctx,
		cancel:  cancel,
		runs:    make(map[uuid.UUID]*run),
	}, nil
}

// EngineConfig returns the per-run engine configuration for caller.
func (m *Manager) EngineConfig(caller Caller) engine.Config {
	return engine.Config{
		Credential:     caller.Credential,
		SubBatchSize:   m.cfg.SubBatchSize,
		MaxConcurrency: m.cfg.MaxConcurrency,
		Caller:         caller.UserID,
	}
}

// Start validates req and launches it in the background. Validation errors
// and ErrRunInProgress are returned without starting anything.
func (m *Manager) Start(caller Caller, req ads.BatchRequest) (View, error) {
	cfg := m.EngineConfig(caller)
	plan, err := engine.Prepare(req, cfg)
	if err != nil {
		return View{}, err
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return View{}, ErrShuttingDown
	}
	if m.active != nil {
		id := m.active.id
		m.mu.Unlock()
		return View{}, fmt.Errorf("%w: %s", ErrRunInProgress, id)
	}
	id, err := m.deps.IDs.NewRawID()
	if err != nil {
		m.mu.Unlock()
		return View{}, fmt.Errorf("new run id: %w", err)
	}
	r := newRun(id, caller.UserID, plan, m.deps.Clock.Now())
	m.active = r
	m.runs[id] = r
	m.order = append(m.order, id)
	m.evictLocked()
	m.wg.Add(1)
	m.mu.Unlock()

	go m.execute(r, plan, cfg)
	return r.view(m.deps.Clock.Now(), false), nil
}

func (m *Manager) execute(r *run, plan engine.Plan, cfg engine.Config) {
	defer m.wg.Done()
	observer := func(snap aggregate.Snapshot) {
		r.broadcast(snap, m.deps.Clock.Now())
	}
	result := m.deps.Engine.Execute(m.baseCtx, r.id, plan, cfg, r.agg, observer)
	status := engine.Status(result)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.baseCtx), m.cfg.PersistTimeout)
	defer cancel()
	exportURI := m.persist(ctx, r, plan, result, status)

	m.mu.Lock()
	if m.active == r {
		m.active = nil
	}
	m.mu.Unlock()
	r.finish(result, status, exportURI)
}

// persist records the finished run. Failures are logged and never change
// the run's outcome.
func (m *Manager) persist(
	ctx context.Context,
	r *run,
	plan engine.Plan,
	result ads.Result,
	status store.RunStatus,
) string {
	logger := m.logger.With(zap.String("run_id", result.RunID))
	exportURI, exportSHA := "", ""
	if m.deps.Blobs != nil {
		uri, digest, err := m.export(ctx, result)
		if err != nil {
			logger.Warn("export run failed", zap.Error(err))
		} else {
			exportURI, exportSHA = uri, digest
		}
	}

	if m.deps.History != nil {
		logID, err := m.deps.IDs.NewID()
		if err != nil {
			logger.Warn("search log id failed", zap.Error(err))
		} else {
			entry := store.SearchLog{
				ID:          logID,
				UserID:      r.userID,
				Keywords:    strings.Join(plan.Targets, ", "),
				Filters:     plan.Filters,
				ResultCount: len(result.Ads),
				Status:      status,
				CreatedAt:   result.Finished,
			}
			if err := m.deps.History.SaveSearchLog(ctx, entry); err != nil {
				logger.Warn("save search log failed", zap.Error(err))
			}
		}
		if len(plan.Targets) == 1 && status != store.StatusAborted {
			item := store.HistoryItem{Keyword: plan.Targets[0], Filters: plan.Filters, SearchedAt: result.Finished}
			if err := m.deps.History.SaveHistory(ctx, r.userID, item); err != nil {
				logger.Warn("save history failed", zap.Error(err))
			}
		}
		if adRepo, ok := m.deps.History.(store.AdRepository); ok {
			if err := adRepo.SaveAds(ctx, r.id, result.Ads); err != nil {
				logger.Warn("save ads failed", zap.Error(err))
			}
		}
	}

	if m.deps.Publisher != nil {
		note := Notification{
			Type:        EventRunCompleted,
			RunID:       result.RunID,
			UserID:      r.userID,
			Status:      status,
			Total:       result.Total,
			Dispatched:  result.Dispatched,
			Failed:      result.FailedKeywords(),
			Ads:         len(result.Ads),
			FatalReason: result.FatalReason,
			ExportURI:   exportURI,
			ExportSHA:   exportSHA,
			StartedAt:   result.Started,
			FinishedAt:  result.Finished,
		}
		if _, err := m.deps.Publisher.Publish(ctx, m.cfg.Topic, note); err != nil {
			logger.Warn("publish run completion failed", zap.Error(err))
		}
	}
	return exportURI
}

// export writes the result as JSON and returns its URI and SHA-256 digest.
func (m *Manager) export(ctx context.Context, result ads.Result) (string, string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return "", "", fmt.Errorf("encode result: %w", err)
	}
	digest := m.deps.Hasher.Sum(buf.Bytes())
	path := fmt.Sprintf("%s/%s.json", strings.Trim(m.cfg.ExportPrefix, "/"), result.RunID)
	uri, err := m.deps.Blobs.PutObject(ctx, path, "application/json", &buf)
	if err != nil {
		return "", "", fmt.Errorf("put %s: %w", path, err)
	}
	return uri, digest, nil
}

// evictLocked drops the oldest finished runs beyond the retention limit.
func (m *Manager) evictLocked() {
	for len(m.order) > m.cfg.RetainRuns {
		evicted := false
		for i, id := range m.order {
			r := m.runs[id]
			if r == m.active || !r.terminal() {
				continue
			}
			delete(m.runs, id)
			m.order = append(m.order[:i], m.order[i+1:]...)
			evicted = true
			break
		}
		if !evicted {
			return
		}
	}
}

func (m *Manager) lookup(runID uuid.UUID) (*run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return r, nil
}

// Get returns the current view of a retained run, including its ads.
func (m *Manager) Get(runID uuid.UUID) (View, error) {
	r, err := m.lookup(runID)
	if err != nil {
		return View{}, err
	}
	return r.view(m.deps.Clock.Now(), true), nil
}

// Active returns the running run, if any.
func (m *Manager) Active() (View, bool) {
	m.mu.Lock()
	r := m.active
	m.mu.Unlock()
	if r == nil {
		return View{}, false
	}
	return r.view(m.deps.Clock.Now(), false), true
}

// List returns retained runs newest first, without ads.
func (m *Manager) List() []View {
	m.mu.Lock()
	retained := make([]*run, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		retained = append(retained, m.runs[m.order[i]])
	}
	m.mu.Unlock()

	now := m.deps.Clock.Now()
	out := make([]View, 0, len(retained))
	for _, r := range retained {
		out = append(out, r.view(now, false))
	}
	return out
}

// Subscribe streams views of a run. The channel holds only the newest view
// and is closed after the terminal one; cancel stops delivery early.
func (m *Manager) Subscribe(runID uuid.UUID) (<-chan View, func(), error) {
	r, err := m.lookup(runID)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := r.subscribe(m.deps.Clock.Now())
	return ch, cancel, nil
}

// Wait blocks until the run finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, runID uuid.UUID) (View, error) {
	r, err := m.lookup(runID)
	if err != nil {
		return View{}, err
	}
	select {
	case <-r.done:
		return r.view(m.deps.Clock.Now(), true), nil
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

// Translate fills TranslatedCopy for ads of a run that lack it. Chunks run
// concurrently; a fatal translation error stops the remaining chunks and is
// returned alongside the partial report.
func (m *Manager) Translate(ctx context.Context, runID uuid.UUID, target string) (TranslateReport, error) {
	if m.deps.Translator == nil {
		return TranslateReport{}, ErrNoTranslator
	}
	r, err := m.lookup(runID)
	if err != nil {
		return TranslateReport{}, err
	}
	if target == "" {
		target = m.cfg.TranslateTarget
	}
	var ids, texts []string
	for _, ad := range r.agg.Snapshot().Ads {
		if ad.TranslatedCopy != "" || ad.AdCopy == "" || ad.AdCopy == normalize.NoCopy {
			continue
		}
		ids = append(ids, ad.ID)
		texts = append(texts, ad.AdCopy)
	}
	report := TranslateReport{RunID: runID.String(), Target: target, Requested: len(texts)}
	if len(texts) == 0 {
		return report, nil
	}

	stats, err := translate.Batch(ctx, m.deps.Translator, texts, target,
		m.cfg.TranslateChunkSize, m.cfg.TranslateParallelism,
		func(offset int, out []string) {
			for i, text := range out {
				if text != "" && text != texts[offset+i] {
					r.agg.SetTranslation(ids[offset+i], text)
				}
			}
		})
	report.Translated = stats.Translated
	report.FailedChunks = stats.FailedChunks
	report.Error = stats.LastError
	if err != nil {
		report.Error = err.Error()
		m.logger.Warn("translation stopped", zap.String("run_id", report.RunID), zap.Error(err))
		return report, fmt.Errorf("translate run %s: %w", runID, err)
	}
	return report, nil
}

// Analytics computes the report for a run. An empty keyword falls back to
// the run's only keyword when it has exactly one.
func (m *Manager) Analytics(runID uuid.UUID, keyword string) (analytics.Report, error) {
	r, err := m.lookup(runID)
	if err != nil {
		return analytics.Report{}, err
	}
	if keyword == "" && len(r.plan.Targets) == 1 {
		keyword = r.plan.Targets[0]
	}
	return analytics.Compute(r.agg.Snapshot().Ads, keyword), nil
}

// Shutdown stops launching sub-batches for the active run and waits for
// in-flight work and persistence to finish or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for runs: %w", ctx.Err())
	}
}
