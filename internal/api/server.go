package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-insight/internal/ads"
	"github.com/JakeFAU/adlibrary-insight/internal/middleware"
	"github.com/JakeFAU/adlibrary-insight/internal/runs"
	"github.com/JakeFAU/adlibrary-insight/internal/store"
)

// HeaderSearchToken carries a per-request scraping API token.
const HeaderSearchToken = "X-Search-Token"

// Options configures a Server.
type Options struct {
	AuthEnabled bool
	APIKey      string
	// RequestTimeout bounds every route except the event stream.
	RequestTimeout time.Duration
	// DefaultCredential is used when a request carries no X-Search-Token.
	DefaultCredential string
	// SubBatchSize feeds the keyword preview.
	SubBatchSize int
	// Ready reports whether downstream dependencies are usable.
	Ready func(context.Context) error
	// Metrics serves /metrics; defaults to promhttp.Handler().
	Metrics http.Handler
	// Heartbeat is the idle interval between stream keep-alive comments.
	Heartbeat time.Duration
	Logger    *zap.Logger
}

// Server wires HTTP handlers to the run manager and history repository.
type Server struct {
	router  chi.Router
	runs    *runs.Manager
	history *HistoryHandler
	opts    Options
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(manager *runs.Manager, history store.HistoryRepository, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = promhttp.Handler()
	}
	if opts.SubBatchSize < 1 {
		opts.SubBatchSize = ads.DefaultSubBatchSize
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	logger := opts.Logger.Named("api")
	s := &Server{
		runs:    manager,
		history: NewHistoryHandler(history, logger),
		opts:    opts,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Metrics)
	if opts.AuthEnabled {
		r.Use(middleware.APIKey(opts.APIKey, "/healthz", "/readyz", "/metrics"))
	}
	r.Use(middleware.Caller)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", opts.Metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/runs/{run_id}/stream", s.streamRun)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(opts.RequestTimeout))
			r.Post("/runs", s.startRun)
			r.Get("/runs", s.listRuns)
			r.Get("/runs/{run_id}", s.getRun)
			r.Post("/runs/{run_id}/translate", s.translateRun)
			r.Get("/runs/{run_id}/analytics", s.runAnalytics)

			r.Get("/history/runs", s.history.ListRuns)
			r.Get("/history/runs/{run_id}", s.history.GetRun)
			r.Get("/history/logs", s.history.ListLogs)
			r.Delete("/history/logs", s.history.ClearLogs)
			r.Get("/history/searches", s.history.ListSearches)

			r.Post("/keywords/preview", s.previewKeywords)
		})
	})

	s.router = r
	return s
}

// Handler returns the traced router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "adsearch.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	middleware.WriteJSON(w, status, payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	middleware.WriteError(w, status, msg)
}
