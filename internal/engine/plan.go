package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/adlibrary-insight/internal/ads"
	"github.com/JakeFAU/adlibrary-insight/internal/keywords"
)

// DefaultMaxConcurrency is the soft cap applied when Config leaves it unset.
const DefaultMaxConcurrency = 100

// Validation errors returned before any dispatch.
var (
	ErrEmptyKeywords      = errors.New("keyword input is empty")
	ErrInvalidWindow      = errors.New("group size, start group and group count must be positive")
	ErrInvalidConcurrency = errors.New("concurrency must be positive")
	ErrNoTargets          = errors.New("selected groups contain no keywords")
	ErrMissingCredential  = errors.New("search credential is required")
)

// Config is supplied per invocation rather than read from global state.
type Config struct {
	// Credential is the capability token forwarded to the searcher.
	Credential string
	// SubBatchSize is the number of keywords per external call (default 10).
	SubBatchSize int
	// MaxConcurrency caps the requested concurrency (default 100).
	MaxConcurrency int
	// Caller identifies who started the run, for logs and history.
	Caller string
}

func (c Config) withDefaults() Config {
	if c.SubBatchSize < 1 {
		c.SubBatchSize = ads.DefaultSubBatchSize
	}
	if c.MaxConcurrency < 1 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	return c
}

// Plan is a validated, partitioned request ready for dispatch.
type Plan struct {
	Parsed      int
	Targets     []string
	Batches     []ads.SubBatch
	Concurrency int
	// First and Last are the 1-based keyword positions covered by the window.
	First   int
	Last    int
	Filters ads.SearchFilters
}

// Validate reports the first problem with req, or nil.
func Validate(req ads.BatchRequest, cfg Config) error {
	_, err := Prepare(req, cfg)
	return err
}

// Prepare validates req and partitions it into sub-batches.
func Prepare(req ads.BatchRequest, cfg Config) (Plan, error) {
	cfg = cfg.withDefaults()
	parsed := keywords.Parse(req.RawInput)
	if len(parsed) == 0 {
		return Plan{}, ErrEmptyKeywords
	}
	if req.GroupSize < 1 || req.StartGroup < 1 || req.GroupCount < 1 {
		return Plan{}, fmt.Errorf("%w: size=%d start=%d count=%d",
			ErrInvalidWindow, req.GroupSize, req.StartGroup, req.GroupCount)
	}
	if req.Concurrency < 1 {
		return Plan{}, fmt.Errorf("%w: got %d", ErrInvalidConcurrency, req.Concurrency)
	}
	window := keywords.Window{GroupSize: req.GroupSize, StartGroup: req.StartGroup, GroupCount: req.GroupCount}
	targets := window.Targets(parsed)
	if len(targets) == 0 {
		return Plan{}, fmt.Errorf("%w: start group %d of %d",
			ErrNoTargets, req.StartGroup, keywords.TotalGroups(len(parsed), req.GroupSize))
	}
	if strings.TrimSpace(cfg.Credential) == "" {
		return Plan{}, ErrMissingCredential
	}
	concurrency := req.Concurrency
	if concurrency > cfg.MaxConcurrency {
		concurrency = cfg.MaxConcurrency
	}
	first, last := window.Range(len(parsed))
	return Plan{
		Parsed:      len(parsed),
		Targets:     targets,
		Batches:     keywords.Chunk(targets, cfg.SubBatchSize),
		Concurrency: concurrency,
		First:       first,
		Last:        last,
		Filters:     req.Filters,
	}, nil
}
