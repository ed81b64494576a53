package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-insight/internal/ads"
	"github.com/JakeFAU/adlibrary-insight/internal/aggregate"
	"github.com/JakeFAU/adlibrary-insight/internal/classify"
	"github.com/JakeFAU/adlibrary-insight/internal/id/uuid"
	"github.com/JakeFAU/adlibrary-insight/internal/progress"
	"github.com/JakeFAU/adlibrary-insight/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSearcher answers each keyword from a table; keywords mapped to an error
// fail the whole sub-batch.
type fakeSearcher struct {
	mu      sync.Mutex
	results map[string]int
	errs    map[string]error
	delay   map[string]time.Duration
	calls   atomic.Int32
	seen    [][]string
}

func (f *fakeSearcher) Search(_ context.Context, cred string, kws []string, _ ads.SearchFilters) ([]ads.RawItem, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.seen = append(f.seen, append([]string(nil), kws...))
	f.mu.Unlock()
	if cred == "" {
		return nil, errors.New("no credential")
	}
	var items []ads.RawItem
	for _, kw := range kws {
		if d := f.delay[kw]; d > 0 {
			time.Sleep(d)
		}
		if err := f.errs[kw]; err != nil {
			return nil, err
		}
		for i := 0; i < f.results[kw]; i++ {
			items = append(items, ads.RawItem{
				"ad_archive_id": fmt.Sprintf("%s-%d", kw, i),
				"url":           "https://www.facebook.com/ads/library/?q=" + url.QueryEscape(kw),
			})
		}
	}
	return items, nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, len(r.events))
	for i, e := range r.events {
		out[i] = e.Stage
	}
	return out
}

func newEngine(s ads.Searcher, em progress.Emitter) *Engine {
	return New(s, em, nil, uuid.New(), zap.NewNop())
}

var testCfg = Config{Credential: "token", Caller: "tester"}

// TestRunTwoKeywordScenario mirrors the dashboard example with one group of two.
func TestRunTwoKeywordScenario(t *testing.T) {
	t.Parallel()

	searcher := &fakeSearcher{results: map[string]int{"Nike": 3}}
	em := &recordingEmitter{}
	res, err := newEngine(searcher, em).Run(context.Background(), ads.BatchRequest{
		RawInput:    "Nike, Adidas\nPuma",
		GroupSize:   2,
		StartGroup:  1,
		GroupCount:  1,
		Concurrency: 1,
	}, testCfg, nil)
	require.NoError(t, err)

	require.Equal(t, int32(1), searcher.calls.Load())
	require.Equal(t, [][]string{{"Nike", "Adidas"}}, searcher.seen)
	require.Equal(t, []ads.Outcome{{Keyword: "Nike", Count: 3}, {Keyword: "Adidas", Count: 0}}, res.Outcomes)
	require.Len(t, res.Ads, 3)
	for _, ad := range res.Ads {
		require.Equal(t, "Nike", ad.OriginalKeyword)
	}
	require.Equal(t, 2, res.Dispatched)
	require.Equal(t, 2, res.Total)
	require.False(t, res.Fatal)
	require.NotEmpty(t, res.RunID)
	require.Equal(t, store.StatusCompleted, Status(res))
	require.Equal(t, []progress.Stage{progress.StageRunStart, progress.StageBatchDone, progress.StageRunDone}, em.stages())
}

// TestRunCallCountAndOutcomes issues ceil(n/size) calls and one outcome per keyword.
func TestRunCallCountAndOutcomes(t *testing.T) {
	t.Parallel()

	raw := ""
	for i := 0; i < 23; i++ {
		raw += fmt.Sprintf("kw%02d ", i)
	}
	searcher := &fakeSearcher{results: map[string]int{"kw00": 1, "kw15": 2}}
	res, err := newEngine(searcher, nil).Run(context.Background(), ads.BatchRequest{
		RawInput: raw, GroupSize: 23, StartGroup: 1, GroupCount: 1, Concurrency: 3,
	}, testCfg, nil)
	require.NoError(t, err)

	require.Equal(t, int32(3), searcher.calls.Load())
	require.Len(t, res.Outcomes, 23)
	seen := map[string]int{}
	for _, o := range res.Outcomes {
		seen[o.Keyword]++
	}
	require.Len(t, seen, 23)
	require.Len(t, res.Ads, 3)
}

// TestRunFatalAbortSequential stops after sub-batch #2 of 5 at concurrency 1.
func TestRunFatalAbortSequential(t *testing.T) {
	t.Parallel()

	searcher := &fakeSearcher{
		results: map[string]int{"a": 2, "c": 1},
		errs:    map[string]error{"b": fmt.Errorf("upstream: %w", classify.ErrInvalidCredential)},
	}
	em := &recordingEmitter{}
	res, err := newEngine(searcher, em).Run(context.Background(), ads.BatchRequest{
		RawInput: "a b c d e", GroupSize: 1, StartGroup: 1, GroupCount: 5, Concurrency: 1,
	}, Config{Credential: "token", SubBatchSize: 1}, nil)
	require.NoError(t, err)

	require.Equal(t, int32(2), searcher.calls.Load())
	require.True(t, res.Fatal)
	require.Contains(t, res.FatalReason, "invalid or expired API token")
	require.Equal(t, 2, res.Dispatched)
	require.Equal(t, 5, res.Total)
	require.Len(t, res.Outcomes, 2)
	require.Equal(t, "a", res.Outcomes[0].Keyword)
	require.True(t, res.Outcomes[1].Failed())
	require.Len(t, res.Ads, 2)
	require.Equal(t, store.StatusAborted, Status(res))

	stages := em.stages()
	require.Equal(t, progress.StageRunAborted, stages[len(stages)-1])
}

// TestRunTransientContinues isolates a failing sub-batch and completes the rest.
func TestRunTransientContinues(t *testing.T) {
	t.Parallel()

	searcher := &fakeSearcher{
		results: map[string]int{"a": 1, "e": 1},
		errs:    map[string]error{"c": context.DeadlineExceeded},
	}
	res, err := newEngine(searcher, nil).Run(context.Background(), ads.BatchRequest{
		RawInput: "a b c d e f", GroupSize: 2, StartGroup: 1, GroupCount: 3, Concurrency: 2,
	}, Config{Credential: "token", SubBatchSize: 2}, nil)
	require.NoError(t, err)

	require.False(t, res.Fatal)
	require.Equal(t, int32(3), searcher.calls.Load())
	require.Equal(t, 6, res.Dispatched)
	require.Equal(t, 2, res.FailedKeywords())
	require.Len(t, res.Ads, 2)
	require.Equal(t, store.StatusCompletedWithFailures, Status(res))
	for _, o := range res.Outcomes {
		if o.Keyword == "c" || o.Keyword == "d" {
			require.Equal(t, "request timed out", o.Error)
		}
	}
}

// TestRunDeduplicatesAcrossBatches keeps one record per ad ID.
func TestRunDeduplicatesAcrossBatches(t *testing.T) {
	t.Parallel()

	shared := SearcherFunc(func(_ context.Context, _ string, kws []string, _ ads.SearchFilters) ([]ads.RawItem, error) {
		return []ads.RawItem{{"ad_archive_id": "same"}, {"ad_archive_id": "same"}, {"ad_archive_id": kws[0]}}, nil
	})
	res, err := newEngine(shared, nil).Run(context.Background(), ads.BatchRequest{
		RawInput: "x y z", GroupSize: 1, StartGroup: 1, GroupCount: 3, Concurrency: 3,
	}, Config{Credential: "t", SubBatchSize: 1}, nil)
	require.NoError(t, err)
	require.Len(t, res.Ads, 4)
	for _, o := range res.Outcomes {
		require.Equal(t, 2, o.Count)
	}
}

// TestRunNotifiesObserver delivers snapshots as outcomes are recorded.
func TestRunNotifiesObserver(t *testing.T) {
	t.Parallel()

	searcher := &fakeSearcher{results: map[string]int{"a": 1, "b": 1, "c": 1}}
	var snaps []aggregate.Snapshot
	res, err := newEngine(searcher, nil).Run(context.Background(), ads.BatchRequest{
		RawInput: "a b c", GroupSize: 1, StartGroup: 1, GroupCount: 3, Concurrency: 1,
	}, Config{Credential: "t", SubBatchSize: 1}, func(s aggregate.Snapshot) {
		snaps = append(snaps, s)
	})
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	require.Equal(t, 1, snaps[0].Dispatched)
	require.Equal(t, res.Dispatched, snaps[2].Dispatched)
}

// TestRunCompletionOrderFollowsLatency records outcomes in completion order.
func TestRunCompletionOrderFollowsLatency(t *testing.T) {
	t.Parallel()

	searcher := &fakeSearcher{delay: map[string]time.Duration{
		"k0": 400 * time.Millisecond,
		"k1": 20 * time.Millisecond,
		"k2": 60 * time.Millisecond,
		"k3": 100 * time.Millisecond,
		"k4": 140 * time.Millisecond,
	}}
	res, err := newEngine(searcher, nil).Run(context.Background(), ads.BatchRequest{
		RawInput: "k0 k1 k2 k3 k4", GroupSize: 1, StartGroup: 1, GroupCount: 5, Concurrency: 2,
	}, Config{Credential: "t", SubBatchSize: 1}, nil)
	require.NoError(t, err)

	order := make([]string, len(res.Outcomes))
	for i, o := range res.Outcomes {
		order[i] = o.Keyword
	}
	require.Equal(t, []string{"k1", "k2", "k3", "k4", "k0"}, order)
}

// TestRunCanceledContext aborts without dispatching.
func TestRunCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	searcher := &fakeSearcher{}
	res, err := newEngine(searcher, nil).Run(ctx, ads.BatchRequest{
		RawInput: "a b", GroupSize: 1, StartGroup: 1, GroupCount: 2, Concurrency: 1,
	}, testCfg, nil)
	require.NoError(t, err)
	require.Zero(t, searcher.calls.Load())
	require.True(t, res.Fatal)
	require.Contains(t, res.FatalReason, "run canceled")
	require.Zero(t, res.Dispatched)
}

// TestRunValidation rejects bad requests before any call.
func TestRunValidation(t *testing.T) {
	t.Parallel()

	valid := ads.BatchRequest{RawInput: "a b", GroupSize: 1, StartGroup: 1, GroupCount: 1, Concurrency: 1}
	tests := []struct {
		name   string
		mutate func(*ads.BatchRequest, *Config)
		want   error
	}{
		{name: "empty", mutate: func(r *ads.BatchRequest, _ *Config) { r.RawInput = " ,, " }, want: ErrEmptyKeywords},
		{name: "group size", mutate: func(r *ads.BatchRequest, _ *Config) { r.GroupSize = 0 }, want: ErrInvalidWindow},
		{name: "start group", mutate: func(r *ads.BatchRequest, _ *Config) { r.StartGroup = 0 }, want: ErrInvalidWindow},
		{name: "group count", mutate: func(r *ads.BatchRequest, _ *Config) { r.GroupCount = -1 }, want: ErrInvalidWindow},
		{name: "concurrency", mutate: func(r *ads.BatchRequest, _ *Config) { r.Concurrency = 0 }, want: ErrInvalidConcurrency},
		{name: "past end", mutate: func(r *ads.BatchRequest, _ *Config) { r.StartGroup = 9 }, want: ErrNoTargets},
		{name: "credential", mutate: func(_ *ads.BatchRequest, c *Config) { c.Credential = " " }, want: ErrMissingCredential},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req, cfg := valid, testCfg
			tc.mutate(&req, &cfg)
			searcher := &fakeSearcher{}
			_, err := newEngine(searcher, nil).Run(context.Background(), req, cfg, nil)
			require.ErrorIs(t, err, tc.want)
			require.Zero(t, searcher.calls.Load())
		})
	}
}

// TestPrepareClampsConcurrency applies the soft cap and reports the window range.
func TestPrepareClampsConcurrency(t *testing.T) {
	t.Parallel()

	plan, err := Prepare(ads.BatchRequest{
		RawInput: "a b c d e f g", GroupSize: 3, StartGroup: 2, GroupCount: 2, Concurrency: 500,
	}, Config{Credential: "t", MaxConcurrency: 8, SubBatchSize: 2})
	require.NoError(t, err)
	require.Equal(t, 8, plan.Concurrency)
	require.Equal(t, []string{"d", "e", "f", "g"}, plan.Targets)
	require.Len(t, plan.Batches, 2)
	require.Equal(t, 4, plan.First)
	require.Equal(t, 7, plan.Last)
	require.Equal(t, 7, plan.Parsed)
}

// TestPrepareHugeWindowValues clamps near-MaxInt grouping instead of panicking.
func TestPrepareHugeWindowValues(t *testing.T) {
	t.Parallel()

	plan, err := Prepare(ads.BatchRequest{
		RawInput: "a b", GroupSize: math.MaxInt/2 + 1, StartGroup: 1, GroupCount: 3, Concurrency: 1,
	}, testCfg)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, plan.Targets)
	require.Equal(t, 1, plan.First)
	require.Equal(t, 2, plan.Last)

	_, err = Prepare(ads.BatchRequest{
		RawInput: "a b", GroupSize: math.MaxInt, StartGroup: math.MaxInt, GroupCount: math.MaxInt, Concurrency: math.MaxInt,
	}, testCfg)
	require.ErrorIs(t, err, ErrNoTargets)
}

// TestRunTimeoutOnHighBatchIndexIsTransient keeps later sub-batch numbers out of classification.
func TestRunTimeoutOnHighBatchIndexIsTransient(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	for i := 0; i < 405; i++ {
		fmt.Fprintf(&sb, "k%d ", i)
	}
	searcher := &fakeSearcher{errs: map[string]error{"k403": context.DeadlineExceeded}}
	res, err := newEngine(searcher, nil).Run(context.Background(), ads.BatchRequest{
		RawInput: sb.String(), GroupSize: 405, StartGroup: 1, GroupCount: 1, Concurrency: 20,
	}, Config{Credential: "t", SubBatchSize: 1}, nil)
	require.NoError(t, err)

	require.False(t, res.Fatal)
	require.Equal(t, int32(405), searcher.calls.Load())
	require.Equal(t, 1, res.FailedKeywords())
	require.Equal(t, store.StatusCompletedWithFailures, Status(res))
}

// TestRunKeepsIDlessItemsFromEachBatch scopes synthetic ids to their sub-batch.
func TestRunKeepsIDlessItemsFromEachBatch(t *testing.T) {
	t.Parallel()

	idless := SearcherFunc(func(_ context.Context, _ string, kws []string, _ ads.SearchFilters) ([]ads.RawItem, error) {
		return []ads.RawItem{{"page_name": kws[0]}}, nil
	})
	res, err := newEngine(idless, nil).Run(context.Background(), ads.BatchRequest{
		RawInput: "x y z", GroupSize: 1, StartGroup: 1, GroupCount: 3, Concurrency: 3,
	}, Config{Credential: "t", SubBatchSize: 1}, nil)
	require.NoError(t, err)
	require.Len(t, res.Ads, 3)
	ids := make([]string, 0, len(res.Ads))
	for _, ad := range res.Ads {
		ids = append(ids, ad.ID)
	}
	require.ElementsMatch(t, []string{"generated-0-0", "generated-1-0", "generated-2-0"}, ids)
}

// SearcherFunc adapts a function to ads.Searcher in tests.
type SearcherFunc func(ctx context.Context, cred string, kws []string, f ads.SearchFilters) ([]ads.RawItem, error)

func (f SearcherFunc) Search(ctx context.Context, cred string, kws []string, fl ads.SearchFilters) ([]ads.RawItem, error) {
	return f(ctx, cred, kws, fl)
}
