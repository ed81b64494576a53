package runs

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/adlibrary-insight/internal/ads"
	"github.com/JakeFAU/adlibrary-insight/internal/aggregate"
	"github.com/JakeFAU/adlibrary-insight/internal/engine"
	"github.com/JakeFAU/adlibrary-insight/internal/store"
)

// View is the externally visible state of a run. Ads are only populated by
// Manager.Get; streamed views carry counts.
type View struct {
	ID          string             `json:"run_id" yaml:"run_id"`
	Status      store.RunStatus    `json:"status" yaml:"status"`
	UserID      string             `json:"user_id" yaml:"user_id"`
	Filters     ads.SearchFilters  `json:"filters" yaml:"filters"`
	First       int                `json:"first_keyword" yaml:"first_keyword"`
	Last        int                `json:"last_keyword" yaml:"last_keyword"`
	SubBatches  int                `json:"sub_batches" yaml:"sub_batches"`
	Concurrency int                `json:"concurrency" yaml:"concurrency"`
	Total       int                `json:"total" yaml:"total"`
	Dispatched  int                `json:"dispatched" yaml:"dispatched"`
	Failed      int                `json:"failed" yaml:"failed"`
	AdCount     int                `json:"ad_count" yaml:"ad_count"`
	Progress    float64            `json:"progress" yaml:"progress"`
	Throughput  float64            `json:"keywords_per_minute" yaml:"keywords_per_minute"`
	Fatal       bool               `json:"fatal" yaml:"fatal"`
	FatalReason string             `json:"fatal_reason,omitempty" yaml:"fatal_reason,omitempty"`
	Outcomes    []ads.Outcome      `json:"outcomes" yaml:"outcomes"`
	Ads         []ads.Ad           `json:"ads,omitempty" yaml:"ads,omitempty"`
	StartedAt   time.Time          `json:"started_at" yaml:"started_at"`
	FinishedAt  *time.Time         `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	ExportURI   string             `json:"export_uri,omitempty" yaml:"export_uri,omitempty"`
	Snapshot    aggregate.Snapshot `json:"-" yaml:"-"`
}

// Terminal reports whether the run has finished.
func (v View) Terminal() bool { return v.Status.Terminal() }

type run struct {
	id      uuid.UUID
	userID  string
	plan    engine.Plan
	agg     *aggregate.Aggregator
	started time.Time
	done    chan struct{}

	mu        sync.Mutex
	status    store.RunStatus
	result    *ads.Result
	exportURI string
	subs      map[int]chan View
	nextSub   int
	closed    bool
}

func newRun(id uuid.UUID, userID string, plan engine.Plan, started time.Time) *run {
	return &run{
		id:      id,
		userID:  userID,
		plan:    plan,
		agg:     aggregate.New(len(plan.Targets)),
		started: started,
		done:    make(chan struct{}),
		status:  store.StatusRunning,
		subs:    make(map[int]chan View),
	}
}

// view builds a View from the live aggregate; now feeds the throughput figure.
func (r *run) view(now time.Time, withAds bool) View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewLocked(r.agg.Snapshot(), now, withAds)
}

func (r *run) viewLocked(snap aggregate.Snapshot, now time.Time, withAds bool) View {
	v := View{
		ID:          r.id.String(),
		Status:      r.status,
		UserID:      r.userID,
		Filters:     r.plan.Filters,
		First:       r.plan.First,
		Last:        r.plan.Last,
		SubBatches:  len(r.plan.Batches),
		Concurrency: r.plan.Concurrency,
		Total:       snap.Total,
		Dispatched:  snap.Dispatched,
		Failed:      snap.Failed(),
		AdCount:     len(snap.Ads),
		Progress:    snap.Progress(),
		Fatal:       snap.Fatal,
		FatalReason: snap.FatalReason,
		Outcomes:    snap.Outcomes,
		StartedAt:   r.started,
		ExportURI:   r.exportURI,
		Snapshot:    snap,
	}
	end := now
	if r.result != nil {
		finished := r.result.Finished
		v.FinishedAt = &finished
		end = finished
	}
	v.Throughput = aggregate.Throughput(snap, r.started, end)
	if withAds {
		v.Ads = snap.Ads
	}
	return v
}

// subscribe registers a channel that always holds the latest view. The
// channel is closed after the terminal view is delivered.
func (r *run) subscribe(now time.Time) (<-chan View, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan View, 1)
	ch <- r.viewLocked(r.agg.Snapshot(), now, false)
	if r.closed {
		close(ch)
		return ch, func() {}
	}
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
	}
}

func (r *run) broadcast(snap aggregate.Snapshot, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.subs) == 0 {
		return
	}
	v := r.viewLocked(snap, now, false)
	for _, ch := range r.subs {
		offerLatest(ch, v)
	}
}

// finish records the result, delivers the terminal view and closes every
// subscriber channel.
func (r *run) finish(result ads.Result, status store.RunStatus, exportURI string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result = &result
	r.status = status
	r.exportURI = exportURI
	v := r.viewLocked(r.agg.Snapshot(), result.Finished, false)
	for id, ch := range r.subs {
		offerLatest(ch, v)
		close(ch)
		delete(r.subs, id)
	}
	r.closed = true
	close(r.done)
}

func (r *run) terminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// offerLatest replaces any unread value so slow readers only see the newest view.
func offerLatest(ch chan View, v View) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
