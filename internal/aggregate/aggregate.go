// Package aggregate holds the mutable state of one batch run: deduplicated ads,
// per-keyword outcomes, and the set-once fatal flag. Readers take copies via
// Snapshot; observers registered with Subscribe receive a fresh copy after
// every mutation.
package aggregate

import (
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/adlibrary-insight/internal/ads"
	"github.com/JakeFAU/adlibrary-insight/internal/classify"
)

// Snapshot is a point-in-time copy of the aggregate state.
type Snapshot struct {
	Ads         []ads.Ad      `json:"ads"`
	Outcomes    []ads.Outcome `json:"outcomes"`
	Dispatched  int           `json:"dispatched"`
	Total       int           `json:"total"`
	Fatal       bool          `json:"fatal"`
	FatalReason string        `json:"fatal_reason,omitempty"`
}

// Progress returns dispatched/total in [0,1].
func (s Snapshot) Progress() float64 {
	if s.Total <= 0 {
		return 0
	}
	p := float64(s.Dispatched) / float64(s.Total)
	if p > 1 {
		return 1
	}
	return p
}

// Failed counts outcomes that carry an error.
func (s Snapshot) Failed() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Failed() {
			n++
		}
	}
	return n
}

// Throughput is dispatched keywords per elapsed minute.
func Throughput(s Snapshot, start, now time.Time) float64 {
	minutes := now.Sub(start).Minutes()
	if minutes <= 0 {
		return 0
	}
	return float64(s.Dispatched) / minutes
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	mu       sync.Mutex
	ads      map[string]ads.Ad
	outcomes []ads.Outcome
	total    int
	fatal    bool
	reason   string

	subs    map[int]func(Snapshot)
	nextSub int
}

// New creates an Aggregator expecting total target keywords.
func New(total int) *Aggregator {
	if total < 0 {
		total = 0
	}
	return &Aggregator{
		ads:   make(map[string]ads.Ad),
		total: total,
		subs:  make(map[int]func(Snapshot)),
	}
}

// Tx groups several mutations under one lock and one notification.
type Tx struct {
	a       *Aggregator
	changed bool
}

// Update runs fn with exclusive access and notifies observers once if anything changed.
func (a *Aggregator) Update(fn func(tx *Tx)) {
	a.mu.Lock()
	tx := &Tx{a: a}
	fn(tx)
	if !tx.changed || len(a.subs) == 0 {
		a.mu.Unlock()
		return
	}
	snap := a.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(a.subs))
	for _, fn := range a.subs {
		subs = append(subs, fn)
	}
	a.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// RecordOutcome appends an outcome for one dispatched keyword. A non-nil err
// is stored as its user-facing reason.
func (tx *Tx) RecordOutcome(keyword string, count int, err error) {
	o := ads.Outcome{Keyword: keyword, Count: count}
	if err != nil {
		o.Error = classify.Reason(err)
	}
	tx.a.outcomes = append(tx.a.outcomes, o)
	tx.changed = true
}

// MergeAds upserts records by ID. Last write wins, except a stored translation
// survives an incoming record that has none.
func (tx *Tx) MergeAds(records []ads.Ad) {
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		if prev, ok := tx.a.ads[rec.ID]; ok && rec.TranslatedCopy == "" {
			rec.TranslatedCopy = prev.TranslatedCopy
		}
		tx.a.ads[rec.ID] = rec
		tx.changed = true
	}
}

// MarkFatal sets the fatal flag once. Later calls keep the first reason and return false.
func (tx *Tx) MarkFatal(reason string) bool {
	if tx.a.fatal {
		return false
	}
	tx.a.fatal = true
	tx.a.reason = reason
	tx.changed = true
	return true
}

// SetTranslation stores the translated copy for an existing record.
func (tx *Tx) SetTranslation(id, text string) bool {
	rec, ok := tx.a.ads[id]
	if !ok {
		return false
	}
	rec.TranslatedCopy = text
	tx.a.ads[id] = rec
	tx.changed = true
	return true
}

// RecordOutcome is Update with a single RecordOutcome.
func (a *Aggregator) RecordOutcome(keyword string, count int, err error) {
	a.Update(func(tx *Tx) { tx.RecordOutcome(keyword, count, err) })
}

// MergeAds is Update with a single MergeAds.
func (a *Aggregator) MergeAds(records []ads.Ad) {
	a.Update(func(tx *Tx) { tx.MergeAds(records) })
}

// MarkFatal is Update with a single MarkFatal.
func (a *Aggregator) MarkFatal(reason string) bool {
	var set bool
	a.Update(func(tx *Tx) { set = tx.MarkFatal(reason) })
	return set
}

// SetTranslation is Update with a single SetTranslation.
func (a *Aggregator) SetTranslation(id, text string) bool {
	var ok bool
	a.Update(func(tx *Tx) { ok = tx.SetTranslation(id, text) })
	return ok
}

// Fatal reports whether the run was aborted and why.
func (a *Aggregator) Fatal() (bool, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fatal, a.reason
}

// Snapshot returns a copy of the current state with ads sorted by ID.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Progress is Snapshot().Progress() without copying ads.
func (a *Aggregator) Progress() float64 {
	a.mu.Lock()
	s := Snapshot{Dispatched: len(a.outcomes), Total: a.total}
	a.mu.Unlock()
	return s.Progress()
}

// Subscribe registers fn to receive a snapshot after each mutation. The
// returned func removes the subscription. fn runs on the mutating goroutine
// and must not block.
func (a *Aggregator) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subs, id)
			a.mu.Unlock()
		})
	}
}

func (a *Aggregator) snapshotLocked() Snapshot {
	list := make([]ads.Ad, 0, len(a.ads))
	for _, ad := range a.ads {
		list = append(list, ad)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	outcomes := make([]ads.Outcome, len(a.outcomes))
	copy(outcomes, a.outcomes)
	return Snapshot{
		Ads:         list,
		Outcomes:    outcomes,
		Dispatched:  len(a.outcomes),
		Total:       a.total,
		Fatal:       a.fatal,
		FatalReason: a.reason,
	}
}
