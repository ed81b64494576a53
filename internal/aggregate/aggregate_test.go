package aggregate

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adlibrary-insight/internal/ads"
)

// TestMergeAdsIdempotent ensures re-merging the same records leaves state unchanged.
func TestMergeAdsIdempotent(t *testing.T) {
	t.Parallel()

	agg := New(2)
	records := []ads.Ad{{ID: "b", AdCopy: "two"}, {ID: "a", AdCopy: "one"}}
	agg.MergeAds(records)
	first := agg.Snapshot()
	agg.MergeAds(records)
	second := agg.Snapshot()

	require.Equal(t, first, second)
	require.Len(t, second.Ads, 2)
	require.Equal(t, "a", second.Ads[0].ID)
}

// TestMergeAdsLastWriteWins replaces fields but keeps an existing translation.
func TestMergeAdsLastWriteWins(t *testing.T) {
	t.Parallel()

	agg := New(1)
	agg.MergeAds([]ads.Ad{{ID: "x", AdCopy: "old"}})
	require.True(t, agg.SetTranslation("x", "traduit"))
	agg.MergeAds([]ads.Ad{{ID: "x", AdCopy: "new"}})

	snap := agg.Snapshot()
	require.Len(t, snap.Ads, 1)
	require.Equal(t, "new", snap.Ads[0].AdCopy)
	require.Equal(t, "traduit", snap.Ads[0].TranslatedCopy)

	agg.MergeAds([]ads.Ad{{ID: "x", AdCopy: "newer", TranslatedCopy: "override"}})
	require.Equal(t, "override", agg.Snapshot().Ads[0].TranslatedCopy)
}

// TestMergeAdsSkipsEmptyID drops records without a dedup key.
func TestMergeAdsSkipsEmptyID(t *testing.T) {
	t.Parallel()

	agg := New(1)
	agg.MergeAds([]ads.Ad{{AdCopy: "orphan"}})
	require.Empty(t, agg.Snapshot().Ads)
}

// TestSetTranslationUnknownID reports false for missing records.
func TestSetTranslationUnknownID(t *testing.T) {
	t.Parallel()

	require.False(t, New(0).SetTranslation("missing", "x"))
}

// TestMarkFatalOnce keeps the first reason.
func TestMarkFatalOnce(t *testing.T) {
	t.Parallel()

	agg := New(3)
	require.True(t, agg.MarkFatal("invalid token"))
	require.False(t, agg.MarkFatal("second"))

	fatal, reason := agg.Fatal()
	require.True(t, fatal)
	require.Equal(t, "invalid token", reason)
	require.Equal(t, "invalid token", agg.Snapshot().FatalReason)
}

// TestRecordOutcomeCountsDispatched tracks order, errors and progress.
func TestRecordOutcomeCountsDispatched(t *testing.T) {
	t.Parallel()

	agg := New(4)
	agg.RecordOutcome("nike", 3, nil)
	agg.RecordOutcome("adidas", 0, errors.New("timeout"))

	snap := agg.Snapshot()
	require.Equal(t, 2, snap.Dispatched)
	require.Equal(t, 4, snap.Total)
	require.Equal(t, []ads.Outcome{
		{Keyword: "nike", Count: 3},
		{Keyword: "adidas", Error: "timeout"},
	}, snap.Outcomes)
	require.Equal(t, 1, snap.Failed())
	require.InDelta(t, 0.5, snap.Progress(), 1e-9)
	require.InDelta(t, 0.5, agg.Progress(), 1e-9)
	require.Zero(t, New(0).Progress())
}

// TestSnapshotIsCopy ensures callers cannot mutate internal state.
func TestSnapshotIsCopy(t *testing.T) {
	t.Parallel()

	agg := New(1)
	agg.RecordOutcome("k", 1, nil)
	agg.MergeAds([]ads.Ad{{ID: "a", AdCopy: "c"}})

	snap := agg.Snapshot()
	snap.Outcomes[0].Keyword = "mutated"
	snap.Ads[0].AdCopy = "mutated"

	again := agg.Snapshot()
	require.Equal(t, "k", again.Outcomes[0].Keyword)
	require.Equal(t, "c", again.Ads[0].AdCopy)
}

// TestUpdateNotifiesOnce batches several mutations into one notification.
func TestUpdateNotifiesOnce(t *testing.T) {
	t.Parallel()

	agg := New(2)
	var got []Snapshot
	unsubscribe := agg.Subscribe(func(s Snapshot) { got = append(got, s) })

	agg.Update(func(tx *Tx) {
		tx.MergeAds([]ads.Ad{{ID: "1"}})
		tx.RecordOutcome("a", 1, nil)
		tx.RecordOutcome("b", 0, nil)
	})
	agg.Update(func(*Tx) {})
	require.Len(t, got, 1)
	require.Equal(t, 2, got[0].Dispatched)

	unsubscribe()
	unsubscribe()
	agg.RecordOutcome("c", 0, nil)
	require.Len(t, got, 1)
}

// TestConcurrentReaders exercises snapshots taken while writes are in progress.
func TestConcurrentReaders(t *testing.T) {
	t.Parallel()

	agg := New(100)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = agg.Snapshot()
			}
		}()
	}
	for i := 0; i < 100; i++ {
		agg.RecordOutcome("k", 0, nil)
	}
	wg.Wait()
	require.Equal(t, 100, agg.Snapshot().Dispatched)
}

// TestThroughput divides dispatched keywords by elapsed minutes.
func TestThroughput(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := Snapshot{Dispatched: 30}
	require.InDelta(t, 15.0, Throughput(snap, start, start.Add(2*time.Minute)), 1e-9)
	require.Zero(t, Throughput(snap, start, start))
}
