package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/contentops/indexwatch/internal/authority"
	"github.com/contentops/indexwatch/internal/kv"
	"github.com/contentops/indexwatch/internal/kv/memory"
	"github.com/contentops/indexwatch/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeAuthority struct {
	mu           sync.Mutex
	coverage     map[string]string
	inspectErr   error
	inspectFail  string
	inspectCalls []string
	reindexCalls []string
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{coverage: make(map[string]string)}
}

func (f *fakeAuthority) Inspect(_ context.Context, url string) (authority.Inspection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inspectCalls = append(f.inspectCalls, url)
	if f.inspectErr != nil {
		return authority.Inspection{}, f.inspectErr
	}
	if f.inspectFail != "" {
		return authority.Inspection{Success: false, Error: f.inspectFail}, nil
	}
	return authority.Inspection{Success: true, CoverageState: f.coverage[url]}, nil
}

func (f *fakeAuthority) RequestReindex(_ context.Context, url string) (authority.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reindexCalls = append(f.reindexCalls, url)
	return authority.Receipt{Success: true, Message: "accepted"}, nil
}

func (f *fakeAuthority) inspectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inspectCalls)
}

func (f *fakeAuthority) reindexCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reindexCalls)
}

// blockingAuthority parks Inspect until released, to exercise the
// in-flight guard.
type blockingAuthority struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingAuthority) Inspect(_ context.Context, _ string) (authority.Inspection, error) {
	b.started <- struct{}{}
	<-b.release
	return authority.Inspection{Success: true, CoverageState: "Submitted and indexed"}, nil
}

func (b *blockingAuthority) RequestReindex(_ context.Context, _ string) (authority.Receipt, error) {
	return authority.Receipt{Success: true}, nil
}

type failingStore struct{}

func (failingStore) Save(_ context.Context, _ string, _ []byte) error {
	return errors.New("store unavailable")
}

func (failingStore) Load(_ context.Context, _ string) ([]byte, error) {
	return nil, errors.New("store unavailable")
}

var testBase = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestTracker(t *testing.T, auth authority.Client, store kv.Store, clk Clock, cfg Config) *Tracker {
	t.Helper()
	metrics.Init()
	return New(auth, store, nil, clk, cfg, zap.NewNop())
}

func TestTrackThenIndexAfterInitialDelay(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock(testBase)
	auth := newFakeAuthority()
	auth.coverage["https://example.com/a"] = "Submitted and indexed"
	tr := newTestTracker(t, auth, memory.NewStore(), clk, Config{})

	tr.Track(ctx, "https://example.com/a", "a", "posts")

	// Inside the initial delay the item stays untouched.
	res := tr.RunCycle(ctx)
	require.Zero(t, res.Checked)
	clk.Advance(23 * time.Hour)
	res = tr.RunCycle(ctx)
	require.Zero(t, res.Checked)
	require.Zero(t, auth.inspectCount())

	clk.Advance(2 * time.Hour)
	res = tr.RunCycle(ctx)
	require.Equal(t, 1, res.Checked)
	require.Equal(t, 1, res.Indexed)
	require.Len(t, res.Results, 1)
	require.Equal(t, ResultIndexed, res.Results[0].Status)
	require.Equal(t, "Indexed after 25.0 hours", res.Results[0].Message)

	item, err := tr.Get("https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, StatusIndexed, item.Status)
	require.Equal(t, 1, item.CheckCount)
	require.NotNil(t, item.IndexedAt)

	snap := tr.Status()
	require.Equal(t, 1, snap.Stats.Indexed)
	require.Zero(t, snap.Stats.Pending)
	require.InDelta(t, 25.0, snap.Stats.AvgTimeToIndex, 1e-9)
	require.Len(t, snap.RecentHistory, 1)
	require.Equal(t, "a", snap.RecentHistory[0].Slug)
}

func TestImmediateSecondCycleIsNoOp(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock(testBase)
	auth := newFakeAuthority()
	auth.coverage["https://example.com/a"] = "Discovered - currently not indexed"
	tr := newTestTracker(t, auth, memory.NewStore(), clk, Config{})

	tr.Track(ctx, "https://example.com/a", "a", "")
	clk.Advance(25 * time.Hour)

	res := tr.RunCycle(ctx)
	require.Equal(t, 1, res.Checked)

	// The check stamped LastCheckedAt, so the item waits out the retry
	// interval before it is considered again.
	res = tr.RunCycle(ctx)
	require.Zero(t, res.Checked)
	require.Equal(t, 1, auth.inspectCount())

	clk.Advance(48 * time.Hour)
	res = tr.RunCycle(ctx)
	require.Equal(t, 1, res.Checked)
}

func TestTerminalItemsAreNeverRechecked(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock(testBase)
	auth := newFakeAuthority()
	auth.coverage["https://example.com/done"] = "Submitted and indexed"
	auth.coverage["https://example.com/doomed"] = "Discovered - currently not indexed"
	tr := newTestTracker(t, auth, memory.NewStore(), clk, Config{MaxRetryAttempts: 1, RetryInterval: time.Hour})

	tr.Track(ctx, "https://example.com/done", "done", "")
	tr.Track(ctx, "https://example.com/doomed", "doomed", "")
	clk.Advance(25 * time.Hour)

	tr.RunCycle(ctx) // done indexed, doomed retry 1/1
	clk.Advance(2 * time.Hour)
	tr.RunCycle(ctx) // doomed fails
	calls := auth.inspectCount()

	doomed, err := tr.Get("https://example.com/doomed")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, doomed.Status)
	require.Equal(t, "Max retries exceeded - still not indexed", doomed.LastError)

	clk.Advance(30 * 24 * time.Hour)
	res := tr.RunCycle(ctx)
	require.Zero(t, res.Checked)
	require.Equal(t, calls, auth.inspectCount())
}

func TestRetryBudget(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock(testBase)
	auth := newFakeAuthority()
	auth.coverage["https://example.com/a"] = "Discovered - currently not indexed"
	tr := newTestTracker(t, auth, memory.NewStore(), clk, Config{MaxRetryAttempts: 2, RetryInterval: time.Hour})

	tr.Track(ctx, "https://example.com/a", "a", "")
	clk.Advance(25 * time.Hour)

	res := tr.RunCycle(ctx)
	require.Equal(t, 1, res.Retried)
	require.Equal(t, "Retry 1/2 - Discovered but not indexed", res.Results[0].Message)
	require.Equal(t, 1, auth.reindexCount())

	clk.Advance(2 * time.Hour)
	res = tr.RunCycle(ctx)
	require.Equal(t, 1, res.Retried)
	require.Equal(t, "Retry 2/2 - Discovered but not indexed", res.Results[0].Message)
	require.Equal(t, 2, auth.reindexCount())

	clk.Advance(2 * time.Hour)
	res = tr.RunCycle(ctx)
	require.Zero(t, res.Retried)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, ResultFailed, res.Results[0].Status)
	require.Equal(t, "Failed after 2 retries", res.Results[0].Message)
	// Exhausting the budget does not trigger another reindex request.
	require.Equal(t, 2, auth.reindexCount())

	item, err := tr.Get("https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, item.Status)
	require.Equal(t, 2, item.RetryCount)
}

func TestTransportErrorDoesNotConsumeRetries(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock(testBase)
	auth := newFakeAuthority()
	auth.inspectErr = errors.New("connection refused")
	tr := newTestTracker(t, auth, memory.NewStore(), clk, Config{RetryInterval: time.Hour})

	tr.Track(ctx, "https://example.com/a", "a", "")
	clk.Advance(25 * time.Hour)

	for i := 0; i < 3; i++ {
		res := tr.RunCycle(ctx)
		// A transport failure is not a completed check.
		require.Zero(t, res.Checked)
		require.Len(t, res.Results, 1)
		require.Equal(t, ResultError, res.Results[0].Status)
		require.Equal(t, "Error: connection refused", res.Results[0].Message)
		clk.Advance(2 * time.Hour)
	}

	item, err := tr.Get("https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, StatusRetryScheduled, item.Status)
	require.Zero(t, item.RetryCount)
	require.Equal(t, 3, item.CheckCount)
	require.Equal(t, "connection refused", item.LastError)
	require.Zero(t, auth.reindexCount())
}

func TestStructuredInspectionFailure(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock(testBase)
	auth := newFakeAuthority()
	auth.inspectFail = "quota exceeded"
	tr := newTestTracker(t, auth, memory.NewStore(), clk, Config{})

	tr.Track(ctx, "https://example.com/a", "a", "")
	clk.Advance(25 * time.Hour)

	res := tr.RunCycle(ctx)
	// The authority answered, so the check counts even without a verdict.
	require.Equal(t, 1, res.Checked)
	require.Equal(t, ResultError, res.Results[0].Status)
	require.Equal(t, "Inspection error: quota exceeded", res.Results[0].Message)

	item, err := tr.Get("https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, StatusRetryScheduled, item.Status)
	require.Zero(t, item.RetryCount)
	require.Equal(t, "quota exceeded", item.LastError)
}

func TestUnknownCoverageSchedulesRetryWithoutBudget(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock(testBase)
	auth := newFakeAuthority()
	auth.coverage["https://example.com/a"] = "Crawled - currently not indexed"
	tr := newTestTracker(t, auth, memory.NewStore(), clk, Config{})

	tr.Track(ctx, "https://example.com/a", "a", "")
	clk.Advance(25 * time.Hour)

	res := tr.RunCycle(ctx)
	require.Equal(t, 1, res.Checked)
	require.Equal(t, ResultUnknown, res.Results[0].Status)
	require.Equal(t, "Unknown state: Crawled - currently not indexed", res.Results[0].Message)

	item, err := tr.Get("https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, StatusRetryScheduled, item.Status)
	require.Zero(t, item.RetryCount)
	require.Zero(t, auth.reindexCount())
}

func TestBatchSizeCapsCycle(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock(testBase)
	auth := newFakeAuthority()
	tr := newTestTracker(t, auth, memory.NewStore(), clk, Config{})

	for i := 0; i < 25; i++ {
		url := fmt.Sprintf("https://example.com/p%02d", i)
		auth.coverage[url] = "Submitted and indexed"
		tr.Track(ctx, url, fmt.Sprintf("p%02d", i), "")
	}
	clk.Advance(25 * time.Hour)

	res := tr.RunCycle(ctx)
	require.Equal(t, 10, res.Checked)
	// Oldest entries go first.
	require.Equal(t, "p00", res.Results[0].Slug)
	require.Equal(t, "p09", res.Results[9].Slug)
	require.Equal(t, 15, tr.PendingCount())

	res = tr.RunCycle(ctx)
	require.Equal(t, 10, res.Checked)
	res = tr.RunCycle(ctx)
	require.Equal(t, 5, res.Checked)
	require.Zero(t, tr.PendingCount())
}

func TestStatsConsistency(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock(testBase)
	auth := newFakeAuthority()
	auth.coverage["https://example.com/a"] = "Submitted and indexed"
	auth.coverage["https://example.com/b"] = "Discovered - currently not indexed"
	auth.coverage["https://example.com/c"] = "Crawled - currently not indexed"
	tr := newTestTracker(t, auth, memory.NewStore(), clk, Config{MaxRetryAttempts: 1, RetryInterval: time.Hour})

	tr.Track(ctx, "https://example.com/a", "a", "")
	tr.Track(ctx, "https://example.com/b", "b", "")
	tr.Track(ctx, "https://example.com/c", "c", "")
	clk.Advance(25 * time.Hour)
	tr.RunCycle(ctx) // a indexed, b retry 1/1, c unknown
	clk.Advance(2 * time.Hour)
	tr.RunCycle(ctx) // b fails, c unknown again

	snap := tr.Status()
	require.Equal(t, 3, snap.Stats.TotalTracked)
	require.Equal(t, 1, snap.Stats.Indexed)
	require.Equal(t, 1, snap.Stats.Failed)
	require.Equal(t, 1, snap.Stats.Pending)
	require.Len(t, snap.Queue, 3)
}

func TestReTrackReplacesEntry(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock(testBase)
	auth := newFakeAuthority()
	auth.coverage["https://example.com/a"] = "Discovered - currently not indexed"
	tr := newTestTracker(t, auth, memory.NewStore(), clk, Config{})

	tr.Track(ctx, "https://example.com/a", "a", "")
	clk.Advance(25 * time.Hour)
	tr.RunCycle(ctx)

	clk.Advance(time.Hour)
	tr.Track(ctx, "https://example.com/a", "a", "updated")

	item, err := tr.Get("https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, StatusPending, item.Status)
	require.Zero(t, item.CheckCount)
	require.Zero(t, item.RetryCount)
	require.Nil(t, item.LastCheckedAt)
	require.Equal(t, clk.Now(), item.CreatedAt)
	require.Equal(t, "updated", item.Category)

	snap := tr.Status()
	require.Equal(t, 2, snap.Stats.TotalTracked)
	require.Len(t, snap.Queue, 1)
}

func TestForceRecheck(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock(testBase)
	auth := newFakeAuthority()
	auth.coverage["https://example.com/a"] = "Discovered - currently not indexed"
	tr := newTestTracker(t, auth, memory.NewStore(), clk, Config{})

	require.ErrorIs(t, tr.ForceRecheck(ctx, "https://example.com/missing"), ErrNotFound)

	tr.Track(ctx, "https://example.com/a", "a", "")
	clk.Advance(25 * time.Hour)
	tr.RunCycle(ctx)

	// Without the reset the item would wait out the 48h retry interval.
	require.Zero(t, tr.RunCycle(ctx).Checked)
	require.NoError(t, tr.ForceRecheck(ctx, "https://example.com/a"))

	item, err := tr.Get("https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, StatusPending, item.Status)
	require.Nil(t, item.LastCheckedAt)

	res := tr.RunCycle(ctx)
	require.Equal(t, 1, res.Checked)
}

func TestPruneRemovesOldTerminalItems(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock(testBase)
	auth := newFakeAuthority()
	auth.coverage["https://example.com/old-indexed"] = "Submitted and indexed"
	auth.coverage["https://example.com/old-failed"] = "Discovered - currently not indexed"
	auth.coverage["https://example.com/old-pending"] = "Crawled - currently not indexed"
	tr := newTestTracker(t, auth, memory.NewStore(), clk, Config{MaxRetryAttempts: 1, RetryInterval: time.Hour})

	tr.Track(ctx, "https://example.com/old-indexed", "old-indexed", "")
	tr.Track(ctx, "https://example.com/old-failed", "old-failed", "")
	tr.Track(ctx, "https://example.com/old-pending", "old-pending", "")
	clk.Advance(25 * time.Hour)
	tr.RunCycle(ctx)
	clk.Advance(2 * time.Hour)
	tr.RunCycle(ctx) // old-failed exhausts its budget

	// Created exactly at the cutoff boundary once 30 days pass.
	tr.Track(ctx, "https://example.com/boundary", "boundary", "")
	clk.Advance(30 * 24 * time.Hour)

	removed := tr.Prune(ctx, 30)
	require.Equal(t, 2, removed)

	_, err := tr.Get("https://example.com/old-indexed")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = tr.Get("https://example.com/old-failed")
	require.ErrorIs(t, err, ErrNotFound)

	// Non-terminal items survive regardless of age.
	_, err = tr.Get("https://example.com/old-pending")
	require.NoError(t, err)
	// Strict comparison keeps the item created exactly at the cutoff.
	_, err = tr.Get("https://example.com/boundary")
	require.NoError(t, err)

	require.Zero(t, tr.Prune(ctx, 30))
}

func TestCycleSingleFlight(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock(testBase)
	auth := &blockingAuthority{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	tr := newTestTracker(t, auth, memory.NewStore(), clk, Config{})

	tr.Track(ctx, "https://example.com/a", "a", "")
	clk.Advance(25 * time.Hour)

	done := make(chan CycleResult, 1)
	go func() { done <- tr.RunCycle(ctx) }()
	<-auth.started

	// The overlapping call declines without touching the queue.
	res := tr.RunCycle(ctx)
	require.Zero(t, res.Checked)
	require.Empty(t, res.Results)

	close(auth.release)
	first := <-done
	require.Equal(t, 1, first.Checked)
	require.Equal(t, 1, first.Indexed)
}

func TestPersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock(testBase)
	store := memory.NewStore()
	auth := newFakeAuthority()
	auth.coverage["https://example.com/a"] = "Submitted and indexed"
	tr := newTestTracker(t, auth, store, clk, Config{})

	tr.Track(ctx, "https://example.com/a", "a", "posts")
	tr.Track(ctx, "https://example.com/b", "b", "posts")
	clk.Advance(25 * time.Hour)
	tr.RunCycle(ctx)

	restored := newTestTracker(t, auth, store, clk, Config{})
	restored.Initialize(ctx)

	a, err := restored.Get("https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, StatusIndexed, a.Status)
	require.NotNil(t, a.IndexedAt)

	b, err := restored.Get("https://example.com/b")
	require.NoError(t, err)
	require.Equal(t, StatusRetryScheduled, b.Status)

	snap := restored.Status()
	require.Equal(t, 2, snap.Stats.TotalTracked)
	require.Equal(t, 1, snap.Stats.Indexed)
	require.Equal(t, 1, snap.Stats.Pending)
	require.Len(t, snap.RecentHistory, 1)
}

func TestHistoryTrimmedOnPersistOnly(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock(testBase)
	store := memory.NewStore()
	auth := newFakeAuthority()
	tr := newTestTracker(t, auth, store, clk, Config{HistoryKeep: 3})

	for i := 0; i < 5; i++ {
		url := fmt.Sprintf("https://example.com/p%d", i)
		auth.coverage[url] = "Submitted and indexed"
		tr.Track(ctx, url, fmt.Sprintf("p%d", i), "")
	}
	clk.Advance(25 * time.Hour)
	tr.RunCycle(ctx)

	// In memory the full log is available.
	require.Len(t, tr.Status().RecentHistory, 5)

	restored := newTestTracker(t, auth, store, clk, Config{HistoryKeep: 3})
	restored.Initialize(ctx)
	recent := restored.Status().RecentHistory
	require.Len(t, recent, 3)
	require.Equal(t, "p2", recent[0].Slug)
	require.Equal(t, "p4", recent[2].Slug)
}

func TestPersistenceFailuresAreTolerated(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock(testBase)
	auth := newFakeAuthority()
	auth.coverage["https://example.com/a"] = "Submitted and indexed"
	tr := newTestTracker(t, auth, failingStore{}, clk, Config{})

	tr.Initialize(ctx)
	tr.Track(ctx, "https://example.com/a", "a", "")
	clk.Advance(25 * time.Hour)

	res := tr.RunCycle(ctx)
	require.Equal(t, 1, res.Checked)
	require.Equal(t, 1, res.Indexed)

	item, err := tr.Get("https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, StatusIndexed, item.Status)
}
