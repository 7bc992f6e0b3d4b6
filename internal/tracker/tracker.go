package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/contentops/indexwatch/internal/authority"
	"github.com/contentops/indexwatch/internal/kv"
	"github.com/contentops/indexwatch/internal/metrics"
	"github.com/contentops/indexwatch/internal/notify"
)

// Well-known snapshot keys in the persistence store.
const (
	kvQueueKey   = "indexing:queue"
	kvStatsKey   = "indexing:stats"
	kvHistoryKey = "indexing:history"
)

// Config controls the reconciliation state machine.
type Config struct {
	// InitialDelay is how long after creation an item waits before its
	// first check.
	InitialDelay time.Duration
	// RetryInterval is how long after a check an item waits before the
	// next one.
	RetryInterval time.Duration
	// MaxRetryAttempts caps how many "discovered but not indexed"
	// verdicts an item may receive before it fails permanently.
	MaxRetryAttempts int
	// BatchSize caps items per cycle to bound authority call volume.
	BatchSize int
	// HistoryKeep is how many history entries survive a persistence flush.
	HistoryKeep int
}

func (c *Config) applyDefaults() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 24 * time.Hour
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 48 * time.Hour
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 5
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.HistoryKeep <= 0 {
		c.HistoryKeep = 200
	}
}

// Tracker owns the queue of tracked URLs, their statistics, and the
// indexing history. All mutation happens through its methods; a cycle
// holds exclusive execution via the in-flight guard, and the mutex
// covers reads from HTTP handlers racing a running cycle.
type Tracker struct {
	cfg       Config
	authority authority.Client
	store     kv.Store
	notifier  notify.Publisher
	clock     Clock
	logger    *zap.Logger

	mu      sync.RWMutex
	queue   map[string]*Item
	order   []string
	stats   Stats
	history *History

	cycleInFlight atomic.Bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// New constructs a Tracker. The authority client is required; store,
// notifier, clock, and logger fall back to no-op implementations.
func New(
	auth authority.Client,
	store kv.Store,
	notifier notify.Publisher,
	clock Clock,
	cfg Config,
	logger *zap.Logger,
) *Tracker {
	cfg.applyDefaults()
	if store == nil {
		store = kv.NoOpStore{}
	}
	if notifier == nil {
		notifier = notify.NoOpPublisher{}
	}
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		cfg:       cfg,
		authority: auth,
		store:     store,
		notifier:  notifier,
		clock:     clock,
		logger:    logger,
		queue:     make(map[string]*Item),
		history:   NewHistory(nil),
	}
}

// Initialize loads the queue, statistics, and history snapshots from the
// persistence store. Missing or corrupt snapshots are logged and replaced
// with empty state; initialization never fails the process.
func (t *Tracker) Initialize(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var items []Item
	if t.loadJSON(ctx, kvQueueKey, &items) {
		for i := range items {
			item := items[i]
			t.queue[item.URL] = &item
			t.order = append(t.order, item.URL)
		}
	}

	var stats Stats
	if t.loadJSON(ctx, kvStatsKey, &stats) {
		t.stats = stats
	}

	var entries []HistoryEntry
	if t.loadJSON(ctx, kvHistoryKey, &entries) {
		t.history = NewHistory(entries)
	}

	t.refreshStatsLocked(t.clock.Now())
	t.logger.Info("index tracker initialized",
		zap.Int("queue_size", len(t.queue)),
		zap.Int("history_size", t.history.Len()),
	)
}

// Track registers a new URL in pending state. Re-tracking an existing URL
// replaces the prior entry; last write wins.
func (t *Tracker) Track(ctx context.Context, url, slug, category string) {
	t.mu.Lock()
	now := t.clock.Now()
	item := &Item{
		URL:       url,
		Slug:      slug,
		Category:  category,
		CreatedAt: now,
		Status:    StatusPending,
	}
	if _, exists := t.queue[url]; !exists {
		t.order = append(t.order, url)
	}
	t.queue[url] = item
	t.stats.TotalTracked++
	t.refreshStatsLocked(now)
	t.mu.Unlock()

	metrics.ObserveTracked()
	t.flush(ctx)
	t.logger.Info("tracking new url", zap.String("slug", slug), zap.String("url", url))
}

// Get returns a copy of the tracked item for url.
func (t *Tracker) Get(url string) (Item, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	item, ok := t.queue[url]
	if !ok {
		return Item{}, ErrNotFound
	}
	return *item, nil
}

// PendingCount returns the number of items not yet in a terminal state.
func (t *Tracker) PendingCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pendingLocked()
}

// Status returns a read-only dashboard snapshot: statistics, the full
// queue in insertion order, and the 50 most recent history entries.
func (t *Tracker) Status() StatusSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	stats := t.stats
	stats.Pending = t.pendingLocked()
	return StatusSnapshot{
		Stats:         stats,
		Queue:         t.itemsLocked(),
		RecentHistory: t.history.Recent(50),
	}
}

// ForceRecheck resets an item so it becomes immediately eligible for the
// next cycle. Returns ErrNotFound for untracked URLs.
func (t *Tracker) ForceRecheck(ctx context.Context, url string) error {
	t.mu.Lock()
	item, ok := t.queue[url]
	if !ok {
		t.mu.Unlock()
		return ErrNotFound
	}
	item.LastCheckedAt = nil
	item.Status = StatusPending
	t.refreshStatsLocked(t.clock.Now())
	t.mu.Unlock()

	t.flush(ctx)
	return nil
}

// Prune removes terminal items created before the cutoff and reports how
// many were removed. The cutoff comparison is strict: an item created
// exactly maxAgeDays ago is retained.
func (t *Tracker) Prune(ctx context.Context, maxAgeDays int) int {
	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}
	cutoff := t.clock.Now().AddDate(0, 0, -maxAgeDays)

	t.mu.Lock()
	removed := 0
	kept := make([]string, 0, len(t.order))
	for _, url := range t.order {
		item, ok := t.queue[url]
		if ok && item.Status.Terminal() && item.CreatedAt.Before(cutoff) {
			delete(t.queue, url)
			removed++
			continue
		}
		kept = append(kept, url)
	}
	t.order = kept
	if removed > 0 {
		t.refreshStatsLocked(t.clock.Now())
	}
	t.mu.Unlock()

	if removed > 0 {
		t.flush(ctx)
		t.logger.Info("pruned old items", zap.Int("removed", removed), zap.Int("max_age_days", maxAgeDays))
	}
	return removed
}

// RunCycle selects a batch of eligible items, reconciles each against the
// status authority, and persists the result in a single flush. A call made
// while another cycle is in flight is a no-op returning a zero result.
func (t *Tracker) RunCycle(ctx context.Context) CycleResult {
	if !t.cycleInFlight.CompareAndSwap(false, true) {
		return CycleResult{Results: []ItemResult{}}
	}
	defer t.cycleInFlight.Store(false)

	result := CycleResult{Results: []ItemResult{}}
	for _, url := range t.selectBatch() {
		t.checkItem(ctx, url, &result)
	}

	t.mu.Lock()
	t.refreshStatsLocked(t.clock.Now())
	t.mu.Unlock()

	t.flush(ctx)
	metrics.ObserveCycle(result.Indexed, result.Retried, result.Failed)
	if result.Checked > 0 {
		t.logger.Info("reconciliation cycle complete",
			zap.Int("checked", result.Checked),
			zap.Int("indexed", result.Indexed),
			zap.Int("retried", result.Retried),
			zap.Int("failed", result.Failed),
		)
	}
	return result
}

// selectBatch returns up to BatchSize eligible URLs in queue insertion
// order. An item is eligible when it is not terminal and its timing
// window (initial delay for never-checked items, retry interval
// otherwise) has elapsed.
func (t *Tracker) selectBatch() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.clock.Now()
	var batch []string
	for _, url := range t.order {
		item, ok := t.queue[url]
		if !ok || item.Status.Terminal() {
			continue
		}
		if item.LastCheckedAt == nil {
			if now.Sub(item.CreatedAt) < t.cfg.InitialDelay {
				continue
			}
		} else if now.Sub(*item.LastCheckedAt) < t.cfg.RetryInterval {
			continue
		}
		batch = append(batch, url)
		if len(batch) >= t.cfg.BatchSize {
			break
		}
	}
	return batch
}

func (t *Tracker) checkItem(ctx context.Context, url string, result *CycleResult) {
	t.mu.Lock()
	item, ok := t.queue[url]
	if !ok {
		// Removed between selection and processing.
		t.mu.Unlock()
		return
	}
	// The checking mark lands before the external call so a crash
	// mid-call leaves the item visibly in flight; it becomes eligible
	// again once the retry interval elapses from this timestamp.
	checkedAt := t.clock.Now()
	item.Status = StatusChecking
	item.LastCheckedAt = &checkedAt
	item.CheckCount++
	slug := item.Slug
	t.mu.Unlock()

	inspection, err := t.authority.Inspect(ctx, url)
	if err != nil {
		t.scheduleRetry(item, err.Error())
		metrics.ObserveCheck(ResultError)
		result.Results = append(result.Results, ItemResult{
			URL:     url,
			Slug:    slug,
			Status:  ResultError,
			Message: "Error: " + err.Error(),
		})
		return
	}
	result.Checked++

	if !inspection.Success {
		msg := inspection.Error
		if msg == "" {
			msg = "Inspection failed"
		}
		t.scheduleRetry(item, msg)
		metrics.ObserveCheck(ResultError)
		result.Results = append(result.Results, ItemResult{
			URL:     url,
			Slug:    slug,
			Status:  ResultError,
			Message: "Inspection error: " + msg,
		})
		return
	}

	switch ClassifyCoverage(inspection.CoverageState) {
	case VerdictIndexed:
		event := t.markIndexed(item)
		result.Indexed++
		metrics.ObserveCheck(ResultIndexed)
		result.Results = append(result.Results, ItemResult{
			URL:     url,
			Slug:    slug,
			Status:  ResultIndexed,
			Message: fmt.Sprintf("Indexed after %.1f hours", event.TimeToIndexHours),
		})
		t.publishIndexed(ctx, event)

	case VerdictDiscovered:
		t.mu.Lock()
		if item.RetryCount < t.cfg.MaxRetryAttempts {
			item.Status = StatusRetryScheduled
			item.RetryCount++
			retryCount := item.RetryCount
			t.mu.Unlock()
			result.Retried++
			metrics.ObserveCheck(ResultRetry)
			t.requestReindex(ctx, url)
			result.Results = append(result.Results, ItemResult{
				URL:     url,
				Slug:    slug,
				Status:  ResultRetry,
				Message: fmt.Sprintf("Retry %d/%d - Discovered but not indexed", retryCount, t.cfg.MaxRetryAttempts),
			})
		} else {
			item.Status = StatusFailed
			item.LastError = "Max retries exceeded - still not indexed"
			t.stats.Failed++
			t.mu.Unlock()
			result.Failed++
			metrics.ObserveCheck(ResultFailed)
			result.Results = append(result.Results, ItemResult{
				URL:     url,
				Slug:    slug,
				Status:  ResultFailed,
				Message: fmt.Sprintf("Failed after %d retries", t.cfg.MaxRetryAttempts),
			})
		}

	default:
		t.mu.Lock()
		item.Status = StatusRetryScheduled
		t.mu.Unlock()
		metrics.ObserveCheck(ResultUnknown)
		result.Results = append(result.Results, ItemResult{
			URL:     url,
			Slug:    slug,
			Status:  ResultUnknown,
			Message: "Unknown state: " + inspection.CoverageState,
		})
	}
}

func (t *Tracker) scheduleRetry(item *Item, lastError string) {
	t.mu.Lock()
	item.Status = StatusRetryScheduled
	item.LastError = lastError
	t.mu.Unlock()
}

func (t *Tracker) markIndexed(item *Item) notify.IndexedEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	indexedAt := now
	item.Status = StatusIndexed
	item.IndexedAt = &indexedAt
	hours := now.Sub(item.CreatedAt).Hours()
	t.history.Append(HistoryEntry{
		URL:         item.URL,
		Slug:        item.Slug,
		IndexedAt:   now,
		TimeToIndex: hours,
	})
	t.stats.Indexed++
	t.stats.AvgTimeToIndex = t.history.Average()

	return notify.IndexedEvent{
		URL:              item.URL,
		Slug:             item.Slug,
		Category:         item.Category,
		IndexedAt:        now,
		TimeToIndexHours: hours,
	}
}

// requestReindex is fire-and-forget: its outcome never affects item state.
func (t *Tracker) requestReindex(ctx context.Context, url string) {
	receipt, err := t.authority.RequestReindex(ctx, url)
	if err != nil {
		t.logger.Warn("reindex request failed", zap.String("url", url), zap.Error(err))
		return
	}
	if !receipt.Success {
		t.logger.Info("reindex request refused", zap.String("url", url), zap.String("message", receipt.Message))
	}
}

func (t *Tracker) publishIndexed(ctx context.Context, event notify.IndexedEvent) {
	if err := t.notifier.Publish(ctx, event); err != nil {
		t.logger.Warn("publish indexed event failed", zap.String("url", event.URL), zap.Error(err))
	}
}

// flush persists the queue, statistics, and trimmed history snapshots.
// Persistence failures reduce durability only; they are logged and
// swallowed so a cycle always completes.
func (t *Tracker) flush(ctx context.Context) {
	t.mu.RLock()
	items := t.itemsLocked()
	stats := t.stats
	entries := t.history.Trimmed(t.cfg.HistoryKeep)
	t.mu.RUnlock()

	t.saveJSON(ctx, kvQueueKey, items)
	t.saveJSON(ctx, kvStatsKey, stats)
	t.saveJSON(ctx, kvHistoryKey, entries)
}

func (t *Tracker) saveJSON(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		t.logger.Error("marshal snapshot failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := t.store.Save(ctx, key, data); err != nil {
		t.logger.Warn("persist snapshot failed", zap.String("key", key), zap.Error(err))
	}
}

// loadJSON reads and unmarshals one snapshot, reporting whether dest was
// populated.
func (t *Tracker) loadJSON(ctx context.Context, key string, dest any) bool {
	data, err := t.store.Load(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			t.logger.Warn("load snapshot failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		t.logger.Warn("corrupt snapshot ignored", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (t *Tracker) pendingLocked() int {
	count := 0
	for _, item := range t.queue {
		if !item.Status.Terminal() {
			count++
		}
	}
	return count
}

func (t *Tracker) itemsLocked() []Item {
	items := make([]Item, 0, len(t.order))
	for _, url := range t.order {
		if item, ok := t.queue[url]; ok {
			items = append(items, *item)
		}
	}
	return items
}

// refreshStatsLocked recomputes the dynamic pending count, stamps
// LastUpdated, and mirrors the headline numbers into the metrics gauges.
func (t *Tracker) refreshStatsLocked(now time.Time) {
	t.stats.Pending = t.pendingLocked()
	t.stats.LastUpdated = now
	metrics.SetPendingItems(t.stats.Pending)
	metrics.SetAvgTimeToIndex(t.stats.AvgTimeToIndex)
}
