// Package tracker implements the indexing reconciliation queue: it follows
// externally published URLs, periodically asks the status authority whether
// each one has been indexed, and retries or escalates until an item reaches
// a terminal state or is pruned by age.
package tracker

import (
	"errors"
	"time"
)

// ErrNotFound is returned when an operation references an untracked URL.
var ErrNotFound = errors.New("tracker: url not tracked")

// ItemStatus represents the lifecycle state of a tracked URL.
type ItemStatus string

// Item status values persisted in the queue snapshot.
const (
	StatusPending        ItemStatus = "pending"
	StatusChecking       ItemStatus = "checking"
	StatusIndexed        ItemStatus = "indexed"
	StatusFailed         ItemStatus = "failed"
	StatusRetryScheduled ItemStatus = "retry_scheduled"
)

// Terminal reports whether no further transitions occur for this status.
func (s ItemStatus) Terminal() bool {
	return s == StatusIndexed || s == StatusFailed
}

// Item is the tracked record for one URL.
type Item struct {
	URL           string     `json:"url"`
	Slug          string     `json:"slug"`
	Category      string     `json:"category"`
	CreatedAt     time.Time  `json:"created_at"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	CheckCount    int        `json:"check_count"`
	RetryCount    int        `json:"retry_count"`
	Status        ItemStatus `json:"status"`
	IndexedAt     *time.Time `json:"indexed_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// Stats is the aggregate view of the queue.
// Pending is recomputed from the queue on every refresh rather than
// maintained incrementally, so it cannot drift.
type Stats struct {
	TotalTracked   int       `json:"total_tracked"`
	Indexed        int       `json:"indexed"`
	Pending        int       `json:"pending"`
	Failed         int       `json:"failed"`
	AvgTimeToIndex float64   `json:"avg_time_to_index_hours"`
	LastUpdated    time.Time `json:"last_updated"`
}

// HistoryEntry records one successful indexing event.
type HistoryEntry struct {
	URL         string    `json:"url"`
	Slug        string    `json:"slug"`
	IndexedAt   time.Time `json:"indexed_at"`
	TimeToIndex float64   `json:"time_to_index_hours"`
}

// ItemResult is the per-item outcome emitted by a cycle for activity logging.
type ItemResult struct {
	URL     string `json:"url"`
	Slug    string `json:"slug"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Per-item result status values.
const (
	ResultIndexed = "indexed"
	ResultRetry   = "retry"
	ResultFailed  = "failed"
	ResultUnknown = "unknown"
	ResultError   = "error"
)

// CycleResult aggregates one reconciliation cycle invocation.
type CycleResult struct {
	Checked int          `json:"checked"`
	Indexed int          `json:"indexed"`
	Retried int          `json:"retried"`
	Failed  int          `json:"failed"`
	Results []ItemResult `json:"results"`
}

// StatusSnapshot is the read-only dashboard view.
type StatusSnapshot struct {
	Stats         Stats          `json:"stats"`
	Queue         []Item         `json:"queue"`
	RecentHistory []HistoryEntry `json:"recent_history"`
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
