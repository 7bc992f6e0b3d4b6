// Package notify defines the interface for publishing indexed-event
// notifications. This abstraction keeps the tracker independent of a
// specific message bus.
package notify

import (
	"context"
	"time"
)

// IndexedEvent describes a URL that just reached the indexed state.
type IndexedEvent struct {
	URL              string    `json:"url"`
	Slug             string    `json:"slug"`
	Category         string    `json:"category"`
	IndexedAt        time.Time `json:"indexed_at"`
	TimeToIndexHours float64   `json:"time_to_index_hours"`
}

// Publisher pushes indexed events to interested consumers.
// Publishing is fire-and-forget from the tracker's perspective.
type Publisher interface {
	// Publish sends an indexed event. Implementations may deliver
	// asynchronously.
	Publish(ctx context.Context, event IndexedEvent) error

	// Close cleans up any client connections and resources.
	Close() error
}

// NoOpPublisher is a publisher that performs no operations.
// It is useful for testing or running without a message bus.
type NoOpPublisher struct{}

// Publish for NoOpPublisher does nothing and returns nil.
func (NoOpPublisher) Publish(_ context.Context, _ IndexedEvent) error { return nil }

// Close for NoOpPublisher does nothing and returns nil.
func (NoOpPublisher) Close() error { return nil }
