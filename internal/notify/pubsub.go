package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
)

// PubSubPublisher implements Publisher on top of Google Cloud Pub/Sub.
type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
}

// NewPubSubPublisher creates a Pub/Sub client and verifies the topic exists.
// It authenticates using Application Default Credentials.
func NewPubSubPublisher(ctx context.Context, projectID, topicID string, logger *zap.Logger) (*PubSubPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("failed to close pubsub client after topic check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("failed to close pubsub client after topic check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}

	return &PubSubPublisher{client: client, topic: topic, logger: logger}, nil
}

// Publish sends the event to the topic. The Pub/Sub client batches and
// retries in the background; we do not block on the server ack.
func (p *PubSubPublisher) Publish(ctx context.Context, event IndexedEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal indexed event: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{Data: data})
	_ = result // Fire-and-forget; the client delivers asynchronously.
	return nil
}

// Close stops the topic's publisher and closes the client connection.
func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
