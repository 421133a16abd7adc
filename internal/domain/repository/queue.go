package repository

import (
	"context"

	"github.com/hszk-dev/sumvid/internal/domain/model"
)

// EventPublisher publishes artifact events.
type EventPublisher interface {
	PublishArtifactEvent(ctx context.Context, event model.ArtifactEvent) error
}

// MessageQueue defines the interface for message queue operations.
// Implementations should be provided by the infrastructure layer (e.g., RabbitMQ).
type MessageQueue interface {
	EventPublisher

	// ConsumeArtifactEvents starts consuming artifact events from the queue.
	// The handler function is called for each received event.
	// Used by the worker service.
	ConsumeArtifactEvents(ctx context.Context, handler func(event model.ArtifactEvent) error) error

	// Close gracefully closes the connection to the message queue.
	Close() error
}
