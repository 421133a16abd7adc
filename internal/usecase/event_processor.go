package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hszk-dev/sumvid/internal/domain/model"
	"github.com/hszk-dev/sumvid/internal/infrastructure/metrics"
)

// EventProcessor handles artifact events consumed by the worker.
type EventProcessor interface {
	Process(ctx context.Context, event model.ArtifactEvent) error
}

type eventProcessor struct {
	cache ContentCache
}

// NewEventProcessor creates a new EventProcessor.
func NewEventProcessor(cache ContentCache) EventProcessor {
	return &eventProcessor{cache: cache}
}

// Process records the event and runs a sweep for sweep events.
// Returning an error makes the queue retry the event.
func (p *eventProcessor) Process(ctx context.Context, event model.ArtifactEvent) error {
	metrics.ArtifactEventsTotal.WithLabelValues(string(event.Action)).Inc()

	switch event.Action {
	case model.ActionSweep:
		removed, err := p.cache.SweepExpired(ctx)
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		slog.Info("swept expired artifacts",
			"event_id", event.ID,
			"removed", removed,
		)

	case model.ActionGenerated, model.ActionInvalidated:
		slog.Info("artifact event",
			"event_id", event.ID,
			"content_id", event.ContentID,
			"kind", event.Kind,
			"action", event.Action,
			"occurred_at", event.OccurredAt,
		)

	default:
		slog.Warn("ignoring unknown artifact event",
			"event_id", event.ID,
			"action", event.Action,
		)
	}

	return nil
}
