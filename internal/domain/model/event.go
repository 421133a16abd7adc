package model

import (
	"time"

	"github.com/google/uuid"
)

// EventAction describes what happened to an artifact.
type EventAction string

const (
	ActionGenerated   EventAction = "generated"
	ActionInvalidated EventAction = "invalidated"
	ActionSweep       EventAction = "sweep"
)

// ArtifactEvent is published after cache-changing operations so other processes can react.
type ArtifactEvent struct {
	ID         uuid.UUID    `json:"id"`
	ContentID  string       `json:"content_id,omitempty"`
	Kind       ArtifactKind `json:"kind,omitempty"`
	Action     EventAction  `json:"action"`
	OccurredAt time.Time    `json:"occurred_at"`
	RetryCount int          `json:"retry_count"`
}

// NewArtifactEvent builds an event with a fresh id.
func NewArtifactEvent(contentID string, kind ArtifactKind, action EventAction, at time.Time) ArtifactEvent {
	return ArtifactEvent{
		ID:         uuid.New(),
		ContentID:  contentID,
		Kind:       kind,
		Action:     action,
		OccurredAt: at,
	}
}
