package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hszk-dev/sumvid/internal/domain/model"
)

func TestEventProcessor_Process(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock(testEpoch)
	cache := newTestContentCache(store, clock)
	_ = cache.Put(context.Background(), "vid123", model.KindSummary, json.RawMessage(`"S1"`))
	clock.Advance(25 * time.Hour)

	processor := NewEventProcessor(cache)

	tests := []struct {
		name  string
		event model.ArtifactEvent
	}{
		{"generated", model.NewArtifactEvent("vid123", model.KindSummary, model.ActionGenerated, testEpoch)},
		{"invalidated", model.NewArtifactEvent("vid123", model.KindQuiz, model.ActionInvalidated, testEpoch)},
		{"unknown", model.NewArtifactEvent("vid123", model.KindQuiz, "archived", testEpoch)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := processor.Process(context.Background(), tt.event); err != nil {
				t.Errorf("Process failed: %v", err)
			}
		})
	}

	if !store.has("summary_vid123") {
		t.Fatal("non-sweep events must not remove entries")
	}

	if err := processor.Process(context.Background(), model.NewArtifactEvent("", "", model.ActionSweep, clock.Now())); err != nil {
		t.Fatalf("Process(sweep) failed: %v", err)
	}
	if store.has("summary_vid123") {
		t.Error("sweep should remove the expired entry")
	}
}

func TestEventProcessor_SweepError(t *testing.T) {
	store := newMemStore()
	cache := newTestContentCache(store, newFakeClock(testEpoch))
	store.put("summary_vid123", []byte("garbage"))
	store.removeFn = func(ctx context.Context, keys ...string) error {
		return errors.New("store down")
	}

	err := NewEventProcessor(cache).Process(context.Background(), model.NewArtifactEvent("", "", model.ActionSweep, testEpoch))
	if err == nil {
		t.Error("expected error so the event is retried")
	}
}
