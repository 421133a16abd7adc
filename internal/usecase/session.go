package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hszk-dev/sumvid/internal/domain/model"
	"github.com/hszk-dev/sumvid/internal/domain/repository"
)

// storedToken is the value kept at model.AuthTokenKey.
type storedToken struct {
	Token string `json:"token"`
}

// SessionService keeps each identity's bearer token in the key-value store.
type SessionService interface {
	// Resolve builds the session for a request. A token supplied with the request
	// wins over the stored one.
	Resolve(ctx context.Context, identity, token, contentID string) (model.SessionContext, error)

	// Login stores token for identity.
	Login(ctx context.Context, identity, token string) error

	// Logout removes the stored token. Called when the backend rejects it.
	Logout(ctx context.Context, identity string) error
}

type sessionService struct {
	store repository.KeyValueStore
}

// NewSessionService creates a new SessionService.
func NewSessionService(store repository.KeyValueStore) SessionService {
	return &sessionService{store: store}
}

func (s *sessionService) Resolve(ctx context.Context, identity, token, contentID string) (model.SessionContext, error) {
	if token == "" && identity != "" {
		var stored storedToken
		if _, err := loadJSON(ctx, s.store, model.AuthTokenKey(identity), &stored); err != nil {
			slog.Warn("stored token unavailable",
				"identity", identity,
				"error", err,
			)
		}
		token = stored.Token
	}
	return model.NewSessionContext(identity, token, contentID)
}

func (s *sessionService) Login(ctx context.Context, identity, token string) error {
	if identity == "" {
		return model.ErrEmptyIdentity
	}
	if err := saveJSON(ctx, s.store, model.AuthTokenKey(identity), storedToken{Token: token}); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

func (s *sessionService) Logout(ctx context.Context, identity string) error {
	if identity == "" {
		return model.ErrEmptyIdentity
	}
	if err := s.store.Remove(ctx, model.AuthTokenKey(identity)); err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}
	return nil
}

// SessionWatcher drops cached premium status whenever an identity's token changes.
type SessionWatcher struct {
	store   repository.KeyValueStore
	premium PremiumCache
}

// NewSessionWatcher creates a new SessionWatcher.
func NewSessionWatcher(store repository.KeyValueStore, premium PremiumCache) *SessionWatcher {
	return &SessionWatcher{store: store, premium: premium}
}

// Run consumes the store's change stream until ctx ends.
func (w *SessionWatcher) Run(ctx context.Context) error {
	changes, err := w.store.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch store: %w", err)
	}

	for change := range changes {
		for _, key := range change.Keys {
			identity, ok := model.IdentityFromAuthTokenKey(key)
			if !ok {
				continue
			}
			w.premium.Forget(identity)
			slog.Info("session changed",
				"identity", identity,
				"op", change.Op,
			)
		}
	}

	return ctx.Err()
}
