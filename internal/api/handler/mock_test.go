package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hszk-dev/sumvid/internal/api/middleware"
	"github.com/hszk-dev/sumvid/internal/domain/model"
	"github.com/hszk-dev/sumvid/internal/usecase"
)

// newTestRouter mounts the given routes under /v1 behind the credentials middleware.
func newTestRouter(routes ...func(chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Credentials)
	r.Route("/v1", func(r chi.Router) {
		for _, register := range routes {
			register(r)
		}
	})
	return r
}

// newRequest builds a request from install-1 with bearer tok.
func newRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(middleware.InstallIDHeader, "install-1")
	req.Header.Set("Authorization", "Bearer tok")
	return req
}

func decodeError(body []byte) ErrorResponse {
	var resp ErrorResponse
	_ = json.Unmarshal(body, &resp)
	return resp
}

// Mock SessionService

type mockSessionService struct {
	mu        sync.Mutex
	loggedOut []string
	loginFn   func(ctx context.Context, identity, token string) error
	logoutFn  func(ctx context.Context, identity string) error
}

func (m *mockSessionService) Resolve(ctx context.Context, identity, token, contentID string) (model.SessionContext, error) {
	return model.NewSessionContext(identity, token, contentID)
}

func (m *mockSessionService) Login(ctx context.Context, identity, token string) error {
	if m.loginFn != nil {
		return m.loginFn(ctx, identity, token)
	}
	return nil
}

func (m *mockSessionService) Logout(ctx context.Context, identity string) error {
	m.mu.Lock()
	m.loggedOut = append(m.loggedOut, identity)
	m.mu.Unlock()
	if m.logoutFn != nil {
		return m.logoutFn(ctx, identity)
	}
	return nil
}

func (m *mockSessionService) logouts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.loggedOut...)
}

// Mock ContentCache

type mockContentCache struct {
	getFn          func(ctx context.Context, contentID string, kind model.ArtifactKind) (json.RawMessage, bool)
	lookupFn       func(ctx context.Context, contentID string, kind model.ArtifactKind) (model.CacheEntry, bool)
	putFn          func(ctx context.Context, contentID string, kind model.ArtifactKind, payload json.RawMessage) error
	invalidateFn   func(ctx context.Context, contentID string, kinds ...model.ArtifactKind) error
	sweepExpiredFn func(ctx context.Context) (int, error)
}

func (m *mockContentCache) Get(ctx context.Context, contentID string, kind model.ArtifactKind) (json.RawMessage, bool) {
	if m.getFn != nil {
		return m.getFn(ctx, contentID, kind)
	}
	return nil, false
}

func (m *mockContentCache) Lookup(ctx context.Context, contentID string, kind model.ArtifactKind) (model.CacheEntry, bool) {
	if m.lookupFn != nil {
		return m.lookupFn(ctx, contentID, kind)
	}
	return model.CacheEntry{}, false
}

func (m *mockContentCache) Put(ctx context.Context, contentID string, kind model.ArtifactKind, payload json.RawMessage) error {
	if m.putFn != nil {
		return m.putFn(ctx, contentID, kind, payload)
	}
	return nil
}

func (m *mockContentCache) Invalidate(ctx context.Context, contentID string, kinds ...model.ArtifactKind) error {
	if m.invalidateFn != nil {
		return m.invalidateFn(ctx, contentID, kinds...)
	}
	return nil
}

func (m *mockContentCache) SweepExpired(ctx context.Context) (int, error) {
	if m.sweepExpiredFn != nil {
		return m.sweepExpiredFn(ctx)
	}
	return 0, nil
}

// Mock RegenerationCoordinator

type mockCoordinator struct {
	triggerFn func(ctx context.Context, sess model.SessionContext, req usecase.RegenerationRequest) (usecase.RegenerationResult, error)
	ensureFn  func(ctx context.Context, sess model.SessionContext, req usecase.RegenerationRequest) (usecase.RegenerationResult, error)
}

func (m *mockCoordinator) Trigger(ctx context.Context, sess model.SessionContext, req usecase.RegenerationRequest) (usecase.RegenerationResult, error) {
	if m.triggerFn != nil {
		return m.triggerFn(ctx, sess, req)
	}
	return usecase.RegenerationResult{Status: usecase.StatusCompleted}, nil
}

func (m *mockCoordinator) Ensure(ctx context.Context, sess model.SessionContext, req usecase.RegenerationRequest) (usecase.RegenerationResult, error) {
	if m.ensureFn != nil {
		return m.ensureFn(ctx, sess, req)
	}
	return usecase.RegenerationResult{Status: usecase.StatusCompleted}, nil
}

// Mock ChatService

type mockChatService struct {
	sendFn    func(ctx context.Context, sess model.SessionContext, in usecase.ChatInput) (usecase.ChatResult, error)
	clarifyFn func(ctx context.Context, sess model.SessionContext, in usecase.ClarifyInput) (usecase.ChatResult, error)
	historyFn func(ctx context.Context, contentID string) ([]model.ChatMessage, error)
	clearFn   func(ctx context.Context, contentID string) error
}

func (m *mockChatService) Send(ctx context.Context, sess model.SessionContext, in usecase.ChatInput) (usecase.ChatResult, error) {
	if m.sendFn != nil {
		return m.sendFn(ctx, sess, in)
	}
	return usecase.ChatResult{Status: usecase.StatusCompleted}, nil
}

func (m *mockChatService) Clarify(ctx context.Context, sess model.SessionContext, in usecase.ClarifyInput) (usecase.ChatResult, error) {
	if m.clarifyFn != nil {
		return m.clarifyFn(ctx, sess, in)
	}
	return usecase.ChatResult{Status: usecase.StatusCompleted}, nil
}

func (m *mockChatService) History(ctx context.Context, contentID string) ([]model.ChatMessage, error) {
	if m.historyFn != nil {
		return m.historyFn(ctx, contentID)
	}
	return []model.ChatMessage{}, nil
}

func (m *mockChatService) Clear(ctx context.Context, contentID string) error {
	if m.clearFn != nil {
		return m.clearFn(ctx, contentID)
	}
	return nil
}

// Mock UsageLimiter

type mockUsageLimiter struct {
	checkLimitFn       func(ctx context.Context, sess model.SessionContext) (model.LimitResult, error)
	checkUploadLimitFn func(ctx context.Context, sess model.SessionContext) (model.UploadLimitResult, error)
}

func (m *mockUsageLimiter) CheckLimit(ctx context.Context, sess model.SessionContext) (model.LimitResult, error) {
	if m.checkLimitFn != nil {
		return m.checkLimitFn(ctx, sess)
	}
	return model.LimitResult{Allowed: true, Limit: 10, Remaining: 10, Source: model.SourceLocal}, nil
}

func (m *mockUsageLimiter) RecordUsage(ctx context.Context, sess model.SessionContext, source model.UsageSource) error {
	return nil
}

func (m *mockUsageLimiter) CheckUploadLimit(ctx context.Context, sess model.SessionContext) (model.UploadLimitResult, error) {
	if m.checkUploadLimitFn != nil {
		return m.checkUploadLimitFn(ctx, sess)
	}
	return model.UploadLimitResult{Allowed: true, Remaining: 2}, nil
}

func (m *mockUsageLimiter) ReserveUpload(ctx context.Context, sess model.SessionContext) (model.UploadLimitResult, error) {
	return m.CheckUploadLimit(ctx, sess)
}

func (m *mockUsageLimiter) CancelUpload(ctx context.Context, sess model.SessionContext, reservedAt time.Time) error {
	return nil
}

// Mock UploadService

type mockUploadService struct {
	uploadFn func(ctx context.Context, sess model.SessionContext, in usecase.UploadInput) (*usecase.UploadResult, error)
}

func (m *mockUploadService) Upload(ctx context.Context, sess model.SessionContext, in usecase.UploadInput) (*usecase.UploadResult, error) {
	if m.uploadFn != nil {
		return m.uploadFn(ctx, sess, in)
	}
	return &usecase.UploadResult{Allowed: true}, nil
}

// Mock EventPublisher

type mockEventPublisher struct {
	events    []model.ArtifactEvent
	publishFn func(ctx context.Context, event model.ArtifactEvent) error
}

func (m *mockEventPublisher) PublishArtifactEvent(ctx context.Context, event model.ArtifactEvent) error {
	m.events = append(m.events, event)
	if m.publishFn != nil {
		return m.publishFn(ctx, event)
	}
	return nil
}
