package usecase

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hszk-dev/sumvid/internal/domain/model"
	"github.com/hszk-dev/sumvid/internal/domain/repository"
)

// memStore is an in-memory KeyValueStore with optional failure hooks.
type memStore struct {
	mu       sync.Mutex
	data     map[string][]byte
	removes  [][]string
	// getDelay widens read-modify-write windows in concurrency tests.
	getDelay time.Duration
	getFn    func(ctx context.Context, keys ...string) (map[string][]byte, error)
	setFn    func(ctx context.Context, items map[string][]byte) error
	removeFn func(ctx context.Context, keys ...string) error
	watchFn  func(ctx context.Context) (<-chan repository.StoreChange, error)
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	if m.getFn != nil {
		return m.getFn(ctx, keys...)
	}
	if m.getDelay > 0 {
		time.Sleep(m.getDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *memStore) Set(ctx context.Context, items map[string][]byte) error {
	if m.setFn != nil {
		return m.setFn(ctx, items)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range items {
		m.data[k] = v
	}
	return nil
}

func (m *memStore) Remove(ctx context.Context, keys ...string) error {
	if m.removeFn != nil {
		return m.removeFn(ctx, keys...)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removes = append(m.removes, append([]string(nil), keys...))
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *memStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memStore) Watch(ctx context.Context) (<-chan repository.StoreChange, error) {
	if m.watchFn != nil {
		return m.watchFn(ctx)
	}
	ch := make(chan repository.StoreChange)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (m *memStore) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

func (m *memStore) put(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

func (m *memStore) removeCalls() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.removes...)
}

// memLocker is an in-process Locker with an optional failure hook.
type memLocker struct {
	mu        sync.Mutex
	held      map[string]bool
	tryLockFn func(ctx context.Context, ttl time.Duration, keys ...string) (repository.Lease, error)
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]bool)}
}

func (l *memLocker) TryLock(ctx context.Context, ttl time.Duration, keys ...string) (repository.Lease, error) {
	if l.tryLockFn != nil {
		return l.tryLockFn(ctx, ttl, keys...)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		if l.held[k] {
			return nil, repository.ErrLockHeld
		}
	}
	for _, k := range keys {
		l.held[k] = true
	}
	return &memLease{locker: l, keys: append([]string(nil), keys...)}, nil
}

func (l *memLocker) isHeld(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[key]
}

type memLease struct {
	locker *memLocker
	once   sync.Once
	keys   []string
}

func (m *memLease) Release(ctx context.Context) error {
	m.once.Do(func() {
		m.locker.mu.Lock()
		defer m.locker.mu.Unlock()
		for _, k := range m.keys {
			delete(m.locker.held, k)
		}
	})
	return nil
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mockBackend provides a configurable mock for GenerationBackend.
type mockBackend struct {
	summarizeFn  func(ctx context.Context, token string, req repository.SummarizeRequest) (string, error)
	quizFn       func(ctx context.Context, token string, req repository.QuizRequest) (string, error)
	flashcardsFn func(ctx context.Context, token string, req repository.FlashcardsRequest) ([]model.Flashcard, error)
	chatFn       func(ctx context.Context, token string, req repository.ChatRequest) (string, error)
	getUsageFn   func(ctx context.Context, token string) (*model.RemoteUsage, error)
}

func (m *mockBackend) Summarize(ctx context.Context, token string, req repository.SummarizeRequest) (string, error) {
	if m.summarizeFn != nil {
		return m.summarizeFn(ctx, token, req)
	}
	return "summary", nil
}

func (m *mockBackend) Quiz(ctx context.Context, token string, req repository.QuizRequest) (string, error) {
	if m.quizFn != nil {
		return m.quizFn(ctx, token, req)
	}
	return "quiz", nil
}

func (m *mockBackend) Flashcards(ctx context.Context, token string, req repository.FlashcardsRequest) ([]model.Flashcard, error) {
	if m.flashcardsFn != nil {
		return m.flashcardsFn(ctx, token, req)
	}
	return []model.Flashcard{{Question: "Q", Answer: "A"}}, nil
}

func (m *mockBackend) Chat(ctx context.Context, token string, req repository.ChatRequest) (string, error) {
	if m.chatFn != nil {
		return m.chatFn(ctx, token, req)
	}
	return "reply", nil
}

func (m *mockBackend) GetUsage(ctx context.Context, token string) (*model.RemoteUsage, error) {
	if m.getUsageFn != nil {
		return m.getUsageFn(ctx, token)
	}
	return nil, repository.ErrBackendUnavailable
}

// mockPremiumProvider provides a configurable mock for PremiumStatusProvider.
type mockPremiumProvider struct {
	isPremiumFn func(ctx context.Context, sess model.SessionContext) (bool, error)
}

func (m *mockPremiumProvider) IsPremium(ctx context.Context, sess model.SessionContext) (bool, error) {
	if m.isPremiumFn != nil {
		return m.isPremiumFn(ctx, sess)
	}
	return false, nil
}

// mockUsageLimiter provides a configurable mock for UsageLimiter.
type mockUsageLimiter struct {
	mu                 sync.Mutex
	recorded           []model.UsageSource
	checkLimitFn       func(ctx context.Context, sess model.SessionContext) (model.LimitResult, error)
	cancelled          []time.Time
	checkUploadLimitFn func(ctx context.Context, sess model.SessionContext) (model.UploadLimitResult, error)
	reserveUploadFn    func(ctx context.Context, sess model.SessionContext) (model.UploadLimitResult, error)
}

func (m *mockUsageLimiter) CheckLimit(ctx context.Context, sess model.SessionContext) (model.LimitResult, error) {
	if m.checkLimitFn != nil {
		return m.checkLimitFn(ctx, sess)
	}
	return model.LimitResult{Allowed: true, Limit: 10, Remaining: 10, Source: model.SourceLocal}, nil
}

func (m *mockUsageLimiter) RecordUsage(ctx context.Context, sess model.SessionContext, source model.UsageSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded = append(m.recorded, source)
	return nil
}

func (m *mockUsageLimiter) CheckUploadLimit(ctx context.Context, sess model.SessionContext) (model.UploadLimitResult, error) {
	if m.checkUploadLimitFn != nil {
		return m.checkUploadLimitFn(ctx, sess)
	}
	return model.UploadLimitResult{Allowed: true, Remaining: 2}, nil
}

func (m *mockUsageLimiter) ReserveUpload(ctx context.Context, sess model.SessionContext) (model.UploadLimitResult, error) {
	if m.reserveUploadFn != nil {
		return m.reserveUploadFn(ctx, sess)
	}
	return model.UploadLimitResult{Allowed: true, Remaining: 1, ReservedAt: testEpoch}, nil
}

func (m *mockUsageLimiter) CancelUpload(ctx context.Context, sess model.SessionContext, reservedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, reservedAt)
	return nil
}

func (m *mockUsageLimiter) cancelledUploads() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.cancelled...)
}

func (m *mockUsageLimiter) recordedSources() []model.UsageSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.UsageSource(nil), m.recorded...)
}

// mockEventPublisher records published events.
type mockEventPublisher struct {
	mu        sync.Mutex
	events    []model.ArtifactEvent
	publishFn func(ctx context.Context, event model.ArtifactEvent) error
}

func (m *mockEventPublisher) PublishArtifactEvent(ctx context.Context, event model.ArtifactEvent) error {
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	if m.publishFn != nil {
		return m.publishFn(ctx, event)
	}
	return nil
}

func (m *mockEventPublisher) actions() []model.EventAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.EventAction, len(m.events))
	for i, e := range m.events {
		out[i] = e.Action
	}
	return out
}

// mockObjectStorage provides a configurable mock for ObjectStorage.
type mockObjectStorage struct {
	uploadFn                       func(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	generatePresignedDownloadURLFn func(ctx context.Context, key string, expiry time.Duration) (string, error)
	deleteFn                       func(ctx context.Context, key string) error
}

func (m *mockObjectStorage) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	if m.uploadFn != nil {
		return m.uploadFn(ctx, key, reader, size, contentType)
	}
	return nil
}

func (m *mockObjectStorage) GeneratePresignedDownloadURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if m.generatePresignedDownloadURLFn != nil {
		return m.generatePresignedDownloadURLFn(ctx, key, expiry)
	}
	return "http://example.com/download/" + key, nil
}

func (m *mockObjectStorage) Delete(ctx context.Context, key string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, key)
	}
	return nil
}

// mockFileProcessor provides a configurable mock for FileProcessor.
type mockFileProcessor struct {
	processFileFn func(ctx context.Context, token, filename, contentType string, body io.Reader) (*repository.ProcessedFile, error)
}

func (m *mockFileProcessor) ProcessFile(ctx context.Context, token, filename, contentType string, body io.Reader) (*repository.ProcessedFile, error) {
	if m.processFileFn != nil {
		return m.processFileFn(ctx, token, filename, contentType, body)
	}
	return &repository.ProcessedFile{Text: "extracted text"}, nil
}
