package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ArtifactKind identifies the type of generated content stored per content id.
type ArtifactKind string

const (
	KindSummary    ArtifactKind = "summary"
	KindQuiz       ArtifactKind = "quiz"
	KindChat       ArtifactKind = "chat"
	KindFlashcards ArtifactKind = "flashcards"
	KindNotes      ArtifactKind = "notes"
)

// AllKinds lists every cacheable artifact kind. SweepExpired scans one key prefix per kind.
var AllKinds = []ArtifactKind{KindSummary, KindQuiz, KindChat, KindFlashcards, KindNotes}

// Quizzes and chat context are derived from the summary, so they go stale with it.
var dependentKinds = map[ArtifactKind][]ArtifactKind{
	KindSummary: {KindQuiz, KindChat},
}

var (
	ErrEmptyContentID = errors.New("content ID cannot be empty")
	ErrInvalidKind    = errors.New("invalid artifact kind")
)

func (k ArtifactKind) IsValid() bool {
	switch k {
	case KindSummary, KindQuiz, KindChat, KindFlashcards, KindNotes:
		return true
	default:
		return false
	}
}

// Dependents returns the kinds that must be invalidated together with k.
func (k ArtifactKind) Dependents() []ArtifactKind {
	return dependentKinds[k]
}

// DependsOn returns the kinds whose replacement makes k stale.
func (k ArtifactKind) DependsOn() []ArtifactKind {
	var parents []ArtifactKind
	for _, parent := range AllKinds {
		for _, dep := range dependentKinds[parent] {
			if dep == k {
				parents = append(parents, parent)
			}
		}
	}
	return parents
}

func (k ArtifactKind) String() string {
	return string(k)
}

// ParseKind converts a raw string into an ArtifactKind.
func ParseKind(s string) (ArtifactKind, error) {
	k := ArtifactKind(strings.ToLower(s))
	if !k.IsValid() {
		return "", ErrInvalidKind
	}
	return k, nil
}

// CacheKey is the composite key of an artifact: "{kind}_{contentID}".
type CacheKey struct {
	ContentID string
	Kind      ArtifactKind
}

// NewCacheKey validates and builds a CacheKey.
func NewCacheKey(contentID string, kind ArtifactKind) (CacheKey, error) {
	if contentID == "" {
		return CacheKey{}, ErrEmptyContentID
	}
	if !kind.IsValid() {
		return CacheKey{}, ErrInvalidKind
	}
	return CacheKey{ContentID: contentID, Kind: kind}, nil
}

func (k CacheKey) String() string {
	return KindPrefix(k.Kind) + k.ContentID
}

// KindPrefix returns the key prefix shared by every entry of the given kind.
func KindPrefix(kind ArtifactKind) string {
	return string(kind) + "_"
}

// CacheEntry is the persisted form of a generated artifact.
// Field names follow the layout the extension already keeps in local storage.
type CacheEntry struct {
	Content   json.RawMessage `json:"content"`
	Timestamp int64           `json:"timestamp"`
	ContentID string          `json:"videoId"`
}

// NewCacheEntry stamps payload with createdAt.
func NewCacheEntry(contentID string, payload json.RawMessage, createdAt time.Time) CacheEntry {
	return CacheEntry{
		Content:   payload,
		Timestamp: createdAt.UnixMilli(),
		ContentID: contentID,
	}
}

// Encode serializes the entry without HTML escaping, byte-compatible with the extension's layout.
func (e CacheEntry) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// CreatedAt returns the write time of the entry.
func (e CacheEntry) CreatedAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// IsValid reports whether the entry is still inside its TTL at now.
func (e CacheEntry) IsValid(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.CreatedAt()) < ttl
}

// ChatRole distinguishes the two sides of a chat transcript.
type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// ChatMessage is one turn of a cached chat.
type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}

// Flashcard is one generated question/answer pair.
type Flashcard struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}
