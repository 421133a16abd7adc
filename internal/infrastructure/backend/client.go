// Package backend provides the HTTP client for the remote generation service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/hszk-dev/sumvid/internal/domain/model"
	"github.com/hszk-dev/sumvid/internal/domain/repository"
)

const maxErrorBody = 4 << 10

// ClientConfig holds configuration for the backend client.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Client implements repository.GenerationBackend and repository.PremiumStatusProvider
// against the JSON API of the generation service.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a new backend client.
func NewClient(cfg ClientConfig) *Client {
	return newClientWithHTTP(cfg.BaseURL, &http.Client{Timeout: cfg.Timeout})
}

// newClientWithHTTP creates a client with a custom http.Client (for testing).
func newClientWithHTTP(baseURL string, hc *http.Client) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
	}
}

type summarizeBody struct {
	ContentType string `json:"contentType"`
	VideoID     string `json:"videoId,omitempty"`
	Transcript  string `json:"transcript"`
	Context     string `json:"context"`
	Title       string `json:"title"`
}

// Summarize generates a summary of the given content.
func (c *Client) Summarize(ctx context.Context, token string, req repository.SummarizeRequest) (string, error) {
	body := summarizeBody{
		ContentType: "video",
		VideoID:     req.ContentID,
		Transcript:  req.Content,
		Context:     req.Context,
		Title:       orDefault(req.Title, "unknown video"),
	}

	var resp struct {
		Summary string `json:"summary"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/summarize", token, body, &resp); err != nil {
		return "", err
	}
	return resp.Summary, nil
}

type quizBody struct {
	VideoID    string `json:"videoId,omitempty"`
	Transcript string `json:"transcript"`
	Summary    string `json:"summary"`
	Difficulty string `json:"difficulty"`
	Title      string `json:"title"`
}

// Quiz generates a quiz, using the summary as context.
func (c *Client) Quiz(ctx context.Context, token string, req repository.QuizRequest) (string, error) {
	body := quizBody{
		VideoID:    req.ContentID,
		Transcript: req.Content,
		Summary:    req.Summary,
		Difficulty: req.Difficulty,
		Title:      orDefault(req.Title, "unknown video"),
	}

	var resp struct {
		Quiz string `json:"quiz"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/quiz", token, body, &resp); err != nil {
		return "", err
	}
	return resp.Quiz, nil
}

type flashcardsBody struct {
	ContentType string `json:"contentType"`
	Transcript  string `json:"transcript"`
	Title       string `json:"title"`
}

// Flashcards generates question/answer cards.
func (c *Client) Flashcards(ctx context.Context, token string, req repository.FlashcardsRequest) ([]model.Flashcard, error) {
	body := flashcardsBody{
		ContentType: "video",
		Transcript:  req.Content,
		Title:       orDefault(req.Title, "unknown video"),
	}

	var resp struct {
		Flashcards []model.Flashcard `json:"flashcards"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/flashcards", token, body, &resp); err != nil {
		return nil, err
	}
	return resp.Flashcards, nil
}

type chatBody struct {
	Message     string              `json:"message"`
	ChatHistory []model.ChatMessage `json:"chatHistory"`
	Context     string              `json:"context,omitempty"`
}

// Chat answers one message given the prior turns.
func (c *Client) Chat(ctx context.Context, token string, req repository.ChatRequest) (string, error) {
	history := req.History
	if history == nil {
		history = []model.ChatMessage{}
	}
	body := chatBody{
		Message:     req.Message,
		ChatHistory: history,
		Context:     req.Context,
	}

	var resp struct {
		Reply string `json:"reply"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/chat", token, body, &resp); err != nil {
		return "", err
	}
	return resp.Reply, nil
}

type usageResponse struct {
	EnhancementsUsed   int        `json:"enhancementsUsed"`
	EnhancementsLimit  int        `json:"enhancementsLimit"`
	SubscriptionStatus string     `json:"subscriptionStatus"`
	ResetAt            *time.Time `json:"resetAt,omitempty"`
}

// defaultEnhancementsLimit applies when the service omits the limit.
const defaultEnhancementsLimit = 10

// GetUsage fetches the authoritative usage snapshot.
func (c *Client) GetUsage(ctx context.Context, token string) (*model.RemoteUsage, error) {
	var resp usageResponse
	if err := c.do(ctx, http.MethodGet, "/api/user/usage", token, nil, &resp); err != nil {
		return nil, err
	}

	usage := &model.RemoteUsage{
		Used:  resp.EnhancementsUsed,
		Limit: resp.EnhancementsLimit,
		Tier:  model.ParseTier(resp.SubscriptionStatus),
	}
	if usage.Limit == 0 {
		usage.Limit = defaultEnhancementsLimit
	}
	if resp.ResetAt != nil {
		usage.ResetAt = *resp.ResetAt
	}
	return usage, nil
}

type profile struct {
	SubscriptionStatus string `json:"subscription_status"`
}

// The profile is either wrapped in "user" or returned flat.
type profileResponse struct {
	User *profile `json:"user"`
	profile
}

// IsPremium reports whether the session's account has a premium subscription.
// Anonymous sessions are never premium.
func (c *Client) IsPremium(ctx context.Context, sess model.SessionContext) (bool, error) {
	if !sess.Authenticated() {
		return false, nil
	}

	var resp profileResponse
	if err := c.do(ctx, http.MethodGet, "/api/user/profile", sess.Token, nil, &resp); err != nil {
		return false, err
	}

	status := resp.SubscriptionStatus
	if resp.User != nil && resp.User.SubscriptionStatus != "" {
		status = resp.User.SubscriptionStatus
	}
	return model.ParseTier(status) == model.TierPremium, nil
}

// fileField is the multipart field the file processor reads.
const fileField = "file"

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// ProcessFile uploads a file for text extraction. Images come back as image data instead of text.
func (c *Client) ProcessFile(ctx context.Context, token, filename, contentType string, body io.Reader) (*repository.ProcessedFile, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, fileField, quoteEscaper.Replace(filename)))
	header.Set("Content-Type", orDefault(contentType, "application/octet-stream"))
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := io.Copy(part, body); err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}

	const path = "/api/process-file"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp struct {
		Text      string `json:"text"`
		ImageData string `json:"imageData"`
	}
	if err := c.send(req, token, path, &resp); err != nil {
		return nil, err
	}
	return &repository.ProcessedFile{Text: resp.Text, ImageData: resp.ImageData}, nil
}

// do sends a JSON request and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, token, path, out)
}

// send authenticates req, maps the response status and decodes the JSON body into out.
func (c *Client) send(req *http.Request, token, path string, out any) error {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", repository.ErrBackendUnavailable, req.Method, path, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode %s response: %v", repository.ErrBackendUnavailable, path, err)
	}
	return nil
}

// statusError maps non-2xx responses onto the repository sentinels.
func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return repository.ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return repository.ErrRateLimited
	}

	var payload struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		return fmt.Errorf("%w: %d: %s", repository.ErrBackendStatus, resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("%w: %d", repository.ErrBackendStatus, resp.StatusCode)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Compile-time verification.
var (
	_ repository.GenerationBackend     = (*Client)(nil)
	_ repository.PremiumStatusProvider = (*Client)(nil)
	_ repository.FileProcessor         = (*Client)(nil)
)
