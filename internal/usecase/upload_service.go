package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hszk-dev/sumvid/internal/domain/model"
	"github.com/hszk-dev/sumvid/internal/domain/repository"
)

// ErrInvalidFilename is returned when an upload has no usable file name.
var ErrInvalidFilename = errors.New("invalid file name")

// UploadInput describes a file or screenshot to store.
type UploadInput struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// UploadResult is the outcome of an upload. The object and extraction fields are set only when Allowed.
type UploadResult struct {
	Allowed        bool
	Message        string
	HoursUntilNext int
	Remaining      int
	ObjectKey      string
	URL            string
	// Text is what the backend extracted from the file; it is kept as the next chat turn's file context.
	Text     string
	HasImage bool
}

// UploadService stores user files subject to the upload quota.
type UploadService interface {
	Upload(ctx context.Context, sess model.SessionContext, in UploadInput) (*UploadResult, error)
}

// UploadServiceConfig holds configuration for UploadService.
type UploadServiceConfig struct {
	URLExpiry time.Duration
	// Now overrides the clock (for testing).
	Now func() time.Time
}

// DefaultUploadServiceConfig returns the default configuration.
func DefaultUploadServiceConfig() UploadServiceConfig {
	return UploadServiceConfig{
		URLExpiry: time.Hour,
		Now:       time.Now,
	}
}

type uploadService struct {
	usage   UsageLimiter
	storage repository.ObjectStorage
	files   repository.FileProcessor
	store   repository.KeyValueStore
	cfg     UploadServiceConfig
}

// NewUploadService creates a new UploadService. Extracted file text is kept in store.
func NewUploadService(
	usage UsageLimiter,
	storage repository.ObjectStorage,
	files repository.FileProcessor,
	store repository.KeyValueStore,
	cfg UploadServiceConfig,
) UploadService {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &uploadService{
		usage:   usage,
		storage: storage,
		files:   files,
		store:   store,
		cfg:     cfg,
	}
}

// Upload reserves quota, writes the object and has the backend extract its text.
// A failed step gives the reservation back and removes anything already stored.
func (s *uploadService) Upload(ctx context.Context, sess model.SessionContext, in UploadInput) (*UploadResult, error) {
	name := sanitizeFilename(in.Filename)
	if name == "" {
		return nil, ErrInvalidFilename
	}

	check, err := s.usage.ReserveUpload(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("upload limit check: %w", err)
	}
	if !check.Allowed {
		return &UploadResult{
			Allowed:        false,
			Message:        check.Message,
			HoursUntilNext: check.HoursUntilNext,
		}, nil
	}

	data, err := io.ReadAll(in.Body)
	if err != nil {
		s.cancel(ctx, sess, check.ReservedAt)
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}

	key := objectKey(sess.Identity, name)
	if err := s.storage.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), in.ContentType); err != nil {
		s.cancel(ctx, sess, check.ReservedAt)
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	processed, err := s.files.ProcessFile(ctx, sess.Token, name, in.ContentType, bytes.NewReader(data))
	if err != nil {
		if delErr := s.storage.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			slog.Error("failed to remove unprocessed upload",
				"object_key", key,
				"error", delErr,
			)
		}
		s.cancel(ctx, sess, check.ReservedAt)
		return nil, fmt.Errorf("failed to process upload: %w", err)
	}

	fileCtx := model.FileContext{
		Text:      processed.Text,
		HasImage:  processed.ImageData != "",
		Filename:  name,
		FileType:  in.ContentType,
		ObjectKey: key,
		Timestamp: s.cfg.Now().UnixMilli(),
	}
	if err := saveJSON(ctx, s.store, model.FileContextKey(sess.Identity), fileCtx); err != nil {
		slog.Warn("failed to keep file context",
			"identity", sess.Identity,
			"object_key", key,
			"error", err,
		)
	}

	url, err := s.storage.GeneratePresignedDownloadURL(ctx, key, s.cfg.URLExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to sign upload URL: %w", err)
	}

	return &UploadResult{
		Allowed:   true,
		Remaining: check.Remaining,
		ObjectKey: key,
		URL:       url,
		Text:      processed.Text,
		HasImage:  fileCtx.HasImage,
	}, nil
}

func (s *uploadService) cancel(ctx context.Context, sess model.SessionContext, reservedAt time.Time) {
	if err := s.usage.CancelUpload(context.WithoutCancel(ctx), sess, reservedAt); err != nil {
		slog.Error("failed to release upload reservation",
			"identity", sess.Identity,
			"error", err,
		)
	}
}

// objectKey builds the storage key: uploads/{identity}/{uuid}/{filename}.
func objectKey(identity, filename string) string {
	return path.Join("uploads", identity, uuid.New().String(), filename)
}

// sanitizeFilename keeps only the base name of a client-supplied path.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}
