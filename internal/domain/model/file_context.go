package model

import (
	"fmt"
	"math"
	"strings"
)

// ContextPartLimit bounds every part of a combined chat context, in characters.
const ContextPartLimit = 8000

// FileContext is what the backend extracted from an identity's latest upload.
// It rides along with the next chat turn and is dropped afterwards.
type FileContext struct {
	Text      string `json:"text"`
	HasImage  bool   `json:"hasImage"`
	Filename  string `json:"filename"`
	FileType  string `json:"fileType"`
	ObjectKey string `json:"objectKey"`
	Timestamp int64  `json:"timestamp"`
}

// FileContextKey is the store key of an identity's pending file context.
func FileContextKey(identity string) string {
	return "file_context_" + identity
}

// ContextSources are the inputs of a combined chat context.
type ContextSources struct {
	Transcript string
	PageText   string
	// Summary is used only when neither a transcript nor page text was sent.
	Summary string
	File    *FileContext
}

// Combine joins the sources into the context string sent with a chat turn.
func (s ContextSources) Combine() string {
	var parts []string

	switch {
	case s.Transcript != "":
		parts = append(parts, "Video/Content Transcript: "+Truncate(s.Transcript, ContextPartLimit))
	case s.PageText != "":
		parts = append(parts, "Webpage/PDF Content: "+Truncate(s.PageText, ContextPartLimit))
	case s.Summary != "":
		parts = append(parts, "Summary: "+Truncate(s.Summary, ContextPartLimit))
	}

	if f := s.File; f != nil {
		switch {
		case f.Text != "":
			part := fmt.Sprintf("Uploaded %s (%s): %s", fileLabel(f.FileType), f.Filename, Truncate(f.Text, ContextPartLimit))
			if n := len([]rune(f.Text)); n > ContextPartLimit {
				part += fmt.Sprintf("\n[Note: File content truncated. Original was %dk characters.]", int(math.Ceil(float64(n)/1000)))
			}
			parts = append(parts, part)
		case f.HasImage:
			parts = append(parts, fmt.Sprintf("Uploaded Image: %s (image data available)", f.Filename))
		case f.Filename != "":
			parts = append(parts, fmt.Sprintf("Uploaded File: %s", f.Filename))
		}
	}

	return strings.Join(parts, "\n\n")
}

func fileLabel(fileType string) string {
	switch {
	case fileType == "application/pdf":
		return "PDF"
	case strings.Contains(fileType, "document"):
		return "Document"
	default:
		return "File"
	}
}

// Truncate cuts s to at most n characters.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
