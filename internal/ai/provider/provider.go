// Package provider declares the vendor-neutral interfaces for text and
// image generation, plus the error classification the router relies on.
package provider

import (
	"context"
	"strings"
)

// Message is one turn of a chat history.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// TextOptions carries optional inputs for text generation and chat.
type TextOptions struct {
	// Images are base64-encoded reference images attached to the prompt.
	Images []string
	// SystemInstruction steers the model's behaviour for the whole call.
	SystemInstruction string
}

// ImageOptions carries generation parameters for image calls.
type ImageOptions struct {
	Width           int
	Height          int
	Count           int
	Style           string
	ReferenceImages []string // base64-encoded
	Model           string   // overrides the provider's default model
}

// TextProvider is implemented once per external LLM vendor.
type TextProvider interface {
	GenerateText(ctx context.Context, prompt string, opts *TextOptions) (string, error)
	AnalyzeImage(ctx context.Context, imageBase64, prompt string) (string, error)
	Chat(ctx context.Context, messages []Message, opts *TextOptions) (string, error)
}

// ImageProvider is implemented once per external image-generation vendor.
type ImageProvider interface {
	GenerateImage(ctx context.Context, prompt string, opts ImageOptions) ([][]byte, error)
}

// fatalMarkers are substrings of vendor error messages that indicate a
// validation or policy rejection. Retrying such a call elsewhere cannot
// succeed, so the router surfaces the error without a fallback attempt.
var fatalMarkers = []string{"400", "INVALID_ARGUMENT", "blocked"}

// IsFatal classifies a provider error. Anything not recognizably fatal is
// treated as transient (network, timeout, quota, unknown).
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range fatalMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
