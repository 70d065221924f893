// Package gemini implements the text provider interface against the
// Google Generative Language API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/plurapp/ai-engine/internal/ai/provider"
)

const defaultEndpoint = "https://generativelanguage.googleapis.com/v1beta"

// Client calls a single Gemini model.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	model      string
}

var _ provider.TextProvider = (*Client)(nil)

// New constructs a client for the given model.
func New(apiKey, model string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		endpoint:   defaultEndpoint,
		apiKey:     apiKey,
		model:      model,
	}
}

// WithEndpoint overrides the API base URL. Test hook.
func (c *Client) WithEndpoint(endpoint string) *Client {
	c.endpoint = endpoint
	return c
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents          []content `json:"contents"`
	SystemInstruction *content  `json:"systemInstruction,omitempty"`
}

func (c *Client) GenerateText(ctx context.Context, prompt string, opts *provider.TextOptions) (string, error) {
	parts := []part{{Text: prompt}}
	var system *content
	if opts != nil {
		for _, img := range opts.Images {
			parts = append(parts, part{InlineData: &inlineData{MimeType: "image/jpeg", Data: img}})
		}
		if opts.SystemInstruction != "" {
			system = &content{Parts: []part{{Text: opts.SystemInstruction}}}
		}
	}
	req := generateRequest{
		Contents:          []content{{Role: "user", Parts: parts}},
		SystemInstruction: system,
	}
	return c.generate(ctx, req)
}

func (c *Client) AnalyzeImage(ctx context.Context, imageBase64, prompt string) (string, error) {
	req := generateRequest{
		Contents: []content{{
			Role: "user",
			Parts: []part{
				{Text: prompt},
				{InlineData: &inlineData{MimeType: "image/jpeg", Data: imageBase64}},
			},
		}},
	}
	return c.generate(ctx, req)
}

func (c *Client) Chat(ctx context.Context, messages []provider.Message, opts *provider.TextOptions) (string, error) {
	contents := make([]content, 0, len(messages))
	for _, m := range messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, content{Role: role, Parts: []part{{Text: m.Content}}})
	}
	var system *content
	if opts != nil && opts.SystemInstruction != "" {
		system = &content{Parts: []part{{Text: opts.SystemInstruction}}}
	}
	return c.generate(ctx, generateRequest{Contents: contents, SystemInstruction: system})
}

func (c *Client) generate(ctx context.Context, payload generateRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.endpoint, c.model, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read gemini response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		// The status code stays in the message so the router can classify
		// 400-class rejections as fatal.
		return "", fmt.Errorf("gemini error (%d): %s", resp.StatusCode, string(raw))
	}

	if reason := gjson.GetBytes(raw, "promptFeedback.blockReason"); reason.Exists() {
		return "", fmt.Errorf("gemini prompt blocked: %s", reason.String())
	}

	text := gjson.GetBytes(raw, "candidates.0.content.parts.0.text")
	if !text.Exists() {
		return "", fmt.Errorf("gemini response missing text candidate")
	}
	return text.String(), nil
}
