// Package openai implements the image provider interface against the
// OpenAI images API.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/plurapp/ai-engine/internal/ai/provider"
)

const defaultEndpoint = "https://api.openai.com/v1/images/generations"

// Client calls the OpenAI image-generation endpoint.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	model      string
}

var _ provider.ImageProvider = (*Client)(nil)

// New constructs a client for the given model.
func New(apiKey, model string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 180 * time.Second},
		endpoint:   defaultEndpoint,
		apiKey:     apiKey,
		model:      model,
	}
}

// WithEndpoint overrides the API URL. Test hook.
func (c *Client) WithEndpoint(endpoint string) *Client {
	c.endpoint = endpoint
	return c
}

func (c *Client) GenerateImage(ctx context.Context, prompt string, opts provider.ImageOptions) ([][]byte, error) {
	width, height := opts.Width, opts.Height
	if width == 0 {
		width = 1024
	}
	if height == 0 {
		height = 1024
	}
	count := opts.Count
	if count == 0 {
		count = 1
	}
	model := c.model
	if opts.Model != "" {
		model = opts.Model
	}

	payload := map[string]any{
		"model":           model,
		"prompt":          prompt,
		"n":               count,
		"size":            fmt.Sprintf("%dx%d", width, height),
		"response_format": "b64_json",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build openai request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read openai response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai error (%d): %s", resp.StatusCode, string(raw))
	}

	data := gjson.GetBytes(raw, "data")
	if !data.Exists() || len(data.Array()) == 0 {
		return nil, fmt.Errorf("no image data returned from openai")
	}

	images := make([][]byte, 0, len(data.Array()))
	for _, item := range data.Array() {
		decoded, err := base64.StdEncoding.DecodeString(item.Get("b64_json").String())
		if err != nil {
			return nil, fmt.Errorf("decode openai image: %w", err)
		}
		images = append(images, decoded)
	}
	return images, nil
}
