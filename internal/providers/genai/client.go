// Package genai is the HTTP client for the vision / image-generation /
// text model backend the processors call out to. When no API key is
// configured it falls back to synthetic responses so local development
// runs without the real service.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fableforge/fableforge/internal/job"
)

const defaultBaseURL = "https://genai.fableforge.dev/v1"

// Options configures the client.
type Options struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the generation backend.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a Client. A nil HTTPClient gets a 60s-timeout default.
func NewClient(opts Options) *Client {
	base := opts.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL: base,
		apiKey:  opts.APIKey,
		http:    hc,
		logger:  opts.Logger,
	}
}

// Synthetic reports whether the client is running without credentials
// and fabricating responses.
func (c *Client) Synthetic() bool {
	return c.apiKey == ""
}

type describeRequest struct {
	ImageURL string `json:"image_url"`
}

type describeResponse struct {
	Description string `json:"description"`
}

// DescribeImage returns a textual description of the referenced image.
func (c *Client) DescribeImage(ctx context.Context, imageURL string) (string, error) {
	if c.Synthetic() {
		return "a cheerful cartoon character with bright eyes and a friendly smile", nil
	}

	var resp describeResponse
	if err := c.post(ctx, "/vision/describe", describeRequest{ImageURL: imageURL}, &resp); err != nil {
		return "", job.Retryable(fmt.Errorf("vision describe: %w", err))
	}
	if resp.Description == "" {
		return "", job.Retryable(fmt.Errorf("vision describe: empty description"))
	}
	return resp.Description, nil
}

type generateRequest struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style,omitempty"`
}

type generateResponse struct {
	URL string `json:"url"`
}

// GenerateImage renders the prompt and returns a URL reference to the
// generated image.
func (c *Client) GenerateImage(ctx context.Context, prompt, style string) (string, error) {
	if c.Synthetic() {
		return fmt.Sprintf("https://assets.fableforge.dev/synthetic/%s.png", uuid.New().String()), nil
	}

	var resp generateResponse
	if err := c.post(ctx, "/images/generate", generateRequest{Prompt: prompt, Style: style}, &resp); err != nil {
		return "", job.Retryable(fmt.Errorf("image generation: %w", err))
	}
	if resp.URL == "" {
		return "", job.Retryable(fmt.Errorf("image generation: empty url"))
	}
	return resp.URL, nil
}

type completeRequest struct {
	Prompt string `json:"prompt"`
}

type completeResponse struct {
	Text string `json:"text"`
}

// Complete returns a text completion for the prompt.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if c.Synthetic() {
		return syntheticStory(prompt), nil
	}

	var resp completeResponse
	if err := c.post(ctx, "/text/complete", completeRequest{Prompt: prompt}, &resp); err != nil {
		return "", job.Retryable(fmt.Errorf("text completion: %w", err))
	}
	if resp.Text == "" {
		return "", job.Retryable(fmt.Errorf("text completion: empty response"))
	}
	return resp.Text, nil
}

func (c *Client) post(ctx context.Context, path string, reqBody, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if c.logger != nil {
		c.logger.Debug("GenAI call",
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.Duration("latency", time.Since(start)),
		)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func syntheticStory(prompt string) string {
	if len(prompt) > 48 {
		prompt = prompt[:48]
	}
	return fmt.Sprintf("Once upon a time (%s...) there was a small adventure that ended happily.", prompt)
}
