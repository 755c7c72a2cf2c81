package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sietchtabr/openai-image-mcp/internal/backoff"
	"github.com/sietchtabr/openai-image-mcp/internal/metrics"
)

const defaultBaseURL = "https://api.openai.com/v1"

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("openai: api key is required")

// Options configures the OpenAI client.
type Options struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     zerolog.Logger

	// BackoffBase and BackoffJitter tune the delay between retries.
	// Zero values select the package defaults (1s, 0.1).
	BackoffBase   time.Duration
	BackoffJitter float64
}

// Client performs HTTP calls to the OpenAI chat and image generation APIs.
// It is safe for concurrent use; all request state is call-scoped.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger

	// delay computes the backoff before retry n. Replaced in tests.
	delay func(attempt int) time.Duration
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// No client-level timeout: each attempt carries its own deadline.
		httpClient = &http.Client{}
	}

	base := opts.BackoffBase
	if base <= 0 {
		base = backoff.DefaultBase
	}
	jitter := opts.BackoffJitter
	if jitter <= 0 {
		jitter = backoff.DefaultJitter
	}

	c := &Client{
		apiKey:     opts.APIKey,
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     opts.Logger,
	}
	if base == backoff.DefaultBase && jitter == backoff.DefaultJitter {
		c.delay = backoff.DefaultDelay
	} else {
		var mu sync.Mutex
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		c.delay = func(attempt int) time.Duration {
			mu.Lock()
			defer mu.Unlock()
			return backoff.Delay(attempt, base, jitter, rng)
		}
	}
	return c, nil
}

// AskRequest captures the inputs for a chat completion passthrough.
type AskRequest struct {
	Query       string
	Model       string
	Temperature float64
	MaxTokens   int
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Ask sends a question to a chat model and returns the assistant's answer.
// Failures propagate directly; the call is not retried.
func (c *Client) Ask(ctx context.Context, req AskRequest) (string, error) {
	if req.Model == "" {
		req.Model = "gpt-4"
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = 500
	}

	payload := chatRequest{
		Model: req.Model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a helpful assistant."},
			{Role: "user", Content: req.Query},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	var out chatResponse
	if err := c.postJSON(ctx, "/chat/completions", payload, &out); err != nil {
		c.logger.Error().Err(err).Str("model", req.Model).Msg("chat completion failed")
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", &APIError{Message: "empty completion response"}
	}
	return out.Choices[0].Message.Content, nil
}

// ImageRequest captures the inputs for one image generation call.
type ImageRequest struct {
	Prompt  string
	Model   string
	Size    string
	Quality string
	N       int

	// Timeout is the hard deadline for each individual attempt.
	Timeout time.Duration

	// MaxRetries bounds the retry loop: MaxRetries+1 total attempts.
	MaxRetries int
}

// ImageData is one generated image, normalized from the provider response:
// either inline bytes (base64 responses) or a fetchable URL.
type ImageData struct {
	Data     []byte
	URL      string
	MimeType string
}

type imagesRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	N       int    `json:"n,omitempty"`
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty"`

	// Prefer base64 so results need no second fetch.
	ResponseFormat string `json:"response_format,omitempty"`
}

type imagesResponse struct {
	Created int64 `json:"created"`
	Data    []struct {
		B64JSON string `json:"b64_json,omitempty"`
		URL     string `json:"url,omitempty"`
	} `json:"data"`
}

// CreateImage generates images, retrying timed-out attempts with exponential
// backoff. Each attempt runs under its own deadline; a deadline hit and a
// provider-reported timeout are treated identically. Non-timeout provider
// errors and caller cancellation surface immediately. When every attempt
// times out, the returned error is a *TimeoutError.
func (c *Client) CreateImage(ctx context.Context, req ImageRequest) ([]ImageData, error) {
	if req.Model == "" {
		req.Model = "dall-e-3"
	}
	if req.Size == "" {
		req.Size = "1024x1024"
	}
	if req.Quality == "" {
		req.Quality = "standard"
	}
	if req.N <= 0 {
		req.N = 1
	}
	if req.Timeout <= 0 {
		req.Timeout = 60 * time.Second
	}
	if req.MaxRetries < 0 {
		req.MaxRetries = 0
	}

	start := time.Now()
	var lastErr error

	for attempt := 0; attempt <= req.MaxRetries; attempt++ {
		images, err := c.generateOnce(ctx, req)
		if err == nil {
			if attempt > 0 {
				c.logger.Info().
					Int("attempt", attempt+1).
					Dur("elapsed", time.Since(start)).
					Msg("image generation succeeded after retry")
			}
			return images, nil
		}

		if ctx.Err() != nil {
			// Caller cancellation wins over whatever the attempt reported.
			return nil, ctx.Err()
		}
		if !retryableTimeout(err) {
			c.logger.Error().Err(err).Str("model", req.Model).Msg("image generation failed")
			return nil, err
		}

		lastErr = err
		if attempt == req.MaxRetries {
			break
		}

		delay := c.delay(attempt + 1)
		metrics.ProviderRetry(req.Model)
		c.logger.Warn().
			Int("attempt", attempt+1).
			Int("max_retries", req.MaxRetries).
			Dur("delay", delay).
			Msg("image generation timed out, backing off")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	terr := &TimeoutError{
		Attempts: req.MaxRetries + 1,
		Elapsed:  time.Since(start),
		Last:     lastErr,
	}
	c.logger.Error().Err(terr).Msg("image generation retries exhausted")
	return nil, terr
}

// generateOnce performs a single generation attempt under its own deadline.
func (c *Client) generateOnce(ctx context.Context, req ImageRequest) ([]ImageData, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	payload := imagesRequest{
		Model:          req.Model,
		Prompt:         req.Prompt,
		N:              req.N,
		Size:           req.Size,
		Quality:        req.Quality,
		ResponseFormat: "b64_json",
	}

	var out imagesResponse
	if err := c.postJSON(attemptCtx, "/images/generations", payload, &out); err != nil {
		return nil, err
	}

	images := make([]ImageData, 0, len(out.Data))
	for _, d := range out.Data {
		switch {
		case d.B64JSON != "":
			raw, err := base64.StdEncoding.DecodeString(d.B64JSON)
			if err != nil {
				return nil, &APIError{Message: "invalid base64 image payload", Cause: err}
			}
			images = append(images, ImageData{Data: raw, MimeType: "image/png"})
		case d.URL != "":
			images = append(images, ImageData{URL: d.URL, MimeType: "image/png"})
		}
	}
	if len(images) == 0 {
		return nil, &APIError{Message: "response contained no images"}
	}
	return images, nil
}

// Download fetches an image by URL, for providers that return references
// instead of inline bytes.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Message: "image download failed"}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read image body: %w", err)
	}
	return data, nil
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// postJSON issues one JSON POST and decodes the response into out.
// Non-2xx statuses become *APIError values.
func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		var er errorResponse
		if json.Unmarshal(b, &er) == nil && er.Error.Message != "" {
			code := er.Error.Code
			if code == "" {
				code = er.Error.Type
			}
			return &APIError{Status: resp.StatusCode, Code: code, Message: er.Error.Message}
		}
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{Message: "failed to decode response", Cause: err}
	}
	return nil
}
