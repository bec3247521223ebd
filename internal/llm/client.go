// Package llm provides the completion client shared by the classifier,
// reranker and answer generator.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/qribar/answerd/internal/config"
)

// Default configuration values.
const (
	defaultBaseURL     = "https://api.anthropic.com"
	defaultModel       = "claude-3-5-haiku-20241022"
	defaultMaxTokens   = 1024
	defaultTimeout     = 30 * time.Second
	defaultMaxRetries  = 3
	defaultBaseBackoff = 1 * time.Second
)

// Rate limiter defaults: 50 requests per minute.
const (
	defaultRateLimit = 50.0 / 60.0
	defaultBurst     = 5
)

// ErrCompletionFailed indicates a provider failure after retries.
var ErrCompletionFailed = errors.New("completion failed")

// Request is a single completion request.
type Request struct {
	// System is the system instruction, optional.
	System string

	// Prompt is the user-turn content.
	Prompt string

	// MaxTokens overrides the client default when positive.
	MaxTokens int

	// Temperature in [0,1]. Zero is taken literally (deterministic bias).
	Temperature float64
}

// Client generates text completions.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Config holds completion client configuration.
type Config struct {
	BaseURL           string
	APIKey            config.Secret
	Model             string
	MaxTokens         int
	Timeout           time.Duration
	RequestsPerMinute float64
	Burst             int
	MaxRetries        int
}

// AnthropicClient implements Client against an Anthropic-style /v1/messages
// endpoint. It rate-limits outgoing calls and retries transient failures with
// exponential backoff; non-retryable API errors surface immediately.
type AnthropicClient struct {
	model      string
	apiKey     config.Secret
	baseURL    string
	maxTokens  int
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
}

// NewAnthropicClient creates a completion client.
func NewAnthropicClient(cfg Config) (*AnthropicClient, error) {
	if !cfg.APIKey.IsSet() {
		return nil, fmt.Errorf("llm API key required")
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	rateLimit := defaultRateLimit
	if cfg.RequestsPerMinute > 0 {
		rateLimit = cfg.RequestsPerMinute / 60.0
	}
	burst := cfg.Burst
	if burst == 0 {
		burst = defaultBurst
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}

	return &AnthropicClient{
		model:      model,
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		maxTokens:  maxTokens,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rateLimit), burst),
		maxRetries: maxRetries,
	}, nil
}

// anthropicRequest represents the request format for the messages API.
type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	Temperature float64            `json:"temperature"`
}

// anthropicMessage represents a message in the conversation.
type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicResponse represents the messages API response.
type anthropicResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
}

// anthropicError represents an error response.
type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// retryableError marks errors worth retrying (network failures, 429, 5xx).
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// isRetryableError reports whether err is a transient failure.
func isRetryableError(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// Complete sends the request and returns the generated text.
//
// The method handles rate limiting, context cancellation, and retries with
// exponential backoff for transient errors. Provider internals are never
// included in returned errors beyond status and provider message text.
func (a *AnthropicClient) Complete(ctx context.Context, req Request) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter error: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}

	apiReq := anthropicRequest{
		Model:       a.model,
		MaxTokens:   maxTokens,
		System:      req.System,
		Temperature: req.Temperature,
		Messages: []anthropicMessage{
			{Role: "user", Content: req.Prompt},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := defaultBaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		response, err := a.doRequest(ctx, apiReq)
		if err == nil {
			return response, nil
		}

		lastErr = err
		if !isRetryableError(err) {
			return "", fmt.Errorf("%w: %v", ErrCompletionFailed, err)
		}
	}

	return "", fmt.Errorf("%w: max retries exceeded: %v", ErrCompletionFailed, lastErr)
}

// doRequest performs one HTTP request to the messages API.
func (a *AnthropicClient) doRequest(ctx context.Context, req anthropicRequest) (string, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", a.apiKey.Value())
	httpReq.Header.Set("Anthropic-Version", "2023-06-01")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return "", &retryableError{err: fmt.Errorf("API request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &retryableError{err: fmt.Errorf("rate limited (429)")}
	}
	if resp.StatusCode >= 500 {
		return "", &retryableError{err: fmt.Errorf("server error (%d)", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		var errResp anthropicError
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
			return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error.Message)
		}
		return "", fmt.Errorf("API error (%d)", resp.StatusCode)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Content) == 0 {
		return "", fmt.Errorf("empty response from API")
	}

	return parsed.Content[0].Text, nil
}

// Ensure AnthropicClient implements Client.
var _ Client = (*AnthropicClient)(nil)
