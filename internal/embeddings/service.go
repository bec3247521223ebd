package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/qribar/answerd/internal/config"
)

// Config holds configuration for the embedding service.
type Config struct {
	// BaseURL is the base URL for the embedding API
	// (OpenAI-compatible: https://api.openai.com/v1 or a local TEI proxy).
	BaseURL string

	// Model is the embedding model to use.
	Model string

	// APIKey is the API key (optional for local deployments).
	APIKey config.Secret

	// Dimensions is the fixed output dimensionality. Provider vectors longer
	// than this are truncated; shorter ones are a provider contract violation.
	Dimensions int

	// Timeout bounds each provider call.
	Timeout time.Duration
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Dimensions <= 0 {
		return fmt.Errorf("%w: dimensions must be positive", ErrInvalidConfig)
	}
	return nil
}

// Service generates embeddings via an OpenAI-compatible /embeddings endpoint.
//
// All outputs are exactly Dimensions long: higher-dimensional provider vectors
// are truncated deterministically (no re-normalization), so stored and query
// embeddings always agree on dimensionality. The service performs no retries;
// retry policy belongs to the caller.
type Service struct {
	config  Config
	client  *http.Client
	metrics *Metrics
}

// NewService creates a new embedding service with the given configuration.
func NewService(cfg Config, metrics *Metrics) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Service{
		config:  cfg,
		client:  &http.Client{Timeout: timeout},
		metrics: metrics,
	}, nil
}

// Dimensions returns the fixed output dimensionality.
func (s *Service) Dimensions() int {
	return s.config.Dimensions
}

// embeddingRequest is the request body for the embeddings endpoint.
type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embeddingResponse is the provider response shape.
type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// EmbedDocuments generates embeddings for multiple texts.
func (s *Service) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	var genErr error
	defer func() {
		s.metrics.RecordGeneration(ctx, s.config.Model, "embed_documents", time.Since(start), len(texts), genErr)
	}()

	if len(texts) == 0 {
		genErr = fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
		return nil, genErr
	}
	for i, t := range texts {
		if t == "" {
			genErr = fmt.Errorf("%w: text at index %d is empty", ErrEmptyInput, i)
			return nil, genErr
		}
	}

	vectors, err := s.call(ctx, texts)
	if err != nil {
		genErr = err
		return nil, genErr
	}
	if len(vectors) != len(texts) {
		genErr = fmt.Errorf("%w: got %d embeddings for %d texts", ErrEmbeddingFailed, len(vectors), len(texts))
		return nil, genErr
	}
	return vectors, nil
}

// EmbedQuery generates an embedding for a single query.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	var genErr error
	defer func() {
		s.metrics.RecordGeneration(ctx, s.config.Model, "embed_query", time.Since(start), 1, genErr)
	}()

	if text == "" {
		genErr = fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
		return nil, genErr
	}

	vectors, err := s.call(ctx, []string{text})
	if err != nil {
		genErr = err
		return nil, genErr
	}
	if len(vectors) == 0 {
		genErr = fmt.Errorf("%w: empty response", ErrEmbeddingFailed)
		return nil, genErr
	}
	return vectors[0], nil
}

// call performs one provider request and truncates each vector to Dimensions.
func (s *Service) call(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{
		Model: s.config.Model,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.config.APIKey.IsSet() {
		httpReq.Header.Set("Authorization", "Bearer "+s.config.APIKey.Value())
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailed, resp.StatusCode, string(respBody))
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrEmbeddingFailed, err)
	}

	vectors := make([][]float32, len(parsed.Data))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", ErrEmbeddingFailed, d.Index)
		}
		if len(d.Embedding) < s.config.Dimensions {
			return nil, fmt.Errorf("%w: provider returned %d dimensions, want at least %d",
				ErrEmbeddingFailed, len(d.Embedding), s.config.Dimensions)
		}
		vectors[d.Index] = s.truncate(d.Embedding)
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("%w: missing embedding at index %d", ErrEmbeddingFailed, i)
		}
	}
	return vectors, nil
}

// truncate cuts a provider vector down to the configured dimensionality.
// Lossy and deterministic; vectors at or below the bound pass through.
func (s *Service) truncate(vector []float32) []float32 {
	if len(vector) <= s.config.Dimensions {
		return vector
	}
	out := make([]float32, s.config.Dimensions)
	copy(out, vector[:s.config.Dimensions])
	return out
}

// Ensure Service implements Embedder.
var _ Embedder = (*Service)(nil)
