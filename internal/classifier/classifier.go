// Package classifier derives intent and metadata filters from user queries.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/qribar/answerd/internal/knowledge"
	"github.com/qribar/answerd/internal/llm"
	"github.com/qribar/answerd/internal/logging"
)

// Recognized intents. Unknown values from the model are normalized to
// IntentGeneral.
const (
	IntentPricing  = "pricing"
	IntentServices = "services"
	IntentReviews  = "reviews"
	IntentContact  = "contact"
	IntentMenu     = "menu"
	IntentGeneral  = "general"
)

// ErrClassificationFailed indicates the model call or parse failed.
var ErrClassificationFailed = errors.New("classification failed")

// defaultTimeout bounds a single classification call.
const defaultTimeout = 5 * time.Second

// classifyInstruction is the fixed instruction for the classification call.
// The model must return bare JSON; fenced output is tolerated.
const classifyInstruction = `You classify user queries for a small marketing agency knowledge base.

Return ONLY a JSON object with this exact shape:
{
  "intent": "pricing|services|reviews|contact|menu|general",
  "tags": ["lowercase", "keywords"],
  "source_contains": "substring to match document sources, or empty",
  "public_only": true,
  "confidence": 0.0
}

Rules:
- intent must be one of: pricing, services, reviews, contact, menu, general.
- tags: up to 5 lowercase keywords capturing the topic.
- source_contains: a short substring selecting relevant document sources
  (e.g. "pricing", "reviews"), or "" when no narrowing applies.
- public_only is always true.
- confidence in [0,1] reflecting how certain the classification is.
- No prose, no markdown, JSON only.`

// Classification is the result of classifying a query.
type Classification struct {
	Intent     string
	Tags       []string
	Filter     knowledge.Filter
	Confidence float64
	// FromFallback marks a neutral classification produced without the model.
	FromFallback bool
}

// Classifier classifies user queries.
type Classifier interface {
	Classify(ctx context.Context, query string) (Classification, error)
}

// LLMClassifier implements Classifier using a completion client.
type LLMClassifier struct {
	client  llm.Client
	timeout time.Duration
	logger  *logging.Logger
}

// Option configures an LLMClassifier.
type Option func(*LLMClassifier)

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *LLMClassifier) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewLLMClassifier creates a classifier backed by client.
func NewLLMClassifier(client llm.Client, logger *logging.Logger, opts ...Option) (*LLMClassifier, error) {
	if client == nil {
		return nil, fmt.Errorf("llm client required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	c := &LLMClassifier{
		client:  client,
		timeout: defaultTimeout,
		logger:  logger.Named("classifier"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// classifyResponse mirrors the JSON shape the model is instructed to emit.
type classifyResponse struct {
	Intent         string   `json:"intent"`
	Tags           []string `json:"tags"`
	SourceContains string   `json:"source_contains"`
	PublicOnly     bool     `json:"public_only"`
	Confidence     float64  `json:"confidence"`
}

// Classify classifies query. Failures return ErrClassificationFailed; the
// caller decides whether to degrade to Fallback.
func (c *LLMClassifier) Classify(ctx context.Context, query string) (Classification, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Classification{}, fmt.Errorf("%w: empty query", ErrClassificationFailed)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.client.Complete(ctx, llm.Request{
		System:    classifyInstruction,
		Prompt:    query,
		MaxTokens: 256,
	})
	if err != nil {
		return Classification{}, fmt.Errorf("%w: %v", ErrClassificationFailed, err)
	}

	var parsed classifyResponse
	if err := json.Unmarshal([]byte(llm.StripFences(raw)), &parsed); err != nil {
		c.logger.Warn(ctx, "unparseable classification output", zap.Error(err))
		return Classification{}, fmt.Errorf("%w: invalid JSON: %v", ErrClassificationFailed, err)
	}

	result := Classification{
		Intent:     normalizeIntent(parsed.Intent),
		Tags:       normalizeTags(parsed.Tags),
		Confidence: clamp01(parsed.Confidence),
	}
	publicOnly := true
	result.Filter = knowledge.Filter{
		SourceContains: strings.ToLower(strings.TrimSpace(parsed.SourceContains)),
		IsPublic:       &publicOnly,
	}
	return result, nil
}

// Fallback returns a neutral classification that matches all public documents.
func Fallback() Classification {
	publicOnly := true
	return Classification{
		Intent:       IntentGeneral,
		Filter:       knowledge.Filter{IsPublic: &publicOnly},
		Confidence:   0,
		FromFallback: true,
	}
}

func normalizeIntent(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case IntentPricing:
		return IntentPricing
	case IntentServices:
		return IntentServices
	case IntentReviews:
		return IntentReviews
	case IntentContact:
		return IntentContact
	case IntentMenu:
		return IntentMenu
	default:
		return IntentGeneral
	}
}

func normalizeTags(tags []string) []string {
	const maxTags = 5
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		out = append(out, t)
		if len(out) == maxTags {
			break
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var _ Classifier = (*LLMClassifier)(nil)
