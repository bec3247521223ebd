package reranker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/qribar/answerd/internal/knowledge"
	"github.com/qribar/answerd/internal/llm"
	"github.com/qribar/answerd/internal/logging"
)

// Defaults for LLM reranking.
const (
	// DefaultMaxCandidates bounds how many documents are sent for scoring.
	DefaultMaxCandidates = 10
	// DefaultCutoff discards candidates scored at or below this value.
	DefaultCutoff = 0.45
	// DefaultKeep caps the number of results returned.
	DefaultKeep = 4
	// maxSnippetLength truncates document content in the scoring prompt.
	maxSnippetLength = 600
)

// rerankInstruction is the fixed instruction for the batch scoring call.
const rerankInstruction = `You score how relevant each document is to a user query.

Return ONLY a JSON array, one entry per document:
[{"id": "<document id>", "score": 0.0, "reason": "<short reason>"}]

Rules:
- score in [0,1]: 1 means the document directly answers the query,
  0 means it is unrelated.
- Include every document exactly once, using the given ids.
- Do not invent ids. No prose, no markdown, JSON only.`

// Config holds LLM reranker settings.
type Config struct {
	// MaxCandidates caps documents sent in one scoring call.
	MaxCandidates int
	// Cutoff discards results scored at or below it. Every retained
	// result's score is strictly above the cutoff.
	Cutoff float64
	// Keep caps the number of results returned.
	Keep int
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = DefaultMaxCandidates
	}
	if c.Cutoff <= 0 {
		c.Cutoff = DefaultCutoff
	}
	if c.Keep <= 0 {
		c.Keep = DefaultKeep
	}
}

// LLMReranker implements Reranker with a single batch scoring call.
//
// Candidates beyond MaxCandidates are dropped before the call (the input is
// expected to arrive ordered by similarity). Scores from the model for ids
// not present in the input are ignored, so the output is always a subset of
// the candidates.
type LLMReranker struct {
	client llm.Client
	config Config
	logger *logging.Logger
}

// NewLLMReranker creates a reranker backed by client.
func NewLLMReranker(client llm.Client, cfg Config, logger *logging.Logger) (*LLMReranker, error) {
	if client == nil {
		return nil, fmt.Errorf("llm client required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg.ApplyDefaults()
	return &LLMReranker{
		client: client,
		config: cfg,
		logger: logger.Named("reranker"),
	}, nil
}

// scoreEntry mirrors one element of the JSON array the model emits.
type scoreEntry struct {
	ID     string  `json:"id"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// Rerank scores candidates against query and returns the kept subset sorted
// by score descending. Failures return ErrRerankFailed; the caller decides
// whether to degrade to similarity order.
func (r *LLMReranker) Rerank(ctx context.Context, query string, candidates []knowledge.Match) ([]Result, error) {
	if len(candidates) == 0 {
		return []Result{}, nil
	}
	if len(candidates) > r.config.MaxCandidates {
		candidates = candidates[:r.config.MaxCandidates]
	}

	raw, err := r.client.Complete(ctx, llm.Request{
		System:    rerankInstruction,
		Prompt:    buildScoringPrompt(query, candidates),
		MaxTokens: 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRerankFailed, err)
	}

	var entries []scoreEntry
	if err := json.Unmarshal([]byte(llm.StripFences(raw)), &entries); err != nil {
		r.logger.Warn(ctx, "unparseable rerank output", zap.Error(err))
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrRerankFailed, err)
	}

	byID := make(map[string]knowledge.Document, len(candidates))
	for _, m := range candidates {
		byID[m.Document.ID] = m.Document
	}

	results := make([]Result, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		doc, ok := byID[e.ID]
		if !ok || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		score := clamp01(e.Score)
		if score <= r.config.Cutoff {
			continue
		}
		results = append(results, Result{
			Document: doc,
			Score:    score,
			Reason:   e.Reason,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > r.config.Keep {
		results = results[:r.config.Keep]
	}
	return results, nil
}

// buildScoringPrompt renders the query and candidate snippets for the model.
func buildScoringPrompt(query string, candidates []knowledge.Match) string {
	var b strings.Builder
	b.WriteString("Query: ")
	b.WriteString(query)
	b.WriteString("\n\nDocuments:\n")
	for _, m := range candidates {
		fmt.Fprintf(&b, "---\nid: %s\nsource: %s\n%s\n",
			m.Document.ID, m.Document.Source, truncateSnippet(m.Document.Content, maxSnippetLength))
	}
	return b.String()
}

// truncateSnippet cuts content at a rune boundary so the prompt stays valid
// UTF-8, which matters for accented Spanish content.
func truncateSnippet(content string, max int) string {
	if len(content) <= max {
		return content
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
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

// Fallback ranks candidates by their similarity score, capped at keep.
// It is used when the scoring call fails.
func Fallback(candidates []knowledge.Match, keep int) []Result {
	if keep <= 0 {
		keep = DefaultKeep
	}
	sorted := make([]knowledge.Match, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Similarity > sorted[j].Similarity
	})
	if len(sorted) > keep {
		sorted = sorted[:keep]
	}
	results := make([]Result, len(sorted))
	for i, m := range sorted {
		results[i] = Result{Document: m.Document, Score: m.Similarity}
	}
	return results
}

var _ Reranker = (*LLMReranker)(nil)
