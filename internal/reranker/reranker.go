// Package reranker re-scores search candidates for relevance to a query.
package reranker

import (
	"context"
	"errors"

	"github.com/qribar/answerd/internal/knowledge"
)

// ErrRerankFailed indicates the reranking call or parse failed.
var ErrRerankFailed = errors.New("rerank failed")

// Result is a candidate document with its relevance score.
type Result struct {
	Document knowledge.Document
	// Score is the model-assigned relevance in [0,1].
	Score float64
	// Reason is the model's short justification, may be empty.
	Reason string
}

// Reranker re-orders candidate documents by relevance to the query.
// Implementations return a subset of the input, sorted by Score descending.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []knowledge.Match) ([]Result, error)
}
