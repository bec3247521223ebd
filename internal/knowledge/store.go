// Package knowledge provides the document store backing the answer pipeline.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrInvalidDocument indicates a document that fails write-time validation.
	ErrInvalidDocument = errors.New("invalid document")

	// ErrDimensionMismatch indicates an embedding whose length does not match
	// the store's configured dimensionality. Rejected at write time, never
	// discovered at search time.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrSearchFailed indicates a storage-level search failure, distinct from
	// a valid empty result.
	ErrSearchFailed = errors.New("similarity search failed")
)

// Store is the interface for knowledge-base storage and retrieval.
//
// Implementations:
//   - MemoryStore: in-process, used in tests and as the index layer
//   - ChromemStore: chromem-go backed persistent store
type Store interface {
	// Add validates and stores a document, returning the stored copy.
	Add(ctx context.Context, doc Document) (Document, error)

	// Get returns a document by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (Document, error)

	// List returns all documents ordered by CreatedAt descending.
	List(ctx context.Context) ([]Document, error)

	// Update replaces an existing document, or returns ErrNotFound.
	Update(ctx context.Context, doc Document) (Document, error)

	// Delete removes a document by ID. Hard delete, no tombstone.
	Delete(ctx context.Context, id string) error

	// FilterDocuments applies a metadata filter, returning a bounded pool
	// ordered by recency.
	FilterDocuments(ctx context.Context, f Filter) ([]Document, error)

	// Search ranks candidates by cosine similarity to queryEmbedding.
	// Zero matches is a valid empty result; storage failures wrap
	// ErrSearchFailed.
	Search(ctx context.Context, queryEmbedding []float32, opts SearchOptions) ([]Match, error)

	// Count returns the number of stored documents.
	Count(ctx context.Context) (int, error)
}

// validateDocument enforces the write-time contract.
func validateDocument(doc Document, dimensions int) error {
	if strings.TrimSpace(doc.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidDocument)
	}
	if len(doc.Content) > MaxContentLength {
		return fmt.Errorf("%w: content exceeds %d characters", ErrInvalidDocument, MaxContentLength)
	}
	if doc.Embedding != nil && len(doc.Embedding) != dimensions {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(doc.Embedding), dimensions)
	}
	return nil
}

// cosineSimilarity computes cosine similarity between two vectors.
// Mismatched lengths or zero vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0.0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// rankBySimilarity scores docs against the query embedding and applies
// threshold and limit. Input order is preserved for ties (stable sort), so
// equal scores keep insertion order.
func rankBySimilarity(docs []Document, queryEmbedding []float32, opts SearchOptions) []Match {
	var idSet map[string]bool
	if len(opts.CandidateIDs) > 0 {
		idSet = make(map[string]bool, len(opts.CandidateIDs))
		for _, id := range opts.CandidateIDs {
			idSet[id] = true
		}
	}

	matches := make([]Match, 0, len(docs))
	for _, doc := range docs {
		if !doc.IsPublic || doc.Embedding == nil {
			continue
		}
		if idSet != nil && !idSet[doc.ID] {
			continue
		}
		sim := cosineSimilarity(queryEmbedding, doc.Embedding)
		if sim < opts.Threshold {
			continue
		}
		matches = append(matches, Match{Document: doc, Similarity: sim})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})

	if opts.Limit > 0 && len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}
	return matches
}
