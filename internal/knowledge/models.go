package knowledge

import "time"

const (
	// DefaultSource is assigned to documents ingested without a source label.
	DefaultSource = "general"

	// MaxContentLength bounds document content, enforced at write time.
	MaxContentLength = 10000
)

// Document is a unit of retrievable knowledge.
type Document struct {
	// ID is the unique identifier for the document.
	ID string `json:"id"`

	// Content is the text body, at most MaxContentLength characters.
	Content string `json:"content"`

	// Source is a label (or comma-separated labels) used for coarse
	// filtering, e.g. "qribar", "reviews", "general".
	Source string `json:"source"`

	// Metadata contains additional key-value pairs (category, tags, priority).
	Metadata map[string]string `json:"metadata,omitempty"`

	// IsPublic gates retrieval eligibility. Only public documents are
	// returned by Filter and Search.
	IsPublic bool `json:"is_public"`

	// Embedding is the fixed-length vector for this document. A document
	// without one is excluded from semantic search but can still be matched
	// by the keyword fallback.
	Embedding []float32 `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Filter narrows the candidate pool before semantic search. Fields are
// explicit and optional; the zero value matches all public documents.
type Filter struct {
	// SourceContains matches documents whose Source contains this substring.
	SourceContains string `json:"source_contains,omitempty"`

	// IsPublic restricts by visibility. Nil means "public only" (the
	// pipeline never retrieves private documents).
	IsPublic *bool `json:"is_public,omitempty"`

	// Limit caps the returned pool. Zero means the store default.
	Limit int `json:"limit,omitempty"`
}

// Match pairs a document with its similarity to the query embedding.
type Match struct {
	Document   Document `json:"document"`
	Similarity float64  `json:"similarity"`
}

// SearchOptions controls a similarity search call.
type SearchOptions struct {
	// CandidateIDs restricts the search to this ID set. Empty means the
	// full public, embedded population.
	CandidateIDs []string

	// Threshold excludes matches with similarity strictly below it.
	Threshold float64

	// Limit is a hard cap on returned matches.
	Limit int
}
