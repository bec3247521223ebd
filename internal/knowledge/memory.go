package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qribar/answerd/internal/logging"
)

// MemoryStore is an in-process Store. It preserves insertion order so that
// similarity ties rank deterministically. Safe for concurrent use.
type MemoryStore struct {
	mu         sync.RWMutex
	docs       []Document
	byID       map[string]int
	dimensions int
	logger     *logging.Logger
}

// NewMemoryStore creates an empty in-memory store expecting embeddings of the
// given dimensionality.
func NewMemoryStore(dimensions int, logger *logging.Logger) *MemoryStore {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &MemoryStore{
		byID:       make(map[string]int),
		dimensions: dimensions,
		logger:     logger,
	}
}

// Add validates and stores a document.
func (s *MemoryStore) Add(ctx context.Context, doc Document) (Document, error) {
	if err := validateDocument(doc, s.dimensions); err != nil {
		return Document{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if _, exists := s.byID[doc.ID]; exists {
		return Document{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidDocument, doc.ID)
	}
	if doc.Source == "" {
		doc.Source = DefaultSource
	}
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = now
	}

	s.byID[doc.ID] = len(s.docs)
	s.docs = append(s.docs, doc)
	return doc, nil
}

// Get returns a document by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.byID[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return s.docs[i], nil
}

// List returns all documents ordered by CreatedAt descending.
func (s *MemoryStore) List(ctx context.Context) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Document, len(s.docs))
	copy(out, s.docs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Update replaces an existing document.
func (s *MemoryStore) Update(ctx context.Context, doc Document) (Document, error) {
	if err := validateDocument(doc, s.dimensions); err != nil {
		return Document{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byID[doc.ID]
	if !ok {
		return Document{}, ErrNotFound
	}
	if doc.Source == "" {
		doc.Source = DefaultSource
	}
	doc.CreatedAt = s.docs[i].CreatedAt
	doc.UpdatedAt = time.Now()
	s.docs[i] = doc
	return doc, nil
}

// Delete removes a document by ID.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	s.docs = append(s.docs[:i], s.docs[i+1:]...)
	delete(s.byID, id)
	for j := i; j < len(s.docs); j++ {
		s.byID[s.docs[j].ID] = j
	}
	return nil
}

// FilterDocuments applies a metadata filter, ordered by recency, bounded.
func (s *MemoryStore) FilterDocuments(ctx context.Context, f Filter) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	public := true
	if f.IsPublic != nil {
		public = *f.IsPublic
	}
	// Case-insensitive: classifier filters arrive lowercased, sources don't.
	source := strings.ToLower(f.SourceContains)

	out := make([]Document, 0, len(s.docs))
	for _, doc := range s.docs {
		if doc.IsPublic != public {
			continue
		}
		if source != "" && !strings.Contains(strings.ToLower(doc.Source), source) {
			continue
		}
		out = append(out, doc)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Search ranks public embedded documents by cosine similarity.
func (s *MemoryStore) Search(ctx context.Context, queryEmbedding []float32, opts SearchOptions) ([]Match, error) {
	if len(queryEmbedding) != s.dimensions {
		return nil, fmt.Errorf("%w: query embedding has %d dimensions, want %d",
			ErrSearchFailed, len(queryEmbedding), s.dimensions)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return rankBySimilarity(s.docs, queryEmbedding, opts), nil
}

// Count returns the number of stored documents.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs), nil
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
