package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/qribar/answerd/internal/logging"
)

// chromemTracer for OpenTelemetry instrumentation.
var chromemTracer = otel.Tracer("answerd.knowledge.chromem")

// Reserved chromem metadata keys used to round-trip document fields.
const (
	metaKeySource    = "source"
	metaKeyIsPublic  = "is_public"
	metaKeyCreatedAt = "created_at"
	metaKeyUpdatedAt = "updated_at"
	metaKeyPrefix    = "m_"
)

// Embedder computes document embeddings at write time. Satisfied by
// internal/embeddings implementations.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// ChromemConfig holds configuration for the chromem-go backed store.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	Path string

	// Collection is the chromem collection name.
	Collection string

	// Dimensions is the expected embedding dimensionality.
	// Must match the embedder's output dimension.
	Dimensions int
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.local/share/answerd/knowledge"
	}
	if c.Collection == "" {
		c.Collection = "answerd_knowledge"
	}
	if c.Dimensions == 0 {
		c.Dimensions = 768
	}
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if c.Dimensions <= 0 {
		return fmt.Errorf("%w: dimensions must be positive", ErrInvalidDocument)
	}
	return nil
}

// ChromemStore implements Store with chromem-go persistence.
//
// chromem-go is an embeddable vector database with zero third-party
// dependencies; documents persist to gob files under Path. The knowledge base
// is small (tens to low hundreds of documents), so the store keeps a full
// in-memory index for metadata filtering, candidate-restricted search and
// threshold handling, none of which chromem's query API can express directly.
// chromem is the durability layer; the index is rebuilt from it at startup.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	index      *MemoryStore
	embedder   Embedder
	config     ChromemConfig
	logger     *logging.Logger

	// pending tracks indexed documents that could not be persisted because
	// their write-time embedding failed. Retried on subsequent writes.
	mu      sync.Mutex
	pending map[string]struct{}
}

// NewChromemStore opens (or creates) the persistent store at cfg.Path and
// loads all stored documents into the in-memory index.
func NewChromemStore(ctx context.Context, cfg ChromemConfig, embedder Embedder, logger *logging.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	expandedPath, err := expandPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(expandedPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", expandedPath, err)
	}

	db, err := chromem.NewPersistentDB(expandedPath, false)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	// chromem wants an embedding function for query-by-text, which this store
	// never uses (embeddings are computed before writes). Supply a stub so
	// chromem does not fall back to its OpenAI default.
	embedFn := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("text embedding not supported, embed before write")
	}

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embedFn)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", cfg.Collection, err)
	}

	store := &ChromemStore{
		db:         db,
		collection: collection,
		index:      NewMemoryStore(cfg.Dimensions, logger),
		embedder:   embedder,
		config:     cfg,
		logger:     logger,
		pending:    make(map[string]struct{}),
	}

	if err := store.loadIndex(ctx); err != nil {
		return nil, fmt.Errorf("loading index: %w", err)
	}

	logger.Info(ctx, "chromem store initialized",
		zap.String("path", expandedPath),
		zap.String("collection", cfg.Collection),
		zap.Int("dimensions", cfg.Dimensions),
	)

	return store, nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// loadIndex reads every persisted document back into the in-memory index.
// chromem has no enumeration API; a full-width embedding query (k = count)
// returns every document with content, metadata and stored embedding.
func (s *ChromemStore) loadIndex(ctx context.Context) error {
	count := s.collection.Count()
	if count == 0 {
		return nil
	}

	probe := make([]float32, s.config.Dimensions)
	probe[0] = 1.0 // unit vector, chromem requires normalized queries

	results, err := s.collection.QueryEmbedding(ctx, probe, count, nil, nil)
	if err != nil {
		return fmt.Errorf("reading persisted documents: %w", err)
	}

	for _, r := range results {
		doc := documentFromChromem(r)
		if _, err := s.index.Add(ctx, doc); err != nil {
			return fmt.Errorf("indexing document %s: %w", r.ID, err)
		}
	}

	s.logger.Info(ctx, "loaded persisted documents", zap.Int("count", len(results)))
	return nil
}

// Add validates, embeds if needed, and persists a document.
//
// If the embedder fails, the document is still indexed without an embedding
// (reachable via the keyword fallback; the returned copy has a nil Embedding
// so callers can see the degraded state). It cannot be persisted until it has
// an embedding, since chromem requires one; it is tracked as pending and
// re-embedded on the next write.
func (s *ChromemStore) Add(ctx context.Context, doc Document) (Document, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Add")
	defer span.End()

	s.retryPending(ctx)

	doc = s.ensureEmbedding(ctx, doc)

	stored, err := s.index.Add(ctx, doc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Document{}, err
	}

	if stored.Embedding == nil {
		s.markPending(stored.ID)
	} else {
		if err := s.persist(ctx, stored); err != nil {
			// Roll back the index so callers can retry cleanly.
			_ = s.index.Delete(ctx, stored.ID)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Document{}, err
		}
	}

	span.SetAttributes(attribute.String("document.id", stored.ID))
	span.SetStatus(codes.Ok, "success")
	return stored, nil
}

// Get returns a document by ID.
func (s *ChromemStore) Get(ctx context.Context, id string) (Document, error) {
	return s.index.Get(ctx, id)
}

// List returns all documents ordered by CreatedAt descending.
func (s *ChromemStore) List(ctx context.Context) ([]Document, error) {
	return s.index.List(ctx)
}

// Update replaces an existing document and rewrites the persisted copy.
func (s *ChromemStore) Update(ctx context.Context, doc Document) (Document, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Update")
	defer span.End()

	s.retryPending(ctx)

	doc = s.ensureEmbedding(ctx, doc)

	stored, err := s.index.Update(ctx, doc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Document{}, err
	}

	// Rewrite: chromem has no in-place update.
	if err := s.collection.Delete(ctx, nil, nil, stored.ID); err != nil {
		s.logger.Warn(ctx, "failed to delete stale persisted document",
			zap.String("id", stored.ID), zap.Error(err))
	}
	if stored.Embedding == nil {
		s.markPending(stored.ID)
	} else {
		if err := s.persist(ctx, stored); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Document{}, err
		}
		s.clearPending(stored.ID)
	}

	span.SetStatus(codes.Ok, "success")
	return stored, nil
}

// Delete removes a document by ID. Hard delete.
func (s *ChromemStore) Delete(ctx context.Context, id string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Delete")
	defer span.End()

	if err := s.index.Delete(ctx, id); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	s.clearPending(id)
	if err := s.collection.Delete(ctx, nil, nil, id); err != nil {
		s.logger.Warn(ctx, "failed to delete persisted document",
			zap.String("id", id), zap.Error(err))
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// FilterDocuments applies a metadata filter against the index.
func (s *ChromemStore) FilterDocuments(ctx context.Context, f Filter) ([]Document, error) {
	return s.index.FilterDocuments(ctx, f)
}

// Search ranks candidates by cosine similarity via the index.
func (s *ChromemStore) Search(ctx context.Context, queryEmbedding []float32, opts SearchOptions) ([]Match, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Search")
	defer span.End()

	span.SetAttributes(
		attribute.Int("candidates", len(opts.CandidateIDs)),
		attribute.Float64("threshold", opts.Threshold),
		attribute.Int("limit", opts.Limit),
	)

	matches, err := s.index.Search(ctx, queryEmbedding, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("results", len(matches)))
	span.SetStatus(codes.Ok, "success")
	return matches, nil
}

// Count returns the number of stored documents.
func (s *ChromemStore) Count(ctx context.Context) (int, error) {
	return s.index.Count(ctx)
}

func (s *ChromemStore) markPending(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[id] = struct{}{}
}

func (s *ChromemStore) clearPending(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

func (s *ChromemStore) pendingIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	return ids
}

// retryPending re-embeds and persists documents whose write-time embedding
// failed, so a transient provider outage heals on the next write instead of
// losing the document on restart.
func (s *ChromemStore) retryPending(ctx context.Context) {
	for _, id := range s.pendingIDs() {
		doc, err := s.index.Get(ctx, id)
		if err != nil {
			s.clearPending(id)
			continue
		}
		doc = s.ensureEmbedding(ctx, doc)
		if doc.Embedding == nil {
			continue
		}
		if _, err := s.index.Update(ctx, doc); err != nil {
			continue
		}
		if err := s.persist(ctx, doc); err != nil {
			s.logger.Warn(ctx, "failed to persist recovered document",
				zap.String("id", id), zap.Error(err))
			continue
		}
		s.clearPending(id)
		s.logger.Info(ctx, "recovered unpersisted document", zap.String("id", id))
	}
}

// ensureEmbedding computes an embedding for documents that lack one. Failures
// are logged, not fatal: the document stays retrievable by keyword fallback.
func (s *ChromemStore) ensureEmbedding(ctx context.Context, doc Document) Document {
	if doc.Embedding != nil || s.embedder == nil {
		return doc
	}
	vectors, err := s.embedder.EmbedDocuments(ctx, []string{doc.Content})
	if err != nil || len(vectors) == 0 {
		s.logger.Warn(ctx, "embedding failed at write, document stored without vector",
			zap.String("id", doc.ID), zap.Error(err))
		return doc
	}
	doc.Embedding = vectors[0]
	return doc
}

// persist writes a single embedded document to chromem.
func (s *ChromemStore) persist(ctx context.Context, doc Document) error {
	cd := chromem.Document{
		ID:        doc.ID,
		Content:   doc.Content,
		Metadata:  chromemMetadata(doc),
		Embedding: doc.Embedding,
	}
	if err := s.collection.AddDocuments(ctx, []chromem.Document{cd}, 1); err != nil {
		return fmt.Errorf("persisting document %s: %w", doc.ID, err)
	}
	return nil
}

// chromemMetadata flattens document fields and user metadata into chromem's
// string map. User keys are prefixed to avoid clashing with reserved keys.
func chromemMetadata(doc Document) map[string]string {
	md := map[string]string{
		metaKeySource:    doc.Source,
		metaKeyIsPublic:  strconv.FormatBool(doc.IsPublic),
		metaKeyCreatedAt: doc.CreatedAt.Format(time.RFC3339Nano),
		metaKeyUpdatedAt: doc.UpdatedAt.Format(time.RFC3339Nano),
	}
	for k, v := range doc.Metadata {
		md[metaKeyPrefix+k] = v
	}
	return md
}

// documentFromChromem reverses chromemMetadata.
func documentFromChromem(r chromem.Result) Document {
	doc := Document{
		ID:        r.ID,
		Content:   r.Content,
		Embedding: r.Embedding,
		Source:    DefaultSource,
	}
	meta := make(map[string]string)
	for k, v := range r.Metadata {
		switch k {
		case metaKeySource:
			if v != "" {
				doc.Source = v
			}
		case metaKeyIsPublic:
			doc.IsPublic = v == "true"
		case metaKeyCreatedAt:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				doc.CreatedAt = t
			}
		case metaKeyUpdatedAt:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				doc.UpdatedAt = t
			}
		default:
			meta[strings.TrimPrefix(k, metaKeyPrefix)] = v
		}
	}
	if len(meta) > 0 {
		doc.Metadata = meta
	}
	return doc
}

// Ensure ChromemStore implements Store.
var _ Store = (*ChromemStore)(nil)
