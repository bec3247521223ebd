// Package pipeline orchestrates the query answering flow: classify, filter,
// embed, search, rerank, generate.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/qribar/answerd/internal/classifier"
	"github.com/qribar/answerd/internal/generator"
	"github.com/qribar/answerd/internal/knowledge"
	"github.com/qribar/answerd/internal/logging"
	"github.com/qribar/answerd/internal/reranker"
)

// Pipeline stages, in execution order. Stage names double as metric labels
// and metadata keys.
const (
	StageClassify = "classify"
	StageFilter   = "filter"
	StageEmbed    = "embed"
	StageSearch   = "search"
	StageRerank   = "rerank"
	StageGenerate = "generate"
)

// Fixed user-facing messages. The site audience is Spanish-speaking.
const (
	// NoInformationMessage is returned when no relevant context exists.
	// It is a successful outcome, distinct from service errors.
	NoInformationMessage = "Lo siento, no tengo esa información. Puedes contactar directamente con la agencia y te ayudarán encantados."

	// ServiceUnavailableMessage is returned by the transport layer when the
	// pipeline fails fatally.
	ServiceUnavailableMessage = "Ahora mismo no puedo responder. Por favor, inténtalo de nuevo en unos minutos."
)

// ErrEmptyQuery is returned for blank input before any stage runs.
var ErrEmptyQuery = errors.New("empty query")

// QueryEmbedder embeds a single query string.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Config holds pipeline tuning parameters.
type Config struct {
	// SearchThreshold excludes matches below this cosine similarity.
	SearchThreshold float64
	// SearchLimit caps semantic matches passed to the reranker.
	SearchLimit int
	// FilterLimit caps the metadata-filtered candidate pool.
	FilterLimit int
	// RerankKeep caps documents passed to generation.
	RerankKeep int
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.SearchThreshold <= 0 {
		c.SearchThreshold = 0.3
	}
	if c.SearchLimit <= 0 {
		c.SearchLimit = 10
	}
	if c.FilterLimit <= 0 {
		c.FilterLimit = 20
	}
	if c.RerankKeep <= 0 {
		c.RerankKeep = 4
	}
}

// Query is a pipeline request.
type Query struct {
	Text    string
	History []generator.Message
}

// UsedDocument identifies a document that grounded the answer.
type UsedDocument struct {
	ID     string  `json:"id"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// Metadata reports how the pipeline processed a query.
type Metadata struct {
	Intent            string           `json:"intent"`
	StageTimingsMS    map[string]int64 `json:"stage_timings_ms"`
	DocumentsFiltered int              `json:"documents_filtered"`
	DocumentsSemantic int              `json:"documents_semantic"`
	DocumentsReranked int              `json:"documents_reranked"`
	Fallbacks         []string         `json:"fallbacks,omitempty"`
}

// Result is a successful pipeline outcome: either a grounded answer or the
// no-information message. Fatal failures are returned as errors instead.
type Result struct {
	Response      string         `json:"response"`
	NoInformation bool           `json:"no_information"`
	Documents     []UsedDocument `json:"documents"`
	Metadata      Metadata       `json:"metadata"`
}

// Pipeline executes the answering flow. All collaborators are injected.
type Pipeline struct {
	store      knowledge.Store
	embedder   QueryEmbedder
	classifier classifier.Classifier
	reranker   reranker.Reranker
	generator  generator.Generator
	config     Config
	logger     *logging.Logger
	metrics    *Metrics
	tracer     trace.Tracer
}

// New creates a pipeline. metrics may be nil to disable recording.
func New(store knowledge.Store, embedder QueryEmbedder, cls classifier.Classifier, rr reranker.Reranker, gen generator.Generator, cfg Config, logger *logging.Logger, metrics *Metrics) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("store required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder required")
	}
	if cls == nil {
		return nil, fmt.Errorf("classifier required")
	}
	if rr == nil {
		return nil, fmt.Errorf("reranker required")
	}
	if gen == nil {
		return nil, fmt.Errorf("generator required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg.ApplyDefaults()
	return &Pipeline{
		store:      store,
		embedder:   embedder,
		classifier: cls,
		reranker:   rr,
		generator:  gen,
		config:     cfg,
		logger:     logger.Named("pipeline"),
		metrics:    metrics,
		tracer:     otel.Tracer("github.com/qribar/answerd/internal/pipeline"),
	}, nil
}

// run tracks per-query state.
type run struct {
	timings   map[string]int64
	fallbacks []string
}

// record stores a stage duration. Only the request goroutine touches the
// timing map; concurrent stages report elapsed time through their result
// channel instead of writing here themselves.
func (r *run) record(p *Pipeline, stage string, elapsed time.Duration) {
	r.timings[stage] = elapsed.Milliseconds()
	p.metrics.observeStage(stage, elapsed.Seconds())
}

func (r *run) timeStage(p *Pipeline, stage string) func() {
	start := time.Now()
	return func() {
		r.record(p, stage, time.Since(start))
	}
}

func (r *run) fallback(p *Pipeline, ctx context.Context, stage string, err error) {
	r.fallbacks = append(r.fallbacks, stage)
	p.metrics.recordFallback(stage)
	p.logger.Warn(ctx, "stage degraded", zap.String("stage", stage), zap.Error(err))
}

// Process answers a query. It returns a Result for both grounded answers and
// the no-information outcome; an error means the service could not answer
// (invalid input, embedding failure, search failure, generation failure).
func (p *Pipeline) Process(ctx context.Context, q Query) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.Process")
	defer span.End()

	if strings.TrimSpace(q.Text) == "" {
		return Result{}, ErrEmptyQuery
	}

	r := &run{timings: make(map[string]int64, 6)}

	result, err := p.process(ctx, q, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.recordOutcome(OutcomeError)
		return Result{}, err
	}

	if result.NoInformation {
		p.metrics.recordOutcome(OutcomeNoInformation)
	} else {
		p.metrics.recordOutcome(OutcomeAnswered)
	}
	result.Metadata.StageTimingsMS = r.timings
	result.Metadata.Fallbacks = r.fallbacks
	return result, nil
}

func (p *Pipeline) process(ctx context.Context, q Query, r *run) (Result, error) {
	// Stage 1: classification. Degradable.
	stop := r.timeStage(p, StageClassify)
	cls, err := p.classifier.Classify(ctx, q.Text)
	stop()
	if err != nil {
		r.fallback(p, ctx, StageClassify, err)
		cls = classifier.Fallback()
	}

	// Stages 2+3: metadata filter and query embedding run concurrently.
	// Neither depends on the other; results are intersected afterwards.
	type filterOut struct {
		docs    []knowledge.Document
		err     error
		elapsed time.Duration
	}
	type embedOut struct {
		vector  []float32
		err     error
		elapsed time.Duration
	}
	filterCh := make(chan filterOut, 1)
	embedCh := make(chan embedOut, 1)

	go func() {
		start := time.Now()
		f := cls.Filter
		f.Limit = p.config.FilterLimit
		docs, err := p.store.FilterDocuments(ctx, f)
		filterCh <- filterOut{docs: docs, err: err, elapsed: time.Since(start)}
	}()
	go func() {
		start := time.Now()
		vector, err := p.embedder.EmbedQuery(ctx, q.Text)
		embedCh <- embedOut{vector: vector, err: err, elapsed: time.Since(start)}
	}()

	fo := <-filterCh
	eo := <-embedCh
	r.record(p, StageFilter, fo.elapsed)
	r.record(p, StageEmbed, eo.elapsed)

	// Embedding failure is fatal: without a query vector there is nothing
	// to search and the honest response is a service error.
	if eo.err != nil {
		return Result{}, fmt.Errorf("embed query: %w", eo.err)
	}

	// Filter failure degrades to the full public population.
	candidates := fo.docs
	if fo.err != nil {
		r.fallback(p, ctx, StageFilter, fo.err)
		candidates = nil
	}

	meta := Metadata{Intent: cls.Intent, DocumentsFiltered: len(candidates)}

	// Stage 4: similarity search over the candidate set. A successful
	// filter that matched nothing leaves an empty candidate set, which is
	// not the same as no restriction: there is nothing to search.
	var matches []knowledge.Match
	stop = r.timeStage(p, StageSearch)
	if fo.err != nil || len(candidates) > 0 {
		var searchErr error
		matches, searchErr = p.store.Search(ctx, eo.vector, knowledge.SearchOptions{
			CandidateIDs: documentIDs(candidates),
			Threshold:    p.config.SearchThreshold,
			Limit:        p.config.SearchLimit,
		})
		if searchErr != nil {
			stop()
			return Result{}, fmt.Errorf("search: %w", searchErr)
		}
	}
	stop()

	// Unembedded documents are invisible to the vector search. When it
	// comes back empty, a keyword pass over the candidate pool keeps them
	// reachable.
	if len(matches) == 0 {
		pool := candidates
		if pool == nil {
			var poolErr error
			pool, poolErr = p.store.FilterDocuments(ctx, knowledge.Filter{Limit: p.config.FilterLimit})
			if poolErr != nil {
				pool = nil
			}
		}
		matches = knowledge.KeywordFallback(pool, q.Text, p.config.SearchLimit)
		if len(matches) > 0 {
			r.fallback(p, ctx, StageSearch, errors.New("no semantic matches, keyword pass used"))
		}
	}
	meta.DocumentsSemantic = len(matches)

	if len(matches) == 0 {
		return Result{
			Response:      NoInformationMessage,
			NoInformation: true,
			Documents:     []UsedDocument{},
			Metadata:      meta,
		}, nil
	}

	// Stage 5: reranking. Degradable to similarity order.
	stop = r.timeStage(p, StageRerank)
	ranked, err := p.reranker.Rerank(ctx, q.Text, matches)
	stop()
	if err != nil {
		r.fallback(p, ctx, StageRerank, err)
		ranked = reranker.Fallback(matches, p.config.RerankKeep)
	}
	meta.DocumentsReranked = len(ranked)

	// The reranker may discard everything below its cutoff. That is the
	// no-information outcome, not an error, and generation is skipped.
	if len(ranked) == 0 {
		return Result{
			Response:      NoInformationMessage,
			NoInformation: true,
			Documents:     []UsedDocument{},
			Metadata:      meta,
		}, nil
	}

	docs := make([]knowledge.Document, len(ranked))
	used := make([]UsedDocument, len(ranked))
	for i, res := range ranked {
		docs[i] = res.Document
		used[i] = UsedDocument{ID: res.Document.ID, Source: res.Document.Source, Score: res.Score}
	}

	// Stage 6: grounded generation. Fatal on failure.
	stop = r.timeStage(p, StageGenerate)
	answer, err := p.generator.Generate(ctx, q.Text, docs, q.History)
	stop()
	if err != nil {
		return Result{}, fmt.Errorf("generate: %w", err)
	}

	return Result{
		Response:  answer,
		Documents: used,
		Metadata:  meta,
	}, nil
}

func documentIDs(docs []knowledge.Document) []string {
	if len(docs) == 0 {
		return nil
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids
}
