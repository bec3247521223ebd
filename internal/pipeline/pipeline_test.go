package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qribar/answerd/internal/classifier"
	"github.com/qribar/answerd/internal/generator"
	"github.com/qribar/answerd/internal/knowledge"
	"github.com/qribar/answerd/internal/reranker"
)

// fakeEmbedder maps query text to fixed vectors.
type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
	calls   int
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	// Unknown queries land far from everything.
	return []float32{0, 0, 1}, nil
}

// fakeClassifier returns a fixed classification or error.
type fakeClassifier struct {
	result classifier.Classification
	err    error
}

func (f *fakeClassifier) Classify(ctx context.Context, query string) (classifier.Classification, error) {
	if f.err != nil {
		return classifier.Classification{}, f.err
	}
	return f.result, nil
}

// passthroughReranker keeps similarity order; errReranker always fails;
// emptyReranker discards everything below its cutoff.
type passthroughReranker struct{ calls int }

func (p *passthroughReranker) Rerank(ctx context.Context, query string, candidates []knowledge.Match) ([]reranker.Result, error) {
	p.calls++
	out := make([]reranker.Result, len(candidates))
	for i, m := range candidates {
		out[i] = reranker.Result{Document: m.Document, Score: m.Similarity}
	}
	return out, nil
}

type errReranker struct{}

func (errReranker) Rerank(ctx context.Context, query string, candidates []knowledge.Match) ([]reranker.Result, error) {
	return nil, fmt.Errorf("%w: boom", reranker.ErrRerankFailed)
}

type emptyReranker struct{}

func (emptyReranker) Rerank(ctx context.Context, query string, candidates []knowledge.Match) ([]reranker.Result, error) {
	return []reranker.Result{}, nil
}

// errSearchStore wraps a store and fails every similarity search.
type errSearchStore struct {
	knowledge.Store
}

func (errSearchStore) Search(ctx context.Context, queryEmbedding []float32, opts knowledge.SearchOptions) ([]knowledge.Match, error) {
	return nil, fmt.Errorf("%w: index unavailable", knowledge.ErrSearchFailed)
}

// fakeGenerator counts calls and echoes a canned answer.
type fakeGenerator struct {
	answer string
	err    error
	calls  int
}

func (f *fakeGenerator) Generate(ctx context.Context, query string, docs []knowledge.Document, history []generator.Message) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

// newTestStore seeds a 3-dimensional store with a pricing document, a
// services document and one unembedded document.
func newTestStore(t *testing.T) *knowledge.MemoryStore {
	t.Helper()
	store := knowledge.NewMemoryStore(3, nil)
	ctx := context.Background()

	docs := []knowledge.Document{
		{ID: "pricing-1", Source: "pricing", Content: "Una web basica cuesta desde 900 euros.", IsPublic: true, Embedding: []float32{1, 0, 0}},
		{ID: "services-1", Source: "services", Content: "Hacemos diseño web y SEO local.", IsPublic: true, Embedding: []float32{0, 1, 0}},
		{ID: "contact-1", Source: "contact", Content: "Puedes escribirnos a hola@agencia.example para pedir presupuesto.", IsPublic: true},
	}
	for _, d := range docs {
		_, err := store.Add(ctx, d)
		require.NoError(t, err)
	}
	return store
}

func pricingClassifier() *fakeClassifier {
	public := true
	return &fakeClassifier{result: classifier.Classification{
		Intent: classifier.IntentPricing,
		Filter: knowledge.Filter{SourceContains: "pricing", IsPublic: &public},
	}}
}

func newTestPipeline(t *testing.T, store knowledge.Store, emb *fakeEmbedder, cls classifier.Classifier, rr reranker.Reranker, gen generator.Generator) *Pipeline {
	t.Helper()
	p, err := New(store, emb, cls, rr, gen, Config{}, nil, nil)
	require.NoError(t, err)
	return p
}

func TestProcessRejectsEmptyQuery(t *testing.T) {
	p := newTestPipeline(t, newTestStore(t), &fakeEmbedder{}, pricingClassifier(), &passthroughReranker{}, &fakeGenerator{answer: "x"})

	_, err := p.Process(context.Background(), Query{Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestProcessAnswersPricingQuestion(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"cuanto cuesta una web basica": {1, 0, 0},
	}}
	gen := &fakeGenerator{answer: "Una web basica cuesta desde 900 euros."}
	p := newTestPipeline(t, newTestStore(t), emb, pricingClassifier(), &passthroughReranker{}, gen)

	result, err := p.Process(context.Background(), Query{Text: "cuanto cuesta una web basica"})
	require.NoError(t, err)

	assert.Contains(t, result.Response, "900 euros")
	assert.False(t, result.NoInformation)
	require.Len(t, result.Documents, 1)
	assert.Equal(t, "pricing-1", result.Documents[0].ID)
	assert.Equal(t, "pricing", result.Documents[0].Source)

	assert.Equal(t, classifier.IntentPricing, result.Metadata.Intent)
	assert.Equal(t, 1, result.Metadata.DocumentsFiltered)
	assert.Equal(t, 1, result.Metadata.DocumentsSemantic)
	assert.Equal(t, 1, result.Metadata.DocumentsReranked)
	assert.Empty(t, result.Metadata.Fallbacks)
	assert.Contains(t, result.Metadata.StageTimingsMS, StageClassify)
	assert.Contains(t, result.Metadata.StageTimingsMS, StageGenerate)
	assert.Equal(t, 1, gen.calls)
}

func TestProcessClassifierFailureDegrades(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"precio": {1, 0, 0}}}
	gen := &fakeGenerator{answer: "desde 900 euros"}
	cls := &fakeClassifier{err: fmt.Errorf("%w: timeout", classifier.ErrClassificationFailed)}
	p := newTestPipeline(t, newTestStore(t), emb, cls, &passthroughReranker{}, gen)

	result, err := p.Process(context.Background(), Query{Text: "precio"})
	require.NoError(t, err)

	assert.False(t, result.NoInformation)
	assert.Contains(t, result.Metadata.Fallbacks, StageClassify)
	assert.Equal(t, classifier.IntentGeneral, result.Metadata.Intent)
	assert.Equal(t, 1, gen.calls, "classification failure never blocks the answer")
}

func TestProcessEmbeddingFailureIsFatal(t *testing.T) {
	emb := &fakeEmbedder{err: fmt.Errorf("provider 500")}
	gen := &fakeGenerator{answer: "x"}
	p := newTestPipeline(t, newTestStore(t), emb, pricingClassifier(), &passthroughReranker{}, gen)

	result, err := p.Process(context.Background(), Query{Text: "cuanto cuesta"})
	require.Error(t, err)

	assert.False(t, result.NoInformation, "an embedding outage is an error, not a no-information answer")
	assert.Zero(t, gen.calls)
}

func TestProcessSearchFailureIsFatal(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"precio": {1, 0, 0}}}
	gen := &fakeGenerator{answer: "never"}
	store := errSearchStore{Store: newTestStore(t)}
	p := newTestPipeline(t, store, emb, pricingClassifier(), &passthroughReranker{}, gen)

	result, err := p.Process(context.Background(), Query{Text: "precio"})
	require.Error(t, err)
	assert.ErrorIs(t, err, knowledge.ErrSearchFailed)

	assert.False(t, result.NoInformation, "a search outage is an error, not a no-information answer")
	assert.Zero(t, gen.calls)
}

func TestProcessStageTimingsAcrossRequests(t *testing.T) {
	// Filter and embed run concurrently; their durations must land in the
	// per-request timing map without ever racing the request goroutine.
	// Repeated runs give the race detector plenty of chances to object.
	emb := &fakeEmbedder{vectors: map[string][]float32{"precio": {1, 0, 0}}}
	gen := &fakeGenerator{answer: "desde 900 euros"}
	p := newTestPipeline(t, newTestStore(t), emb, pricingClassifier(), &passthroughReranker{}, gen)

	for i := 0; i < 100; i++ {
		result, err := p.Process(context.Background(), Query{Text: "precio"})
		require.NoError(t, err)
		assert.Contains(t, result.Metadata.StageTimingsMS, StageFilter)
		assert.Contains(t, result.Metadata.StageTimingsMS, StageEmbed)
		assert.Contains(t, result.Metadata.StageTimingsMS, StageSearch)
	}
}

func TestProcessGibberishYieldsNoInformation(t *testing.T) {
	emb := &fakeEmbedder{}
	gen := &fakeGenerator{answer: "never"}
	public := true
	cls := &fakeClassifier{result: classifier.Classification{
		Intent: classifier.IntentGeneral,
		Filter: knowledge.Filter{IsPublic: &public},
	}}
	p := newTestPipeline(t, newTestStore(t), emb, cls, &passthroughReranker{}, gen)

	result, err := p.Process(context.Background(), Query{Text: "xqzvw plorf wibble"})
	require.NoError(t, err)

	assert.True(t, result.NoInformation)
	assert.Equal(t, NoInformationMessage, result.Response)
	assert.Empty(t, result.Documents)
	assert.Zero(t, gen.calls, "no generation call without context")
}

func TestProcessRerankFailureDegrades(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"precio web": {1, 0, 0}}}
	gen := &fakeGenerator{answer: "desde 900 euros"}
	p := newTestPipeline(t, newTestStore(t), emb, pricingClassifier(), errReranker{}, gen)

	result, err := p.Process(context.Background(), Query{Text: "precio web"})
	require.NoError(t, err)

	assert.False(t, result.NoInformation)
	assert.Contains(t, result.Metadata.Fallbacks, StageRerank)
	require.NotEmpty(t, result.Documents)
	assert.Equal(t, "pricing-1", result.Documents[0].ID, "similarity order survives the fallback")
}

func TestProcessRerankerDiscardingAllIsNoInformation(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"precio": {1, 0, 0}}}
	gen := &fakeGenerator{answer: "never"}
	p := newTestPipeline(t, newTestStore(t), emb, pricingClassifier(), emptyReranker{}, gen)

	result, err := p.Process(context.Background(), Query{Text: "precio"})
	require.NoError(t, err)

	assert.True(t, result.NoInformation)
	assert.Equal(t, NoInformationMessage, result.Response)
	assert.Zero(t, gen.calls)
}

func TestProcessKeywordFallbackReachesUnembeddedDocs(t *testing.T) {
	// The contact document has no embedding, so semantic search cannot see
	// it. The keyword pass over the filtered pool can.
	emb := &fakeEmbedder{}
	gen := &fakeGenerator{answer: "Escríbenos a hola@agencia.example."}
	public := true
	cls := &fakeClassifier{result: classifier.Classification{
		Intent: classifier.IntentContact,
		Filter: knowledge.Filter{SourceContains: "contact", IsPublic: &public},
	}}
	p := newTestPipeline(t, newTestStore(t), emb, cls, &passthroughReranker{}, gen)

	result, err := p.Process(context.Background(), Query{Text: "quiero pedir presupuesto"})
	require.NoError(t, err)

	assert.False(t, result.NoInformation)
	require.Len(t, result.Documents, 1)
	assert.Equal(t, "contact-1", result.Documents[0].ID)
	assert.Contains(t, result.Metadata.Fallbacks, StageSearch)
	assert.Equal(t, 1, gen.calls)
}

func TestProcessGenerationFailureIsFatal(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"precio": {1, 0, 0}}}
	gen := &fakeGenerator{err: fmt.Errorf("%w: model down", generator.ErrGenerationFailed)}
	p := newTestPipeline(t, newTestStore(t), emb, pricingClassifier(), &passthroughReranker{}, gen)

	_, err := p.Process(context.Background(), Query{Text: "precio"})
	require.Error(t, err)
	assert.ErrorIs(t, err, generator.ErrGenerationFailed)
}

func TestProcessFilterFailureDegrades(t *testing.T) {
	// A classifier filter that matches nothing still leaves the semantic
	// search over an empty candidate pool; verify the no-information path
	// rather than an error.
	emb := &fakeEmbedder{vectors: map[string][]float32{"precio": {1, 0, 0}}}
	gen := &fakeGenerator{answer: "never"}
	public := true
	cls := &fakeClassifier{result: classifier.Classification{
		Intent: classifier.IntentMenu,
		Filter: knowledge.Filter{SourceContains: "menu", IsPublic: &public},
	}}
	p := newTestPipeline(t, newTestStore(t), emb, cls, &passthroughReranker{}, gen)

	result, err := p.Process(context.Background(), Query{Text: "zzzz yyyy"})
	require.NoError(t, err)
	assert.True(t, result.NoInformation)
}

func TestProcessRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	emb := &fakeEmbedder{vectors: map[string][]float32{"precio": {1, 0, 0}}}
	gen := &fakeGenerator{answer: "desde 900 euros"}
	p, err := New(newTestStore(t), emb, pricingClassifier(), &passthroughReranker{}, gen, Config{}, nil, metrics)
	require.NoError(t, err)

	_, err = p.Process(context.Background(), Query{Text: "precio"})
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["pipeline_stage_duration_seconds"])
	assert.True(t, names["pipeline_queries_total"])
}
