package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qribar/answerd/internal/classifier"
	"github.com/qribar/answerd/internal/generator"
	"github.com/qribar/answerd/internal/knowledge"
	"github.com/qribar/answerd/internal/logging"
	"github.com/qribar/answerd/internal/pipeline"
	"github.com/qribar/answerd/internal/ratelimit"
	"github.com/qribar/answerd/internal/reranker"
)

type fakeEmbedder struct {
	vector []float32
	err    error
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vector, nil
}

type fakeClassifier struct{}

func (fakeClassifier) Classify(ctx context.Context, query string) (classifier.Classification, error) {
	public := true
	return classifier.Classification{
		Intent: classifier.IntentGeneral,
		Filter: knowledge.Filter{IsPublic: &public},
	}, nil
}

type passthroughReranker struct{}

func (passthroughReranker) Rerank(ctx context.Context, query string, candidates []knowledge.Match) ([]reranker.Result, error) {
	out := make([]reranker.Result, len(candidates))
	for i, m := range candidates {
		out[i] = reranker.Result{Document: m.Document, Score: m.Similarity}
	}
	return out, nil
}

type fakeGenerator struct {
	answer string
	err    error
}

func (f *fakeGenerator) Generate(ctx context.Context, query string, docs []knowledge.Document, history []generator.Message) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

type serverOptions struct {
	embedErr    error
	generateErr error
	limiter     *ratelimit.Limiter
}

func newTestServer(t *testing.T, opts serverOptions) (*Server, knowledge.Store) {
	t.Helper()

	store := knowledge.NewMemoryStore(3, nil)
	_, err := store.Add(context.Background(), knowledge.Document{
		ID:        "pricing-1",
		Source:    "pricing",
		Content:   "Una web basica cuesta desde 900 euros.",
		IsPublic:  true,
		Embedding: []float32{1, 0, 0},
	})
	require.NoError(t, err)

	pipe, err := pipeline.New(
		store,
		&fakeEmbedder{vector: []float32{1, 0, 0}, err: opts.embedErr},
		fakeClassifier{},
		passthroughReranker{},
		&fakeGenerator{answer: "Desde 900 euros.", err: opts.generateErr},
		pipeline.Config{},
		nil,
		nil,
	)
	require.NoError(t, err)

	limiter := opts.limiter
	if limiter == nil {
		limiter = ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 6000, Burst: 100})
	}
	t.Cleanup(limiter.Close)

	logger := logging.NewNop()
	server, err := NewServer(pipe, store, limiter, prometheus.NewRegistry(), logger, Config{})
	require.NoError(t, err)
	return server, store
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestChatAnswers(t *testing.T) {
	server, _ := newTestServer(t, serverOptions{})

	rec := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/chat", `{"query":"cuanto cuesta una web"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Desde 900 euros.", resp.Response)
	assert.False(t, resp.NoInformation)
	require.Len(t, resp.Documents, 1)
	assert.Equal(t, "pricing-1", resp.Documents[0].ID)
}

func TestChatEmptyQueryIsBadRequest(t *testing.T) {
	server, _ := newTestServer(t, serverOptions{})

	rec := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/chat", `{"query":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatPipelineFailureIsServiceUnavailable(t *testing.T) {
	server, _ := newTestServer(t, serverOptions{embedErr: fmt.Errorf("provider 500")})

	rec := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/chat", `{"query":"cuanto cuesta"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, pipeline.ServiceUnavailableMessage, resp.Error)
}

func TestChatRateLimited(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, Burst: 1})
	server, _ := newTestServer(t, serverOptions{limiter: limiter})

	rec := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/chat", `{"query":"hola"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, server.Handler(), http.MethodPost, "/api/v1/chat", `{"query":"hola"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHealth(t *testing.T) {
	server, _ := newTestServer(t, serverOptions{})

	rec := doJSON(t, server.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Documents)
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := newTestServer(t, serverOptions{})

	rec := doJSON(t, server.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDocumentCRUD(t *testing.T) {
	server, _ := newTestServer(t, serverOptions{})
	h := server.Handler()

	// Create.
	rec := doJSON(t, h, http.MethodPost, "/api/v1/documents", `{"content":"Trabajamos con clinicas dentales.","source":"services"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created knowledge.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	assert.True(t, created.IsPublic, "documents default to public")

	// Read.
	rec = doJSON(t, h, http.MethodGet, "/api/v1/documents/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	// List.
	rec = doJSON(t, h, http.MethodGet, "/api/v1/documents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var docs []knowledge.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &docs))
	assert.Len(t, docs, 2)

	// Update.
	rec = doJSON(t, h, http.MethodPut, "/api/v1/documents/"+created.ID, `{"content":"Trabajamos con clinicas y restaurantes."}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var updated knowledge.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Contains(t, updated.Content, "restaurantes")

	// Delete.
	rec = doJSON(t, h, http.MethodDelete, "/api/v1/documents/"+created.ID, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/documents/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDocumentValidation(t *testing.T) {
	server, _ := newTestServer(t, serverOptions{})

	rec := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/documents", `{"content":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, server.Handler(), http.MethodPut, "/api/v1/documents/missing", `{"content":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, server.Handler(), http.MethodDelete, "/api/v1/documents/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
