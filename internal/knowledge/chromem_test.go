package knowledge

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyEmbedder fails a fixed number of calls, then succeeds.
type flakyEmbedder struct {
	failures int
	calls    int
}

func (f *flakyEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, fmt.Errorf("provider 500")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func newChromemTestStore(t *testing.T, dir string, emb Embedder) *ChromemStore {
	t.Helper()
	store, err := NewChromemStore(context.Background(), ChromemConfig{
		Path:       dir,
		Collection: "test",
		Dimensions: 3,
	}, emb, nil)
	require.NoError(t, err)
	return store
}

func TestChromemStoreSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store := newChromemTestStore(t, dir, &flakyEmbedder{})
	doc, err := store.Add(ctx, Document{Content: "precio web", Source: "pricing", IsPublic: true})
	require.NoError(t, err)
	require.NotNil(t, doc.Embedding)

	reopened := newChromemTestStore(t, dir, nil)
	got, err := reopened.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "precio web", got.Content)
	assert.Equal(t, "pricing", got.Source)
	assert.True(t, got.IsPublic)
	assert.NotNil(t, got.Embedding)
}

func TestChromemStoreRecoversFailedEmbedding(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	emb := &flakyEmbedder{failures: 1}
	store := newChromemTestStore(t, dir, emb)

	// Provider down: the document is indexed and acknowledged with a nil
	// embedding, but cannot be persisted yet.
	first, err := store.Add(ctx, Document{Content: "primero", Source: "faq", IsPublic: true})
	require.NoError(t, err)
	assert.Nil(t, first.Embedding, "degraded persistence is visible to the caller")

	// The next write re-embeds and persists the earlier document.
	second, err := store.Add(ctx, Document{Content: "segundo", Source: "faq", IsPublic: true})
	require.NoError(t, err)
	require.NotNil(t, second.Embedding)

	healed, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.NotNil(t, healed.Embedding)

	// Both documents survive a restart.
	reopened := newChromemTestStore(t, dir, nil)
	count, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
