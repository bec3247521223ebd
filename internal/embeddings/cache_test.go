package embeddings

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyStable(t *testing.T) {
	assert.Equal(t, Key("hola"), Key("hola"))
	assert.Equal(t, Key("  hola  "), Key("hola"), "surrounding whitespace is ignored")
	assert.NotEqual(t, Key("hola"), Key("Hola"), "case is preserved")
	assert.NotEqual(t, Key("hola"), Key("adios"))
}

func TestCacheGetSet(t *testing.T) {
	cache := NewCache(time.Hour, 10)

	assert.Nil(t, cache.Get(Key("missing")))

	cache.Set(Key("hola"), []float32{1, 2, 3})
	assert.Equal(t, []float32{1, 2, 3}, cache.Get(Key("hola")))
	assert.Equal(t, 1, cache.Len())
}

func TestCacheExpiry(t *testing.T) {
	now := time.Now()
	timeNow = func() time.Time { return now }
	defer func() { timeNow = time.Now }()

	cache := NewCache(time.Hour, 10)
	cache.Set(Key("hola"), []float32{1})

	// Within TTL, still served.
	now = now.Add(59 * time.Minute)
	assert.NotNil(t, cache.Get(Key("hola")))

	// Past TTL, treated as missing and evicted.
	now = now.Add(2 * time.Minute)
	assert.Nil(t, cache.Get(Key("hola")))
	assert.Equal(t, 0, cache.Len())
}

func TestCachePurgesExpiredAtBound(t *testing.T) {
	now := time.Now()
	timeNow = func() time.Time { return now }
	defer func() { timeNow = time.Now }()

	cache := NewCache(time.Hour, 3)
	cache.Set("a", []float32{1})
	cache.Set("b", []float32{2})
	cache.Set("c", []float32{3})
	require.Equal(t, 3, cache.Len())

	now = now.Add(2 * time.Hour)
	cache.Set("d", []float32{4})

	assert.Equal(t, 1, cache.Len(), "expired entries purged when bound reached")
	assert.Equal(t, []float32{4}, cache.Get("d"))
}

// countingEmbedder records how often each method is called.
type countingEmbedder struct {
	queryCalls int
	docCalls   int
	vector     []float32
	err        error
}

func (e *countingEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	e.queryCalls++
	if e.err != nil {
		return nil, e.err
	}
	return e.vector, nil
}

func (e *countingEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	e.docCalls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = e.vector
	}
	return out, nil
}

func TestCachedEmbedderHitAndMiss(t *testing.T) {
	inner := &countingEmbedder{vector: []float32{1, 0}}
	cached := NewCachedEmbedder(inner, NewCache(time.Hour, 10), nil)
	ctx := context.Background()

	v1, err := cached.EmbedQuery(ctx, "hola")
	require.NoError(t, err)
	v2, err := cached.EmbedQuery(ctx, "hola")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, inner.queryCalls, "second call served from cache")

	_, err = cached.EmbedQuery(ctx, "adios")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.queryCalls)
}

func TestCachedEmbedderErrorNotCached(t *testing.T) {
	inner := &countingEmbedder{err: fmt.Errorf("provider down")}
	cached := NewCachedEmbedder(inner, NewCache(time.Hour, 10), nil)
	ctx := context.Background()

	_, err := cached.EmbedQuery(ctx, "hola")
	require.Error(t, err)

	_, err = cached.EmbedQuery(ctx, "hola")
	require.Error(t, err)
	assert.Equal(t, 2, inner.queryCalls, "failures are not cached")
}

func TestCachedEmbedderDocumentsPassthrough(t *testing.T) {
	inner := &countingEmbedder{vector: []float32{1}}
	cached := NewCachedEmbedder(inner, NewCache(time.Hour, 10), nil)
	ctx := context.Background()

	_, err := cached.EmbedDocuments(ctx, []string{"a", "b"})
	require.NoError(t, err)
	_, err = cached.EmbedDocuments(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.docCalls, "document embedding is never cached")
}
