package knowledge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeywordFallback(t *testing.T) {
	docs := []Document{
		{ID: "pricing", Content: "Una web basica cuesta desde 900 euros con diseño incluido.", IsPublic: true},
		{ID: "services", Content: "Ofrecemos diseño web y posicionamiento para restaurantes.", IsPublic: true},
		{ID: "private", Content: "Margen interno sobre precio web basica.", IsPublic: false},
	}

	t.Run("ranks by term overlap", func(t *testing.T) {
		matches := KeywordFallback(docs, "cuanto cuesta una web basica", 10)
		require.NotEmpty(t, matches)
		assert.Equal(t, "pricing", matches[0].Document.ID)
	})

	t.Run("private documents excluded", func(t *testing.T) {
		matches := KeywordFallback(docs, "precio web basica", 10)
		for _, m := range matches {
			assert.NotEqual(t, "private", m.Document.ID)
		}
	})

	t.Run("zero overlap yields nothing", func(t *testing.T) {
		matches := KeywordFallback(docs, "kubernetes operator sharding", 10)
		assert.Empty(t, matches)
	})

	t.Run("gibberish yields nothing", func(t *testing.T) {
		matches := KeywordFallback(docs, "xqzvw plorf", 10)
		assert.Empty(t, matches)
	})

	t.Run("limit caps matches", func(t *testing.T) {
		matches := KeywordFallback(docs, "diseño web", 1)
		assert.Len(t, matches, 1)
	})

	t.Run("stopword-only query yields nothing", func(t *testing.T) {
		matches := KeywordFallback(docs, "the and for una los", 10)
		assert.Empty(t, matches)
	})
}

func TestTokenizeAccents(t *testing.T) {
	tokens := tokenize("Diseño de páginas rápidas")
	assert.Contains(t, tokens, "diseño")
	assert.Contains(t, tokens, "páginas")
	assert.Contains(t, tokens, "rápidas")
}
