package knowledge

import (
	"sort"
	"strings"
)

// KeywordFallback ranks documents by term overlap with the query. It is used
// when semantic search returns nothing, and it is the only retrieval path for
// documents stored without an embedding. Documents with zero overlap are
// excluded, so an unrelated query still yields an empty result.
func KeywordFallback(docs []Document, query string, limit int) []Match {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	matches := make([]Match, 0, len(docs))
	for _, doc := range docs {
		if !doc.IsPublic {
			continue
		}
		overlap := termOverlap(queryTokens, tokenize(doc.Content))
		if overlap <= 0 {
			continue
		}
		matches = append(matches, Match{Document: doc, Similarity: overlap})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// tokenize splits text into lowercase terms of length > 2, dropping stopwords.
func tokenize(text string) []string {
	text = strings.ToLower(text)
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return !isTokenRune(r)
	})

	filtered := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if !isStopword(token) && len(token) > 2 {
			filtered = append(filtered, token)
		}
	}
	return filtered
}

// isTokenRune accepts letters (including accented ones, the knowledge base is
// partly Spanish), digits and underscore.
func isTokenRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r >= 0x00C0
}

// isStopword returns true for common English and Spanish stopwords.
func isStopword(token string) bool {
	stopwords := map[string]bool{
		"the": true, "and": true, "for": true, "with": true, "from": true,
		"that": true, "this": true, "are": true, "was": true, "what": true,
		"which": true, "how": true, "los": true, "las": true, "del": true,
		"que": true, "por": true, "para": true, "con": true, "una": true,
		"uno": true, "cómo": true, "qué": true, "cuánto": true, "cuanto": true,
	}
	return stopwords[token]
}

// termOverlap returns the ratio of unique query terms found in docTokens.
func termOverlap(queryTokens, docTokens []string) float64 {
	if len(queryTokens) == 0 {
		return 0.0
	}

	docTokenSet := make(map[string]bool, len(docTokens))
	for _, token := range docTokens {
		docTokenSet[token] = true
	}

	matchCount := 0
	counted := make(map[string]bool, len(queryTokens))
	for _, queryToken := range queryTokens {
		if docTokenSet[queryToken] && !counted[queryToken] {
			matchCount++
			counted[queryToken] = true
		}
	}

	return float64(matchCount) / float64(len(queryTokens))
}
