// Package relevance ranks a user's historical message snippets by cosine
// similarity against a query embedding.
//
// The ranking is deterministic: filtering and ordering use a stable sort
// over the input order, so equal similarities keep their fetch order.
package relevance

import (
	"math"
	"sort"
)

// Snippet is one historical (content, embedding) pair.
type Snippet struct {
	Content   string
	Embedding []float32
}

// Match is a snippet that passed the similarity threshold.
type Match struct {
	Content    string
	Similarity float64
}

// Cosine returns the cosine similarity between two vectors.
//
// Degenerate inputs never panic: vectors of different lengths or with zero
// magnitude yield 0, meaning "no match".
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Rank filters snippets by similarity against query and returns at most
// topN matches ordered by descending similarity. Snippets below threshold
// or without a usable embedding are dropped.
func Rank(snippets []Snippet, query []float32, threshold float64, topN int) []Match {
	if topN <= 0 || len(query) == 0 {
		return nil
	}

	matches := make([]Match, 0, len(snippets))
	for _, s := range snippets {
		sim := Cosine(query, s.Embedding)
		if sim >= threshold {
			matches = append(matches, Match{Content: s.Content, Similarity: sim})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})

	if len(matches) > topN {
		matches = matches[:topN]
	}
	return matches
}
