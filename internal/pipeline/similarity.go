package pipeline

import (
	"math"
	"regexp"
	"strings"
)

var tokenSplitPattern = regexp.MustCompile(`[^a-z0-9]+`)

func tokenize(text string) []string {
	lowered := strings.ToLower(text)
	raw := tokenSplitPattern.Split(lowered, -1)
	terms := make([]string, 0, len(raw))
	for _, token := range raw {
		token = strings.TrimSpace(token)
		if len(token) < 3 {
			continue
		}
		terms = append(terms, token)
	}
	return terms
}

// termVector builds a term-frequency vector over all given texts.
func termVector(texts ...string) map[string]float64 {
	counts := make(map[string]float64)
	for _, text := range texts {
		for _, token := range tokenize(text) {
			counts[token]++
		}
	}
	return counts
}

func cosineSimilarity(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for token, count := range a {
		normA += count * count
		if other, ok := b[token]; ok {
			dot += count * other
		}
	}
	for _, count := range b {
		normB += count * count
	}

	if dot == 0 || normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
