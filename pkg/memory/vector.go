package memory

import "math"

// Cosine computes cosine similarity dot(a,b) / (|a|·|b|). A zero vector on
// either side, or a dimension mismatch, scores 0 rather than erroring:
// search treats such candidates as simply irrelevant.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	score := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if score > 1 {
		return 1
	}
	if score < -1 {
		return -1
	}
	return score
}
