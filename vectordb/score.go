package vectordb

import "github.com/viant/sqlite-vec/vector"

// Score returns the similarity of a to b under distance; higher is closer.
// Euclidean distances are mapped to 1/(1+d). ok is false for vectors that cannot be compared.
func Score(distance Distance, a, b []float32) (float32, bool) {
	switch distance {
	case Euclidean:
		d, err := vector.L2Distance(a, b)
		if err != nil {
			return 0, false
		}
		return float32(1 / (1 + d)), true
	case Dot:
		if len(a) != len(b) {
			return 0, false
		}
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return float32(dot), true
	}
	sim, err := vector.CosineSimilarity(a, b)
	if err != nil {
		return 0, false
	}
	return float32(sim), true
}
