package simple

import (
	"context"
	"math"
	"strings"
	"unicode"

	"github.com/minio/highwayhash"
)

var hashKey = []byte("0123456789ABCDEF0123456789ABCDEF")

// Embedder returns deterministic bag-of-words vectors for local runs and tests.
// Texts sharing words get similar vectors.
type Embedder struct {
	Dim int
}

// New constructs a deterministic embedder.
func New(dim int) *Embedder {
	if dim <= 0 {
		dim = 64
	}
	return &Embedder{Dim: dim}
}

// EmbedDocuments embeds documents deterministically.
func (e *Embedder) EmbedDocuments(ctx context.Context, docs []string) ([][]float32, error) {
	out := make([][]float32, len(docs))
	for i, s := range docs {
		out[i] = e.embed(s)
	}
	return out, nil
}

// EmbedQuery embeds a query deterministically.
func (e *Embedder) EmbedQuery(ctx context.Context, q string) ([]float32, error) {
	return e.embed(q), nil
}

func (e *Embedder) embed(s string) []float32 {
	dim := e.Dim
	if dim <= 0 {
		dim = 64
	}
	v := make([]float32, dim)
	tokens := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, token := range tokens {
		h := highwayhash.Sum64([]byte(token), hashKey)
		sign := float32(1)
		if h&1 == 1 {
			sign = -1
		}
		v[(h>>1)%uint64(dim)] += sign
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}
