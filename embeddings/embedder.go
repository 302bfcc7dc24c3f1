package embeddings

import (
	"context"
	"fmt"
	"strings"

	"github.com/viant/embedsync/resilience"
)

// Embedder is a minimal interface for computing vector embeddings
// for documents and queries.
type Embedder interface {
	EmbedDocuments(ctx context.Context, docs []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// EncodeNonEmpty embeds texts in one call, skipping blank entries. The result is
// aligned with texts; skipped entries get a nil vector.
func EncodeNonEmpty(ctx context.Context, emb Embedder, texts []string) ([][]float32, error) {
	ret := make([][]float32, len(texts))
	positions := make([]int, 0, len(texts))
	inputs := make([]string, 0, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		positions = append(positions, i)
		inputs = append(inputs, text)
	}
	if len(inputs) == 0 {
		return ret, nil
	}
	vectors, err := emb.EmbedDocuments(ctx, inputs)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(inputs) {
		return nil, resilience.Errorf(resilience.ExternalService, "embedder returned %d vectors for %d texts", len(vectors), len(inputs))
	}
	for i, pos := range positions {
		ret[pos] = vectors[i]
	}
	return ret, nil
}

// EmbedOne embeds a single text through EmbedDocuments.
func EmbedOne(ctx context.Context, embed func(ctx context.Context, docs []string) ([][]float32, error), text string) ([]float32, error) {
	vectors, err := embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, resilience.Errorf(resilience.ExternalService, "embedder returned %d vectors for 1 query", len(vectors))
	}
	return vectors[0], nil
}

// Dimension probes the embedder for its vector size.
func Dimension(ctx context.Context, emb Embedder) (int, error) {
	v, err := emb.EmbedQuery(ctx, "dimension probe")
	if err != nil {
		return 0, fmt.Errorf("probe embedding dimension: %w", err)
	}
	if len(v) == 0 {
		return 0, resilience.Errorf(resilience.Configuration, "embedder returned empty vector")
	}
	return len(v), nil
}
