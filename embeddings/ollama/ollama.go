package ollama

import (
	"context"

	"github.com/viant/embedsync/embeddings"
	"github.com/viant/embedsync/resilience"
)

// Embedder adapts an ollama Client to embeddings.Embedder.
type Embedder struct {
	C *Client
}

// NewClient creates a client for model served at baseURL (default localhost).
func NewClient(model, baseURL string) *Client {
	opts := []ClientOption{}
	if baseURL != "" {
		opts = append(opts, WithBaseURL(baseURL))
	}
	return NewClientWithOptions(model, opts...)
}

func (e *Embedder) EmbedDocuments(ctx context.Context, docs []string) ([][]float32, error) {
	if e == nil || e.C == nil {
		return nil, resilience.Errorf(resilience.Configuration, "ollama embedder not configured")
	}
	vecs, _, err := e.C.Embed(ctx, docs)
	return vecs, err
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return embeddings.EmbedOne(ctx, e.EmbedDocuments, text)
}
