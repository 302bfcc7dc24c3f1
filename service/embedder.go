package service

import (
	"context"
	"strings"
	"time"

	"github.com/viant/embedsync/embeddings"
	"github.com/viant/embedsync/embeddings/ollama"
	"github.com/viant/embedsync/embeddings/openai"
	"github.com/viant/embedsync/embeddings/simple"
	"github.com/viant/embedsync/embeddings/vertexai"
	"github.com/viant/embedsync/resilience"
)

// NewEmbedder builds the configured embedding model client.
func NewEmbedder(cfg EmbedderConfig) (embeddings.Embedder, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "simple":
		return simple.New(cfg.Dim), nil
	case "openai":
		model := cfg.Model
		if model == "" {
			model = "text-embedding-3-small"
		}
		var opts []openai.ClientOption
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return &openai.Embedder{C: openai.NewClient(cfg.APIKey, model, opts...)}, nil
	case "ollama":
		if cfg.Model == "" {
			return nil, resilience.Errorf(resilience.Configuration, "ollama embedder requires a model")
		}
		return &ollama.Embedder{C: ollama.NewClient(cfg.Model, cfg.BaseURL)}, nil
	case "vertexai", "vertex":
		return vertexai.NewEmbedder(cfg.Project, cfg.Model, cfg.Location, nil), nil
	}
	return nil, resilience.Errorf(resilience.Configuration, "unsupported embedder provider %q", cfg.Provider)
}

// guardedEmbedder routes model calls through a circuit breaker and bounds each call.
type guardedEmbedder struct {
	embeddings.Embedder
	breaker *resilience.Breaker
	timeout time.Duration
}

func (g *guardedEmbedder) EmbedDocuments(ctx context.Context, docs []string) ([][]float32, error) {
	var vectors [][]float32
	err := g.breaker.Execute(func() error {
		callCtx, cancel := g.bound(ctx)
		defer cancel()
		var err error
		vectors, err = g.Embedder.EmbedDocuments(callCtx, docs)
		return err
	})
	return vectors, err
}

func (g *guardedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	var vector []float32
	err := g.breaker.Execute(func() error {
		callCtx, cancel := g.bound(ctx)
		defer cancel()
		var err error
		vector, err = g.Embedder.EmbedQuery(callCtx, text)
		return err
	})
	return vector, err
}

func (g *guardedEmbedder) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.timeout)
}
