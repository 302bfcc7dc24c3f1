package service

import (
	"context"

	"github.com/viant/embedsync/resilience"
	"github.com/viant/embedsync/schema"
)

// SearchRequest is a semantic query against one collection.
type SearchRequest struct {
	Collection string  `json:"collection"`
	Query      string  `json:"query"`
	Limit      int     `json:"limit,omitempty"`
	MinScore   float32 `json:"minScore,omitempty"`
}

// Search embeds the query and returns the closest points of the collection.
func (s *Service) Search(ctx context.Context, req SearchRequest) ([]*schema.SearchResult, error) {
	if req.Collection == "" || req.Query == "" {
		return nil, resilience.Errorf(resilience.Validation, "collection and query are required")
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	vector, err := s.embedder.EmbedQuery(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	var results []*schema.SearchResult
	err = s.breakers.Get(BreakerIndex).Execute(func() error {
		callCtx, cancel := s.bound(ctx)
		defer cancel()
		var err error
		results, err = s.index.Search(callCtx, req.Collection, vector, req.Limit, req.MinScore)
		return err
	})
	return results, err
}
