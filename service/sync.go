package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/viant/embedsync/pipeline"
	"github.com/viant/embedsync/resilience"
	"github.com/viant/embedsync/schema"
	"github.com/viant/embedsync/vectordb/sqlitevec"
)

const maxReportedErrors = 20

// TriggerFullResync re-embeds every document of collection, or of every
// watched collection when collection is empty, and upserts it into the index.
// It runs alongside live processing; upserts are idempotent so overlapping
// writes converge. Points of documents deleted while no feed was listening are
// not removed.
func (s *Service) TriggerFullResync(ctx context.Context, collection string) (*SyncResult, error) {
	if s.store == nil {
		return nil, resilience.Errorf(resilience.Configuration, "resync: primary store is not configured")
	}
	collections, err := s.resyncTargets(ctx, collection)
	if err != nil {
		return nil, err
	}
	if err := s.acquireResync(collections); err != nil {
		return nil, err
	}
	defer s.releaseResync(collections)

	result := &SyncResult{StartedAt: time.Now()}
	for _, name := range collections {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		cs := s.resyncCollection(ctx, name)
		result.add(cs)
		s.logger.Info().Str("collection", name).Int("documents", cs.Documents).Int("upserted", cs.Upserted).
			Int("failed", cs.Failed).Int("pages", cs.Pages).Msg("collection resynced")
	}
	result.Duration = time.Since(result.StartedAt)
	s.counters.resync()
	return result, nil
}

func (s *Service) resyncTargets(ctx context.Context, collection string) ([]string, error) {
	if collection != "" {
		return []string{collection}, nil
	}
	if len(s.cfg.WatchedCollections) > 0 {
		return append([]string(nil), s.cfg.WatchedCollections...), nil
	}
	var collections []string
	err := resilience.Retry(ctx, s.cfg.RetryPolicy(), func(ctx context.Context) error {
		var err error
		collections, err = s.store.Collections(ctx)
		return err
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("resync: list collections: %w", err)
	}
	return collections, nil
}

func (s *Service) acquireResync(collections []string) error {
	s.resyncMu.Lock()
	defer s.resyncMu.Unlock()
	for _, name := range collections {
		if s.resyncing[name] {
			return fmt.Errorf("%w: %s", ErrResyncInProgress, name)
		}
	}
	for _, name := range collections {
		s.resyncing[name] = true
	}
	return nil
}

func (s *Service) releaseResync(collections []string) {
	s.resyncMu.Lock()
	for _, name := range collections {
		delete(s.resyncing, name)
	}
	s.resyncMu.Unlock()
}

// Resyncing reports whether collection is being resynced.
func (s *Service) Resyncing(collection string) bool {
	s.resyncMu.Lock()
	defer s.resyncMu.Unlock()
	return s.resyncing[collection]
}

func (s *Service) resyncCollection(ctx context.Context, collection string) *CollectionSync {
	cs := &CollectionSync{Collection: collection}
	policy := s.cfg.RetryPolicy()
	onRetry := func(attempt int, err error) {
		s.logger.Warn().Err(err).Str("collection", collection).Int("attempt", attempt).Msg("resync step failed, retrying")
	}
	err := resilience.Retry(ctx, policy, func(ctx context.Context) error {
		return s.ensureCollection(ctx, collection)
	}, onRetry)
	if err != nil {
		cs.note(err)
		return cs
	}
	pageSize := s.cfg.ResyncPageSize
	for offset := 0; ; offset += pageSize {
		var docs []*schema.SourceDocument
		err := resilience.Retry(ctx, policy, func(ctx context.Context) error {
			var err error
			docs, err = s.store.Page(ctx, collection, offset, pageSize)
			return err
		}, onRetry)
		if err != nil {
			cs.note(fmt.Errorf("page at offset %d: %w", offset, err))
			return cs
		}
		if len(docs) == 0 {
			return cs
		}
		cs.Pages++
		cs.Documents += len(docs)
		s.resyncPage(ctx, collection, docs, cs, onRetry)
		if len(docs) < pageSize || ctx.Err() != nil {
			return cs
		}
	}
}

func (s *Service) resyncPage(ctx context.Context, collection string, docs []*schema.SourceDocument, cs *CollectionSync, onRetry func(int, error)) {
	policy := s.cfg.RetryPolicy()
	var result *pipeline.BatchResult
	err := resilience.Retry(ctx, policy, func(ctx context.Context) error {
		var err error
		result, err = s.pipeline.PrepareDocuments(ctx, collection, docs)
		return err
	}, onRetry)
	if err != nil {
		cs.Failed += len(docs)
		cs.note(err)
		s.counters.failure(resilience.Classify(err), err)
		return
	}
	cs.Failed += len(result.Errors)
	for _, itemErr := range result.Errors {
		s.counters.failure(itemErr.Class, itemErr)
		cs.note(itemErr)
	}
	if len(result.Points) == 0 {
		return
	}
	err = resilience.Retry(ctx, policy, func(ctx context.Context) error {
		return s.upsertPoints(ctx, collection, result.Points)
	}, onRetry)
	if err != nil {
		cs.Failed += len(result.Points)
		cs.note(err)
		s.counters.failure(resilience.Classify(err), err)
		return
	}
	cs.Upserted += len(result.Points)
	s.counters.applied(len(result.Points), 0)
}

func (c *CollectionSync) note(err error) {
	if len(c.Errors) < maxReportedErrors {
		c.Errors = append(c.Errors, err.Error())
	}
}

// ReplicateRequest pulls an upstream index change log into the local index.
type ReplicateRequest struct {
	Collections    []string
	UpstreamDriver string
	UpstreamDSN    string
	// Upstream, when set, is used instead of opening UpstreamDriver/UpstreamDSN.
	Upstream       *sql.DB
	UpstreamShadow string
	BatchSize      int
	Force          bool
}

// Replicate applies upstream index changes to the local SQLite index, one
// collection at a time. It requires the service index to be a sqlitevec store.
func (s *Service) Replicate(ctx context.Context, req ReplicateRequest) (map[string]*sqlitevec.ReplicaResult, error) {
	local, ok := s.index.(*sqlitevec.Store)
	if !ok {
		return nil, resilience.Errorf(resilience.Configuration, "replicate: local index must be sqlite")
	}
	if len(req.Collections) == 0 {
		return nil, resilience.Errorf(resilience.Configuration, "replicate: no collections specified")
	}
	upstream := req.Upstream
	if upstream == nil {
		if req.UpstreamDriver == "" || req.UpstreamDSN == "" {
			return nil, resilience.Errorf(resilience.Configuration, "replicate: upstream driver/dsn required")
		}
		var err error
		if upstream, err = sql.Open(req.UpstreamDriver, req.UpstreamDSN); err != nil {
			return nil, resilience.Wrap(resilience.Configuration, "replicate: open upstream", err)
		}
		defer func() { _ = upstream.Close() }()
	}
	ret := make(map[string]*sqlitevec.ReplicaResult, len(req.Collections))
	for _, collection := range req.Collections {
		s.logger.Info().Str("collection", collection).Msg("replicate starting")
		result, err := local.Replicate(ctx, upstream, sqlitevec.ReplicaConfig{
			Collection:     collection,
			UpstreamShadow: req.UpstreamShadow,
			BatchSize:      req.BatchSize,
			Force:          req.Force,
		})
		if err != nil {
			return ret, fmt.Errorf("replicate %s: %w", collection, err)
		}
		ret[collection] = result
		s.logger.Info().Str("collection", collection).Int("inserted", result.Inserted).Int("updated", result.Updated).
			Int("deleted", result.Deleted).Int64("lastSCN", result.LastSCN).Bool("reset", result.Reset).Msg("replicate done")
	}
	return ret, nil
}
