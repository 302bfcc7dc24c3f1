package mem

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
	"github.com/viant/embedsync/resilience"
	"github.com/viant/embedsync/schema"
	"github.com/viant/embedsync/vectordb"
	"github.com/viant/embedsync/vectordb/storage"
	"github.com/viant/embedsync/vectordb/storage/memstore"
)

const snapshotExt = ".snap"

// Store is an in-memory vectordb.Index. Points are kept encoded in a value
// store per collection and scored by a full scan. With a base URL, Persist
// writes one snapshot per collection and Load restores them.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
	baseURL     string
	fs          afs.Service
	newValues   func() storage.ValueStore
	logger      zerolog.Logger
}

type collection struct {
	cfg    vectordb.CollectionConfig
	values storage.ValueStore
	ptrs   map[string]storage.Ptr
}

// Option configures a Store.
type Option func(s *Store)

// WithBaseURL sets the afs URL snapshots are written to.
func WithBaseURL(baseURL string) Option {
	return func(s *Store) { s.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithValueStore sets the value store factory used for new collections.
func WithValueStore(fn func() storage.ValueStore) Option {
	return func(s *Store) { s.newValues = fn }
}

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	ret := &Store{
		collections: map[string]*collection{},
		fs:          afs.New(),
		newValues:   func() storage.ValueStore { return memstore.New() },
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// EnsureCollection creates the collection, or verifies an existing one matches cfg.
func (s *Store) EnsureCollection(ctx context.Context, cfg vectordb.CollectionConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return resilience.Errorf(resilience.Configuration, "collection name is required")
	}
	if cfg.VectorSize <= 0 {
		return resilience.Errorf(resilience.Configuration, "collection %s: vector size must be positive", cfg.Name)
	}
	if cfg.Distance == "" {
		cfg.Distance = vectordb.Cosine
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.collections[cfg.Name]
	if ok && existing.cfg.VectorSize == cfg.VectorSize && existing.cfg.Distance == cfg.Distance {
		return nil
	}
	if ok && !cfg.Recreate {
		return vectordb.MismatchError(cfg.Name, existing.cfg, cfg)
	}
	if ok {
		s.logger.Warn().Str("collection", cfg.Name).Int("size", cfg.VectorSize).Str("distance", string(cfg.Distance)).Msg("recreating collection")
		_ = existing.values.Close()
	}
	cfg.Recreate = false
	s.collections[cfg.Name] = &collection{cfg: cfg, values: s.newValues(), ptrs: map[string]storage.Ptr{}}
	return nil
}

func (s *Store) collection(name string) (*collection, error) {
	ret, ok := s.collections[name]
	if !ok {
		return nil, resilience.Errorf(resilience.Configuration, "collection %s does not exist", name)
	}
	return ret, nil
}

// Upsert stores points. Rewriting an identical point leaves the stored record untouched.
func (s *Store) Upsert(ctx context.Context, collectionName string, points []*schema.VectorPoint) error {
	if len(points) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, err := s.collection(collectionName)
	if err != nil {
		return err
	}
	encoded := make([][]byte, len(points))
	for i, point := range points {
		if point.ID == "" {
			return resilience.Errorf(resilience.Validation, "collection %s: point id is required", collectionName)
		}
		if len(point.Vector) != coll.cfg.VectorSize {
			return resilience.Errorf(resilience.Validation, "collection %s: point %s has %d dimensions, expected %d", collectionName, point.ID, len(point.Vector), coll.cfg.VectorSize)
		}
		if encoded[i], err = encode((*record)(point)); err != nil {
			return resilience.Wrap(resilience.Validation, "encode point "+point.ID, err)
		}
	}
	for i, point := range points {
		if prev, ok := coll.ptrs[point.ID]; ok {
			if data, err := coll.values.Read(prev); err == nil && bytes.Equal(data, encoded[i]) {
				continue
			}
			if err := coll.values.Delete(prev); err != nil {
				return err
			}
		}
		ptr, err := coll.values.Append(encoded[i])
		if err != nil {
			return err
		}
		coll.ptrs[point.ID] = ptr
	}
	return coll.compactIfNeeded()
}

// DeleteBySourceID removes the points derived from sourceIDs. Missing points are ignored.
func (s *Store) DeleteBySourceID(ctx context.Context, collectionName string, sourceIDs []string) error {
	if len(sourceIDs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collectionName]
	if !ok {
		return nil
	}
	for _, sourceID := range sourceIDs {
		id := vectordb.PointID(sourceID)
		ptr, ok := coll.ptrs[id]
		if !ok {
			continue
		}
		if err := coll.values.Delete(ptr); err != nil {
			return err
		}
		delete(coll.ptrs, id)
	}
	return coll.compactIfNeeded()
}

// compactIfNeeded reclaims space once dead records outweigh live ones.
func (c *collection) compactIfNeeded() error {
	stats := c.values.Stats()
	if stats.DeadBytes == 0 || stats.DeadBytes < stats.LiveBytes {
		return nil
	}
	moved, err := c.values.Compact()
	if err != nil {
		return err
	}
	for id, ptr := range c.ptrs {
		if to, ok := moved[ptr]; ok {
			c.ptrs[id] = to
		}
	}
	return nil
}

func (c *collection) read(ptr storage.Ptr) (*schema.VectorPoint, error) {
	data, err := c.values.Read(ptr)
	if err != nil {
		return nil, err
	}
	ret := &record{}
	if err := decode(data, ret); err != nil {
		return nil, err
	}
	return (*schema.VectorPoint)(ret), nil
}

// Search returns points ranked by score, excluding scores below scoreThreshold.
func (s *Store) Search(ctx context.Context, collectionName string, query []float32, limit int, scoreThreshold float32) ([]*schema.SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll, err := s.collection(collectionName)
	if err != nil {
		return nil, err
	}
	if len(query) != coll.cfg.VectorSize {
		return nil, resilience.Errorf(resilience.Validation, "collection %s: query has %d dimensions, expected %d", collectionName, len(query), coll.cfg.VectorSize)
	}
	var ret []*schema.SearchResult
	for _, ptr := range coll.ptrs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		point, err := coll.read(ptr)
		if err != nil {
			return nil, err
		}
		score, ok := vectordb.Score(coll.cfg.Distance, query, point.Vector)
		if !ok || score < scoreThreshold {
			continue
		}
		ret = append(ret, &schema.SearchResult{ID: point.ID, Score: score, Payload: point.Payload})
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].Score == ret[j].Score {
			return ret[i].ID < ret[j].ID
		}
		return ret[i].Score > ret[j].Score
	})
	if len(ret) > limit {
		ret = ret[:limit]
	}
	return ret, nil
}

// Count returns the number of points of collection.
func (s *Store) Count(ctx context.Context, collectionName string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll, err := s.collection(collectionName)
	if err != nil {
		return 0, err
	}
	return len(coll.ptrs), nil
}

// Get returns a point by id, or nil when absent.
func (s *Store) Get(ctx context.Context, collectionName, pointID string) (*schema.VectorPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll, ok := s.collections[collectionName]
	if !ok {
		return nil, nil
	}
	ptr, ok := coll.ptrs[pointID]
	if !ok {
		return nil, nil
	}
	return coll.read(ptr)
}

// Stats returns value store usage per collection.
func (s *Store) Stats() map[string]storage.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ret := make(map[string]storage.Stats, len(s.collections))
	for name, coll := range s.collections {
		ret[name] = coll.values.Stats()
	}
	return ret
}

func (s *Store) snapshotURL(name string) string {
	return url.Join(s.baseURL, name+snapshotExt)
}

// Persist writes a snapshot of every collection under the base URL.
func (s *Store) Persist(ctx context.Context) error {
	if s.baseURL == "" {
		return nil
	}
	s.mu.RLock()
	snapshots := make([]*snapshot, 0, len(s.collections))
	for name, coll := range s.collections {
		snap := &snapshot{name: name, size: coll.cfg.VectorSize, distance: string(coll.cfg.Distance)}
		ids := make([]string, 0, len(coll.ptrs))
		for id := range coll.ptrs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			point, err := coll.read(coll.ptrs[id])
			if err != nil {
				s.mu.RUnlock()
				return fmt.Errorf("snapshot %s: %w", name, err)
			}
			snap.points = append(snap.points, (*record)(point))
		}
		snapshots = append(snapshots, snap)
	}
	s.mu.RUnlock()
	for _, snap := range snapshots {
		data, err := encode(snap)
		if err != nil {
			return err
		}
		if err := s.upload(ctx, s.snapshotURL(snap.name), data); err != nil {
			return resilience.Wrap(resilience.Connection, "persist "+snap.name, err)
		}
		s.logger.Debug().Str("collection", snap.name).Int("points", len(snap.points)).Msg("snapshot written")
	}
	return nil
}

// upload writes data next to target and moves it into place.
func (s *Store) upload(ctx context.Context, target string, data []byte) error {
	tmp := target + ".tmp"
	if err := s.fs.Upload(ctx, tmp, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := s.fs.Move(ctx, tmp, target); err != nil {
		_ = s.fs.Delete(ctx, tmp)
		return s.fs.Upload(ctx, target, file.DefaultFileOsMode, bytes.NewReader(data))
	}
	return nil
}

// Load restores every snapshot found under the base URL, replacing loaded collections.
func (s *Store) Load(ctx context.Context) error {
	if s.baseURL == "" {
		return nil
	}
	if ok, _ := s.fs.Exists(ctx, s.baseURL); !ok {
		return nil
	}
	objects, err := s.fs.List(ctx, s.baseURL)
	if err != nil {
		return resilience.Wrap(resilience.Connection, "list snapshots", err)
	}
	for _, object := range objects {
		if object.IsDir() || !strings.HasSuffix(object.Name(), snapshotExt) {
			continue
		}
		data, err := s.fs.DownloadWithURL(ctx, object.URL())
		if err != nil {
			return resilience.Wrap(resilience.Connection, "load "+object.Name(), err)
		}
		snap := &snapshot{}
		if err := decode(data, snap); err != nil {
			return fmt.Errorf("decode snapshot %s: %w", object.Name(), err)
		}
		if err := s.restore(snap); err != nil {
			return err
		}
		s.logger.Info().Str("collection", snap.name).Int("points", len(snap.points)).Msg("snapshot loaded")
	}
	return nil
}

func (s *Store) restore(snap *snapshot) error {
	distance, err := vectordb.ParseDistance(snap.distance)
	if err != nil {
		return err
	}
	coll := &collection{
		cfg:    vectordb.CollectionConfig{Name: snap.name, VectorSize: snap.size, Distance: distance},
		values: s.newValues(),
		ptrs:   make(map[string]storage.Ptr, len(snap.points)),
	}
	for _, point := range snap.points {
		data, err := encode(point)
		if err != nil {
			return err
		}
		if coll.ptrs[point.ID], err = coll.values.Append(data); err != nil {
			return err
		}
	}
	s.mu.Lock()
	if prev, ok := s.collections[snap.name]; ok {
		_ = prev.values.Close()
	}
	s.collections[snap.name] = coll
	s.mu.Unlock()
	return nil
}

// Close persists snapshots and releases the value stores.
func (s *Store) Close() error {
	err := s.Persist(context.Background())
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, coll := range s.collections {
		_ = coll.values.Close()
		delete(s.collections, name)
	}
	return err
}

var _ vectordb.Index = (*Store)(nil)
