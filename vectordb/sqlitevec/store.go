package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/viant/embedsync/db/sqliteutil"
	"github.com/viant/embedsync/resilience"
	"github.com/viant/embedsync/schema"
	"github.com/viant/embedsync/vectordb"
	"github.com/viant/embedsync/vectordb/meta"
	"github.com/viant/sqlite-vec/engine"
	"github.com/viant/sqlite-vec/vec"
	"github.com/viant/sqlite-vec/vecsync"
	"github.com/viant/sqlite-vec/vector"
)

const collectionTable = "vec_collection"

// Store is a sqlite-vec backed vectordb.Index. Each collection is a dataset of
// one shadow table; point ids are the table's primary key within a dataset.
type Store struct {
	db             *sql.DB
	dsn            string
	vtable         string
	shadow         string
	ensureSchema   bool
	matchIndex     bool
	changeLog      bool
	embedModel     string
	requestTimeout time.Duration
	openedLocally  bool
	logger         zerolog.Logger

	mu          sync.RWMutex
	collections map[string]vectordb.CollectionConfig
}

// Option configures the sqlite-vec store.
type Option func(*Store)

// WithDB sets an existing *sql.DB to use.
func WithDB(db *sql.DB) Option {
	return func(s *Store) { s.db = db }
}

// WithDSN sets the SQLite DSN to open (e.g. /path/to/db.sqlite).
func WithDSN(dsn string) Option {
	return func(s *Store) { s.dsn = dsn }
}

// WithVTable sets the vec virtual table name (default: emb_points).
func WithVTable(name string) Option {
	return func(s *Store) { s.vtable = name }
}

// WithEnsureSchema controls whether schema and indexes are created automatically.
func WithEnsureSchema(enabled bool) Option {
	return func(s *Store) { s.ensureSchema = enabled }
}

// WithMatchIndex enables the vec virtual table for cosine searches.
func WithMatchIndex(enabled bool) Option {
	return func(s *Store) { s.matchIndex = enabled }
}

// WithChangeLog installs vec_shadow_log triggers so replicas can follow the index by SCN.
func WithChangeLog(enabled bool) Option {
	return func(s *Store) { s.changeLog = enabled }
}

// WithEmbeddingModel sets the embedding_model stored with rows.
func WithEmbeddingModel(model string) Option {
	return func(s *Store) { s.embedModel = model }
}

// WithRequestTimeout bounds every store call.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(s *Store) { s.requestTimeout = timeout }
}

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore opens/initializes a sqlite-vec Store.
func NewStore(opts ...Option) (*Store, error) {
	s := &Store{
		vtable:         "emb_points",
		ensureSchema:   true,
		requestTimeout: 10 * time.Second,
		logger:         zerolog.Nop(),
		collections:    map[string]vectordb.CollectionConfig{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.vtable == "" {
		s.vtable = "emb_points"
	}
	s.shadow = "_vec_" + s.vtable

	if s.db == nil {
		if s.dsn == "" {
			return nil, resilience.Errorf(resilience.Configuration, "sqlitevec: dsn required")
		}
		db, err := engine.Open(sqliteutil.EnsurePragmas(s.dsn, true, 5000))
		if err != nil {
			return nil, err
		}
		s.db = db
		if sqliteutil.IsMemory(s.dsn) {
			s.db.SetMaxOpenConns(1)
		} else {
			s.db.SetMaxOpenConns(4)
			s.db.SetMaxIdleConns(4)
		}
		s.openedLocally = true
	}
	if s.matchIndex {
		if err := vec.Register(s.db); err != nil {
			return nil, err
		}
	}
	if s.ensureSchema {
		if err := s.ensureSchemaDDL(context.Background()); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Close closes the underlying DB if Store opened it.
func (s *Store) Close() error {
	if s.openedLocally && s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// ShadowTable returns the shadow table name.
func (s *Store) ShadowTable() string { return s.shadow }

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.requestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.requestTimeout)
}

// EnsureCollection creates the collection when absent. An existing collection
// with a different vector size or distance is only replaced when cfg.Recreate is set.
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
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	existing, ok, err := s.loadCollection(ctx, cfg.Name)
	if err != nil {
		return err
	}
	if ok && existing.VectorSize == cfg.VectorSize && existing.Distance == cfg.Distance {
		s.cache(existing)
		return nil
	}
	if ok && !cfg.Recreate {
		return vectordb.MismatchError(cfg.Name, existing, cfg)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if ok {
		s.logger.Warn().Str("collection", cfg.Name).Int("size", cfg.VectorSize).Str("distance", string(cfg.Distance)).Msg("recreating collection")
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE dataset_id = ?`, s.shadow), cfg.Name); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO `+collectionTable+`(name, vector_size, distance) VALUES(?,?,?)
ON CONFLICT(name) DO UPDATE SET vector_size = excluded.vector_size, distance = excluded.distance, created_at = CURRENT_TIMESTAMP`,
		cfg.Name, cfg.VectorSize, string(cfg.Distance)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	cfg.Recreate = false
	s.cache(cfg)
	return nil
}

func (s *Store) cache(cfg vectordb.CollectionConfig) {
	s.mu.Lock()
	s.collections[cfg.Name] = cfg
	s.mu.Unlock()
}

func (s *Store) loadCollection(ctx context.Context, name string) (vectordb.CollectionConfig, bool, error) {
	var cfg vectordb.CollectionConfig
	var distance string
	err := s.db.QueryRowContext(ctx, `SELECT name, vector_size, distance FROM `+collectionTable+` WHERE name = ?`, name).
		Scan(&cfg.Name, &cfg.VectorSize, &distance)
	if errors.Is(err, sql.ErrNoRows) {
		return cfg, false, nil
	}
	if err != nil {
		return cfg, false, err
	}
	cfg.Distance = vectordb.Distance(distance)
	return cfg, true, nil
}

func (s *Store) collection(ctx context.Context, name string) (vectordb.CollectionConfig, error) {
	s.mu.RLock()
	cfg, ok := s.collections[name]
	s.mu.RUnlock()
	if ok {
		return cfg, nil
	}
	cfg, ok, err := s.loadCollection(ctx, name)
	if err != nil {
		return cfg, err
	}
	if !ok {
		return cfg, resilience.Errorf(resilience.Configuration, "collection %s does not exist", name)
	}
	s.cache(cfg)
	return cfg, nil
}

// Upsert writes points in one transaction. Rewriting an identical point leaves the row untouched.
func (s *Store) Upsert(ctx context.Context, collection string, points []*schema.VectorPoint) error {
	if len(points) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cfg, err := s.collection(ctx, collection)
	if err != nil {
		return err
	}
	for _, point := range points {
		if point.ID == "" {
			return resilience.Errorf(resilience.Validation, "collection %s: point id is required", collection)
		}
		if len(point.Vector) != cfg.VectorSize {
			return resilience.Errorf(resilience.Validation, "collection %s: point %s has %d dimensions, expected %d", collection, point.ID, len(point.Vector), cfg.VectorSize)
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %[1]s(dataset_id, id, content, meta, embedding, embedding_model, scn, archived)
VALUES(?,?,?,?,?,?,?,0)
ON CONFLICT(dataset_id, id) DO UPDATE SET
	content=excluded.content,
	meta=excluded.meta,
	embedding=excluded.embedding,
	embedding_model=excluded.embedding_model,
	scn=excluded.scn,
	archived=0
WHERE %[1]s.meta IS NOT excluded.meta
	OR %[1]s.embedding IS NOT excluded.embedding
	OR %[1]s.archived <> 0`, s.shadow))
	if err != nil {
		return err
	}
	defer stmt.Close()
	scn := time.Now().UnixNano()
	for _, point := range points {
		metaJSON, err := encodeMeta(point.Payload)
		if err != nil {
			return resilience.Wrap(resilience.Validation, "encode payload "+point.ID, err)
		}
		blob, err := vector.EncodeEmbedding(point.Vector)
		if err != nil {
			return resilience.Wrap(resilience.Validation, "encode vector "+point.ID, err)
		}
		content := meta.GetString(point.Payload, meta.Text)
		if _, err := stmt.ExecContext(ctx, collection, point.ID, content, metaJSON, blob, s.embedModel, scn); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteBySourceID removes the points derived from sourceIDs. Missing points are ignored.
func (s *Store) DeleteBySourceID(ctx context.Context, collection string, sourceIDs []string) error {
	if len(sourceIDs) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	args := make([]interface{}, 0, len(sourceIDs)+1)
	args = append(args, collection)
	for _, id := range sourceIDs {
		args = append(args, vectordb.PointID(id))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sourceIDs)), ",")
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE dataset_id = ? AND id IN (%s)`, s.shadow, placeholders), args...)
	return err
}

// Search returns points ranked by score, excluding scores below scoreThreshold.
func (s *Store) Search(ctx context.Context, collection string, query []float32, limit int, scoreThreshold float32) ([]*schema.SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cfg, err := s.collection(ctx, collection)
	if err != nil {
		return nil, err
	}
	if len(query) != cfg.VectorSize {
		return nil, resilience.Errorf(resilience.Validation, "collection %s: query has %d dimensions, expected %d", collection, len(query), cfg.VectorSize)
	}
	if s.matchIndex && cfg.Distance == vectordb.Cosine {
		results, err := s.matchSearch(ctx, collection, query, limit, scoreThreshold)
		if err == nil {
			return results, nil
		}
		s.logger.Debug().Err(err).Str("collection", collection).Msg("vec match failed, using scan")
	}
	return s.scanSearch(ctx, cfg, query, limit, scoreThreshold)
}

func (s *Store) matchSearch(ctx context.Context, collection string, query []float32, limit int, scoreThreshold float32) ([]*schema.SearchResult, error) {
	blob, err := vector.EncodeEmbedding(query)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT d.id, d.meta, v.match_score
FROM %s v
JOIN %s d ON d.dataset_id = v.dataset_id AND d.id = v.doc_id
WHERE v.dataset_id = ?
  AND v.doc_id MATCH ?
  AND v.match_score >= ?
  AND d.archived = 0
ORDER BY v.match_score DESC
LIMIT ?`, s.vtable, s.shadow), collection, blob, float64(scoreThreshold), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ret []*schema.SearchResult
	for rows.Next() {
		var id, metaJSON string
		var score float64
		if err := rows.Scan(&id, &metaJSON, &score); err != nil {
			return nil, err
		}
		payload, err := decodeMeta(metaJSON)
		if err != nil {
			return nil, err
		}
		ret = append(ret, &schema.SearchResult{ID: id, Score: float32(score), Payload: payload})
	}
	return ret, rows.Err()
}

func (s *Store) scanSearch(ctx context.Context, cfg vectordb.CollectionConfig, query []float32, limit int, scoreThreshold float32) ([]*schema.SearchResult, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, meta, embedding FROM %s WHERE dataset_id = ? AND archived = 0`, s.shadow), cfg.Name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ret []*schema.SearchResult
	for rows.Next() {
		var id string
		var metaJSON sql.NullString
		var emb []byte
		if err := rows.Scan(&id, &metaJSON, &emb); err != nil {
			return nil, err
		}
		vec, err := vector.DecodeEmbedding(emb)
		if err != nil {
			continue
		}
		score, ok := vectordb.Score(cfg.Distance, query, vec)
		if !ok || score < scoreThreshold {
			continue
		}
		payload, err := decodeMeta(metaJSON.String)
		if err != nil {
			return nil, err
		}
		ret = append(ret, &schema.SearchResult{ID: id, Score: score, Payload: payload})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(ret, func(i, j int) bool { return ret[i].Score > ret[j].Score })
	if len(ret) > limit {
		ret = ret[:limit]
	}
	return ret, nil
}

// Count returns the number of live points of collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var count int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE dataset_id = ? AND archived = 0`, s.shadow), collection).Scan(&count)
	return count, err
}

// Get returns a point by id, or nil when absent.
func (s *Store) Get(ctx context.Context, collection, pointID string) (*schema.VectorPoint, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var metaJSON sql.NullString
	var emb []byte
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT meta, embedding FROM %s WHERE dataset_id = ? AND id = ? AND archived = 0`, s.shadow), collection, pointID).
		Scan(&metaJSON, &emb)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	vec, err := vector.DecodeEmbedding(emb)
	if err != nil {
		return nil, err
	}
	payload, err := decodeMeta(metaJSON.String)
	if err != nil {
		return nil, err
	}
	return &schema.VectorPoint{ID: pointID, Vector: vec, Payload: payload}, nil
}

func (s *Store) ensureSchemaDDL(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + collectionTable + ` (
			name        TEXT PRIMARY KEY,
			vector_size INTEGER NOT NULL,
			distance    TEXT NOT NULL,
			created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		vecsync.ShadowTableDDL(s.shadow),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_scn ON %s(dataset_id, scn);`, s.vtable, s.shadow),
	}
	if s.matchIndex {
		stmts = append(stmts, fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec(doc_id);`, s.vtable))
	}
	if s.changeLog {
		stmts = append(stmts, vecsync.SeqTableDDL(), vecsync.LogTableDDL())
		stmts = append(stmts, vecsync.SQLiteShadowLogTriggers(s.shadow, "", "")...)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return resilience.Wrap(resilience.Configuration, "ensure schema", err)
		}
	}
	return nil
}

func encodeMeta(payload map[string]interface{}) (string, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeMeta(metaJSON string) (map[string]interface{}, error) {
	if metaJSON == "" {
		return map[string]interface{}{}, nil
	}
	metaMap := map[string]interface{}{}
	if err := json.Unmarshal([]byte(metaJSON), &metaMap); err != nil {
		return nil, err
	}
	return metaMap, nil
}
