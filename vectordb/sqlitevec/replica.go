package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/viant/embedsync/resilience"
	"github.com/viant/embedsync/vectordb"
	"github.com/viant/sqlite-vec/vecsync"
)

const replicaStateTable = "vec_replica_state"

// ReplicaConfig controls pulling an upstream index change log into this store.
type ReplicaConfig struct {
	Collection string
	// UpstreamShadow is the upstream shadow table recorded in vec_shadow_log; defaults to the local one.
	UpstreamShadow string
	BatchSize      int
	// Force resets the local collection when the upstream log no longer matches the applied position.
	Force bool
}

// ReplicaResult summarizes one Replicate call.
type ReplicaResult struct {
	Inserted int
	Updated  int
	Deleted  int
	LastSCN  int64
	Reset    bool
}

type logPayload struct {
	ID             string `json:"id"`
	Content        string `json:"content"`
	Meta           string `json:"meta"`
	Embedding      string `json:"embedding"`
	EmbeddingModel string `json:"embedding_model"`
	Archived       int    `json:"archived"`
}

type logEntry struct {
	scn     int64
	op      string
	id      string
	payload []byte
}

// Replicate applies upstream vec_shadow_log entries of one collection, recorded
// after the last applied SCN, to this store. The upstream is an index written
// with WithChangeLog(true).
func (s *Store) Replicate(ctx context.Context, upstream *sql.DB, cfg ReplicaConfig) (*ReplicaResult, error) {
	if upstream == nil || cfg.Collection == "" {
		return nil, resilience.Errorf(resilience.Configuration, "replicate: upstream and collection are required")
	}
	if cfg.UpstreamShadow == "" {
		cfg.UpstreamShadow = s.shadow
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+replicaStateTable+` (
	dataset_id   TEXT NOT NULL,
	shadow_table TEXT NOT NULL,
	last_scn     INTEGER NOT NULL,
	updated_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY(dataset_id, shadow_table)
)`); err != nil {
		return nil, err
	}
	if err := s.replicateCollection(ctx, upstream, cfg.Collection); err != nil {
		return nil, err
	}
	result := &ReplicaResult{}
	lastSCN, err := s.appliedSCN(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if lastSCN > 0 {
		diverged, err := logDiverged(ctx, upstream, cfg, lastSCN)
		if err != nil {
			return nil, err
		}
		if diverged {
			if !cfg.Force {
				return nil, resilience.Errorf(resilience.Configuration, "replicate: upstream log of %s diverged at scn %d", cfg.Collection, lastSCN)
			}
			s.logger.Warn().Str("collection", cfg.Collection).Int64("scn", lastSCN).Msg("upstream diverged, resetting replica")
			if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE dataset_id = ?`, s.shadow), cfg.Collection); err != nil {
				return nil, err
			}
			if _, err := s.db.ExecContext(ctx, `DELETE FROM `+replicaStateTable+` WHERE dataset_id = ? AND shadow_table = ?`, cfg.Collection, cfg.UpstreamShadow); err != nil {
				return nil, err
			}
			lastSCN = 0
			result.Reset = true
		}
	}
	for {
		entries, err := readLog(ctx, upstream, cfg, lastSCN)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			break
		}
		if err := s.applyEntries(ctx, cfg, entries, result); err != nil {
			return nil, err
		}
		lastSCN = entries[len(entries)-1].scn
	}
	result.LastSCN = lastSCN
	s.logger.Debug().Str("collection", cfg.Collection).Int64("scn", lastSCN).Int("inserted", result.Inserted).
		Int("updated", result.Updated).Int("deleted", result.Deleted).Msg("replicated")
	return result, nil
}

// replicateCollection copies the upstream collection definition.
func (s *Store) replicateCollection(ctx context.Context, upstream *sql.DB, name string) error {
	var size int
	var distance string
	err := upstream.QueryRowContext(ctx, `SELECT vector_size, distance FROM `+collectionTable+` WHERE name = ?`, name).Scan(&size, &distance)
	if errors.Is(err, sql.ErrNoRows) {
		return resilience.Errorf(resilience.Configuration, "replicate: upstream collection %s does not exist", name)
	}
	if err != nil {
		return err
	}
	return s.EnsureCollection(ctx, vectordb.CollectionConfig{Name: name, VectorSize: size, Distance: vectordb.Distance(distance), Recreate: true})
}

func (s *Store) appliedSCN(ctx context.Context, cfg ReplicaConfig) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, `SELECT last_scn FROM `+replicaStateTable+` WHERE dataset_id = ? AND shadow_table = ?`, cfg.Collection, cfg.UpstreamShadow).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return last, err
}

func logDiverged(ctx context.Context, upstream *sql.DB, cfg ReplicaConfig, lastSCN int64) (bool, error) {
	var exists int
	err := upstream.QueryRowContext(ctx, `SELECT 1 FROM `+vecsync.DefaultLogTable+`
WHERE dataset_id = ? AND shadow_table = ? AND scn = ? LIMIT 1`, cfg.Collection, cfg.UpstreamShadow, lastSCN).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	return false, err
}

// readLog loads one page before applying it; both sides may share a single connection pool.
func readLog(ctx context.Context, upstream *sql.DB, cfg ReplicaConfig, after int64) ([]*logEntry, error) {
	rows, err := upstream.QueryContext(ctx, `SELECT scn, op, document_id, payload FROM `+vecsync.DefaultLogTable+`
WHERE dataset_id = ? AND shadow_table = ? AND scn > ?
ORDER BY scn
LIMIT ?`, cfg.Collection, cfg.UpstreamShadow, after, cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []*logEntry
	for rows.Next() {
		entry := &logEntry{}
		var payload interface{}
		if err := rows.Scan(&entry.scn, &entry.op, &entry.id, &payload); err != nil {
			return nil, err
		}
		switch actual := payload.(type) {
		case []byte:
			entry.payload = actual
		case string:
			entry.payload = []byte(actual)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) applyEntries(ctx context.Context, cfg ReplicaConfig, entries []*logEntry, result *ReplicaResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, entry := range entries {
		if strings.EqualFold(entry.op, "delete") {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE dataset_id = ? AND id = ?`, s.shadow), cfg.Collection, entry.id); err != nil {
				return err
			}
			result.Deleted++
			continue
		}
		var p logPayload
		if err := json.Unmarshal(entry.payload, &p); err != nil {
			return resilience.Wrap(resilience.Validation, "replicate payload "+entry.id, err)
		}
		if p.ID == "" {
			p.ID = entry.id
		}
		blob, err := hex.DecodeString(p.Embedding)
		if err != nil {
			return resilience.Wrap(resilience.Validation, "replicate embedding "+entry.id, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s(dataset_id, id, content, meta, embedding, embedding_model, scn, archived)
VALUES(?,?,?,?,?,?,?,?)
ON CONFLICT(dataset_id, id) DO UPDATE SET
	content=excluded.content,
	meta=excluded.meta,
	embedding=excluded.embedding,
	embedding_model=excluded.embedding_model,
	scn=excluded.scn,
	archived=excluded.archived`, s.shadow), cfg.Collection, p.ID, p.Content, p.Meta, blob, p.EmbeddingModel, entry.scn, p.Archived); err != nil {
			return err
		}
		if strings.EqualFold(entry.op, "insert") {
			result.Inserted++
		} else {
			result.Updated++
		}
	}
	last := entries[len(entries)-1].scn
	if _, err := tx.ExecContext(ctx, `INSERT INTO `+replicaStateTable+`(dataset_id, shadow_table, last_scn, updated_at)
VALUES(?,?,?,CURRENT_TIMESTAMP)
ON CONFLICT(dataset_id, shadow_table) DO UPDATE SET last_scn=excluded.last_scn, updated_at=CURRENT_TIMESTAMP`, cfg.Collection, cfg.UpstreamShadow, last); err != nil {
		return err
	}
	return tx.Commit()
}
