package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/viant/embedsync/db/sqliteutil"
	"github.com/viant/embedsync/resilience"
	"github.com/viant/embedsync/schema"
	"github.com/viant/sqlite-vec/engine"
	_ "modernc.org/sqlite"
)

// Store keeps JSON documents in a SQL table. Triggers record every mutation in
// a change log which Subscribe polls by sequence number.
type Store struct {
	db               *sql.DB
	dialect          Dialect
	docTable         string
	logTable         string
	pollInterval     time.Duration
	pollBatch        int
	lateCommitWindow int64
	ensureSchema     bool
	openedLocally    bool
	logger           zerolog.Logger
}

const defaultLateCommitWindow = 128

// Option configures the store.
type Option func(*Store)

// WithTables overrides the document and change log table names.
func WithTables(doc, log string) Option {
	return func(s *Store) {
		if doc != "" {
			s.docTable = doc
		}
		if log != "" {
			s.logTable = log
		}
	}
}

// WithPollInterval sets how often subscriptions poll the change log.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) { s.pollInterval = d }
}

// WithPollBatch caps rows read per poll.
func WithPollBatch(n int) Option {
	return func(s *Store) { s.pollBatch = n }
}

// WithLateCommitWindow sets how far behind the newest read seq a subscription
// keeps looking for late-committed rows. Zero disables the re-read.
func WithLateCommitWindow(n int64) Option {
	return func(s *Store) { s.lateCommitWindow = n }
}

// WithEnsureSchema controls whether tables and triggers are created.
func WithEnsureSchema(enabled bool) Option {
	return func(s *Store) { s.ensureSchema = enabled }
}

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open opens driver/dsn and initializes the store. SQLite DSNs go through the
// sqlite-vec engine with WAL and busy timeout pragmas.
func Open(driver, dsn string, opts ...Option) (*Store, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, resilience.Wrap(resilience.Configuration, "open", err)
	}
	var db *sql.DB
	if dialect == SQLite {
		db, err = engine.Open(sqliteutil.EnsurePragmas(dsn, true, 5000))
		if err == nil {
			if sqliteutil.IsMemory(dsn) {
				db.SetMaxOpenConns(1)
			}
		}
	} else {
		db, err = sql.Open(driver, dsn)
	}
	if err != nil {
		return nil, resilience.Wrap(resilience.Connection, "open", err)
	}
	s, err := New(db, dialect, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.openedLocally = true
	return s, nil
}

// New wraps an existing connection.
func New(db *sql.DB, dialect Dialect, opts ...Option) (*Store, error) {
	s := &Store{
		db:               db,
		dialect:          dialect,
		docTable:         "sync_document",
		logTable:         "sync_change_log",
		pollInterval:     500 * time.Millisecond,
		pollBatch:        256,
		ensureSchema:     true,
		lateCommitWindow: -1,
		logger:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pollBatch <= 0 {
		s.pollBatch = 256
	}
	if s.pollInterval <= 0 {
		s.pollInterval = 500 * time.Millisecond
	}
	if s.lateCommitWindow < 0 {
		s.lateCommitWindow = defaultLateCommitWindow
		if s.dialect == SQLite {
			s.lateCommitWindow = 0
		}
	}
	if s.ensureSchema {
		for _, stmt := range SchemaDDL(s.dialect, s.docTable, s.logTable) {
			if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
				return nil, fmt.Errorf("sqlstore: schema: %w", err)
			}
		}
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.openedLocally {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying connection.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) q(query string) string { return rebind(s.dialect, query) }

// Put inserts or replaces a document.
func (s *Store) Put(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	if collection == "" || id == "" {
		return resilience.Errorf(resilience.Validation, "sqlstore: collection and id are required")
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return resilience.Wrap(resilience.Validation, "put", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(upsertSQL(s.dialect, s.docTable)), collection, id, string(body))
	return classify("put", err)
}

// Delete removes a document; deleting a missing document is not an error.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM `+s.docTable+` WHERE collection = ? AND id = ?`), collection, id)
	return classify("delete", err)
}

func (s *Store) Get(ctx context.Context, collection, id string) (*schema.SourceDocument, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT body FROM `+s.docTable+` WHERE collection = ? AND id = ?`), collection, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get", err)
	}
	return decodeDocument(collection, id, body)
}

func (s *Store) Page(ctx context.Context, collection string, offset, limit int) ([]*schema.SourceDocument, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, body FROM `+s.docTable+` WHERE collection = ? ORDER BY id LIMIT ? OFFSET ?`), collection, limit, offset)
	if err != nil {
		return nil, classify("page", err)
	}
	defer rows.Close()
	var result []*schema.SourceDocument
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, classify("page", err)
		}
		doc, err := decodeDocument(collection, id, body)
		if err != nil {
			return nil, err
		}
		result = append(result, doc)
	}
	return result, classify("page", rows.Err())
}

func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM `+s.docTable+` WHERE collection = ?`), collection).Scan(&n)
	return n, classify("count", err)
}

func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT collection FROM `+s.docTable+` ORDER BY collection`)
	if err != nil {
		return nil, classify("collections", err)
	}
	defer rows.Close()
	var result []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, classify("collections", err)
		}
		result = append(result, name)
	}
	return result, classify("collections", rows.Err())
}

// PurgeChangeLog removes change log rows up to and including seq.
func (s *Store) PurgeChangeLog(ctx context.Context, seq int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM `+s.logTable+` WHERE seq <= ?`), seq)
	if err != nil {
		return 0, classify("purge", err)
	}
	return res.RowsAffected()
}

// LastSeq returns the highest recorded change log sequence.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM `+s.logTable).Scan(&seq)
	if err != nil {
		return 0, classify("last seq", err)
	}
	return seq.Int64, nil
}

func decodeDocument(collection, id, body string) (*schema.SourceDocument, error) {
	fields := map[string]interface{}{}
	if body != "" {
		if err := json.Unmarshal([]byte(body), &fields); err != nil {
			return nil, resilience.Wrap(resilience.Validation, "decode "+collection+"/"+id, err)
		}
	}
	return &schema.SourceDocument{ID: id, Collection: collection, Fields: fields}, nil
}

// classify tags driver errors; transport failures surface as Connection.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if resilience.Classify(err) == resilience.Unknown {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "no such table") || strings.Contains(msg, "doesn't exist") || strings.Contains(msg, "does not exist") {
			return resilience.Wrap(resilience.Configuration, op, err)
		}
		return resilience.Wrap(resilience.Connection, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
