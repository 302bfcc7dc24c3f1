package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/viant/embedsync/resilience"
	"github.com/viant/embedsync/schema"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store reads documents and change streams from one MongoDB database.
// Change streams require a replica set or sharded cluster.
type Store struct {
	client   *mongo.Client
	db       *mongo.Database
	owned    bool
	maxAwait time.Duration
	logger   zerolog.Logger
}

// Option configures the store.
type Option func(*Store)

// WithMaxAwait bounds how long the server holds an empty change stream batch.
func WithMaxAwait(d time.Duration) Option {
	return func(s *Store) { s.maxAwait = d }
}

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Connect dials uri and selects database.
func Connect(ctx context.Context, uri, database string, opts ...Option) (*Store, error) {
	if database == "" {
		return nil, resilience.Errorf(resilience.Configuration, "mongo: database is required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, resilience.Wrap(resilience.Connection, "mongo connect", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, resilience.Wrap(resilience.Connection, "mongo ping", err)
	}
	s := New(client.Database(database), opts...)
	s.client = client
	s.owned = true
	return s, nil
}

// New wraps an existing database handle.
func New(db *mongo.Database, opts ...Option) *Store {
	s := &Store{db: db, maxAwait: time.Second, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close(ctx context.Context) error {
	if s.owned && s.client != nil {
		return s.client.Disconnect(ctx)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (*schema.SourceDocument, error) {
	var doc bson.M
	err := s.db.Collection(collection).FindOne(ctx, idFilter(id)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get", err)
	}
	return toSourceDocument(collection, doc), nil
}

func (s *Store) Page(ctx context.Context, collection string, offset, limit int) ([]*schema.SourceDocument, error) {
	if limit <= 0 {
		limit = 100
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetSkip(int64(offset)).SetLimit(int64(limit))
	cursor, err := s.db.Collection(collection).Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, classify("page", err)
	}
	defer cursor.Close(ctx)
	var result []*schema.SourceDocument
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, resilience.Wrap(resilience.Validation, "page", err)
		}
		result = append(result, toSourceDocument(collection, doc))
	}
	return result, classify("page", cursor.Err())
}

func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	n, err := s.db.Collection(collection).CountDocuments(ctx, bson.D{})
	return int(n), classify("count", err)
}

func (s *Store) Collections(ctx context.Context) ([]string, error) {
	names, err := s.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, classify("collections", err)
	}
	sort.Strings(names)
	return names, nil
}

// idFilter matches both an ObjectID and a plain string key.
func idFilter(id string) bson.M {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return bson.M{"_id": bson.M{"$in": bson.A{oid, id}}}
	}
	return bson.M{"_id": id}
}

func toSourceDocument(collection string, doc bson.M) *schema.SourceDocument {
	fields := normalizeDocument(doc)
	return &schema.SourceDocument{ID: formatID(doc["_id"]), Collection: collection, Fields: fields}
}

// normalizeDocument converts BSON values to plain Go values and drops _id.
func normalizeDocument(doc bson.M) map[string]interface{} {
	if doc == nil {
		return nil
	}
	result := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		if k == "_id" {
			continue
		}
		result[k] = normalize(v)
	}
	return result
}

func normalize(value interface{}) interface{} {
	switch actual := value.(type) {
	case bson.M:
		result := make(map[string]interface{}, len(actual))
		for k, v := range actual {
			result[k] = normalize(v)
		}
		return result
	case bson.D:
		result := make(map[string]interface{}, len(actual))
		for _, e := range actual {
			result[e.Key] = normalize(e.Value)
		}
		return result
	case bson.A:
		result := make([]interface{}, len(actual))
		for i, v := range actual {
			result[i] = normalize(v)
		}
		return result
	case primitive.ObjectID:
		return actual.Hex()
	case primitive.DateTime:
		return actual.Time().UTC()
	case primitive.Decimal128:
		return actual.String()
	case primitive.Timestamp:
		return time.Unix(int64(actual.T), 0).UTC()
	}
	return value
}

func formatID(v interface{}) string {
	switch actual := v.(type) {
	case nil:
		return ""
	case primitive.ObjectID:
		return actual.Hex()
	case string:
		return actual
	}
	return fmt.Sprint(v)
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case mongo.IsTimeout(err):
		return resilience.Wrap(resilience.Timeout, op, err)
	case mongo.IsNetworkError(err):
		return resilience.Wrap(resilience.Connection, op, err)
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		switch cmdErr.Code {
		case 13:
			return resilience.Wrap(resilience.Permission, op, err)
		case 18:
			return resilience.Wrap(resilience.Authentication, op, err)
		case 40573:
			// change streams are only supported on replica sets
			return resilience.Wrap(resilience.Configuration, op, err)
		}
	}
	return fmt.Errorf("mongo %s: %w", op, err)
}
