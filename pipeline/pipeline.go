package pipeline

import (
	"context"
	"fmt"
	"strconv"

	"github.com/minio/highwayhash"
	"github.com/rs/zerolog"
	"github.com/viant/embedsync/embeddings"
	"github.com/viant/embedsync/event"
	"github.com/viant/embedsync/primary"
	"github.com/viant/embedsync/resilience"
	"github.com/viant/embedsync/schema"
	"github.com/viant/embedsync/vectordb"
	"github.com/viant/embedsync/vectordb/meta"
)

var hashKey = []byte("embedsync-content-hash-key-00001")

// ItemError is the failure of one document.
type ItemError struct {
	DocumentID string
	Class      resilience.Class
	Err        error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s: %v", e.DocumentID, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// BatchResult is the outcome of preparing one group.
type BatchResult struct {
	Processed int
	Failed    int
	Points    []*schema.VectorPoint
	// Deletes lists documents that no longer exist in the primary store.
	Deletes []string
	Errors  []*ItemError
}

func (r *BatchResult) fail(id string, err error) {
	r.Failed++
	r.Errors = append(r.Errors, &ItemError{DocumentID: id, Class: resilience.Classify(err), Err: err})
}

// Pipeline turns upsert events into vector points.
type Pipeline struct {
	store          primary.Store
	embedder       embeddings.Embedder
	extractor      *Extractor
	maxPayloadText int
	logger         zerolog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithStore resolves documents from store instead of event snapshots.
func WithStore(store primary.Store) Option {
	return func(p *Pipeline) { p.store = store }
}

// WithExtractor replaces the default text extractor.
func WithExtractor(extractor *Extractor) Option {
	return func(p *Pipeline) { p.extractor = extractor }
}

// WithMaxPayloadText caps payload text, in runes.
func WithMaxPayloadText(limit int) Option {
	return func(p *Pipeline) { p.maxPayloadText = limit }
}

// WithLogger sets the pipeline logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// New creates a pipeline encoding with embedder.
func New(embedder embeddings.Embedder, opts ...Option) *Pipeline {
	p := &Pipeline{
		embedder:       embedder,
		extractor:      NewExtractor(nil),
		maxPayloadText: DefaultMaxPayloadText,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Extractor returns the text extractor.
func (p *Pipeline) Extractor() *Extractor { return p.extractor }

type item struct {
	id   string
	doc  *schema.SourceDocument
	text string
}

// Prepare resolves, extracts and encodes the documents of one collection. A
// returned error fails the whole group (the embedding call failed); per
// document problems are reported in BatchResult.Errors.
func (p *Pipeline) Prepare(ctx context.Context, collection string, events []*event.SyncEvent) (*BatchResult, error) {
	result := &BatchResult{}
	var items []*item
	seen := map[string]int{}
	for _, ev := range events {
		doc, deleted, err := p.resolve(ctx, collection, ev)
		id := ev.DocumentID()
		if idx, ok := seen[id]; ok {
			// a later event of the same document supersedes the earlier one
			items[idx] = nil
		}
		switch {
		case err != nil:
			result.fail(id, err)
			continue
		case deleted:
			result.Deletes = append(result.Deletes, id)
			continue
		}
		seen[id] = len(items)
		items = append(items, &item{id: id, doc: doc, text: p.extractor.Text(doc)})
	}
	return p.encode(ctx, collection, items, result)
}

// PrepareDocuments encodes documents already read from the primary store.
func (p *Pipeline) PrepareDocuments(ctx context.Context, collection string, docs []*schema.SourceDocument) (*BatchResult, error) {
	result := &BatchResult{}
	items := make([]*item, 0, len(docs))
	for _, doc := range docs {
		if doc.Collection == "" {
			doc.Collection = collection
		}
		items = append(items, &item{id: doc.ID, doc: doc, text: p.extractor.Text(doc)})
	}
	return p.encode(ctx, collection, items, result)
}

func (p *Pipeline) encode(ctx context.Context, collection string, items []*item, result *BatchResult) (*BatchResult, error) {
	var texts []string
	var pending []*item
	for _, it := range items {
		if it == nil {
			continue
		}
		if it.text == "" {
			result.fail(it.id, resilience.Errorf(resilience.Validation, "document %s/%s has no embeddable text", collection, it.id))
			continue
		}
		texts = append(texts, it.text)
		pending = append(pending, it)
	}
	if len(pending) == 0 {
		return result, nil
	}
	vectors, err := embeddings.EncodeNonEmpty(ctx, p.embedder, texts)
	if err != nil {
		return result, err
	}
	for i, it := range pending {
		if len(vectors[i]) == 0 {
			result.fail(it.id, resilience.Errorf(resilience.Validation, "document %s/%s produced an empty vector", collection, it.id))
			continue
		}
		result.Points = append(result.Points, p.point(collection, it, vectors[i]))
		result.Processed++
	}
	return result, nil
}

// resolve returns the current document. A document missing from the store is
// reported as deleted; when the store fails the event snapshot is used if present.
func (p *Pipeline) resolve(ctx context.Context, collection string, ev *event.SyncEvent) (*schema.SourceDocument, bool, error) {
	snapshot := ev.Document()
	if p.store == nil {
		if snapshot == nil {
			return nil, false, resilience.Errorf(resilience.Validation, "event %s/%s carries no document", collection, ev.DocumentID())
		}
		return &schema.SourceDocument{ID: ev.DocumentID(), Collection: collection, Fields: snapshot}, false, nil
	}
	doc, err := p.store.Get(ctx, collection, ev.DocumentID())
	if err != nil {
		if snapshot != nil {
			p.logger.Warn().Err(err).Str("collection", collection).Str("id", ev.DocumentID()).Msg("primary store unavailable, using event snapshot")
			return &schema.SourceDocument{ID: ev.DocumentID(), Collection: collection, Fields: snapshot}, false, nil
		}
		return nil, false, fmt.Errorf("resolve %s/%s: %w", collection, ev.DocumentID(), err)
	}
	if doc == nil {
		return nil, true, nil
	}
	if doc.Collection == "" {
		doc.Collection = collection
	}
	return doc, false, nil
}

func (p *Pipeline) point(collection string, it *item, vector []float32) *schema.VectorPoint {
	payload := map[string]interface{}{
		meta.SourceID:    it.id,
		meta.Collection:  collection,
		meta.Text:        Truncate(it.text, p.maxPayloadText),
		meta.ContentHash: ContentHash(it.text),
	}
	if fields := p.extractor.Fields(it.doc); fields != nil {
		payload[meta.Fields] = fields
	}
	return &schema.VectorPoint{ID: vectordb.PointID(it.id), Vector: vector, Payload: payload}
}

// ContentHash returns the hex highwayhash of text.
func ContentHash(text string) string {
	return strconv.FormatUint(highwayhash.Sum64([]byte(text), hashKey), 16)
}
