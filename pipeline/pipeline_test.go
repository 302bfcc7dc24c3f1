package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/embedsync/embeddings/simple"
	"github.com/viant/embedsync/event"
	"github.com/viant/embedsync/resilience"
	"github.com/viant/embedsync/schema"
	"github.com/viant/embedsync/vectordb"
)

type mapStore struct {
	docs map[string]*schema.SourceDocument
	err  error
}

func (m *mapStore) Get(ctx context.Context, collection, id string) (*schema.SourceDocument, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.docs[collection+"/"+id], nil
}

func (m *mapStore) Page(ctx context.Context, collection string, offset, limit int) ([]*schema.SourceDocument, error) {
	return nil, nil
}

func (m *mapStore) Count(ctx context.Context, collection string) (int, error) {
	return len(m.docs), nil
}

func (m *mapStore) Collections(ctx context.Context) ([]string, error) { return nil, nil }

type failingEmbedder struct{ err error }

func (f *failingEmbedder) EmbedDocuments(ctx context.Context, docs []string) ([][]float32, error) {
	return nil, f.err
}

func (f *failingEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return nil, f.err
}

func TestExtractor_Text(t *testing.T) {
	extractor := NewExtractor(map[string]CollectionConfig{
		"students": {EmbedFields: []string{"notes", "profile.bio", "tags"}},
	})
	var testCases = []struct {
		description string
		doc         *schema.SourceDocument
		expect      string
	}{
		{
			description: "configured fields joined",
			doc: &schema.SourceDocument{ID: "x1", Collection: "students", Fields: map[string]interface{}{
				"notes": "anxious about exams", "profile": map[string]interface{}{"bio": "likes chess"}, "tags": []interface{}{"a", "b"},
			}},
			expect: "anxious about exams\nlikes chess\na, b",
		},
		{
			description: "fallback to first long string",
			doc: &schema.SourceDocument{ID: "x2", Collection: "students", Fields: map[string]interface{}{
				"b_short": "tiny", "c_long": "a sufficiently long string", "a_num": 42,
			}},
			expect: "a sufficiently long string",
		},
		{
			description: "unconfigured collection falls back",
			doc:         &schema.SourceDocument{ID: "t1", Collection: "teachers", Fields: map[string]interface{}{"about": "teaches mathematics"}},
			expect:      "teaches mathematics",
		},
		{
			description: "placeholder",
			doc:         &schema.SourceDocument{ID: "x3", Collection: "students", Fields: map[string]interface{}{"n": "short"}},
			expect:      "Document ID: x3",
		},
	}
	for _, testCase := range testCases {
		assert.Equal(t, testCase.expect, extractor.Text(testCase.doc), testCase.description)
	}
	extractor.NoPlaceholder = true
	assert.Equal(t, "", extractor.Text(&schema.SourceDocument{ID: "x3", Collection: "students"}))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "żół", Truncate("żółw", 3))
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, 1000, len([]rune(Truncate(strings.Repeat("é", 1500), DefaultMaxPayloadText))))
}

func TestPipeline_Prepare(t *testing.T) {
	ctx := context.Background()
	store := &mapStore{docs: map[string]*schema.SourceDocument{
		"students/x1": {ID: "x1", Fields: map[string]interface{}{"notes": "anxious about exams", "grade": 7}},
		"students/x3": {ID: "x3", Fields: map[string]interface{}{}},
	}}
	extractor := NewExtractor(map[string]CollectionConfig{
		"students": {EmbedFields: []string{"notes"}, PayloadFields: []string{"grade"}},
	})
	extractor.NoPlaceholder = true
	p := New(simple.New(64), WithStore(store), WithExtractor(extractor))
	assert.Same(t, extractor, p.Extractor())

	events := []*event.SyncEvent{
		event.New(event.Insert, "students", "x1", map[string]interface{}{"notes": "stale snapshot"}, testTime),
		event.New(event.Update, "students", "x2", map[string]interface{}{"notes": "gone now"}, testTime),
		event.New(event.Insert, "students", "x3", nil, testTime),
	}
	result, err := p.Prepare(ctx, "students", events)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, []string{"x2"}, result.Deletes)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "x3", result.Errors[0].DocumentID)
	assert.Equal(t, resilience.Validation, result.Errors[0].Class)

	require.Len(t, result.Points, 1)
	point := result.Points[0]
	assert.Equal(t, vectordb.PointID("x1"), point.ID)
	assert.Equal(t, "anxious about exams", point.Payload["text"], "current document wins over the snapshot")
	assert.Equal(t, "x1", point.Payload["source_id"])
	assert.Equal(t, "students", point.Payload["collection"])
	assert.Equal(t, ContentHash("anxious about exams"), point.Payload["content_hash"])
	assert.Equal(t, map[string]interface{}{"grade": 7}, point.Payload["fields"])
	assert.Len(t, point.Vector, 64)

	again, err := p.Prepare(ctx, "students", events[:1])
	require.NoError(t, err)
	assert.Equal(t, point, again.Points[0], "preparing an unchanged document is deterministic")
}

func TestPipeline_StoreUnavailable(t *testing.T) {
	ctx := context.Background()
	store := &mapStore{err: resilience.Wrap(resilience.Connection, "get", errors.New("dial tcp: connection refused"))}
	p := New(simple.New(16), WithStore(store))
	result, err := p.Prepare(ctx, "students", []*event.SyncEvent{
		event.New(event.Insert, "students", "x1", map[string]interface{}{"notes": "from the snapshot"}, testTime),
		event.New(event.Update, "students", "x2", nil, testTime),
	})
	require.NoError(t, err)
	require.Len(t, result.Points, 1)
	assert.Equal(t, "from the snapshot", result.Points[0].Payload["text"])
	require.Len(t, result.Errors, 1)
	assert.Equal(t, resilience.Connection, result.Errors[0].Class)
}

func TestPipeline_EmbedderFailureFailsGroup(t *testing.T) {
	p := New(&failingEmbedder{err: resilience.Errorf(resilience.ExternalService, "model overloaded")})
	_, err := p.Prepare(context.Background(), "students", []*event.SyncEvent{
		event.New(event.Insert, "students", "x1", map[string]interface{}{"notes": "anxious about exams"}, testTime),
	})
	require.Error(t, err)
	assert.Equal(t, resilience.ExternalService, resilience.Classify(err))
}

func TestPipeline_LaterEventSupersedes(t *testing.T) {
	p := New(simple.New(16))
	result, err := p.Prepare(context.Background(), "students", []*event.SyncEvent{
		event.New(event.Insert, "students", "x1", map[string]interface{}{"notes": "first version"}, testTime),
		event.New(event.Update, "students", "x1", map[string]interface{}{"notes": "second version"}, testTime),
	})
	require.NoError(t, err)
	require.Len(t, result.Points, 1)
	assert.Equal(t, "second version", result.Points[0].Payload["text"])
}

var testTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestPipeline_PrepareDocuments(t *testing.T) {
	p := New(simple.New(16))
	result, err := p.PrepareDocuments(context.Background(), "students", []*schema.SourceDocument{
		{ID: "x1", Fields: map[string]interface{}{"notes": "anxious about exams"}},
		{ID: "x2", Fields: map[string]interface{}{"n": 1}},
	})
	require.NoError(t, err)
	require.Len(t, result.Points, 2)
	assert.Equal(t, "Document ID: x2", result.Points[1].Payload["text"])
	assert.Equal(t, "students", result.Points[0].Payload["collection"])
}
