package sqlitevec

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/embedsync/resilience"
	"github.com/viant/embedsync/schema"
	"github.com/viant/embedsync/vectordb"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	store, err := NewStore(append([]Option{WithDSN(":memory:")}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func point(sourceID string, vec []float32, text string) *schema.VectorPoint {
	return &schema.VectorPoint{
		ID:     vectordb.PointID(sourceID),
		Vector: vec,
		Payload: map[string]interface{}{
			"source_id":  sourceID,
			"collection": "students",
			"text":       text,
		},
	}
}

func TestStore_EnsureCollection(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	cfg := vectordb.CollectionConfig{Name: "students", VectorSize: 3, Distance: vectordb.Cosine}
	require.NoError(t, store.EnsureCollection(ctx, cfg))
	require.NoError(t, store.EnsureCollection(ctx, cfg))
	require.NoError(t, store.Upsert(ctx, "students", []*schema.VectorPoint{point("x1", []float32{1, 0, 0}, "a")}))

	mismatch := vectordb.CollectionConfig{Name: "students", VectorSize: 4, Distance: vectordb.Cosine}
	err := store.EnsureCollection(ctx, mismatch)
	require.Error(t, err)
	assert.ErrorIs(t, err, vectordb.ErrCollectionMismatch)
	assert.Equal(t, resilience.Configuration, resilience.Classify(err))
	count, err := store.Count(ctx, "students")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "mismatch must not drop data")

	mismatch.Recreate = true
	require.NoError(t, store.EnsureCollection(ctx, mismatch))
	count, err = store.Count(ctx, "students")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	require.NoError(t, store.Upsert(ctx, "students", []*schema.VectorPoint{point("x1", []float32{1, 0, 0, 0}, "a")}))

	assert.Error(t, store.EnsureCollection(ctx, vectordb.CollectionConfig{Name: "", VectorSize: 3}))
	assert.Error(t, store.EnsureCollection(ctx, vectordb.CollectionConfig{Name: "x", VectorSize: 0}))
}

func TestStore_UpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.EnsureCollection(ctx, vectordb.CollectionConfig{Name: "students", VectorSize: 3}))

	p := point("x1", []float32{0.1, 0.2, 0.3}, "anxious about exams")
	require.NoError(t, store.Upsert(ctx, "students", []*schema.VectorPoint{p}))
	first, err := store.Get(ctx, "students", p.ID)
	require.NoError(t, err)
	require.NotNil(t, first)

	require.NoError(t, store.Upsert(ctx, "students", []*schema.VectorPoint{p}))
	second, err := store.Get(ctx, "students", p.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	count, err := store.Count(ctx, "students")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	updated := point("x1", []float32{0.3, 0.2, 0.1}, "calm now")
	require.NoError(t, store.Upsert(ctx, "students", []*schema.VectorPoint{updated}))
	third, err := store.Get(ctx, "students", p.ID)
	require.NoError(t, err)
	assert.Equal(t, "calm now", third.Payload["text"])
	assert.Equal(t, []float32{0.3, 0.2, 0.1}, third.Vector)

	err = store.Upsert(ctx, "students", []*schema.VectorPoint{point("x2", []float32{1}, "short")})
	assert.Equal(t, resilience.Validation, resilience.Classify(err))
	err = store.Upsert(ctx, "missing", []*schema.VectorPoint{p})
	assert.Equal(t, resilience.Configuration, resilience.Classify(err))
}

func TestStore_DeleteBySourceID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.EnsureCollection(ctx, vectordb.CollectionConfig{Name: "students", VectorSize: 2}))
	require.NoError(t, store.Upsert(ctx, "students", []*schema.VectorPoint{
		point("x1", []float32{1, 0}, "one"),
		point("x2", []float32{0, 1}, "two"),
	}))

	require.NoError(t, store.DeleteBySourceID(ctx, "students", []string{"x1", "never-existed"}))
	require.NoError(t, store.DeleteBySourceID(ctx, "students", []string{"x1"}))
	require.NoError(t, store.DeleteBySourceID(ctx, "students", nil))

	results, err := store.Search(ctx, "students", []float32{1, 0}, 10, -1)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "x1", r.SourceID())
	}
	count, err := store.Count(ctx, "students")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStore_Search(t *testing.T) {
	ctx := context.Background()
	var testCases = []struct {
		description string
		distance    vectordb.Distance
		threshold   float32
		expectIDs   []string
	}{
		{description: "cosine ranked", distance: vectordb.Cosine, threshold: -1, expectIDs: []string{"a", "b", "c"}},
		{description: "cosine threshold", distance: vectordb.Cosine, threshold: 0.5, expectIDs: []string{"a", "b"}},
		{description: "euclid ranked", distance: vectordb.Euclidean, threshold: 0, expectIDs: []string{"a", "b", "c"}},
		{description: "dot threshold", distance: vectordb.Dot, threshold: 0.95, expectIDs: []string{"a"}},
	}
	for _, testCase := range testCases {
		store := newTestStore(t)
		require.NoError(t, store.EnsureCollection(ctx, vectordb.CollectionConfig{Name: "docs", VectorSize: 2, Distance: testCase.distance}))
		require.NoError(t, store.Upsert(ctx, "docs", []*schema.VectorPoint{
			point("c", []float32{0, 1}, "c"),
			point("a", []float32{1, 0}, "a"),
			point("b", []float32{0.8, 0.6}, "b"),
		}))
		results, err := store.Search(ctx, "docs", []float32{1, 0}, 10, testCase.threshold)
		require.NoError(t, err, testCase.description)
		var ids []string
		for _, r := range results {
			ids = append(ids, r.SourceID())
		}
		assert.Equal(t, testCase.expectIDs, ids, testCase.description)
	}

	store := newTestStore(t)
	require.NoError(t, store.EnsureCollection(ctx, vectordb.CollectionConfig{Name: "docs", VectorSize: 2}))
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Upsert(ctx, "docs", []*schema.VectorPoint{point(fmt.Sprintf("p%d", i), []float32{1, float32(i)}, "p")}))
	}
	results, err := store.Search(ctx, "docs", []float32{1, 0}, 2, -1)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "p0", results[0].SourceID())
	_, err = store.Search(ctx, "docs", []float32{1, 0, 0}, 2, -1)
	assert.Equal(t, resilience.Validation, resilience.Classify(err))
}

func TestStore_ChangeLog(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, WithChangeLog(true))
	require.NoError(t, store.EnsureCollection(ctx, vectordb.CollectionConfig{Name: "students", VectorSize: 2}))
	p := point("x1", []float32{1, 0}, "one")
	require.NoError(t, store.Upsert(ctx, "students", []*schema.VectorPoint{p}))
	require.NoError(t, store.Upsert(ctx, "students", []*schema.VectorPoint{p}))
	require.NoError(t, store.DeleteBySourceID(ctx, "students", []string{"x1"}))

	rows, err := store.DB().QueryContext(ctx, `SELECT op FROM vec_shadow_log WHERE dataset_id = ? ORDER BY scn`, "students")
	require.NoError(t, err)
	defer rows.Close()
	var ops []string
	for rows.Next() {
		var op string
		require.NoError(t, rows.Scan(&op))
		ops = append(ops, op)
	}
	assert.Equal(t, []string{"insert", "delete"}, ops)
}
