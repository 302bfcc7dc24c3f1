package sqlitevec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/embedsync/schema"
	"github.com/viant/embedsync/vectordb"
)

func TestStore_Replicate(t *testing.T) {
	ctx := context.Background()
	upstream := newTestStore(t, WithChangeLog(true))
	replica := newTestStore(t)
	require.NoError(t, upstream.EnsureCollection(ctx, vectordb.CollectionConfig{Name: "students", VectorSize: 2, Distance: vectordb.Euclidean}))
	require.NoError(t, upstream.Upsert(ctx, "students", []*schema.VectorPoint{
		point("x1", []float32{1, 0}, "one"),
		point("x2", []float32{0, 1}, "two"),
	}))
	require.NoError(t, upstream.Upsert(ctx, "students", []*schema.VectorPoint{point("x1", []float32{0.5, 0.5}, "one, edited")}))
	require.NoError(t, upstream.DeleteBySourceID(ctx, "students", []string{"x2"}))

	result, err := replica.Replicate(ctx, upstream.DB(), ReplicaConfig{Collection: "students", BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 1, result.Deleted)
	assert.EqualValues(t, 4, result.LastSCN)

	count, err := replica.Count(ctx, "students")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	got, err := replica.Get(ctx, "students", vectordb.PointID("x1"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "one, edited", got.Payload["text"])
	assert.Equal(t, []float32{0.5, 0.5}, got.Vector)
	cfg, err := replica.collection(ctx, "students")
	require.NoError(t, err)
	assert.Equal(t, vectordb.Euclidean, cfg.Distance)

	again, err := replica.Replicate(ctx, upstream.DB(), ReplicaConfig{Collection: "students"})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Inserted+again.Updated+again.Deleted)
	assert.EqualValues(t, 4, again.LastSCN)

	_, err = upstream.DB().ExecContext(ctx, `DELETE FROM vec_shadow_log`)
	require.NoError(t, err)
	_, err = replica.Replicate(ctx, upstream.DB(), ReplicaConfig{Collection: "students"})
	assert.Error(t, err, "purged upstream log must be reported as divergence")
	forced, err := replica.Replicate(ctx, upstream.DB(), ReplicaConfig{Collection: "students", Force: true})
	require.NoError(t, err)
	assert.True(t, forced.Reset)
}
