package mongo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/embedsync/resilience"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func TestNormalizeDocument(t *testing.T) {
	oid := primitive.NewObjectID()
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	doc := bson.M{
		"_id":    oid,
		"notes":  "anxious about exams",
		"owner":  primitive.ObjectID{1},
		"seen":   primitive.NewDateTimeFromTime(at),
		"tags":   bson.A{"a", bson.M{"k": oid}},
		"nested": bson.D{{Key: "x", Value: int32(1)}},
	}
	actual := normalizeDocument(doc)
	_, hasID := actual["_id"]
	assert.False(t, hasID)
	assert.Equal(t, "anxious about exams", actual["notes"])
	assert.Equal(t, primitive.ObjectID{1}.Hex(), actual["owner"])
	assert.Equal(t, at, actual["seen"])
	assert.Equal(t, []interface{}{"a", map[string]interface{}{"k": oid.Hex()}}, actual["tags"])
	assert.Equal(t, map[string]interface{}{"x": int32(1)}, actual["nested"])
	assert.Nil(t, normalizeDocument(nil))

	source := toSourceDocument("students", doc)
	assert.Equal(t, oid.Hex(), source.ID)
	assert.Equal(t, "students", source.Collection)
}

func TestIDFilter(t *testing.T) {
	oid := primitive.NewObjectID()
	assert.Equal(t, bson.M{"_id": bson.M{"$in": bson.A{oid, oid.Hex()}}}, idFilter(oid.Hex()))
	assert.Equal(t, bson.M{"_id": "x1"}, idFilter("x1"))
	assert.Equal(t, "42", formatID(int32(42)))
	assert.Equal(t, "", formatID(nil))
}

func TestToRawChange(t *testing.T) {
	oid := primitive.NewObjectID()
	doc := &changeDoc{OperationType: "update", DocumentKey: bson.M{"_id": oid}, FullDocument: bson.M{"_id": oid, "notes": "calm"}}
	doc.NS.DB = "school"
	doc.NS.Coll = "students"
	doc.ClusterTime = primitive.Timestamp{T: 1700000000}

	change := toRawChange(doc, "abcd")
	assert.Equal(t, "update", change.Operation)
	assert.Equal(t, "students", change.Collection())
	assert.Equal(t, oid.Hex(), change.DocumentKey)
	assert.Equal(t, map[string]interface{}{"notes": "calm"}, change.FullDocument)
	assert.Equal(t, "abcd", change.Position)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), change.Time)
}

func TestResumeToken(t *testing.T) {
	token, err := bson.Marshal(bson.M{"_data": "8265"})
	require.NoError(t, err)
	position := encodeToken(token)
	decoded, err := decodeToken(position)
	require.NoError(t, err)
	assert.Equal(t, bson.Raw(token), decoded)
	assert.Equal(t, "", encodeToken(nil))

	_, err = decodeToken("zz")
	assert.Equal(t, resilience.Validation, resilience.Classify(err))
	_, err = decodeToken("0100")
	assert.Error(t, err)
}

func TestStore_WatchRequestResumesAfterLastChange(t *testing.T) {
	store := &Store{maxAwait: time.Second}
	pipeline, opts, err := store.watchRequest([]string{"students"}, "")
	require.NoError(t, err)
	assert.Nil(t, opts.ResumeAfter)
	require.NotNil(t, opts.FullDocument)
	assert.Equal(t, options.UpdateLookup, *opts.FullDocument)
	require.NotNil(t, opts.MaxAwaitTime)
	assert.Equal(t, time.Second, *opts.MaxAwaitTime)
	assert.Equal(t, bson.A{bson.M{"$match": bson.M{
		"operationType": bson.M{"$in": watchedOperations},
		"ns.coll":       bson.M{"$in": bson.A{"students"}},
	}}}, pipeline)

	token, err := bson.Marshal(bson.M{"_data": "82650A1B2C000000012B022C0100296E5A1004"})
	require.NoError(t, err)
	doc := &changeDoc{OperationType: "insert", DocumentKey: bson.M{"_id": "x1"}}
	doc.NS.Coll = "students"
	last := toRawChange(doc, encodeToken(token))

	_, opts, err = store.watchRequest([]string{"students"}, last.Position)
	require.NoError(t, err)
	assert.Equal(t, bson.Raw(token), opts.ResumeAfter)

	pipeline, _, err = store.watchRequest(nil, last.Position)
	require.NoError(t, err)
	assert.Equal(t, bson.A{bson.M{"$match": bson.M{"operationType": bson.M{"$in": watchedOperations}}}}, pipeline)

	_, _, err = store.watchRequest([]string{"students"}, "not-a-token")
	assert.Equal(t, resilience.Validation, resilience.Classify(err))
}
