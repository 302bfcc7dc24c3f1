package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/embedsync/event"
	"github.com/viant/embedsync/resilience"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open("sqlite", ":memory:", WithPollInterval(10*time.Millisecond), WithPollBatch(2))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_Documents(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Put(ctx, "students", "x2", map[string]interface{}{"notes": "second"}))
	require.NoError(t, store.Put(ctx, "students", "x1", map[string]interface{}{"notes": "first", "tags": []string{"a"}}))
	require.NoError(t, store.Put(ctx, "teachers", "t1", map[string]interface{}{"name": "T"}))
	require.NoError(t, store.Put(ctx, "students", "x1", map[string]interface{}{"notes": "first, edited"}))

	doc, err := store.Get(ctx, "students", "x1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "first, edited", doc.Fields["notes"])
	assert.Equal(t, "students", doc.Collection)

	missing, err := store.Get(ctx, "students", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	count, err := store.Count(ctx, "students")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	page, err := store.Page(ctx, "students", 0, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "x1", page[0].ID)
	page, err = store.Page(ctx, "students", 1, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "x2", page[0].ID)

	collections, err := store.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"students", "teachers"}, collections)

	require.NoError(t, store.Delete(ctx, "students", "x2"))
	require.NoError(t, store.Delete(ctx, "students", "x2"))
	count, err = store.Count(ctx, "students")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	err = store.Put(ctx, "", "x", nil)
	assert.Equal(t, resilience.Validation, resilience.Classify(err))
}

func collect(t *testing.T, ch <-chan event.RawChange, n int) []event.RawChange {
	t.Helper()
	var result []event.RawChange
	deadline := time.After(3 * time.Second)
	for len(result) < n {
		select {
		case c, ok := <-ch:
			if !ok {
				return result
			}
			result = append(result, c)
		case <-deadline:
			t.Fatalf("received %d of %d changes", len(result), n)
		}
	}
	return result
}

func TestStore_Subscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newTestStore(t)

	require.NoError(t, store.Put(ctx, "students", "old", map[string]interface{}{"notes": "before subscribe"}))
	sub, err := store.Subscribe(ctx, []string{"students"}, "")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, store.Put(ctx, "students", "x1", map[string]interface{}{"notes": "anxious"}))
	require.NoError(t, store.Put(ctx, "teachers", "t1", map[string]interface{}{"name": "ignored"}))
	require.NoError(t, store.Put(ctx, "students", "x1", map[string]interface{}{"notes": "calm"}))
	require.NoError(t, store.Delete(ctx, "students", "x1"))

	changes := collect(t, sub.Changes(), 3)
	require.Len(t, changes, 3)
	assert.Equal(t, "insert", changes[0].Operation)
	assert.Equal(t, "anxious", changes[0].FullDocument["notes"])
	assert.Equal(t, "update", changes[1].Operation)
	assert.Equal(t, "calm", changes[1].FullDocument["notes"])
	assert.Equal(t, "delete", changes[2].Operation)
	assert.Nil(t, changes[2].FullDocument)
	for _, c := range changes {
		assert.Equal(t, "students", c.Namespace)
		assert.Equal(t, "x1", c.DocumentKey)
	}

	// resuming from the first change replays the rest
	resumed, err := store.Subscribe(ctx, []string{"students"}, changes[0].Position)
	require.NoError(t, err)
	replay := collect(t, resumed.Changes(), 2)
	for i, c := range replay {
		assert.Equal(t, changes[i+1].Position, c.Position)
		assert.Equal(t, changes[i+1].Operation, c.Operation)
	}
	require.NoError(t, resumed.Close())

	require.NoError(t, sub.Close())
	for range sub.Changes() {
	}
	assert.NoError(t, sub.Err())
}

func TestStore_SubscribeReadsLateCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, err := Open("sqlite", ":memory:", WithPollInterval(10*time.Millisecond), WithPollBatch(2), WithLateCommitWindow(100))
	require.NoError(t, err)
	defer store.Close()
	logRow := func(seq int64, collection, id string) {
		_, err := store.db.ExecContext(ctx, `INSERT INTO `+store.logTable+`(seq, collection, document_id, op, payload) VALUES (?, ?, ?, 'insert', ?)`,
			seq, collection, id, `{"notes":"late"}`)
		require.NoError(t, err)
	}

	require.NoError(t, store.Put(ctx, "students", "x1", map[string]interface{}{"notes": "first"}))
	logRow(10, "students", "x10")
	sub, err := store.Subscribe(ctx, []string{"students"}, "0")
	require.NoError(t, err)
	defer sub.Close()
	changes := collect(t, sub.Changes(), 2)
	assert.Equal(t, "1", changes[0].Position)
	assert.Equal(t, "10", changes[1].Position)

	// seqs 2..9 were handed out before 10 but committed after it was read
	logRow(6, "teachers", "t6")
	logRow(5, "students", "x5")
	logRow(11, "students", "x11")
	changes = collect(t, sub.Changes(), 2)
	assert.Equal(t, "5", changes[0].Position)
	assert.Equal(t, "x5", changes[0].DocumentKey)
	assert.Equal(t, "late", changes[0].FullDocument["notes"])
	assert.Equal(t, "11", changes[1].Position)

	logRow(12, "students", "x12")
	changes = collect(t, sub.Changes(), 1)
	assert.Equal(t, "12", changes[0].Position, "a filled gap is not emitted twice")
}

func TestLogCursor(t *testing.T) {
	cursor := newLogCursor([]string{"students"}, 0, 4)
	assert.True(t, cursor.watches("students"))
	assert.False(t, cursor.watches("teachers"))
	cursor.advance(1)
	assert.Empty(t, cursor.pending())
	cursor.advance(10)
	assert.Equal(t, []int64{6, 7, 8, 9}, cursor.pending())
	assert.True(t, cursor.fill(7))
	assert.False(t, cursor.fill(7))
	cursor.advance(12)
	assert.Equal(t, []int64{8, 9, 11}, cursor.pending())
	cursor.advance(11)
	assert.EqualValues(t, 12, cursor.after)

	disabled := newLogCursor(nil, 0, 0)
	disabled.advance(50)
	assert.Empty(t, disabled.pending())
	assert.True(t, disabled.watches("anything"))
}

func TestStore_PurgeChangeLog(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Put(ctx, "students", "x1", map[string]interface{}{"notes": "a"}))
	require.NoError(t, store.Put(ctx, "students", "x2", map[string]interface{}{"notes": "b"}))
	last, err := store.LastSeq(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, last)
	purged, err := store.PurgeChangeLog(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2", rebind(Postgres, "SELECT 1 WHERE a = ? AND b = ?"))
	assert.Equal(t, "SELECT 1 WHERE a = ?", rebind(MySQL, "SELECT 1 WHERE a = ?"))
	_, err := DialectFor("oracle")
	assert.Error(t, err)
}
