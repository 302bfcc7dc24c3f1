package source

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/embedsync/event"
	"github.com/viant/embedsync/primary"
	"github.com/viant/embedsync/queue"
	"github.com/viant/embedsync/resilience"
)

// scriptedFeed replays one script per subscription, then keeps the last
// subscription open until it is closed.
type scriptedFeed struct {
	mu        sync.Mutex
	positions []string
	scripts   [][]event.RawChange
	errs      []error
}

func (f *scriptedFeed) Subscribe(ctx context.Context, collections []string, position string) (primary.Subscription, error) {
	f.mu.Lock()
	idx := len(f.positions)
	f.positions = append(f.positions, position)
	f.mu.Unlock()
	stream := primary.NewStream(8, nil)
	go func() {
		if idx < len(f.scripts) {
			for _, change := range f.scripts[idx] {
				if !stream.Emit(ctx, change) {
					stream.Finish(nil)
					return
				}
			}
			if idx < len(f.errs) && f.errs[idx] != nil {
				stream.Finish(f.errs[idx])
				return
			}
		}
		select {
		case <-stream.Done():
		case <-ctx.Done():
		}
		stream.Finish(nil)
	}()
	return stream, nil
}

func (f *scriptedFeed) subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.positions...)
}

func drain(t *testing.T, q *queue.Queue, n int) []*event.SyncEvent {
	t.Helper()
	var result []*event.SyncEvent
	require.Eventually(t, func() bool { return q.Len() >= n }, 2*time.Second, 5*time.Millisecond)
	ch := q.Chan()
	for i := 0; i < n; i++ {
		result = append(result, <-ch)
	}
	return result
}

func fastPolicy() resilience.Policy {
	return resilience.Policy{BaseDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
}

func TestListener_FiltersAndNormalizes(t *testing.T) {
	feed := &scriptedFeed{scripts: [][]event.RawChange{{
		{Operation: "insert", Namespace: "school.students", DocumentKey: "x1", FullDocument: map[string]interface{}{"notes": "anxious"}, Position: "1"},
		{Operation: "insert", Namespace: "school.teachers", DocumentKey: "t1", Position: "2"},
		{Operation: "drop", Namespace: "school.students", Position: "3"},
		{Operation: "delete", Namespace: "school.students", DocumentKey: "x1", Position: "4"},
	}}}
	q := queue.New(10)
	listener := NewListener(feed, q, WithCollections("students"), WithReconnectPolicy(fastPolicy()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()

	events := drain(t, q, 2)
	assert.Equal(t, event.Insert, events[0].ChangeType())
	assert.Equal(t, "students", events[0].Collection())
	assert.Equal(t, "anxious", events[0].Document()["notes"])
	assert.Equal(t, event.Delete, events[1].ChangeType())
	assert.Nil(t, events[1].Document())

	require.Eventually(t, func() bool { return listener.Position() == "4" }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 4, listener.Received())
	assert.EqualValues(t, 2, listener.Dropped())
	assert.True(t, listener.Connected())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestListener_ResubscribesFromLastPosition(t *testing.T) {
	feed := &scriptedFeed{
		scripts: [][]event.RawChange{
			{{Operation: "insert", Namespace: "students", DocumentKey: "x1", Position: "7"}},
			{{Operation: "update", Namespace: "students", DocumentKey: "x1", Position: "8"}},
		},
		errs: []error{errors.New("connection reset by peer")},
	}
	q := queue.New(10)
	var mu sync.Mutex
	var reported []error
	listener := NewListener(feed, q, WithPosition("6"), WithReconnectPolicy(fastPolicy()), WithErrorReporter(func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = listener.Run(ctx) }()

	events := drain(t, q, 2)
	assert.Equal(t, event.Insert, events[0].ChangeType())
	assert.Equal(t, event.Update, events[1].ChangeType())
	assert.Equal(t, []string{"6", "7"}, feed.subscribed())
	assert.EqualValues(t, 1, listener.Reconnects())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 1)
	assert.Equal(t, resilience.Connection, resilience.Classify(reported[0]))
}

func TestListener_StopsWhenQueueCloses(t *testing.T) {
	feed := &scriptedFeed{scripts: [][]event.RawChange{{
		{Operation: "insert", Namespace: "students", DocumentKey: "x1", Position: "1"},
	}}}
	q := queue.New(1)
	q.Close()
	listener := NewListener(feed, q, WithReconnectPolicy(fastPolicy()))
	done := make(chan error, 1)
	go func() { done <- listener.Run(context.Background()) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("listener did not stop on closed queue")
	}
	assert.Equal(t, "", listener.Position())
}
