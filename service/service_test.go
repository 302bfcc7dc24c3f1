package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/embedsync/embeddings/simple"
	"github.com/viant/embedsync/event"
	"github.com/viant/embedsync/primary/sqlstore"
	"github.com/viant/embedsync/resilience"
	"github.com/viant/embedsync/schema"
	"github.com/viant/embedsync/vectordb"
	"github.com/viant/embedsync/vectordb/meta"
	"github.com/viant/embedsync/vectordb/sqlitevec"
)

// faultyIndex fails writes with the injected error and counts write calls.
type faultyIndex struct {
	vectordb.Index
	mu     sync.Mutex
	err    error
	writes int
}

func (f *faultyIndex) inject(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *faultyIndex) fault() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	return f.err
}

func (f *faultyIndex) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *faultyIndex) Upsert(ctx context.Context, collection string, points []*schema.VectorPoint) error {
	if err := f.fault(); err != nil {
		return err
	}
	return f.Index.Upsert(ctx, collection, points)
}

func (f *faultyIndex) DeleteBySourceID(ctx context.Context, collection string, ids []string) error {
	if err := f.fault(); err != nil {
		return err
	}
	return f.Index.DeleteBySourceID(ctx, collection, ids)
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 10
	cfg.BatchTimeout = 20 * time.Millisecond
	cfg.RetryBaseDelay = 5 * time.Millisecond
	cfg.RetryMaxDelay = 20 * time.Millisecond
	cfg.CircuitRecoveryTimeout = time.Minute
	cfg.StopTimeout = 5 * time.Second
	cfg.WatchedCollections = []string{"students"}
	cfg.Embedder.Dim = 16
	return cfg
}

type fixture struct {
	svc   *Service
	index *sqlitevec.Store
	fault *faultyIndex
	store *sqlstore.Store
}

func newFixture(t *testing.T, cfg *Config, withStore bool) *fixture {
	t.Helper()
	ctx := context.Background()
	index, err := sqlitevec.NewStore(sqlitevec.WithDSN(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })
	deadLetters, err := NewDeadLetters(ctx, index.DB())
	require.NoError(t, err)

	f := &fixture{index: index, fault: &faultyIndex{Index: index}}
	opts := []Option{WithIndex(f.fault), WithEmbedder(simple.New(cfg.Embedder.Dim)), WithDeadLetters(deadLetters)}
	if withStore {
		f.store, err = sqlstore.Open("sqlite", ":memory:", sqlstore.WithPollInterval(10*time.Millisecond))
		require.NoError(t, err)
		t.Cleanup(func() { _ = f.store.Close() })
		opts = append(opts, WithStore(f.store), WithFeed(f.store))
	}
	f.svc, err = New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = f.svc.Stop(context.Background())
		f.svc.stopRetries()
	})
	return f
}

func (f *fixture) count(t *testing.T) int {
	n, err := f.index.Count(context.Background(), "students")
	require.NoError(t, err)
	return n
}

func insertEvent(id, notes string) *event.SyncEvent {
	return event.New(event.Insert, "students", id, map[string]interface{}{"notes": notes}, time.Now())
}

func TestService_EndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Store.Position = "0"
	f := newFixture(t, cfg, true)
	require.NoError(t, f.svc.Start(ctx))
	assert.ErrorIs(t, f.svc.Start(ctx), ErrAlreadyStarted)

	require.NoError(t, f.store.Put(ctx, "students", "x1", map[string]interface{}{"notes": "anxious about upcoming exams"}))
	require.Eventually(t, func() bool { return f.count(t) == 1 }, 5*time.Second, 10*time.Millisecond)
	point, err := f.index.Get(ctx, "students", vectordb.PointID("x1"))
	require.NoError(t, err)
	require.NotNil(t, point)
	assert.Equal(t, "anxious about upcoming exams", point.Payload[meta.Text])
	assert.Equal(t, "x1", point.Payload[meta.SourceID])

	require.NoError(t, f.store.Put(ctx, "students", "x1", map[string]interface{}{"notes": "feeling calm after the exam"}))
	require.Eventually(t, func() bool {
		p, err := f.index.Get(ctx, "students", vectordb.PointID("x1"))
		return err == nil && p != nil && p.Payload[meta.Text] == "feeling calm after the exam"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.count(t))

	results, err := f.svc.Search(ctx, SearchRequest{Collection: "students", Query: "calm exam", Limit: 5, MinScore: -1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "x1", results[0].SourceID())

	require.NoError(t, f.store.Delete(ctx, "students", "x1"))
	require.Eventually(t, func() bool { return f.count(t) == 0 }, 5*time.Second, 10*time.Millisecond)

	stats := f.svc.Statistics()
	assert.True(t, stats.Running)
	assert.True(t, stats.EventsReceived >= 3)
	assert.True(t, stats.EventsProcessed >= 3)
	assert.Equal(t, int64(0), stats.EventsFailed)
	assert.Equal(t, int64(0), stats.EventsDegraded)
	assert.Equal(t, int64(1), stats.EventsByChangeType[string(event.Insert)])
	assert.Equal(t, int64(1), stats.EventsByChangeType[string(event.Update)])
	assert.Equal(t, int64(1), stats.EventsByChangeType[string(event.Delete)])
	assert.True(t, stats.BatchesProcessed >= 3)
	assert.True(t, stats.AvgBatchLatency > 0)
	assert.False(t, stats.StartedAt.IsZero())
	assert.False(t, stats.StartedAt.After(time.Now()))
	assert.Equal(t, StatusHealthy, f.svc.Health().Status)

	require.NoError(t, f.svc.Stop(ctx))
	assert.False(t, f.svc.Running())
	assert.Equal(t, StatusUnhealthy, f.svc.Health().Status)
}

func TestService_ProcessBatch(t *testing.T) {
	var testCases = []struct {
		description    string
		fault          error
		expectReport   BatchReport
		expectPoints   int
		expectDead     int
		expectRetry    int
		expectDegraded bool
	}{
		{
			description:  "applied",
			expectReport: BatchReport{Events: 1, Processed: 1},
			expectPoints: 1,
		},
		{
			description:  "validation skipped",
			fault:        resilience.Errorf(resilience.Validation, "dimension mismatch"),
			expectReport: BatchReport{Events: 1, Failed: 1, Skipped: 1},
		},
		{
			description:  "connection retried",
			fault:        resilience.Errorf(resilience.Connection, "connection refused"),
			expectReport: BatchReport{Events: 1, Retried: 1},
			expectRetry:  1,
		},
		{
			description:  "configuration dead-lettered",
			fault:        resilience.Errorf(resilience.Configuration, "collection missing"),
			expectReport: BatchReport{Events: 1, Failed: 1, DeadLettered: 1},
			expectDead:   1,
		},
		{
			description:    "resource resolved in degraded mode",
			fault:          resilience.Errorf(resilience.Resource, "out of memory"),
			expectReport:   BatchReport{Events: 1, Failed: 1, Degraded: 1},
			expectDegraded: true,
		},
	}
	for _, testCase := range testCases {
		ctx := context.Background()
		cfg := testConfig()
		cfg.RetryBaseDelay = time.Hour
		cfg.RetryMaxDelay = time.Hour
		f := newFixture(t, cfg, false)
		f.fault.inject(testCase.fault)
		ev := insertEvent("x1", "anxious about upcoming exams")

		report := f.svc.ProcessBatch(ctx, []*event.SyncEvent{ev})
		assert.Equal(t, testCase.expectReport, *report, testCase.description)
		assert.Equal(t, testCase.expectPoints, f.count(t), testCase.description)
		assert.Equal(t, testCase.expectRetry, ev.RetryCount(), testCase.description)
		assert.Equal(t, testCase.expectRetry, f.svc.pendingRetries(), testCase.description)
		dead, err := f.svc.DeadLetters(ctx, 10)
		require.NoError(t, err, testCase.description)
		assert.Len(t, dead, testCase.expectDead, testCase.description)
		stats := f.svc.Statistics()
		assert.Equal(t, testCase.expectDegraded, stats.Degraded, testCase.description)
		assert.EqualValues(t, testCase.expectReport.Degraded, stats.EventsDegraded, testCase.description)
		if testCase.expectDegraded {
			assert.Equal(t, 5, stats.BatchSize, testCase.description)
		}
	}
}

func TestService_ProcessBatchSameDocumentAcrossTypes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), true)
	require.NoError(t, f.svc.ensureCollection(ctx, "students"))
	require.NoError(t, f.store.Put(ctx, "students", "x1", map[string]interface{}{"notes": "back on campus after the break"}))
	batch := []*event.SyncEvent{
		insertEvent("x1", "anxious about upcoming exams"),
		event.New(event.Delete, "students", "x1", nil, time.Now()),
		insertEvent("x1", "back on campus after the break"),
	}
	report := f.svc.ProcessBatch(ctx, batch)
	assert.Equal(t, BatchReport{Events: 3, Processed: 1, Coalesced: 2}, *report)
	assert.Equal(t, 1, f.count(t))
	point, err := f.index.Get(ctx, "students", vectordb.PointID("x1"))
	require.NoError(t, err)
	require.NotNil(t, point)
	assert.Equal(t, "back on campus after the break", point.Payload[meta.Text])

	report = f.svc.ProcessBatch(ctx, []*event.SyncEvent{
		insertEvent("x1", "back on campus after the break"),
		event.New(event.Delete, "students", "x1", nil, time.Now()),
	})
	assert.Equal(t, BatchReport{Events: 2, Processed: 1, Coalesced: 1}, *report)
	assert.Equal(t, 0, f.count(t))
	stats := f.svc.Statistics()
	assert.Equal(t, int64(3), stats.EventsCoalesced)
	assert.Equal(t, int64(3), stats.EventsByChangeType[string(event.Insert)])
	assert.Equal(t, int64(2), stats.EventsByChangeType[string(event.Delete)])
}

func TestService_ProcessBatchGroups(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), false)
	require.NoError(t, f.svc.ensureCollection(ctx, "students"))
	batch := []*event.SyncEvent{
		insertEvent("x1", "anxious about upcoming exams"),
		insertEvent("x2", "enjoys group projects in class"),
		event.New(event.Update, "students", "x1", map[string]interface{}{"notes": "calm and prepared now"}, time.Now()),
		event.New(event.Delete, "students", "x2", nil, time.Now()),
		event.New(event.Insert, "students", "x3", nil, time.Now()),
	}
	report := f.svc.ProcessBatch(ctx, batch)
	assert.Equal(t, 5, report.Events)
	assert.Equal(t, 4, report.Processed)
	assert.Equal(t, 1, report.Skipped, "event without document")
	assert.Equal(t, 1, f.count(t))
	point, err := f.index.Get(ctx, "students", vectordb.PointID("x1"))
	require.NoError(t, err)
	assert.Equal(t, "calm and prepared now", point.Payload[meta.Text])
}

func TestService_OpenBreakerRequeues(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.CircuitFailureThreshold = 1
	f := newFixture(t, cfg, false)
	f.fault.inject(resilience.Errorf(resilience.ExternalService, "index returned 503"))

	first := insertEvent("x1", "anxious about upcoming exams")
	report := f.svc.ProcessBatch(ctx, []*event.SyncEvent{first})
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, 1, first.RetryCount())

	tripped := f.fault.calls()
	assert.Equal(t, 1, tripped)
	second := insertEvent("x2", "enjoys group projects in class")
	report = f.svc.ProcessBatch(ctx, []*event.SyncEvent{second})
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, 0, second.RetryCount(), "held back by open breaker")
	report = f.svc.ProcessBatch(ctx, []*event.SyncEvent{event.New(event.Delete, "students", "x3", nil, time.Now())})
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, tripped, f.fault.calls(), "open breaker must not reach the index")

	require.NoError(t, f.svc.Start(ctx))
	health := f.svc.Health()
	assert.Equal(t, StatusDegraded, health.Status)
	assert.Contains(t, health.Reasons, "circuit open: "+BreakerIndex)

	f.fault.inject(nil)
	require.NoError(t, f.svc.ResetBreaker(BreakerIndex))
	assert.Error(t, f.svc.ResetBreaker("unknown"))
	assert.Equal(t, StatusHealthy, f.svc.Health().Status)
}

func TestService_RetryRequeues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), false)
	f.fault.inject(resilience.Errorf(resilience.Connection, "connection reset"))
	report := f.svc.ProcessBatch(ctx, []*event.SyncEvent{insertEvent("x1", "anxious about upcoming exams")})
	assert.Equal(t, 1, report.Retried)
	require.Eventually(t, func() bool { return f.svc.Queue().Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.svc.pendingRetries())
}

func TestService_MaxRetriesCountsRetriesAfterFirstAttempt(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxRetries = 2
	cfg.CircuitFailureThreshold = 10
	f := newFixture(t, cfg, false)
	f.fault.inject(resilience.Errorf(resilience.Connection, "connection reset"))
	require.NoError(t, f.svc.Start(ctx))
	require.NoError(t, f.svc.Queue().Push(ctx, insertEvent("x1", "anxious about upcoming exams")))
	require.Eventually(t, func() bool {
		dead, err := f.svc.DeadLetters(ctx, 10)
		return err == nil && len(dead) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, f.fault.calls(), "first attempt plus two retries")
	stats := f.svc.Statistics()
	assert.Equal(t, int64(2), stats.EventsRetried)
	assert.Equal(t, int64(1), stats.EventsDeadLettered)
}

func TestService_StopDeadLettersPendingRetries(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.RetryBaseDelay = time.Hour
	cfg.RetryMaxDelay = time.Hour
	f := newFixture(t, cfg, false)
	f.fault.inject(resilience.Errorf(resilience.Connection, "connection reset"))
	require.NoError(t, f.svc.Start(ctx))
	require.NoError(t, f.svc.Queue().Push(ctx, insertEvent("x1", "anxious about upcoming exams")))
	require.Eventually(t, func() bool { return f.svc.pendingRetries() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.svc.Stop(ctx))
	assert.Equal(t, 0, f.svc.pendingRetries())
	dead, err := f.svc.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "x1", dead[0].DocumentID)
	assert.Equal(t, resilience.Connection.String(), dead[0].Class)
	stats := f.svc.Statistics()
	assert.Equal(t, int64(1), stats.EventsDeadLettered)
	assert.Equal(t, int64(1), stats.EventsFailed)
}

func TestService_ReplayDeadLetters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), false)
	f.fault.inject(resilience.Errorf(resilience.Configuration, "collection missing"))
	report := f.svc.ProcessBatch(ctx, []*event.SyncEvent{insertEvent("x1", "anxious about upcoming exams")})
	require.Equal(t, 1, report.DeadLettered)

	_, err := f.svc.ReplayDeadLetters(ctx, 10)
	assert.ErrorIs(t, err, ErrNotRunning)

	f.fault.inject(nil)
	require.NoError(t, f.svc.Start(ctx))
	result, err := f.svc.Admin(ctx, AdminRequest{Action: ActionReplay, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count)
	require.Eventually(t, func() bool { return f.count(t) == 1 }, 5*time.Second, 10*time.Millisecond)
	dead, err := f.svc.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dead)

	_, err = f.svc.Admin(ctx, AdminRequest{Action: "rebuild"})
	assert.Error(t, err)
}

func TestService_TriggerFullResync(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.ResyncPageSize = 10
	f := newFixture(t, cfg, true)
	for i := 0; i < 25; i++ {
		require.NoError(t, f.store.Put(ctx, "students", fmt.Sprintf("s%02d", i), map[string]interface{}{"notes": fmt.Sprintf("student %d notes about coursework", i)}))
	}

	result, err := f.svc.TriggerFullResync(ctx, "")
	require.NoError(t, err)
	require.Len(t, result.Collections, 1)
	assert.Equal(t, 25, result.Documents)
	assert.Equal(t, 25, result.Upserted)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 3, result.Collections[0].Pages)
	assert.Equal(t, 25, f.count(t))

	scnOf := func(id string) int64 {
		var scn int64
		require.NoError(t, f.index.DB().QueryRowContext(ctx, "SELECT scn FROM "+f.index.ShadowTable()+" WHERE dataset_id = ? AND id = ?",
			"students", vectordb.PointID(id)).Scan(&scn))
		return scn
	}
	before := map[string]*schema.VectorPoint{}
	beforeSCN := map[string]int64{}
	for _, id := range []string{"s00", "s13", "s24"} {
		point, err := f.index.Get(ctx, "students", vectordb.PointID(id))
		require.NoError(t, err)
		require.NotNil(t, point)
		before[id] = point
		beforeSCN[id] = scnOf(id)
	}

	result, err = f.svc.TriggerFullResync(ctx, "students")
	require.NoError(t, err)
	assert.Equal(t, 25, result.Upserted)
	assert.Equal(t, 25, f.count(t))
	for id, expect := range before {
		point, err := f.index.Get(ctx, "students", vectordb.PointID(id))
		require.NoError(t, err)
		assert.Equal(t, expect, point, id)
		assert.Equal(t, beforeSCN[id], scnOf(id), "unchanged rewrite must leave %s untouched", id)
	}
	assert.Equal(t, int64(2), f.svc.Statistics().Resyncs)

	require.NoError(t, f.svc.acquireResync([]string{"students"}))
	assert.True(t, f.svc.Resyncing("students"))
	_, err = f.svc.TriggerFullResync(ctx, "students")
	assert.ErrorIs(t, err, ErrResyncInProgress)
	f.svc.releaseResync([]string{"students"})
}

func TestService_ResyncWithoutStore(t *testing.T) {
	f := newFixture(t, testConfig(), false)
	_, err := f.svc.TriggerFullResync(context.Background(), "students")
	assert.Equal(t, resilience.Configuration, resilience.Classify(err))
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(testConfig(), WithEmbedder(simple.New(4)))
	assert.Equal(t, resilience.Configuration, resilience.Classify(err))
	cfg := testConfig()
	cfg.BatchSize = 0
	_, err = New(cfg)
	assert.Error(t, err)
}
