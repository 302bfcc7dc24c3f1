package service

import (
	"sync"
	"time"

	"github.com/viant/embedsync/event"
	"github.com/viant/embedsync/resilience"
)

// counters is guarded by its own mutex and never locked together with another lock.
type counters struct {
	mu                  sync.Mutex
	processed           int64
	failed              int64
	retried             int64
	skipped             int64
	degraded            int64
	coalesced           int64
	deadLettered        int64
	upserts             int64
	deletes             int64
	batches             int64
	failedBatches       int64
	consecutiveFailures int
	resyncs             int64
	lastSyncAt          time.Time
	lastResyncAt        time.Time
	lastError           string
	byClass             map[string]int64
	byChangeType        map[string]int64
	latency             time.Duration
	startedAt           time.Time
}

func newCounters() *counters {
	return &counters{byClass: map[string]int64{}, byChangeType: map[string]int64{}}
}

func (c *counters) start() {
	c.mu.Lock()
	c.startedAt = time.Now()
	c.mu.Unlock()
}

func (c *counters) batch(report *BatchReport, byType map[event.ChangeType]int, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches++
	c.latency += elapsed
	c.processed += int64(report.Processed)
	c.failed += int64(report.Failed)
	c.retried += int64(report.Retried)
	c.skipped += int64(report.Skipped)
	c.degraded += int64(report.Degraded)
	c.coalesced += int64(report.Coalesced)
	for changeType, n := range byType {
		c.byChangeType[string(changeType)] += int64(n)
	}
	if report.Processed > 0 {
		c.lastSyncAt = time.Now()
	}
	if report.Processed == 0 && report.Failed+report.Retried > 0 {
		c.failedBatches++
		c.consecutiveFailures++
	} else {
		c.consecutiveFailures = 0
	}
}

func (c *counters) applied(upserts, deletes int) {
	c.mu.Lock()
	c.upserts += int64(upserts)
	c.deletes += int64(deletes)
	c.mu.Unlock()
}

func (c *counters) failure(class resilience.Class, err error) {
	c.mu.Lock()
	c.byClass[class.String()]++
	if err != nil {
		c.lastError = err.Error()
	}
	c.mu.Unlock()
}

func (c *counters) deadLetter() {
	c.mu.Lock()
	c.deadLettered++
	c.mu.Unlock()
}

func (c *counters) resync() {
	c.mu.Lock()
	c.resyncs++
	c.lastResyncAt = time.Now()
	c.mu.Unlock()
}

// successRate is processed / (processed + failed); 1 before any event completes.
func (c *counters) successRate() float64 {
	total := c.processed + c.failed
	if total == 0 {
		return 1
	}
	return float64(c.processed) / float64(total)
}

func (c *counters) fill(stats *Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats.EventsProcessed = c.processed
	stats.EventsFailed = c.failed
	stats.EventsRetried = c.retried
	stats.EventsSkipped = c.skipped
	stats.EventsDegraded = c.degraded
	stats.EventsCoalesced = c.coalesced
	stats.EventsDeadLettered = c.deadLettered
	stats.Upserts = c.upserts
	stats.Deletes = c.deletes
	stats.BatchesProcessed = c.batches
	stats.BatchesFailed = c.failedBatches
	stats.ConsecutiveFailures = c.consecutiveFailures
	if c.batches > 0 {
		stats.AvgBatchLatency = c.latency / time.Duration(c.batches)
	}
	stats.StartedAt = c.startedAt
	stats.Resyncs = c.resyncs
	stats.LastSyncAt = c.lastSyncAt
	stats.LastResyncAt = c.lastResyncAt
	stats.LastError = c.lastError
	stats.SuccessRate = c.successRate()
	stats.ErrorsByClass = make(map[string]int64, len(c.byClass))
	for k, v := range c.byClass {
		stats.ErrorsByClass[k] = v
	}
	stats.EventsByChangeType = make(map[string]int64, len(c.byChangeType))
	for k, v := range c.byChangeType {
		stats.EventsByChangeType[k] = v
	}
}

// abandoned counts an event given up on outside a batch, e.g. when its retry
// could not be requeued.
func (c *counters) abandoned() {
	c.mu.Lock()
	c.failed++
	c.deadLettered++
	c.mu.Unlock()
}
