package service

import (
	"time"

	"github.com/viant/embedsync/resilience"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Stats are cumulative counters of the running engine.
type Stats struct {
	Running             bool             `json:"running"`
	EventsReceived      int64            `json:"eventsReceived"`
	EventsDropped       int64            `json:"eventsDropped"`
	EventsProcessed     int64            `json:"eventsProcessed"`
	EventsFailed        int64            `json:"eventsFailed"`
	EventsRetried       int64            `json:"eventsRetried"`
	EventsSkipped       int64            `json:"eventsSkipped"`
	EventsDegraded      int64            `json:"eventsDegraded"`
	EventsCoalesced     int64            `json:"eventsCoalesced"`
	EventsDeadLettered  int64            `json:"eventsDeadLettered"`
	Upserts             int64            `json:"upserts"`
	Deletes             int64            `json:"deletes"`
	BatchesProcessed    int64            `json:"batchesProcessed"`
	BatchesFailed       int64            `json:"batchesFailed"`
	ConsecutiveFailures int              `json:"consecutiveFailures"`
	AvgBatchLatency     time.Duration    `json:"avgBatchLatency"`
	PendingRetries      int              `json:"pendingRetries"`
	QueueDepth          int              `json:"queueDepth"`
	QueueCapacity       int              `json:"queueCapacity"`
	SuccessRate         float64          `json:"successRate"`
	BatchSize           int              `json:"batchSize"`
	BatchTimeout        time.Duration    `json:"batchTimeout"`
	Degraded            bool             `json:"degraded"`
	FeedConnected       bool             `json:"feedConnected"`
	FeedPosition        string           `json:"feedPosition,omitempty"`
	FeedReconnects      int64            `json:"feedReconnects"`
	Resyncs             int64            `json:"resyncs"`
	StartedAt           time.Time        `json:"startedAt,omitempty"`
	LastSyncAt          time.Time        `json:"lastSyncAt,omitempty"`
	LastResyncAt        time.Time        `json:"lastResyncAt,omitempty"`
	LastError           string           `json:"lastError,omitempty"`
	ErrorsByClass       map[string]int64 `json:"errorsByClass,omitempty"`
	// EventsByChangeType counts events the engine finished with, keyed by insert, update, replace and delete.
	EventsByChangeType map[string]int64 `json:"eventsByChangeType,omitempty"`
}

// Health summarizes whether the engine keeps the index current.
type Health struct {
	Status              string                    `json:"status"`
	Running             bool                      `json:"running"`
	QueueDepth          int                       `json:"queueDepth"`
	SuccessRate         float64                   `json:"successRate"`
	LastSyncAt          time.Time                 `json:"lastSyncAt,omitempty"`
	ConsecutiveFailures int                       `json:"consecutiveFailures"`
	Degraded            bool                      `json:"degraded"`
	FeedConnected       bool                      `json:"feedConnected"`
	Breakers            []resilience.BreakerState `json:"breakers"`
	Reasons             []string                  `json:"reasons,omitempty"`
}

// BatchReport is the outcome of one processed batch.
type BatchReport struct {
	Events       int `json:"events"`
	Processed    int `json:"processed"`
	Failed       int `json:"failed"`
	Retried      int `json:"retried"`
	Skipped      int `json:"skipped"`
	Degraded     int `json:"degraded"`
	Coalesced    int `json:"coalesced"`
	DeadLettered int `json:"deadLettered"`
}

// CollectionSync is the resync outcome of one collection.
type CollectionSync struct {
	Collection string   `json:"collection"`
	Documents  int      `json:"documents"`
	Upserted   int      `json:"upserted"`
	Deleted    int      `json:"deleted"`
	Failed     int      `json:"failed"`
	Pages      int      `json:"pages"`
	Errors     []string `json:"errors,omitempty"`
}

// SyncResult is the outcome of a full resync.
type SyncResult struct {
	Collections []*CollectionSync `json:"collections"`
	Documents   int               `json:"documents"`
	Upserted    int               `json:"upserted"`
	Failed      int               `json:"failed"`
	StartedAt   time.Time         `json:"startedAt"`
	Duration    time.Duration     `json:"duration"`
}

func (r *SyncResult) add(c *CollectionSync) {
	r.Collections = append(r.Collections, c)
	r.Documents += c.Documents
	r.Upserted += c.Upserted
	r.Failed += c.Failed
}
