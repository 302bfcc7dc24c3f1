package event

import (
	"strings"
	"time"
)

// ChangeType is the kind of mutation observed on the primary store.
type ChangeType string

const (
	Insert  ChangeType = "insert"
	Update  ChangeType = "update"
	Delete  ChangeType = "delete"
	Replace ChangeType = "replace"
)

// IsUpsert reports whether the change requires (re)embedding the document.
func (c ChangeType) IsUpsert() bool {
	return c == Insert || c == Update || c == Replace
}

// ParseChangeType maps a feed operation name to a ChangeType.
// Administrative operations (drop, rename, invalidate...) are not supported.
func ParseChangeType(op string) (ChangeType, bool) {
	switch strings.ToLower(strings.TrimSpace(op)) {
	case "insert", "create":
		return Insert, true
	case "update":
		return Update, true
	case "replace":
		return Replace, true
	case "delete", "remove":
		return Delete, true
	}
	return "", false
}

// RawChange is one record of the primary store's change feed.
type RawChange struct {
	Operation string
	// Namespace is "collection" or "database.collection".
	Namespace    string
	DocumentKey  string
	FullDocument map[string]interface{}
	// Position identifies the change in the feed, used to resume a subscription.
	Position string
	Time     time.Time
}

// Collection returns the namespace without a database prefix.
func (r *RawChange) Collection() string {
	if i := strings.LastIndex(r.Namespace, "."); i >= 0 {
		return r.Namespace[i+1:]
	}
	return r.Namespace
}

// SyncEvent is one observed mutation queued for propagation.
// Everything except the retry count is fixed at construction.
type SyncEvent struct {
	changeType ChangeType
	collection string
	documentID string
	document   map[string]interface{}
	timestamp  time.Time
	position   string
	retryCount int
}

// New creates an event.
func New(changeType ChangeType, collection, documentID string, document map[string]interface{}, ts time.Time) *SyncEvent {
	if ts.IsZero() {
		ts = time.Now()
	}
	return &SyncEvent{
		changeType: changeType,
		collection: collection,
		documentID: documentID,
		document:   document,
		timestamp:  ts,
	}
}

// FromRaw normalizes a feed record. It returns false for unsupported operations
// or records without a document key.
func FromRaw(raw *RawChange) (*SyncEvent, bool) {
	changeType, ok := ParseChangeType(raw.Operation)
	if !ok || raw.DocumentKey == "" {
		return nil, false
	}
	var doc map[string]interface{}
	if changeType.IsUpsert() {
		doc = raw.FullDocument
	}
	ev := New(changeType, raw.Collection(), raw.DocumentKey, doc, raw.Time)
	ev.position = raw.Position
	return ev, true
}

func (e *SyncEvent) ChangeType() ChangeType { return e.changeType }
func (e *SyncEvent) Collection() string     { return e.collection }
func (e *SyncEvent) DocumentID() string     { return e.documentID }
func (e *SyncEvent) Timestamp() time.Time   { return e.timestamp }
func (e *SyncEvent) Position() string       { return e.position }
func (e *SyncEvent) RetryCount() int        { return e.retryCount }

// Document returns the snapshot captured with the event, or nil.
func (e *SyncEvent) Document() map[string]interface{} { return e.document }

// IncRetry records one more failed attempt and returns the new count.
func (e *SyncEvent) IncRetry() int {
	e.retryCount++
	return e.retryCount
}

// Key identifies the batch group of the event.
func (e *SyncEvent) Key() GroupKey {
	return GroupKey{Collection: e.collection, ChangeType: e.changeType}
}

// GroupKey partitions a batch.
type GroupKey struct {
	Collection string
	ChangeType ChangeType
}

func (k GroupKey) String() string {
	return k.Collection + "/" + string(k.ChangeType)
}
