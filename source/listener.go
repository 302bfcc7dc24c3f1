package source

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/viant/embedsync/event"
	"github.com/viant/embedsync/primary"
	"github.com/viant/embedsync/queue"
	"github.com/viant/embedsync/resilience"
)

var errFeedClosed = errors.New("change feed closed")

// Listener turns a primary store change feed into queued SyncEvents.
type Listener struct {
	feed        primary.Feed
	queue       *queue.Queue
	collections []string
	watched     map[string]bool
	reconnect   resilience.Policy
	report      func(error)
	logger      zerolog.Logger

	mu       sync.RWMutex
	position string

	received   atomic.Int64
	dropped    atomic.Int64
	reconnects atomic.Int64
	connected  atomic.Bool
}

// Option configures a Listener.
type Option func(*Listener)

// WithCollections restricts the listener to the named collections; none means all.
func WithCollections(collections ...string) Option {
	return func(l *Listener) {
		l.collections = append(l.collections, collections...)
	}
}

// WithReconnectPolicy sets the resubscribe backoff; MaxRetries is ignored.
func WithReconnectPolicy(policy resilience.Policy) Option {
	return func(l *Listener) { l.reconnect = policy }
}

// WithErrorReporter receives every subscription failure.
func WithErrorReporter(report func(error)) Option {
	return func(l *Listener) { l.report = report }
}

// WithPosition resumes the feed after position.
func WithPosition(position string) Option {
	return func(l *Listener) { l.position = position }
}

// WithLogger sets the listener logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Listener) { l.logger = logger }
}

// NewListener creates a listener pushing into q.
func NewListener(feed primary.Feed, q *queue.Queue, opts ...Option) *Listener {
	l := &Listener{
		feed:  feed,
		queue: q,
		reconnect: resilience.Policy{
			BaseDelay:  500 * time.Millisecond,
			Multiplier: 2,
			MaxDelay:   30 * time.Second,
			Jitter:     0.1,
		},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.watched = map[string]bool{}
	for _, c := range l.collections {
		l.watched[c] = true
	}
	return l
}

// Run subscribes and forwards changes until ctx is done or the queue closes.
// A lost subscription is reopened from the last forwarded position.
func (l *Listener) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		sub, err := l.feed.Subscribe(ctx, l.collections, l.Position())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			attempt++
			l.fail(err, attempt)
			if !l.wait(ctx, attempt) {
				return nil
			}
			continue
		}
		l.connected.Store(true)
		if attempt > 0 {
			l.reconnects.Add(1)
			l.logger.Info().Int("attempts", attempt).Str("position", l.Position()).Msg("change feed resubscribed")
		}
		attempt = 0
		stop := l.consume(ctx, sub)
		l.connected.Store(false)
		_ = sub.Close()
		if stop || ctx.Err() != nil {
			return nil
		}
		err = sub.Err()
		if err == nil {
			err = errFeedClosed
		}
		attempt++
		l.fail(err, attempt)
		if !l.wait(ctx, attempt) {
			return nil
		}
	}
}

// consume returns true when forwarding must stop for good.
func (l *Listener) consume(ctx context.Context, sub primary.Subscription) bool {
	for change := range sub.Changes() {
		if err := l.forward(ctx, change); err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return true
			}
			l.logger.Error().Err(err).Msg("failed to queue change")
		}
	}
	return false
}

func (l *Listener) forward(ctx context.Context, change event.RawChange) error {
	l.received.Add(1)
	if len(l.watched) > 0 && !l.watched[change.Collection()] {
		l.dropped.Add(1)
		l.advance(change.Position)
		return nil
	}
	ev, ok := event.FromRaw(&change)
	if !ok {
		l.dropped.Add(1)
		l.logger.Debug().Str("op", change.Operation).Str("ns", change.Namespace).Msg("ignoring unsupported change")
		l.advance(change.Position)
		return nil
	}
	if err := l.queue.Push(ctx, ev); err != nil {
		return err
	}
	l.advance(change.Position)
	return nil
}

func (l *Listener) fail(err error, attempt int) {
	if resilience.Classify(err) == resilience.Unknown {
		err = resilience.Wrap(resilience.Connection, "change feed", err)
	}
	l.logger.Warn().Err(err).Int("attempt", attempt).Msg("change feed interrupted")
	if l.report != nil {
		l.report(err)
	}
}

func (l *Listener) wait(ctx context.Context, attempt int) bool {
	timer := time.NewTimer(l.reconnect.Delay(attempt))
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *Listener) advance(position string) {
	if position == "" {
		return
	}
	l.mu.Lock()
	l.position = position
	l.mu.Unlock()
}

// Position returns the last forwarded feed position.
func (l *Listener) Position() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.position
}

// Connected reports whether a subscription is open.
func (l *Listener) Connected() bool { return l.connected.Load() }

// Received counts changes read from the feed, including dropped ones.
func (l *Listener) Received() int64 { return l.received.Load() }

// Dropped counts unwatched or unsupported changes.
func (l *Listener) Dropped() int64 { return l.dropped.Load() }

// Reconnects counts successful resubscriptions after a failure.
func (l *Listener) Reconnects() int64 { return l.reconnects.Load() }
