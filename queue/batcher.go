package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/viant/embedsync/event"
)

// Handler processes one flushed batch.
type Handler func(ctx context.Context, batch []*event.SyncEvent)

// Batcher drains a queue into batches flushed on size or time, whichever comes first.
type Batcher struct {
	queue   *Queue
	size    atomic.Int64
	timeout atomic.Int64
	resized chan struct{}
	logger  zerolog.Logger
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithLogger sets the batcher logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Batcher) { b.logger = logger }
}

// NewBatcher creates a batcher over q.
func NewBatcher(q *Queue, size int, timeout time.Duration, opts ...Option) *Batcher {
	b := &Batcher{queue: q, resized: make(chan struct{}, 1), logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(b)
	}
	b.Resize(size, timeout)
	return b
}

// Resize changes the flush triggers for subsequent batches.
func (b *Batcher) Resize(size int, timeout time.Duration) {
	if size < 1 {
		size = 1
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	b.size.Store(int64(size))
	b.timeout.Store(int64(timeout))
	select {
	case b.resized <- struct{}{}:
	default:
	}
}

// Size returns the current batch size.
func (b *Batcher) Size() int { return int(b.size.Load()) }

// Timeout returns the current batch timeout.
func (b *Batcher) Timeout() time.Duration { return time.Duration(b.timeout.Load()) }

// Run collects events until the batch is full or the timeout since the last
// flush elapses, then calls handle. When the queue is closed or ctx is done the
// partial batch is flushed before Run returns.
func (b *Batcher) Run(ctx context.Context, handle Handler) {
	batch := make([]*event.SyncEvent, 0, b.Size())
	timer := time.NewTimer(b.Timeout())
	defer timer.Stop()
	flush := func(ctx context.Context, trigger string) {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(b.Timeout())
		if len(batch) == 0 {
			return
		}
		shipped := batch
		batch = make([]*event.SyncEvent, 0, b.Size())
		b.logger.Debug().Int("size", len(shipped)).Str("trigger", trigger).Msg("flush batch")
		b.ship(ctx, handle, shipped)
	}
	for {
		select {
		case ev, ok := <-b.queue.ch:
			if !ok {
				flush(context.WithoutCancel(ctx), "shutdown")
				return
			}
			batch = append(batch, ev)
			if len(batch) >= b.Size() {
				flush(ctx, "size")
			}
		case <-timer.C:
			flush(ctx, "timeout")
		case <-b.resized:
			if len(batch) >= b.Size() {
				flush(ctx, "size")
			}
		case <-ctx.Done():
			b.drainBuffered(&batch)
			for len(batch) > b.Size() {
				rest := append([]*event.SyncEvent{}, batch[b.Size():]...)
				batch = batch[:b.Size()]
				flush(context.WithoutCancel(ctx), "shutdown")
				batch = rest
			}
			flush(context.WithoutCancel(ctx), "shutdown")
			return
		}
	}
}

func (b *Batcher) drainBuffered(batch *[]*event.SyncEvent) {
	for {
		select {
		case ev, ok := <-b.queue.ch:
			if !ok {
				return
			}
			*batch = append(*batch, ev)
		default:
			return
		}
	}
}

func (b *Batcher) ship(ctx context.Context, handle Handler, batch []*event.SyncEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Err(fmt.Errorf("%v", r)).Int("size", len(batch)).Msg("batch handler panic")
		}
	}()
	handle(ctx, batch)
}
