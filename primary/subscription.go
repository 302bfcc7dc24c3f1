package primary

import (
	"context"
	"sync"

	"github.com/viant/embedsync/event"
)

// Stream is a channel backed Subscription used by feed implementations.
type Stream struct {
	changes chan event.RawChange
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
	closer  func() error
}

// NewStream creates a stream; closer, when set, is called once on Close.
func NewStream(buffer int, closer func() error) *Stream {
	return &Stream{changes: make(chan event.RawChange, buffer), done: make(chan struct{}), closer: closer}
}

func (s *Stream) Changes() <-chan event.RawChange { return s.changes }

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the producer.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.closer != nil {
			err = s.closer()
		}
	})
	return err
}

// Done is closed by Close.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Emit delivers change, returning false once the stream is closed or ctx is done.
func (s *Stream) Emit(ctx context.Context, change event.RawChange) bool {
	select {
	case s.changes <- change:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Finish records err and closes the change channel. Only the producer calls it.
func (s *Stream) Finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.changes)
}
