package memstore

import (
	"sort"
	"sync"

	"github.com/viant/embedsync/vectordb/storage"
)

// Store keeps records in a single in-memory segment.
type Store struct {
	mu     sync.RWMutex
	data   []byte
	live   map[uint64]uint32
	stats  storage.Stats
	closed bool
}

// New creates an empty store.
func New() *Store {
	return &Store{live: map[uint64]uint32{}}
}

// Append copies value to the end of the segment.
func (s *Store) Append(value []byte) (storage.Ptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.Ptr{}, storage.ErrClosed
	}
	offset := uint64(len(s.data))
	s.data = append(s.data, value...)
	s.live[offset] = uint32(len(value))
	s.stats.Appends++
	s.stats.BytesWritten += uint64(len(value))
	s.stats.LiveBytes += uint64(len(value))
	return storage.Ptr{Offset: offset, Length: uint32(len(value))}, nil
}

// Read returns a copy of the record at ptr.
func (s *Store) Read(ptr storage.Ptr) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	if !s.valid(ptr) {
		return nil, storage.ErrInvalidPtr
	}
	ret := make([]byte, ptr.Length)
	copy(ret, s.data[ptr.Offset:ptr.Offset+uint64(ptr.Length)])
	s.stats.BytesRead += uint64(ptr.Length)
	return ret, nil
}

func (s *Store) valid(ptr storage.Ptr) bool {
	if ptr.SegmentID != 0 {
		return false
	}
	length, ok := s.live[ptr.Offset]
	return ok && length == ptr.Length
}

// Delete marks the record at ptr dead.
func (s *Store) Delete(ptr storage.Ptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	if !s.valid(ptr) {
		return storage.ErrInvalidPtr
	}
	delete(s.live, ptr.Offset)
	s.stats.Deletes++
	s.stats.LiveBytes -= uint64(ptr.Length)
	s.stats.DeadBytes += uint64(ptr.Length)
	return nil
}

// Compact rewrites the segment with live records only.
func (s *Store) Compact() (map[storage.Ptr]storage.Ptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	offsets := make([]uint64, 0, len(s.live))
	for offset := range s.live {
		offsets = append(offsets, offset)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	moved := make(map[storage.Ptr]storage.Ptr, len(offsets))
	live := make(map[uint64]uint32, len(offsets))
	data := make([]byte, 0, s.stats.LiveBytes)
	for _, offset := range offsets {
		length := s.live[offset]
		to := storage.Ptr{Offset: uint64(len(data)), Length: length}
		data = append(data, s.data[offset:offset+uint64(length)]...)
		moved[storage.Ptr{Offset: offset, Length: length}] = to
		live[to.Offset] = length
	}
	s.data, s.live = data, live
	s.stats.DeadBytes = 0
	return moved, nil
}

// Close releases the segment; later calls return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.data, s.live = nil, nil
	return nil
}

func (s *Store) Stats() storage.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ret := s.stats
	ret.Segments = 1
	return ret
}

var _ storage.ValueStore = (*Store)(nil)
