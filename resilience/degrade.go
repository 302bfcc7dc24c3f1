package resilience

import (
	"sync"
	"time"
)

// Degrader shrinks batch size and stretches the flush interval under resource
// pressure, and steps back toward the configured values after clean batches.
type Degrader struct {
	mu           sync.Mutex
	baseSize     int
	baseTimeout  time.Duration
	maxTimeout   time.Duration
	recoverAfter int
	size         int
	timeout      time.Duration
	clean        int
	onChange     func(size int, timeout time.Duration)
}

// NewDegrader creates a degrader. onChange is called, outside the lock, whenever
// the effective batch settings change.
func NewDegrader(batchSize int, batchTimeout, maxTimeout time.Duration, recoverAfter int, onChange func(size int, timeout time.Duration)) *Degrader {
	if batchSize < 1 {
		batchSize = 1
	}
	if maxTimeout < batchTimeout {
		maxTimeout = batchTimeout * 8
	}
	if recoverAfter < 1 {
		recoverAfter = 10
	}
	return &Degrader{
		baseSize:     batchSize,
		baseTimeout:  batchTimeout,
		maxTimeout:   maxTimeout,
		recoverAfter: recoverAfter,
		size:         batchSize,
		timeout:      batchTimeout,
		onChange:     onChange,
	}
}

// Degrade halves the batch size (min 1) and doubles the interval (capped).
func (d *Degrader) Degrade() (int, time.Duration) {
	d.mu.Lock()
	d.clean = 0
	size, timeout := d.size/2, d.timeout*2
	if size < 1 {
		size = 1
	}
	if timeout > d.maxTimeout {
		timeout = d.maxTimeout
	}
	changed := size != d.size || timeout != d.timeout
	d.size, d.timeout = size, timeout
	d.mu.Unlock()
	if changed && d.onChange != nil {
		d.onChange(size, timeout)
	}
	return size, timeout
}

// Observe records a processed batch; enough clean batches in a row restore
// one step of throughput.
func (d *Degrader) Observe(clean bool) {
	d.mu.Lock()
	if !clean {
		d.clean = 0
		d.mu.Unlock()
		return
	}
	if d.size == d.baseSize && d.timeout == d.baseTimeout {
		d.mu.Unlock()
		return
	}
	d.clean++
	if d.clean < d.recoverAfter {
		d.mu.Unlock()
		return
	}
	d.clean = 0
	size, timeout := d.size*2, d.timeout/2
	if size > d.baseSize {
		size = d.baseSize
	}
	if timeout < d.baseTimeout {
		timeout = d.baseTimeout
	}
	d.size, d.timeout = size, timeout
	d.mu.Unlock()
	if d.onChange != nil {
		d.onChange(size, timeout)
	}
}

// Active reports whether throughput is currently reduced.
func (d *Degrader) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size != d.baseSize || d.timeout != d.baseTimeout
}

// Current returns the effective batch size and interval.
func (d *Degrader) Current() (int, time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size, d.timeout
}
