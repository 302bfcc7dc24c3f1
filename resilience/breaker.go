package resilience

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// ErrUnknownBreaker is returned when resetting a breaker that was never used.
var ErrUnknownBreaker = errors.New("unknown circuit breaker")

// BreakerSettings configures every breaker of a registry.
type BreakerSettings struct {
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
}

// BreakerState is a point-in-time view of one breaker.
type BreakerState struct {
	Service         string        `json:"service"`
	State           string        `json:"state"`
	Failures        uint32        `json:"failures"`
	Successes       uint32        `json:"successes"`
	LastFailure     time.Time     `json:"lastFailure,omitempty"`
	Threshold       uint32        `json:"threshold"`
	RecoveryTimeout time.Duration `json:"recoveryTimeout"`
}

// Breaker guards calls to one external dependency.
type Breaker struct {
	service     string
	settings    BreakerSettings
	logger      zerolog.Logger
	cb          atomic.Pointer[gobreaker.CircuitBreaker]
	lastFailure atomic.Int64
}

func newBreaker(service string, settings BreakerSettings, logger zerolog.Logger) *Breaker {
	b := &Breaker{service: service, settings: settings, logger: logger}
	b.cb.Store(b.build())
	return b
}

func (b *Breaker) build() *gobreaker.CircuitBreaker {
	threshold := b.settings.FailureThreshold
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.service,
		MaxRequests: 1,
		Timeout:     b.settings.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			if IsDependencyFailure(err) {
				b.lastFailure.Store(time.Now().UnixNano())
				return false
			}
			return true
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn().Str("breaker", name).Str("from", stateName(from)).Str("to", stateName(to)).Msg("circuit breaker state change")
		},
	})
}

// Execute calls fn unless the breaker is open. While open, or while the
// half-open trial is in flight, it fails fast with ErrOpen.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Load().Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", b.service, ErrOpen)
	}
	return err
}

// State returns closed, open or half-open.
func (b *Breaker) State() string {
	return stateName(b.cb.Load().State())
}

// Reset forces the breaker closed with cleared counters.
func (b *Breaker) Reset() {
	b.cb.Store(b.build())
	b.logger.Info().Str("breaker", b.service).Msg("circuit breaker reset")
}

// Snapshot returns the breaker state.
func (b *Breaker) Snapshot() BreakerState {
	cb := b.cb.Load()
	counts := cb.Counts()
	ret := BreakerState{
		Service:         b.service,
		State:           stateName(cb.State()),
		Failures:        counts.ConsecutiveFailures,
		Successes:       counts.TotalSuccesses,
		Threshold:       b.settings.FailureThreshold,
		RecoveryTimeout: b.settings.RecoveryTimeout,
	}
	if ts := b.lastFailure.Load(); ts > 0 {
		ret.LastFailure = time.Unix(0, ts)
	}
	return ret
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	}
	return StateClosed
}

// Registry holds one breaker per dependency name.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	settings BreakerSettings
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(settings BreakerSettings, logger zerolog.Logger) *Registry {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = 5
	}
	if settings.RecoveryTimeout <= 0 {
		settings.RecoveryTimeout = 30 * time.Second
	}
	return &Registry{breakers: map[string]*Breaker{}, settings: settings, logger: logger}
}

// Get returns the named breaker, creating it on first use.
func (r *Registry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[service]
	if !ok {
		b = newBreaker(service, r.settings, r.logger)
		r.breakers[service] = b
	}
	return b
}

// Reset closes the named breaker.
func (r *Registry) Reset(service string) error {
	r.mu.Lock()
	b, ok := r.breakers[service]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBreaker, service)
	}
	b.Reset()
	return nil
}

// Snapshot returns all breaker states sorted by service name.
func (r *Registry) Snapshot() []BreakerState {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()
	ret := make([]BreakerState, 0, len(list))
	for _, b := range list {
		ret = append(ret, b.Snapshot())
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Service < ret[j].Service })
	return ret
}

// AnyOpen reports whether some breaker is not closed.
func (r *Registry) AnyOpen() bool {
	for _, s := range r.Snapshot() {
		if s.State != StateClosed {
			return true
		}
	}
	return false
}
