package resilience

import (
	"errors"
	"time"

	"github.com/viant/embedsync/event"
)

// Outcome is the resolution of a failed event.
type Outcome int

const (
	// Requeue sends the event back to the queue after Decision.Delay.
	Requeue Outcome = iota
	// Skip drops the event; retrying cannot fix it.
	Skip
	// Degraded marks the event resolved while throughput is reduced.
	Degraded
	// Abort stops processing of the event until an operator intervenes.
	Abort
	// Unresolved means the retry budget is exhausted.
	Unresolved
)

func (o Outcome) String() string {
	switch o {
	case Requeue:
		return "requeue"
	case Skip:
		return "skip"
	case Degraded:
		return "degraded"
	case Abort:
		return "abort"
	}
	return "unresolved"
}

// Decision tells the caller what to do with a failed event.
type Decision struct {
	Outcome Outcome
	Class   Class
	Delay   time.Duration
}

// Handler resolves per-event failures.
type Handler struct {
	Policy Policy
	// OpenDelay is how long to hold an event whose dependency breaker is open.
	OpenDelay time.Duration
	Degrader  *Degrader
}

// Resolve classifies err and decides the event's fate. Retried events get their
// retry count incremented; events held back by an open breaker do not.
func (h *Handler) Resolve(ev *event.SyncEvent, err error) Decision {
	class := Classify(err)
	if errors.Is(err, ErrOpen) {
		delay := h.OpenDelay
		if delay <= 0 {
			delay = h.Policy.Delay(ev.RetryCount() + 1)
		}
		return Decision{Outcome: Requeue, Class: class, Delay: delay}
	}
	switch StrategyFor(class) {
	case StrategySkip:
		return Decision{Outcome: Skip, Class: class}
	case StrategyAbort:
		return Decision{Outcome: Abort, Class: class}
	case StrategyDegrade:
		if h.Degrader != nil {
			h.Degrader.Degrade()
		}
		return Decision{Outcome: Degraded, Class: class}
	}
	if ev.RetryCount() >= h.Policy.Attempts(class) {
		return Decision{Outcome: Unresolved, Class: class}
	}
	attempt := ev.IncRetry()
	return Decision{Outcome: Requeue, Class: class, Delay: h.Policy.Delay(attempt)}
}
