package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/viant/embedsync/event"
	"github.com/viant/embedsync/queue"
	"github.com/viant/embedsync/resilience"
)

// Admin actions.
const (
	ActionResetBreaker = "reset-breaker"
	ActionReplay       = "replay-dead-letters"
	ActionPurge        = "purge-dead-letters"
)

// AdminRequest is an operator action.
type AdminRequest struct {
	Action string `json:"action"`
	// Target is the breaker name for reset-breaker.
	Target string `json:"target,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// AdminResult describes what an action did.
type AdminResult struct {
	Action  string `json:"action"`
	Target  string `json:"target,omitempty"`
	Count   int    `json:"count"`
	Details string `json:"details,omitempty"`
}

// Admin performs maintenance tasks.
func (s *Service) Admin(ctx context.Context, req AdminRequest) (*AdminResult, error) {
	result := &AdminResult{Action: req.Action, Target: req.Target}
	switch req.Action {
	case ActionResetBreaker:
		if req.Target == "" {
			return nil, resilience.Errorf(resilience.Validation, "admin: breaker name required")
		}
		if err := s.ResetBreaker(req.Target); err != nil {
			return nil, err
		}
		result.Count = 1
		result.Details = resilience.StateClosed
	case ActionReplay:
		n, err := s.ReplayDeadLetters(ctx, req.Limit)
		result.Count = n
		if err != nil {
			return result, err
		}
	case ActionPurge:
		n, err := s.PurgeDeadLetters(ctx, req.Limit)
		result.Count = n
		if err != nil {
			return result, err
		}
	default:
		return nil, resilience.Errorf(resilience.Validation, "admin: unsupported action %q", req.Action)
	}
	s.logger.Info().Str("action", req.Action).Str("target", req.Target).Int("count", result.Count).Msg("admin action")
	return result, nil
}

// ResetBreaker closes the named breaker.
func (s *Service) ResetBreaker(name string) error {
	return s.breakers.Reset(name)
}

// Breakers returns the state of every breaker.
func (s *Service) Breakers() []resilience.BreakerState {
	return s.breakers.Snapshot()
}

// DeadLetters lists up to limit dead letters, oldest first.
func (s *Service) DeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	if s.deadLetters == nil {
		return nil, ErrDeadLetterDisabled
	}
	return s.deadLetters.List(ctx, limit)
}

// ReplayDeadLetters moves up to limit dead letters back to the queue as fresh
// events with no retry history. It stops at the first full queue.
func (s *Service) ReplayDeadLetters(ctx context.Context, limit int) (int, error) {
	if s.deadLetters == nil {
		return 0, ErrDeadLetterDisabled
	}
	if !s.Running() {
		return 0, ErrNotRunning
	}
	items, err := s.deadLetters.List(ctx, limit)
	if err != nil {
		return 0, err
	}
	replayed := 0
	for _, item := range items {
		ev := item.Event
		fresh := event.New(ev.ChangeType(), ev.Collection(), ev.DocumentID(), ev.Document(), time.Now())
		if err := s.queue.TryPush(fresh); err != nil {
			if errors.Is(err, queue.ErrFull) {
				return replayed, nil
			}
			return replayed, err
		}
		if err := s.deadLetters.Remove(ctx, item.ID); err != nil {
			return replayed, fmt.Errorf("remove dead letter %d: %w", item.ID, err)
		}
		replayed++
	}
	return replayed, nil
}

// PurgeDeadLetters removes up to limit dead letters without replaying them.
func (s *Service) PurgeDeadLetters(ctx context.Context, limit int) (int, error) {
	if s.deadLetters == nil {
		return 0, ErrDeadLetterDisabled
	}
	items, err := s.deadLetters.List(ctx, limit)
	if err != nil {
		return 0, err
	}
	for i, item := range items {
		if err := s.deadLetters.Remove(ctx, item.ID); err != nil {
			return i, err
		}
	}
	return len(items), nil
}

// Statistics returns a snapshot of the engine counters.
func (s *Service) Statistics() *Stats {
	stats := &Stats{
		Running:       s.Running(),
		QueueDepth:    s.queue.Len(),
		QueueCapacity: s.queue.Cap(),
		BatchSize:     s.batcher.Size(),
		BatchTimeout:  s.batcher.Timeout(),
		Degraded:      s.degrader.Active(),
	}
	s.counters.fill(stats)
	stats.PendingRetries = s.pendingRetries()
	if s.listener != nil {
		stats.EventsReceived = s.listener.Received()
		stats.EventsDropped = s.listener.Dropped()
		stats.FeedConnected = s.listener.Connected()
		stats.FeedPosition = s.listener.Position()
		stats.FeedReconnects = s.listener.Reconnects()
	}
	return stats
}

// Health derives the engine status from its statistics and breakers.
// Unhealthy: not running, success rate below the unhealthy threshold, or too
// many consecutive failed batches. Degraded: success rate below the degraded
// threshold, an open breaker, reduced batch settings, or a disconnected feed.
func (s *Service) Health() *Health {
	stats := s.Statistics()
	thresholds := s.cfg.Health
	health := &Health{
		Status:              StatusHealthy,
		Running:             stats.Running,
		QueueDepth:          stats.QueueDepth,
		SuccessRate:         stats.SuccessRate,
		LastSyncAt:          stats.LastSyncAt,
		ConsecutiveFailures: stats.ConsecutiveFailures,
		Degraded:            stats.Degraded,
		FeedConnected:       stats.FeedConnected,
		Breakers:            s.breakers.Snapshot(),
	}
	var unhealthy, degraded []string
	if !stats.Running {
		unhealthy = append(unhealthy, "not running")
	}
	if stats.SuccessRate < thresholds.UnhealthySuccessRate {
		unhealthy = append(unhealthy, fmt.Sprintf("success rate %.2f below %.2f", stats.SuccessRate, thresholds.UnhealthySuccessRate))
	} else if stats.SuccessRate < thresholds.DegradedSuccessRate {
		degraded = append(degraded, fmt.Sprintf("success rate %.2f below %.2f", stats.SuccessRate, thresholds.DegradedSuccessRate))
	}
	if thresholds.MaxConsecutiveFailures > 0 && stats.ConsecutiveFailures >= thresholds.MaxConsecutiveFailures {
		unhealthy = append(unhealthy, fmt.Sprintf("%d consecutive failed batches", stats.ConsecutiveFailures))
	}
	for _, b := range health.Breakers {
		if b.State == resilience.StateOpen {
			degraded = append(degraded, "circuit open: "+b.Service)
		}
	}
	if stats.Degraded {
		degraded = append(degraded, "batch settings reduced")
	}
	if s.listener != nil && stats.Running && !stats.FeedConnected {
		degraded = append(degraded, "change feed disconnected")
	}
	switch {
	case len(unhealthy) > 0:
		health.Status = StatusUnhealthy
	case len(degraded) > 0:
		health.Status = StatusDegraded
	}
	health.Reasons = append(unhealthy, degraded...)
	return health
}
