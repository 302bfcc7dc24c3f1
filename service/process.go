package service

import (
	"context"
	"fmt"
	"time"

	"github.com/viant/embedsync/event"
	"github.com/viant/embedsync/queue"
	"github.com/viant/embedsync/resilience"
	"github.com/viant/embedsync/schema"
	"github.com/viant/embedsync/vectordb/meta"
)

type pendingRetry struct {
	timer *time.Timer
	event *event.SyncEvent
	class resilience.Class
	cause string
}

// batchState tracks one batch; resolved guards against reporting an event twice.
// byType counts events leaving the engine, so a retried event is counted once.
type batchState struct {
	report   *BatchReport
	resolved map[*event.SyncEvent]bool
	byType   map[event.ChangeType]int
	resource bool
}

func (b *batchState) tally(ev *event.SyncEvent) {
	b.byType[ev.ChangeType()]++
}

func (b *batchState) done(ev *event.SyncEvent) bool {
	if b.resolved[ev] {
		return true
	}
	b.resolved[ev] = true
	return false
}

func (s *Service) handleBatch(ctx context.Context, batch []*event.SyncEvent) {
	s.ProcessBatch(ctx, batch)
}

// ProcessBatch applies batch to the index group by group and resolves every
// failed event. It never returns an error: each event ends up processed,
// coalesced into a later event for the same document, scheduled for retry,
// resolved in degraded mode, skipped or dead-lettered.
func (s *Service) ProcessBatch(ctx context.Context, batch []*event.SyncEvent) *BatchReport {
	state := &batchState{
		report:   &BatchReport{Events: len(batch)},
		resolved: make(map[*event.SyncEvent]bool, len(batch)),
		byType:   map[event.ChangeType]int{},
	}
	started := time.Now()
	latest, superseded := queue.Coalesce(batch)
	for _, ev := range superseded {
		state.resolved[ev] = true
		state.tally(ev)
	}
	state.report.Coalesced = len(superseded)
	for _, group := range queue.Partition(latest) {
		s.processGroup(ctx, group, state)
	}
	s.degrader.Observe(!state.resource)
	elapsed := time.Since(started)
	s.counters.batch(state.report, state.byType, elapsed)
	report := state.report
	s.logger.Debug().Int("events", report.Events).Int("processed", report.Processed).Int("coalesced", report.Coalesced).
		Int("failed", report.Failed).Int("retried", report.Retried).Int("degraded", report.Degraded).
		Int("skipped", report.Skipped).Dur("elapsed", elapsed).Msg("batch processed")
	return report
}

func (s *Service) processGroup(ctx context.Context, group queue.Group, state *batchState) {
	defer func() {
		if r := recover(); r != nil {
			err := resilience.Errorf(resilience.Unknown, "panic processing %s: %v", group.Key, r)
			s.logger.Error().Str("group", group.Key.String()).Interface("panic", r).Msg("group processing panicked")
			for _, ev := range group.Events {
				s.fail(ctx, ev, err, state)
			}
		}
	}()
	collection := group.Key.Collection
	if group.Key.ChangeType == event.Delete {
		ids := group.DocumentIDs()
		if err := s.deletePoints(ctx, collection, ids); err != nil {
			for _, ev := range group.Events {
				s.fail(ctx, ev, err, state)
			}
			return
		}
		s.succeed(group.Events, state)
		s.counters.applied(0, len(ids))
		return
	}

	byID := make(map[string][]*event.SyncEvent, len(group.Events))
	for _, ev := range group.Events {
		byID[ev.DocumentID()] = append(byID[ev.DocumentID()], ev)
	}
	result, err := s.pipeline.Prepare(ctx, collection, group.Events)
	if err != nil {
		for _, ev := range group.Events {
			s.fail(ctx, ev, err, state)
		}
		return
	}
	for _, itemErr := range result.Errors {
		for _, ev := range byID[itemErr.DocumentID] {
			s.fail(ctx, ev, itemErr, state)
		}
	}
	if len(result.Points) > 0 {
		ids := pointSourceIDs(result.Points)
		if err := s.upsertPoints(ctx, collection, result.Points); err != nil {
			for _, id := range ids {
				for _, ev := range byID[id] {
					s.fail(ctx, ev, err, state)
				}
			}
		} else {
			for _, id := range ids {
				s.succeed(byID[id], state)
			}
			s.counters.applied(len(result.Points), 0)
		}
	}
	if len(result.Deletes) > 0 {
		if err := s.deletePoints(ctx, collection, result.Deletes); err != nil {
			for _, id := range result.Deletes {
				for _, ev := range byID[id] {
					s.fail(ctx, ev, err, state)
				}
			}
		} else {
			for _, id := range result.Deletes {
				s.succeed(byID[id], state)
			}
			s.counters.applied(0, len(result.Deletes))
		}
	}
}

func pointSourceIDs(points []*schema.VectorPoint) []string {
	ret := make([]string, 0, len(points))
	for _, p := range points {
		ret = append(ret, meta.SourceIDOf(p.Payload))
	}
	return ret
}

func (s *Service) succeed(events []*event.SyncEvent, state *batchState) {
	for _, ev := range events {
		if state.done(ev) {
			continue
		}
		state.tally(ev)
		state.report.Processed++
	}
}

// fail resolves one failed event.
func (s *Service) fail(ctx context.Context, ev *event.SyncEvent, err error, state *batchState) {
	if state.done(ev) {
		return
	}
	decision := s.handler.Resolve(ev, err)
	s.counters.failure(decision.Class, err)
	if decision.Class == resilience.Resource {
		state.resource = true
	}
	logger := s.logger.With().Str("collection", ev.Collection()).Str("documentId", ev.DocumentID()).
		Str("class", decision.Class.String()).Str("outcome", decision.Outcome.String()).Int("retry", ev.RetryCount()).Logger()
	report := state.report
	switch decision.Outcome {
	case resilience.Requeue:
		if s.scheduleRetry(ev, decision.Delay, decision.Class, err) {
			report.Retried++
			logger.Debug().Err(err).Dur("delay", decision.Delay).Msg("event scheduled for retry")
			return
		}
	case resilience.Degraded:
		state.tally(ev)
		report.Failed++
		report.Degraded++
		logger.Warn().Err(err).Msg("event resolved in degraded mode")
		return
	case resilience.Skip:
		state.tally(ev)
		report.Failed++
		report.Skipped++
		logger.Warn().Err(err).Msg("event skipped")
		return
	}
	state.tally(ev)
	report.Failed++
	report.DeadLettered++
	logger.Error().Err(err).Msg("event unresolved")
	s.deadLetter(ctx, ev, decision.Class, err)
}

func (s *Service) deadLetter(ctx context.Context, ev *event.SyncEvent, class resilience.Class, cause error) {
	s.counters.deadLetter()
	s.storeDeadLetter(ctx, ev, class, cause.Error())
}

func (s *Service) storeDeadLetter(ctx context.Context, ev *event.SyncEvent, class resilience.Class, reason string) {
	if s.deadLetters == nil {
		return
	}
	if err := s.deadLetters.Add(context.WithoutCancel(ctx), ev, class, reason); err != nil {
		s.logger.Error().Err(err).Str("collection", ev.Collection()).Str("documentId", ev.DocumentID()).Msg("failed to store dead letter")
	}
}

// scheduleRetry pushes ev back to the queue after delay without blocking the
// drain loop. It returns false once the engine is stopping.
func (s *Service) scheduleRetry(ev *event.SyncEvent, delay time.Duration, class resilience.Class, cause error) bool {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	if s.retryStopped {
		return false
	}
	s.retrySeq++
	id := s.retrySeq
	pending := &pendingRetry{event: ev, class: class, cause: cause.Error()}
	pending.timer = time.AfterFunc(delay, func() { s.requeue(id) })
	s.retries[id] = pending
	return true
}

func (s *Service) requeue(id uint64) {
	s.retryMu.Lock()
	pending, ok := s.retries[id]
	delete(s.retries, id)
	s.retryMu.Unlock()
	if !ok {
		return
	}
	if err := s.queue.TryPush(pending.event); err != nil {
		s.logger.Error().Err(err).Str("collection", pending.event.Collection()).
			Str("documentId", pending.event.DocumentID()).Msg("retry could not be requeued")
		s.counters.abandoned()
		s.storeDeadLetter(context.Background(), pending.event, pending.class, fmt.Sprintf("requeue: %v (last error: %s)", err, pending.cause))
	}
}

// stopRetries cancels pending retry timers and dead-letters their events.
func (s *Service) stopRetries() {
	s.retryMu.Lock()
	s.retryStopped = true
	var abandoned []*pendingRetry
	for id, pending := range s.retries {
		// a timer that already fired is left to its callback
		if pending.timer.Stop() {
			abandoned = append(abandoned, pending)
			delete(s.retries, id)
		}
	}
	s.retryMu.Unlock()
	for _, pending := range abandoned {
		s.counters.abandoned()
		s.storeDeadLetter(context.Background(), pending.event, pending.class, "engine stopped before retry: "+pending.cause)
	}
	if len(abandoned) > 0 {
		s.logger.Warn().Int("events", len(abandoned)).Msg("pending retries dead-lettered on stop")
	}
}

func (s *Service) pendingRetries() int {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	return len(s.retries)
}

func (s *Service) upsertPoints(ctx context.Context, collection string, points []*schema.VectorPoint) error {
	if err := s.ensureCollection(ctx, collection); err != nil {
		return err
	}
	return s.breakers.Get(BreakerIndex).Execute(func() error {
		callCtx, cancel := s.bound(ctx)
		defer cancel()
		return s.index.Upsert(callCtx, collection, points)
	})
}

func (s *Service) deletePoints(ctx context.Context, collection string, ids []string) error {
	return s.breakers.Get(BreakerIndex).Execute(func() error {
		callCtx, cancel := s.bound(ctx)
		defer cancel()
		return s.index.DeleteBySourceID(callCtx, collection, ids)
	})
}
