package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/viant/embedsync/embeddings"
	"github.com/viant/embedsync/pipeline"
	"github.com/viant/embedsync/primary"
	"github.com/viant/embedsync/queue"
	"github.com/viant/embedsync/resilience"
	"github.com/viant/embedsync/source"
	"github.com/viant/embedsync/vectordb"
)

// Breaker names.
const (
	BreakerIndex     = "vector-index"
	BreakerEmbedding = "embedding-model"
)

var (
	ErrAlreadyStarted = errors.New("sync engine already started")
	ErrNotRunning     = errors.New("sync engine is not running")
	// ErrResyncInProgress is returned when a collection is already being resynced.
	ErrResyncInProgress   = errors.New("resync already in progress")
	ErrDeadLetterDisabled = errors.New("dead letter store is not configured")
)

const (
	stateIdle = iota
	stateRunning
	stateStopped
)

// Option configures the Service.
type Option func(*Service)

// WithStore sets the primary store documents are resolved and resynced from.
func WithStore(store primary.Store) Option {
	return func(s *Service) { s.store = store }
}

// WithFeed sets the change feed; without one only resyncs update the index.
func WithFeed(feed primary.Feed) Option {
	return func(s *Service) { s.feed = feed }
}

// WithIndex sets the vector index.
func WithIndex(index vectordb.Index) Option {
	return func(s *Service) { s.index = index }
}

// WithEmbedder sets the embedding model.
func WithEmbedder(embedder embeddings.Embedder) Option {
	return func(s *Service) { s.embedder = embedder }
}

// WithDeadLetters persists unresolved events.
func WithDeadLetters(deadLetters *DeadLetters) Option {
	return func(s *Service) { s.deadLetters = deadLetters }
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// Service keeps a vector index consistent with a primary store.
type Service struct {
	cfg         *Config
	store       primary.Store
	feed        primary.Feed
	index       vectordb.Index
	embedder    embeddings.Embedder
	deadLetters *DeadLetters
	logger      zerolog.Logger

	pipeline *pipeline.Pipeline
	queue    *queue.Queue
	batcher  *queue.Batcher
	listener *source.Listener
	breakers *resilience.Registry
	handler  *resilience.Handler
	degrader *resilience.Degrader
	counters *counters

	lifecycle      sync.Mutex
	state          int
	running        atomic.Bool
	cancel         context.CancelFunc
	cancelListener context.CancelFunc
	listenerDone   chan struct{}
	batcherDone    chan struct{}

	retryMu      sync.Mutex
	retryStopped bool
	retrySeq     uint64
	retries      map[uint64]*pendingRetry

	collMu     sync.Mutex
	ensured    map[string]bool
	vectorSize int

	resyncMu  sync.Mutex
	resyncing map[string]bool
}

// New wires the engine. It does not start any goroutine.
func New(cfg *Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		cfg:        cfg,
		logger:     zerolog.Nop(),
		counters:   newCounters(),
		retries:    map[uint64]*pendingRetry{},
		ensured:    map[string]bool{},
		resyncing:  map[string]bool{},
		vectorSize: cfg.Index.VectorSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.index == nil {
		return nil, resilience.Errorf(resilience.Configuration, "vector index is required")
	}
	if s.embedder == nil {
		return nil, resilience.Errorf(resilience.Configuration, "embedder is required")
	}
	s.breakers = resilience.NewRegistry(cfg.BreakerSettings(), s.logger)
	s.embedder = &guardedEmbedder{Embedder: s.embedder, breaker: s.breakers.Get(BreakerEmbedding), timeout: cfg.RequestTimeout}

	extractor := pipeline.NewExtractor(cfg.Collections)
	if cfg.MinTextLength > 0 {
		extractor.MinTextLength = cfg.MinTextLength
	}
	pipelineOpts := []pipeline.Option{
		pipeline.WithExtractor(extractor),
		pipeline.WithMaxPayloadText(cfg.MaxPayloadText),
		pipeline.WithLogger(s.logger),
	}
	if s.store != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithStore(s.store))
	}
	s.pipeline = pipeline.New(s.embedder, pipelineOpts...)

	s.queue = queue.New(cfg.QueueSize)
	s.batcher = queue.NewBatcher(s.queue, cfg.BatchSize, cfg.BatchTimeout, queue.WithLogger(s.logger))
	s.degrader = resilience.NewDegrader(cfg.BatchSize, cfg.BatchTimeout, cfg.MaxBatchTimeout, cfg.RecoverAfterBatches, func(size int, timeout time.Duration) {
		s.logger.Warn().Int("batchSize", size).Dur("batchTimeout", timeout).Msg("batch settings changed")
		s.batcher.Resize(size, timeout)
	})
	s.handler = &resilience.Handler{Policy: cfg.RetryPolicy(), OpenDelay: cfg.CircuitRecoveryTimeout, Degrader: s.degrader}

	if s.feed != nil {
		s.listener = source.NewListener(s.feed, s.queue,
			source.WithCollections(cfg.WatchedCollections...),
			source.WithPosition(cfg.Store.Position),
			source.WithReconnectPolicy(resilience.Policy{
				BaseDelay:  cfg.RetryBaseDelay,
				Multiplier: cfg.BackoffMultiplier,
				MaxDelay:   cfg.RetryMaxDelay,
				Jitter:     cfg.RetryJitter,
			}),
			source.WithErrorReporter(func(err error) { s.counters.failure(resilience.Classify(err), err) }),
			source.WithLogger(s.logger.With().Str("component", "listener").Logger()),
		)
	}
	return s, nil
}

// Start ensures the watched collections exist and launches the listener and
// the drain loop. A Service runs at most once.
func (s *Service) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.state != stateIdle {
		return ErrAlreadyStarted
	}
	for _, collection := range s.cfg.WatchedCollections {
		if err := s.ensureCollection(ctx, collection); err != nil {
			if resilience.Classify(err) == resilience.Configuration {
				return err
			}
			s.logger.Warn().Err(err).Str("collection", collection).Msg("collection not ready, will retry on first batch")
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.batcherDone = make(chan struct{})
	s.listenerDone = make(chan struct{})
	go func() {
		defer close(s.batcherDone)
		s.batcher.Run(runCtx, s.handleBatch)
	}()
	if s.listener != nil {
		listenerCtx, cancelListener := context.WithCancel(runCtx)
		s.cancelListener = cancelListener
		go func() {
			defer close(s.listenerDone)
			if err := s.listener.Run(listenerCtx); err != nil {
				s.logger.Error().Err(err).Msg("listener stopped")
			}
		}()
	} else {
		s.cancelListener = func() {}
		close(s.listenerDone)
	}
	s.state = stateRunning
	s.counters.start()
	s.running.Store(true)
	s.logger.Info().Int("batchSize", s.cfg.BatchSize).Dur("batchTimeout", s.cfg.BatchTimeout).
		Strs("collections", s.cfg.WatchedCollections).Msg("sync engine started")
	return nil
}

// Stop stops the listener, dead-letters events waiting for a retry, flushes
// the partial batch and waits for the drain loop, bounded by StopTimeout and ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.state != stateRunning {
		return nil
	}
	s.state = stateStopped
	defer s.running.Store(false)
	defer s.cancel()

	s.cancelListener()
	<-s.listenerDone
	s.stopRetries()
	s.queue.Close()

	timeout := s.cfg.StopTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.batcherDone:
	case <-ctx.Done():
		return fmt.Errorf("stop: %w", ctx.Err())
	case <-timer.C:
		return resilience.Errorf(resilience.Timeout, "stop: drain loop did not finish within %s", timeout)
	}
	s.logger.Info().Msg("sync engine stopped")
	return nil
}

// Running reports whether the engine is started and not stopped.
func (s *Service) Running() bool { return s.running.Load() }

// Queue exposes the event queue.
func (s *Service) Queue() *queue.Queue { return s.queue }

func (s *Service) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.RequestTimeout)
}

// ensureCollection creates the index collection on first use, probing the
// embedder for the vector size when none is configured.
func (s *Service) ensureCollection(ctx context.Context, collection string) error {
	s.collMu.Lock()
	defer s.collMu.Unlock()
	if s.ensured[collection] {
		return nil
	}
	if s.vectorSize == 0 {
		size, err := embeddings.Dimension(ctx, s.embedder)
		if err != nil {
			return err
		}
		s.vectorSize = size
	}
	distance, err := vectordb.ParseDistance(s.cfg.Index.Distance)
	if err != nil {
		return err
	}
	cfg := vectordb.CollectionConfig{Name: collection, VectorSize: s.vectorSize, Distance: distance, Recreate: s.cfg.Index.Recreate}
	err = s.breakers.Get(BreakerIndex).Execute(func() error {
		callCtx, cancel := s.bound(ctx)
		defer cancel()
		return s.index.EnsureCollection(callCtx, cfg)
	})
	if err != nil {
		return err
	}
	s.ensured[collection] = true
	return nil
}
