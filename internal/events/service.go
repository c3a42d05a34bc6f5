// Package events implements the EventService described in spec §4.2: a
// bounded, non-blocking producer-facing queue drained by a single worker
// that hands batches to the ConnectionManager.
//
// The single-worker channel-drain shape is grounded on the teacher's
// executor queue (internal/executor): a buffered channel plus one worker
// goroutine, generalized here to batch multiple items per send instead of
// processing one job at a time.
package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/arkeep-io/crsagent/internal/connection"
	"github.com/arkeep-io/crsagent/internal/lifecycle"
	"github.com/arkeep-io/crsagent/internal/metrics"
	"github.com/arkeep-io/crsagent/internal/model"
)

// maxQueueSize bounds Add's non-blocking queue (spec §4.2).
const maxQueueSize = 50000

// maxBatchCount bounds the number of events drained into one batch before
// a send is attempted, independent of the byte-size limit enforced during
// fragmentation in the connection package.
const maxBatchCount = 500

// diagnosticPrefixLen is how much of an oversized event's JSON is logged
// for diagnosis before it is dropped (spec §4.2).
const diagnosticPrefixLen = 100

// Sender is the subset of *connection.Manager the service depends on.
type Sender interface {
	SendEventBatch(ctx context.Context, events []model.VMEvent) error
}

// Serializer measures an event's serialized size to enforce the per-event
// drop rule independently of connection.MaxRequestBytes.
type Serializer func(v any) ([]byte, error)

// Service is the EventService.
type Service struct {
	logger     *zap.Logger
	sender     Sender
	serialize  Serializer
	perf       *metrics.PerformanceMetrics

	queue chan model.VMEvent
	done  chan struct{}

	mu        sync.Mutex
	inFlight  map[model.EventType]int
	allZero   *sync.Cond
}

// New creates a Service. Call Run in a goroutine to start draining. perf may
// be nil, in which case throughput is simply not recorded.
func New(logger *zap.Logger, sender Sender, serialize Serializer, perf *metrics.PerformanceMetrics) *Service {
	s := &Service{
		logger:    logger.Named("events"),
		sender:    sender,
		serialize: serialize,
		perf:      perf,
		queue:     make(chan model.VMEvent, maxQueueSize),
		done:      make(chan struct{}),
		inFlight:  make(map[model.EventType]int),
	}
	s.allZero = sync.NewCond(&s.mu)
	return s
}

// Name implements lifecycle.Drainable.
func (s *Service) Name() string { return "events" }

// Add enqueues event without blocking. If the queue is full the event is
// dropped and logged with a 100-char diagnostic prefix (spec §4.2). An
// event whose serialized form alone exceeds connection.MaxRequestBytes is
// similarly dropped rather than ever being batched.
func (s *Service) Add(event model.VMEvent) {
	encoded, err := s.serialize(event)
	if err != nil {
		s.logger.Warn("events: failed to serialize event, dropping", zap.String("eventId", event.EventID), zap.Error(err))
		return
	}
	if len(encoded) > connection.MaxRequestBytes {
		s.logger.Warn("events: event exceeds max request size, dropping",
			zap.String("eventId", event.EventID),
			zap.String("prefix", truncate(string(encoded), diagnosticPrefixLen)),
		)
		return
	}

	select {
	case s.queue <- event:
		s.mu.Lock()
		s.inFlight[event.EventType]++
		s.mu.Unlock()
		if s.perf != nil {
			s.perf.EventEnqueued()
			s.perf.ObserveQueueLength(int64(len(s.queue)))
		}
	default:
		s.logger.Warn("events: queue full, dropping event",
			zap.String("eventId", event.EventID),
			zap.String("prefix", truncate(string(encoded), diagnosticPrefixLen)),
		)
		if s.perf != nil {
			s.perf.EventDropped()
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Run drains the queue, batching up to maxBatchCount events per send, until
// ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	var batch []model.VMEvent

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.sender.SendEventBatch(ctx, batch); err != nil {
			s.logger.Warn("events: batch send failed, requeuing for retry", zap.Int("count", len(batch)), zap.Error(err))
			s.requeue(batch)
		} else {
			if s.perf != nil {
				s.perf.EventSent(int64(len(batch)))
			}
			s.markProcessed(batch)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			close(s.done)
			return
		case ev := <-s.queue:
			batch = append(batch, ev)
			if len(batch) >= maxBatchCount || len(s.queue) == 0 {
				flush()
			}
		}
	}
}

// requeue puts a failed batch's events back on the queue for a later send
// attempt. Events are never passed to markProcessed here: per spec §3's
// invariant, the in-flight counter decrements only on a successful POST, so
// a failed batch must stay in flight until it is delivered or the caller's
// WaitAllEventsProcessed deadline expires. An event that can't be requeued
// because the queue is momentarily full is logged and left in flight rather
// than marked processed, since it was never acknowledged by the server.
func (s *Service) requeue(batch []model.VMEvent) {
	for _, ev := range batch {
		select {
		case s.queue <- ev:
		default:
			s.logger.Warn("events: queue full, could not requeue event after failed send",
				zap.String("eventId", ev.EventID),
			)
		}
	}
}

func (s *Service) markProcessed(batch []model.VMEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range batch {
		if s.inFlight[ev.EventType] > 0 {
			s.inFlight[ev.EventType]--
		}
	}
	if s.allInFlightZero() {
		s.allZero.Broadcast()
	}
}

func (s *Service) allInFlightZero() bool {
	for _, n := range s.inFlight {
		if n > 0 {
			return false
		}
	}
	return true
}

// WaitAllEventsProcessed blocks until every in-flight event has been
// acknowledged or deadline expires (spec §3 invariant, §4.2).
func (s *Service) WaitAllEventsProcessed(deadline lifecycle.Deadline) {
	done := make(chan struct{})
	go func() {
		s.mu.Lock()
		for !s.allInFlightZero() {
			s.allZero.Wait()
		}
		s.mu.Unlock()
		close(done)
	}()

	ctx, cancel := deadline.Context(context.Background())
	defer cancel()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Stop implements lifecycle.Drainable: it stops accepting new work
// (callers must stop invoking Add themselves — the queue has no explicit
// "closed" state since producers may be foreign threads) and waits for the
// in-flight queue to drain up to deadline.
func (s *Service) Stop(deadline lifecycle.Deadline) error {
	s.WaitAllEventsProcessed(deadline)
	return nil
}
