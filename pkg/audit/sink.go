package audit

import (
	"context"
	"sync"
	"time"

	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// DefaultQueueSize is the queue capacity when none is configured.
const DefaultQueueSize = 1024

const writeTimeout = 5 * time.Second

// Sink is a non-blocking Recorder. Entries are written by a single
// background goroutine started with Start.
type Sink struct {
	store   Store
	queue   chan Entry
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time

	// mu orders Record's enqueue against Stop: once stopped is set nothing
	// new enters the queue, so the writer's final drain sees every entry.
	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewSink creates a sink with a queue of queueSize entries. metrics may be nil.
func NewSink(store Store, queueSize int, logger *observability.Logger, metrics *observability.Metrics) *Sink {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Sink{
		store:   store,
		queue:   make(chan Entry, queueSize),
		logger:  logger.WithField("component", "audit"),
		metrics: metrics,
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Record enqueues entry. It never blocks: when the queue is full the entry
// is dropped and counted.
func (s *Sink) Record(ctx context.Context, entry Entry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		s.drop(entry, "sink stopped")
		return
	}

	select {
	case s.queue <- entry:
		s.metrics.ObserveAudit("queued")
	default:
		s.drop(entry, "queue full")
	}
}

func (s *Sink) drop(entry Entry, reason string) {
	s.metrics.ObserveAudit("dropped")
	s.logger.WithFields(map[string]interface{}{
		"action": string(entry.Action),
		"reason": reason,
	}).Warn("audit entry dropped")
}

// Start launches the writer goroutine. It drains the queue until Stop is
// called.
func (s *Sink) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case entry := <-s.queue:
				s.write(entry)
			case <-s.done:
				s.drain()
				return
			}
		}
	}()
}

func (s *Sink) drain() {
	for {
		select {
		case entry := <-s.queue:
			s.write(entry)
		default:
			return
		}
	}
}

func (s *Sink) write(entry Entry) {
	defer observability.RecoverPanic(s.logger, "audit writer")

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := s.store.Insert(ctx, entry); err != nil {
		s.metrics.ObserveAudit("failed")
		s.logger.WithError(err).WithField("action", string(entry.Action)).Error("failed to write audit entry")
		return
	}
	s.metrics.ObserveAudit("written")
}

// Stop flushes queued entries and waits for the writer, or for ctx.
func (s *Sink) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.done)
	}
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
