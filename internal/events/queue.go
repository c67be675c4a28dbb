package events

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/gigledger/internal/circuitbreaker"
	"github.com/mbd888/gigledger/internal/metrics"
)

const (
	sendTimeout  = 10 * time.Second
	drainTimeout = 5 * time.Second
)

// Sink delivers events somewhere.
type Sink interface {
	Name() string
	Send(ctx context.Context, e Event) error
}

// Queue buffers events and delivers them to every sink from one goroutine.
type Queue struct {
	ch      chan Event
	sinks   []Sink
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
	running atomic.Bool
}

// NewQueue creates a queue holding up to size undelivered events.
func NewQueue(size int, logger *slog.Logger, sinks ...Sink) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		ch:     make(chan Event, size),
		sinks:  sinks,
		logger: logger,
	}
}

// WithBreaker skips a sink while its circuit is open, so one dead broker
// does not stall delivery to the others for sendTimeout per event.
func (q *Queue) WithBreaker(b *circuitbreaker.Breaker) *Queue {
	q.breaker = b
	return q
}

// Publish enqueues e. When the queue is full the event is dropped and
// counted; the caller is never blocked.
func (q *Queue) Publish(_ context.Context, e Event) {
	e = stamp(e)
	select {
	case q.ch <- e:
		metrics.EventQueueDepth.Set(float64(len(q.ch)))
	default:
		metrics.EventsDroppedTotal.Inc()
		q.logger.Warn("event queue full, dropping event", "event_id", e.ID, "type", e.Type, "recipient", e.RecipientID)
	}
}

// Run delivers events until ctx is cancelled, then drains what is left
// within a bounded time.
func (q *Queue) Run(ctx context.Context) error {
	q.running.Store(true)
	defer q.running.Store(false)
	q.logger.Info("event queue started", "sinks", len(q.sinks), "capacity", cap(q.ch))

	for {
		select {
		case <-ctx.Done():
			q.drain()
			q.logger.Info("event queue stopped")
			return nil
		case e := <-q.ch:
			q.deliver(context.Background(), e)
		}
	}
}

func (q *Queue) drain() {
	deadline := time.After(drainTimeout)
	for {
		select {
		case e := <-q.ch:
			q.deliver(context.Background(), e)
		case <-deadline:
			if n := len(q.ch); n > 0 {
				q.logger.Warn("event queue drain timed out", "undelivered", n)
			}
			return
		default:
			return
		}
	}
}

func (q *Queue) deliver(ctx context.Context, e Event) {
	metrics.EventQueueDepth.Set(float64(len(q.ch)))
	for _, s := range q.sinks {
		err := q.send(ctx, s, e)
		switch {
		case errors.Is(err, circuitbreaker.ErrOpen):
			metrics.EventsPublishedTotal.WithLabelValues(s.Name(), "skipped").Inc()
		case err != nil:
			metrics.EventsPublishedTotal.WithLabelValues(s.Name(), "error").Inc()
			q.logger.Warn("event delivery failed", "sink", s.Name(), "event_id", e.ID, "type", e.Type, "error", err)
		default:
			metrics.EventsPublishedTotal.WithLabelValues(s.Name(), "ok").Inc()
		}
	}
}

func (q *Queue) send(ctx context.Context, s Sink, e Event) error {
	call := func() error {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		return s.Send(sctx, e)
	}
	if q.breaker == nil {
		return call()
	}
	return q.breaker.Do(s.Name(), call)
}

// Running reports whether Run is active.
func (q *Queue) Running() bool {
	return q.running.Load()
}

// Depth is the number of undelivered events.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Healthy is true while the queue runs and is less than 90% full.
func (q *Queue) Healthy() bool {
	return q.Running() && len(q.ch)*10 < cap(q.ch)*9
}
