// Package notify delivers workflow notification events to external channels
// without ever blocking or failing the transition that produced them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/adoption/internal/config"
	"github.com/pitabwire/adoption/internal/observability"
	"github.com/pitabwire/adoption/model"
)

// breakerGauge maps breaker states onto the circuit breaker gauge.
var breakerGauge = map[BreakerState]float64{
	BreakerClosed:   0,
	BreakerHalfOpen: 1,
	BreakerOpen:     2,
}

type guardedSink struct {
	sink    Sink
	breaker *Breaker
}

// Dispatcher queues events and delivers them to every sink from a fixed pool
// of workers. Emit never blocks: when the queue is full the event is dropped.
type Dispatcher struct {
	queue   chan model.NotificationEvent
	sinks   []guardedSink
	timeout time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher and starts its workers.
func NewDispatcher(cfg config.NotifierConfig, sinks []Sink, logger *zap.Logger, metrics *observability.Metrics) *Dispatcher {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	size := cfg.QueueSize
	if size < 1 {
		size = 1
	}
	timeout := cfg.DeliverTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		queue:   make(chan model.NotificationEvent, size),
		timeout: timeout,
		logger:  logger.Named("notifier"),
		metrics: metrics,
	}
	for _, s := range sinks {
		d.sinks = append(d.sinks, guardedSink{sink: s, breaker: NewBreaker(cfg.CircuitBreaker)})
		metrics.SetNotifierCircuitBreakerState(s.Name(), breakerGauge[BreakerClosed])
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// Emit queues ev for delivery.
func (d *Dispatcher) Emit(ev model.NotificationEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(ev, "dispatcher closed")
		return
	}
	select {
	case d.queue <- ev:
		d.metrics.SetNotifierQueueDepth(len(d.queue))
	default:
		d.drop(ev, "queue full")
	}
}

func (d *Dispatcher) drop(ev model.NotificationEvent, reason string) {
	d.logger.Error("notification dropped",
		zap.String("reason", reason),
		zap.String("event_id", ev.ID),
		zap.String("kind", string(ev.Kind)),
		zap.String("entity_id", ev.EntityID),
	)
	for _, s := range d.sinks {
		d.metrics.RecordNotification(s.sink.Name(), string(ev.Kind), "dropped")
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for ev := range d.queue {
		d.metrics.SetNotifierQueueDepth(len(d.queue))
		for _, s := range d.sinks {
			d.deliver(s, ev)
		}
	}
}

func (d *Dispatcher) deliver(s guardedSink, ev model.NotificationEvent) {
	name := s.sink.Name()
	defer func() {
		d.metrics.SetNotifierCircuitBreakerState(name, breakerGauge[s.breaker.State()])
	}()

	if err := s.breaker.Allow(); err != nil {
		d.metrics.RecordNotification(name, string(ev.Kind), "rejected")
		d.logger.Warn("notification sink unavailable",
			zap.String("sink", name),
			zap.String("event_id", ev.ID),
			zap.Error(err),
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	ctx, span := observability.StartSpan(ctx, "notify.deliver",
		observability.AttrSink.String(name),
		observability.AttrEntityID.String(ev.EntityID),
	)
	err := s.sink.Deliver(ctx, ev)
	observability.EndSpanWithError(span, err)
	cancel()

	if err != nil {
		s.breaker.RecordFailure()
		d.metrics.RecordNotification(name, string(ev.Kind), "failed")
		d.logger.Warn("notification delivery failed",
			zap.String("sink", name),
			zap.String("event_id", ev.ID),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err),
		)
		return
	}
	s.breaker.RecordSuccess()
	d.metrics.RecordNotification(name, string(ev.Kind), "delivered")
}

// Close stops accepting events and waits for queued ones to be delivered,
// or for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notifier shutdown: %w", ctx.Err())
	}
}

// HealthCheck reports an error while any sink's breaker is open.
func (d *Dispatcher) HealthCheck(context.Context) error {
	var errs []error
	for _, s := range d.sinks {
		if s.breaker.State() == BreakerOpen {
			errs = append(errs, fmt.Errorf("sink %s: %w", s.sink.Name(), ErrCircuitOpen))
		}
	}
	return errors.Join(errs...)
}
