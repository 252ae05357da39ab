package notify

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/adoption/internal/config"
)

// ErrCircuitOpen is returned by Breaker.Allow while deliveries to a sink are
// suspended.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the current state of a sink's circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets every delivery through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen lets trial deliveries through.
	BreakerHalfOpen
	// BreakerOpen rejects deliveries until the timeout elapses.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker trips after a run of consecutive delivery failures and tries the
// sink again once its timeout has elapsed. It is safe for concurrent use.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openedAt         time.Time
	now              func() time.Time
}

// NewBreaker creates a closed breaker. Zero thresholds fall back to 5
// failures, 2 successes and a 30s open period.
func NewBreaker(cfg config.CircuitBreakerConfig) *Breaker {
	b := &Breaker{
		state:            BreakerClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		timeout:          cfg.Timeout,
		now:              time.Now,
	}
	if b.failureThreshold < 1 {
		b.failureThreshold = 5
	}
	if b.successThreshold < 1 {
		b.successThreshold = 2
	}
	if b.timeout <= 0 {
		b.timeout = 30 * time.Second
	}
	return b
}

// Allow returns nil if a delivery may proceed, or ErrCircuitOpen.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if b.now().Sub(b.openedAt) <= b.timeout {
			return ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
		b.successes = 0
	}
	return nil
}

// RecordSuccess records a delivered event.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// RecordFailure records a failed delivery.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

// trip opens the breaker. Must be called with the lock held.
func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.successes = 0
}

// State returns the current state, moving Open to HalfOpen once the timeout
// has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && b.now().Sub(b.openedAt) > b.timeout {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
	return b.state
}
