// Package outbox implements the transactional outbox worker: a background
// poller that delivers events recorded by the store in the same
// transaction as the state change they announce (spec §4.4).
package outbox

import (
	"sync"
	"time"
)

// BreakerState is one of the three circuit breaker states (spec §4.4.1).
type BreakerState string

const (
	Closed   BreakerState = "CLOSED"
	Open     BreakerState = "OPEN"
	HalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreaker trips per event-type prefix once a handler fails
// repeatedly, so a broken downstream dependency doesn't burn every worker
// slot retrying it. One breaker instance is created per prefix.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	successThreshold int
	recoveryTimeout   time.Duration
	now               func() time.Time

	state         BreakerState
	failures      int
	successes     int
	openedAt      time.Time
}

// NewCircuitBreaker creates a breaker starting CLOSED.
func NewCircuitBreaker(failureThreshold, successThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		recoveryTimeout:  recoveryTimeout,
		now:              time.Now,
		state:            Closed,
	}
}

// Allow reports whether a call should be attempted. An OPEN breaker
// transitions to HALF_OPEN once recoveryTimeout has elapsed; a HALF_OPEN
// breaker allows every call until RecordSuccess or RecordFailure moves it
// to another state. Callers of Allow==false must treat the call as a
// failure for retry/DLQ bookkeeping (spec §4.4.1: "count as ordinary event
// failures").
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.openedAt) >= b.recoveryTimeout {
			b.state = HalfOpen
			b.successes = 0
			return true
		}
		return false
	case HalfOpen:
		return true
	default:
		return true
	}
}

// RecordSuccess registers a successful call.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = Closed
			b.failures = 0
			b.successes = 0
		}
	case Closed:
		b.failures = 0
	}
}

// RecordFailure registers a failed call.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.state = Open
		b.openedAt = b.now()
		b.failures = 0
		b.successes = 0
	case Closed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.state = Open
			b.openedAt = b.now()
			b.failures = 0
		}
	}
}

// State returns the current state, for diagnostics.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
