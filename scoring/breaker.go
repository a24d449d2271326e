package scoring

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the scorer while the breaker is
// open. It is transient: the call is retried after backoff.
var ErrCircuitOpen = errors.New("scoring: circuit open")

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls pass through
	BreakerOpen                         // calls rejected
	BreakerHalfOpen                     // probing for recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker trips after consecutive transient failures of the scorer and
// rejects calls until the reset timeout has passed.
type Breaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	successes    int
	threshold    int
	resetTimeout time.Duration
	halfOpenMax  int
	lastFailure  time.Time
	now          func() time.Time
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerThreshold sets the consecutive failure count that opens the breaker.
func WithBreakerThreshold(n int) BreakerOption { return func(b *Breaker) { b.threshold = n } }

// WithBreakerResetTimeout sets how long the breaker stays open.
func WithBreakerResetTimeout(d time.Duration) BreakerOption {
	return func(b *Breaker) { b.resetTimeout = d }
}

// WithBreakerHalfOpenMax sets the successes needed to close from half-open.
func WithBreakerHalfOpenMax(n int) BreakerOption { return func(b *Breaker) { b.halfOpenMax = n } }

// WithBreakerClock sets the clock.
func WithBreakerClock(now func() time.Time) BreakerOption { return func(b *Breaker) { b.now = now } }

// NewBreaker defaults to 5 failures, 30s open, 2 probes to close.
func NewBreaker(opts ...BreakerOption) *Breaker {
	b := &Breaker{
		threshold:    5,
		resetTimeout: 30 * time.Second,
		halfOpenMax:  2,
		now:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state != BreakerOpen
}

// RecordSuccess notes a completed call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.halfOpenMax {
			b.state = BreakerClosed
			b.failures, b.successes = 0, 0
		}
	case BreakerClosed:
		b.failures = 0
	}
}

// RecordFailure notes a transient failure.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = b.now()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = BreakerOpen
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.successes = 0
	}
}

// must hold mu
func (b *Breaker) maybeHalfOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.lastFailure) >= b.resetTimeout {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
}

// Guard wraps s with b. Only transient failures count against the breaker;
// a permanent rejection says nothing about the service's health.
func Guard(s Scorer, b *Breaker) Scorer {
	return Func(func(ctx context.Context, text string) (Score, error) {
		if !b.Allow() {
			return Score{}, TransientError(ErrCircuitOpen)
		}
		sc, err := s.Assess(ctx, text)
		switch {
		case err == nil:
			b.RecordSuccess()
		case IsTransient(err):
			b.RecordFailure()
		default:
			b.RecordSuccess()
		}
		return sc, err
	})
}
