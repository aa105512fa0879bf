// Package breaker implements a generic per-key circuit breaker. The same
// machine gates proxy usage and whole-domain scrape attempts; it knows nothing
// about the operations it protects.
package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by callers that treat a rejected key as an error.
var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

type Options struct {
	FailureThreshold    int
	ResetTimeout        time.Duration
	HalfOpenMaxRequests int
}

func DefaultOptions() Options {
	return Options{
		FailureThreshold:    5,
		ResetTimeout:        time.Minute,
		HalfOpenMaxRequests: 2,
	}
}

type entry struct {
	state            State
	failureCount     int
	halfOpenSuccess  int
	halfOpenInFlight int
	lastFailureTime  time.Time
	nextAttemptTime  time.Time
	openedAt         time.Time
}

// Metrics are cumulative across all keys.
type Metrics struct {
	TimesOpened   int64
	Rejected      int64
	TotalOpenTime time.Duration
}

type Breaker struct {
	mu      sync.Mutex
	entries map[string]*entry
	opts    Options
	metrics Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func New(opts Options, logger *slog.Logger) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultOptions().FailureThreshold
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = DefaultOptions().ResetTimeout
	}
	if opts.HalfOpenMaxRequests <= 0 {
		opts.HalfOpenMaxRequests = DefaultOptions().HalfOpenMaxRequests
	}
	return &Breaker{
		entries: make(map[string]*entry),
		opts:    opts,
		logger:  logger.With("component", "breaker"),
		now:     time.Now,
	}
}

func (b *Breaker) get(key string) *entry {
	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	return e
}

// Allow reports whether a request for key may proceed. In OPEN state it flips
// to HALF_OPEN once the reset timeout has elapsed and admits a bounded number
// of trial requests.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.get(key)

	switch e.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Before(e.nextAttemptTime) {
			b.metrics.Rejected++
			return false
		}
		b.transition(key, e, StateHalfOpen)
		e.halfOpenSuccess = 0
		e.halfOpenInFlight = 1
		return true
	case StateHalfOpen:
		// One probe in flight at a time; the circuit closes only after
		// HalfOpenMaxRequests consecutive trial successes.
		if e.halfOpenInFlight > 0 {
			b.metrics.Rejected++
			return false
		}
		e.halfOpenInFlight++
		return true
	}
	return false
}

// RecordSuccess reports a successful operation for key.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.get(key)

	switch e.state {
	case StateClosed:
		e.failureCount = 0
	case StateHalfOpen:
		e.halfOpenSuccess++
		if e.halfOpenInFlight > 0 {
			e.halfOpenInFlight--
		}
		if e.halfOpenSuccess >= b.opts.HalfOpenMaxRequests {
			b.transition(key, e, StateClosed)
			e.failureCount = 0
		}
	}
}

// RecordFailure reports a failed operation for key. A single failure in
// HALF_OPEN immediately reopens the circuit.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.get(key)
	e.lastFailureTime = b.now()

	switch e.state {
	case StateClosed:
		e.failureCount++
		if e.failureCount >= b.opts.FailureThreshold {
			b.open(key, e)
		}
	case StateHalfOpen:
		if e.halfOpenInFlight > 0 {
			e.halfOpenInFlight--
		}
		b.open(key, e)
	case StateOpen:
		e.nextAttemptTime = b.now().Add(b.opts.ResetTimeout)
	}
}

func (b *Breaker) open(key string, e *entry) {
	b.transition(key, e, StateOpen)
	e.nextAttemptTime = b.now().Add(b.opts.ResetTimeout)
}

func (b *Breaker) transition(key string, e *entry, to State) {
	if e.state == to {
		return
	}
	if to == StateOpen {
		b.metrics.TimesOpened++
		e.openedAt = b.now()
	}
	if e.state == StateOpen && !e.openedAt.IsZero() {
		b.metrics.TotalOpenTime += b.now().Sub(e.openedAt)
	}
	b.logger.Info("circuit state change", "key", key, "from", e.state.String(), "to", to.String())
	e.state = to
}

// State returns the current state for key without side effects.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return StateClosed
}

// FailureCount returns the consecutive failure count for key.
func (b *Breaker) FailureCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return e.failureCount
	}
	return 0
}

// Snapshot returns cumulative metrics plus per-key states.
func (b *Breaker) Snapshot() (Metrics, map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	states := make(map[string]string, len(b.entries))
	for key, e := range b.entries {
		states[key] = e.state.String()
	}
	return b.metrics, states
}

// Reset clears all state for key. Used by operators, never by request flow.
func (b *Breaker) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}
