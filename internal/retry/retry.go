// Package retry executes one logical operation across multiple attempts,
// classifying each failure and carrying fallback state between attempts.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/pricesentry/pricesentry/internal/breaker"
	"github.com/pricesentry/pricesentry/internal/fingerprint"
	"github.com/pricesentry/pricesentry/internal/proxy"
)

// State is the mutable bag threaded through one logical operation's attempts.
// It is created per call and discarded at completion.
type State struct {
	Attempt   int
	Proxy     *proxy.Record
	Profile   *fingerprint.Profile
	Flags     Flags
	LastClass Class
	LastErr   error
}

// Operation performs one attempt. It reads and mutates the state (chosen
// proxy, fingerprint) and returns nil on success.
type Operation func(ctx context.Context, state *State) error

type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   2 * time.Minute,
	}
}

// Orchestrator runs operations under the circuit breaker with
// classification-driven backoff.
type Orchestrator struct {
	breaker *breaker.Breaker
	opts    Options
	logger  *slog.Logger

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
	// jitter returns a multiplier in [0.8, 1.2].
	jitter func() float64
}

func NewOrchestrator(b *breaker.Breaker, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultOptions().MaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultOptions().BaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultOptions().MaxDelay
	}
	return &Orchestrator{
		breaker: b,
		opts:    opts,
		logger:  logger.With("component", "retry"),
		sleep:   sleepCtx,
		jitter: func() float64 {
			return 0.8 + rand.Float64()*0.4
		},
	}
}

// Do runs op until it succeeds, the error is non-retryable, or attempts are
// exhausted. The breaker for key is consulted before every attempt; an open
// circuit fails fast without consuming an attempt or a pooled resource.
func (o *Orchestrator) Do(ctx context.Context, key string, op Operation) (*State, error) {
	state := &State{}
	var lastErr error

	for attempt := 0; attempt <= o.opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return state, err
		}

		if !o.breaker.Allow(key) {
			o.logger.Warn("circuit open, failing fast", "key", key)
			return state, fmt.Errorf("%w: %s", breaker.ErrOpen, key)
		}

		state.Attempt = attempt
		err := op(ctx, state)
		if err == nil {
			o.breaker.RecordSuccess(key)
			return state, nil
		}
		o.breaker.RecordFailure(key)

		class := Classify(err)
		state.LastClass = class
		state.LastErr = err
		lastErr = err

		prof := profiles[class]
		if !prof.retryable {
			o.logger.Warn("non-retryable failure", "key", key, "class", class, "error", err)
			return state, err
		}
		if prof.maxRetries > 0 && attempt+1 > prof.maxRetries {
			o.logger.Warn("class retry limit reached", "key", key, "class", class, "error", err)
			return state, err
		}
		if attempt == o.opts.MaxRetries {
			break
		}

		state.Flags.merge(prof.flags)

		delay := o.Delay(class, attempt)
		o.logger.Info("attempt failed, backing off",
			"key", key,
			"attempt", attempt,
			"class", class,
			"delay", delay,
			"error", err,
		)
		if err := o.sleep(ctx, delay); err != nil {
			return state, err
		}
	}

	return state, fmt.Errorf("retries exhausted after %d attempts: %w", o.opts.MaxRetries+1, lastErr)
}

// Delay computes the jittered backoff for a class at an attempt index.
func (o *Orchestrator) Delay(class Class, attempt int) time.Duration {
	return time.Duration(float64(o.BaseDelay(class, attempt)) * o.jitter())
}

// BaseDelay computes the pre-jitter backoff: base * classBase * growth^attempt,
// capped at MaxDelay.
func (o *Orchestrator) BaseDelay(class Class, attempt int) time.Duration {
	prof, ok := profiles[class]
	if !ok || prof.baseFactor == 0 {
		prof = profiles[ClassUnknown]
	}

	d := float64(o.opts.BaseDelay) * prof.baseFactor * math.Pow(prof.growthFactor, float64(attempt))
	if d > float64(o.opts.MaxDelay) {
		d = float64(o.opts.MaxDelay)
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
