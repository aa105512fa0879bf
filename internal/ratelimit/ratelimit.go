// Package ratelimit paces page fetches per target domain. Bot defenses key on
// request cadence long before they key on fingerprints, so every attempt
// against a domain waits out a jittered gap since that domain's previous
// attempt.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

const (
	floorDelay   = time.Second
	ceilingDelay = 2 * time.Minute

	shrinkFactor  = 0.9
	backoffFactor = 1.5

	successesToShrink = 5
	errorsToBackOff   = 3
)

// lane tracks one domain's cadence. Delays widen when the domain keeps
// failing and slowly tighten again while it behaves.
type lane struct {
	minDelay      time.Duration
	maxDelay      time.Duration
	lastAttempt   time.Time
	errorStreak   int
	successStreak int
}

// Pacer enforces a minimum jittered gap between attempts on the same domain.
// Distinct domains never delay each other.
type Pacer struct {
	mu       sync.Mutex
	lanes    map[string]*lane
	minDelay time.Duration
	maxDelay time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPacer(minDelay, maxDelay time.Duration) *Pacer {
	if minDelay <= 0 {
		minDelay = floorDelay
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Pacer{
		lanes:    make(map[string]*lane),
		minDelay: minDelay,
		maxDelay: maxDelay,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Wait blocks until the domain's gap has elapsed, or until ctx is done.
func (p *Pacer) Wait(ctx context.Context, domain string) error {
	p.mu.Lock()
	l := p.laneLocked(domain)
	gap := jitteredDelay(l.minDelay, l.maxDelay)
	elapsed := p.now().Sub(l.lastAttempt)
	l.lastAttempt = p.now()
	p.mu.Unlock()

	if elapsed >= gap {
		return nil
	}
	return p.sleep(ctx, gap-elapsed)
}

// RecordSuccess tightens the domain's cadence after a sustained run of
// successes, down to the configured minimum.
func (p *Pacer) RecordSuccess(domain string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l := p.laneLocked(domain)
	l.errorStreak = 0
	l.successStreak++
	if l.successStreak < successesToShrink {
		return
	}
	l.successStreak = 0

	shrunk := time.Duration(float64(l.minDelay) * shrinkFactor)
	if shrunk < p.minDelay {
		shrunk = p.minDelay
	}
	l.minDelay = shrunk
}

// RecordError widens the domain's cadence after repeated failures. Capped so
// a flapping domain cannot push waits past the ceiling.
func (p *Pacer) RecordError(domain string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l := p.laneLocked(domain)
	l.successStreak = 0
	l.errorStreak++
	if l.errorStreak < errorsToBackOff {
		return
	}
	l.errorStreak = 0

	l.minDelay = capDelay(time.Duration(float64(l.minDelay) * backoffFactor))
	l.maxDelay = capDelay(time.Duration(float64(l.maxDelay) * backoffFactor))
}

// Delay reports the domain's current delay window.
func (p *Pacer) Delay(domain string) (min, max time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l := p.laneLocked(domain)
	return l.minDelay, l.maxDelay
}

func (p *Pacer) laneLocked(domain string) *lane {
	l, ok := p.lanes[domain]
	if !ok {
		l = &lane{minDelay: p.minDelay, maxDelay: p.maxDelay}
		p.lanes[domain] = l
	}
	return l
}

func jitteredDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func capDelay(d time.Duration) time.Duration {
	if d > ceilingDelay {
		return ceilingDelay
	}
	return d
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
