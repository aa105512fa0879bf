// Package adaptive tunes the task queue's concurrency from observed attempt
// outcomes: additive increase while things go well, multiplicative decrease on
// failure bursts.
package adaptive

import (
	"log/slog"
	"sync"
	"time"
)

const windowSize = 20

type Options struct {
	MinConcurrency int
	MaxConcurrency int
	// RaiseThreshold is the windowed success rate above which concurrency
	// is raised by one.
	RaiseThreshold float64
	// DropThreshold is the windowed success rate below which concurrency
	// is halved.
	DropThreshold float64
}

func DefaultOptions() Options {
	return Options{
		MinConcurrency: 1,
		MaxConcurrency: 8,
		RaiseThreshold: 0.9,
		DropThreshold:  0.5,
	}
}

// Setter is the piece of the queue the optimizer drives.
type Setter interface {
	SetConcurrency(n int)
	Concurrency() int
}

type Optimizer struct {
	mu       sync.Mutex
	opts     Options
	target   Setter
	window   []bool
	latSum   time.Duration
	latCount int
	logger   *slog.Logger
}

func NewOptimizer(target Setter, opts Options, logger *slog.Logger) *Optimizer {
	if opts.MinConcurrency < 1 {
		opts.MinConcurrency = 1
	}
	if opts.MaxConcurrency < opts.MinConcurrency {
		opts.MaxConcurrency = opts.MinConcurrency
	}
	return &Optimizer{
		opts:   opts,
		target: target,
		logger: logger.With("component", "adaptive"),
	}
}

// Report feeds one attempt outcome. Every full window triggers one decision.
func (o *Optimizer) Report(success bool, latency time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.window = append(o.window, success)
	o.latSum += latency
	o.latCount++

	if len(o.window) < windowSize {
		return
	}

	successes := 0
	for _, ok := range o.window {
		if ok {
			successes++
		}
	}
	rate := float64(successes) / float64(len(o.window))
	avgLatency := o.latSum / time.Duration(o.latCount)

	o.window = o.window[:0]
	o.latSum = 0
	o.latCount = 0

	current := o.target.Concurrency()
	next := current
	switch {
	case rate < o.opts.DropThreshold:
		next = current / 2
	case rate >= o.opts.RaiseThreshold:
		next = current + 1
	}

	if next < o.opts.MinConcurrency {
		next = o.opts.MinConcurrency
	}
	if next > o.opts.MaxConcurrency {
		next = o.opts.MaxConcurrency
	}

	if next != current {
		o.logger.Info("adjusting concurrency",
			"from", current,
			"to", next,
			"successRate", rate,
			"avgLatency", avgLatency,
		)
		o.target.SetConcurrency(next)
	}
}

// Snapshot reports the current window fill and target concurrency.
func (o *Optimizer) Snapshot() (windowFill int, concurrency int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.window), o.target.Concurrency()
}
