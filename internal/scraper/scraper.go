// Package scraper is the orchestration core: it runs one logical price fetch
// across the retry loop, proxy selection, pooled browser resources, the
// anti-detection layer and the extraction pipeline.
package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/pricesentry/pricesentry/internal/adaptive"
	"github.com/pricesentry/pricesentry/internal/captcha"
	"github.com/pricesentry/pricesentry/internal/driver"
	"github.com/pricesentry/pricesentry/internal/extract"
	"github.com/pricesentry/pricesentry/internal/fingerprint"
	"github.com/pricesentry/pricesentry/internal/notify"
	"github.com/pricesentry/pricesentry/internal/pool"
	"github.com/pricesentry/pricesentry/internal/proxy"
	"github.com/pricesentry/pricesentry/internal/queue"
	"github.com/pricesentry/pricesentry/internal/ratelimit"
	"github.com/pricesentry/pricesentry/internal/retry"
	"github.com/pricesentry/pricesentry/internal/storage"
)

const maxPlausiblePrice = 10_000_000

// Result is the only thing callers ever get back; the service never lets an
// error escape its public entry points as a panic.
type Result struct {
	URL         string   `json:"url"`
	Success     bool     `json:"success"`
	Price       *float64 `json:"price,omitempty"`
	Strategy    string   `json:"strategy,omitempty"`
	FailReasons []string `json:"fail_reasons,omitempty"`
	Error       string   `json:"error,omitempty"`
}

type Options struct {
	NavigationTimeout time.Duration
	ExtractionTimeout time.Duration
	FailureDir        string
}

func DefaultOptions() Options {
	return Options{
		NavigationTimeout: 30 * time.Second,
		ExtractionTimeout: 15 * time.Second,
		FailureDir:        "failures",
	}
}

// Service wires the collaborators together. Everything is passed in at
// construction; there is no package-level state.
type Service struct {
	pool         *pool.Pool
	proxies      *proxy.Manager
	retrier      *retry.Orchestrator
	pipeline     *extract.Pipeline
	fingerprints *fingerprint.Generator
	solver       captcha.Solver
	notifier     notify.Notifier
	store        *storage.Store
	optimizer    *adaptive.Optimizer
	tasks        *queue.Queue
	pacer        *ratelimit.Pacer
	opts         Options
	logger       *slog.Logger

	// extractFn runs one extraction pass; swappable in tests.
	extractFn func(html, domain string, alternate bool) extract.Outcome
}

type Deps struct {
	Pool         *pool.Pool
	Proxies      *proxy.Manager
	Retrier      *retry.Orchestrator
	Pipeline     *extract.Pipeline
	Fingerprints *fingerprint.Generator
	Solver       captcha.Solver
	Notifier     notify.Notifier
	Store        *storage.Store
	Optimizer    *adaptive.Optimizer
	Tasks        *queue.Queue
	Pacer        *ratelimit.Pacer
}

func NewService(deps Deps, opts Options, logger *slog.Logger) *Service {
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = DefaultOptions().NavigationTimeout
	}
	if opts.ExtractionTimeout <= 0 {
		opts.ExtractionTimeout = DefaultOptions().ExtractionTimeout
	}
	if opts.FailureDir == "" {
		opts.FailureDir = DefaultOptions().FailureDir
	}

	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}

	s := &Service{
		pool:         deps.Pool,
		proxies:      deps.Proxies,
		retrier:      deps.Retrier,
		pipeline:     deps.Pipeline,
		fingerprints: deps.Fingerprints,
		solver:       deps.Solver,
		notifier:     notifier,
		store:        deps.Store,
		optimizer:    deps.Optimizer,
		tasks:        deps.Tasks,
		pacer:        deps.Pacer,
		opts:         opts,
		logger:       logger.With("component", "scraper"),
	}
	s.extractFn = func(html, domain string, alternate bool) extract.Outcome {
		if alternate {
			return s.pipeline.ExtractAlternate(html, domain)
		}
		return s.pipeline.Extract(html, domain)
	}
	return s
}

// ScrapePrice fetches the price behind rawURL. Repeated calls are fully
// isolated from each other beyond the shared pool, proxy and breaker stats.
func (s *Service) ScrapePrice(ctx context.Context, rawURL string) Result {
	domain, err := targetDomain(rawURL)
	if err != nil {
		return Result{URL: rawURL, Error: err.Error(), FailReasons: []string{err.Error()}}
	}

	run := &scrapeRun{service: s, url: rawURL, domain: domain}

	_, doErr := s.retrier.Do(ctx, domain, run.attempt)
	if doErr != nil {
		s.logger.Warn("scrape failed", "url", rawURL, "domain", domain, "error", doErr)

		report := notify.FailureReport{
			URL:         rawURL,
			Domain:      domain,
			FailReasons: run.reasons,
			Error:       doErr.Error(),
			ArtifactDir: run.artifactDir,
			OccurredAt:  time.Now(),
		}
		if err := s.notifier.NotifyFailure(ctx, report); err != nil {
			s.logger.Warn("failure notification failed", "error", err)
		}

		return Result{
			URL:         rawURL,
			FailReasons: run.reasons,
			Error:       doErr.Error(),
		}
	}

	s.logger.Info("scrape succeeded",
		"url", rawURL,
		"domain", domain,
		"price", *run.price,
		"strategy", run.strategy,
	)

	event := notify.PriceEvent{
		URL:        rawURL,
		Domain:     domain,
		Price:      *run.price,
		Strategy:   run.strategy,
		OccurredAt: time.Now(),
	}
	if err := s.notifier.NotifyPrice(ctx, event); err != nil {
		s.logger.Warn("price notification failed", "error", err)
	}

	if s.store != nil {
		snap := storage.Snapshot{URL: rawURL, Domain: domain, Price: *run.price, Strategy: run.strategy}
		if err := s.store.SavePrice(ctx, snap); err != nil {
			s.logger.Warn("price persistence failed", "error", err)
		}
	}

	return Result{
		URL:      rawURL,
		Success:  true,
		Price:    run.price,
		Strategy: run.strategy,
	}
}

// ParallelScrape runs every URL through the task queue. results[i] always
// corresponds to urls[i]; in-flight scrapes never exceed the requested
// concurrency, even while the adaptive optimizer adjusts the queue limit.
func (s *Service) ParallelScrape(ctx context.Context, urls []string, concurrency int) []Result {
	bound := concurrency
	if bound <= 0 || bound > len(urls) {
		bound = len(urls)
	}
	if concurrency > 0 {
		s.tasks.SetConcurrency(concurrency)
	}

	// The queue limit is shared state the optimizer keeps adjusting; the
	// batch's own semaphore holds the caller's cap for its whole duration.
	running := make(chan struct{}, bound)

	channels := make([]<-chan queue.Result, len(urls))
	for i, u := range urls {
		target := u
		ch, err := s.tasks.Push(ctx, func(taskCtx context.Context) (any, error) {
			select {
			case running <- struct{}{}:
			case <-taskCtx.Done():
				return nil, taskCtx.Err()
			}
			defer func() { <-running }()
			return s.ScrapePrice(taskCtx, target), nil
		})
		if err != nil {
			done := make(chan queue.Result, 1)
			done <- queue.Result{Err: err}
			ch = done
		}
		channels[i] = ch
	}

	results := make([]Result, len(urls))
	for i, ch := range channels {
		settled := <-ch
		if settled.Err != nil {
			results[i] = Result{URL: urls[i], Error: settled.Err.Error()}
			continue
		}
		results[i] = settled.Value.(Result)
	}
	return results
}

func targetDomain(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("invalid url %q", rawURL)
	}
	return strings.ToLower(parsed.Hostname()), nil
}

// scrapeRun accumulates state across one logical scrape's attempts.
type scrapeRun struct {
	service *Service
	url     string
	domain  string

	reasons     []string
	artifactDir string

	price    *float64
	strategy string
}

// attempt performs one navigation and extraction pass. It is invoked by the
// retry orchestrator with the mutable retry state.
func (r *scrapeRun) attempt(ctx context.Context, state *retry.State) error {
	s := r.service
	start := time.Now()

	if s.pacer != nil {
		if err := s.pacer.Wait(ctx, r.domain); err != nil {
			return err
		}
	}

	if state.Flags.RefreshSession {
		s.fingerprints.Invalidate(r.domain)
		state.Flags.RefreshSession = false
	}

	// A fresh proxy decision is made for every attempt; the rotate flag only
	// matters in that the previous proxy's stats already took the failure.
	rec, err := s.proxies.Select(r.domain)
	if err != nil {
		return fmt.Errorf("proxy selection failed: %w", err)
	}
	state.Proxy = rec

	proxyServer := ""
	if rec != nil {
		proxyServer = rec.Server()
	}

	lease, err := s.pool.Acquire(ctx, r.domain, pool.AcquireOptions{
		ProxyServer: proxyServer,
		ForceRotate: state.Flags.RotateBrowser,
	})
	if err != nil {
		r.report(state, false, time.Since(start), false)
		r.addReason(fmt.Sprintf("attempt %d: %v", state.Attempt, err))
		return err
	}
	defer s.pool.Release(lease)

	state.Flags.RotateBrowser = false
	state.Profile = lease.Profile

	if err := r.navigate(ctx, lease.Page, state); err != nil {
		r.report(state, false, time.Since(start), true)
		r.addReason(fmt.Sprintf("attempt %d: %v", state.Attempt, err))
		return err
	}

	if err := r.passBotDefense(ctx, lease.Page); err != nil {
		r.report(state, false, time.Since(start), true)
		r.addReason(fmt.Sprintf("attempt %d: %v", state.Attempt, err))
		return err
	}

	html, err := lease.Page.Content()
	if err != nil {
		r.report(state, false, time.Since(start), true)
		r.addReason(fmt.Sprintf("attempt %d: %v", state.Attempt, err))
		return err
	}

	outcome, err := r.extract(ctx, html, state.Flags.AlternativeParser)
	if err != nil {
		r.report(state, false, time.Since(start), true)
		r.addReason(fmt.Sprintf("attempt %d: %v", state.Attempt, err))
		return err
	}
	if outcome.Price == nil {
		r.reasons = append(r.reasons, outcome.FailReasons...)
		r.saveArtifacts(lease.Page, html)
		r.report(state, false, time.Since(start), true)
		return fmt.Errorf("no price found on %s after %d strategies", r.domain, len(outcome.FailReasons))
	}

	if *outcome.Price <= 0 || *outcome.Price > maxPlausiblePrice {
		r.report(state, false, time.Since(start), true)
		reason := fmt.Sprintf("validation: implausible price %v from %s", *outcome.Price, outcome.Strategy)
		r.addReason(reason)
		return fmt.Errorf("price validation failed: implausible value %v", *outcome.Price)
	}

	r.price = outcome.Price
	r.strategy = outcome.Strategy
	r.report(state, true, time.Since(start), true)
	return nil
}

// extract runs the pipeline under the extraction deadline. The chain is pure
// CPU and cannot be interrupted, so a late result is abandoned, not cancelled.
func (r *scrapeRun) extract(ctx context.Context, html string, alternate bool) (extract.Outcome, error) {
	s := r.service

	ch := make(chan extract.Outcome, 1)
	go func() { ch <- s.extractFn(html, r.domain, alternate) }()

	timer := time.NewTimer(s.opts.ExtractionTimeout)
	defer timer.Stop()

	select {
	case outcome := <-ch:
		return outcome, nil
	case <-ctx.Done():
		return extract.Outcome{}, ctx.Err()
	case <-timer.C:
		return extract.Outcome{}, fmt.Errorf("extraction timed out after %s", s.opts.ExtractionTimeout)
	}
}

func (r *scrapeRun) navigate(ctx context.Context, page driver.Page, state *retry.State) error {
	waitUntil := driver.WaitDOMContentLoaded
	if state.Flags.SimplifiedNavigation {
		// Layout-heavy pages that keep timing out still usually commit the
		// main document quickly.
		waitUntil = driver.WaitCommit
	}

	if err := page.Goto(r.url, driver.GotoOptions{
		Timeout:   r.service.opts.NavigationTimeout,
		WaitUntil: waitUntil,
	}); err != nil {
		return err
	}

	if state.Flags.EnhancedStealth {
		humanize(page)
	}
	return nil
}

func (r *scrapeRun) addReason(reason string) {
	r.reasons = append(r.reasons, reason)
}

// report fans one attempt outcome out to the collaborators. egressUsed guards
// the proxy and pacer: a lease failure never reached the target, so neither
// the selected egress nor the domain pacing hears about it.
func (r *scrapeRun) report(state *retry.State, success bool, latency time.Duration, egressUsed bool) {
	if egressUsed {
		r.service.proxies.ReportResult(state.Proxy, success, latency, r.domain)
		if r.service.pacer != nil {
			if success {
				r.service.pacer.RecordSuccess(r.domain)
			} else {
				r.service.pacer.RecordError(r.domain)
			}
		}
	}
	if r.service.optimizer != nil {
		r.service.optimizer.Report(success, latency)
	}
}

// humanize adds a little scrolling and pointer noise. Best-effort.
func humanize(page driver.Page) {
	page.Evaluate(`window.scrollBy(0, 200 + Math.random() * 400)`)
	time.Sleep(300 * time.Millisecond)
	page.Evaluate(`window.scrollBy(0, -(50 + Math.random() * 100))`)
}
