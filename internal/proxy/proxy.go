// Package proxy holds the proxy inventory with health and performance stats
// and selects an egress per attempt under a rotation strategy.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"
)

var ErrNoProxies = errors.New("no proxies configured")

// Strategy names accepted by the manager.
const (
	StrategySequential  = "sequential"
	StrategyRandom      = "random"
	StrategyPerformance = "performance"
)

// DomainStats track per-domain outcomes independently of global stats, so a
// proxy with a proven record on a specific site can be preferred there.
type DomainStats struct {
	SuccessCount int
	FailureCount int
}

func (d DomainStats) successRate() float64 {
	total := d.SuccessCount + d.FailureCount
	if total == 0 {
		return 0.5 // unproven, ranks between known-good and known-bad
	}
	return float64(d.SuccessCount) / float64(total)
}

// Record is one proxy. The address and credentials are immutable; the stats
// are mutated after every attempt. Records are never deleted, only banned.
type Record struct {
	URL string

	SuccessCount        int
	FailureCount        int
	ConsecutiveFailures int
	AvgResponseTime     time.Duration
	Banned              bool
	HealthCheckOK       bool
	LastUsed            time.Time
	domains             map[string]*DomainStats
}

// Server returns the proxy URL for handing to the browser driver.
func (r *Record) Server() string {
	return r.URL
}

type Options struct {
	Strategy            string
	MaxFailures         int
	HealthCheckURL      string
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
}

func DefaultOptions() Options {
	return Options{
		Strategy:            StrategyPerformance,
		MaxFailures:         3,
		HealthCheckURL:      "https://www.google.com/generate_204",
		HealthCheckInterval: 5 * time.Minute,
		HealthCheckTimeout:  10 * time.Second,
	}
}

// Manager owns the inventory. All mutation happens under one mutex because
// concurrent scrapes read-modify-write the same counters.
type Manager struct {
	mu      sync.Mutex
	records []*Record
	opts    Options
	cursor  int
	logger  *slog.Logger
	stopCh  chan struct{}
	once    sync.Once

	// probe is swappable in tests; the default dials HealthCheckURL through
	// the proxy.
	probe func(ctx context.Context, rec *Record) (time.Duration, error)
}

func NewManager(proxies []string, opts Options, logger *slog.Logger) *Manager {
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultOptions().MaxFailures
	}
	if opts.Strategy == "" {
		opts.Strategy = DefaultOptions().Strategy
	}

	m := &Manager{
		opts:   opts,
		logger: logger.With("component", "proxy"),
		stopCh: make(chan struct{}),
	}
	m.probe = m.httpProbe

	for _, p := range proxies {
		m.records = append(m.records, &Record{
			URL:           p,
			HealthCheckOK: true,
			domains:       make(map[string]*DomainStats),
		})
	}

	return m
}

// Count returns the inventory size.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Select picks a proxy for domain under the configured strategy. It returns
// nil, nil when no proxies are configured at all (direct connection); it never
// returns a banned or health-check-failed proxy while a usable one exists.
func (m *Manager) Select(domain string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.records) == 0 {
		return nil, nil
	}

	usable := m.usableLocked()
	if len(usable) == 0 {
		m.resetBansLocked()
		usable = m.usableLocked()
		if len(usable) == 0 {
			return nil, ErrNoProxies
		}
	}

	var rec *Record
	switch m.opts.Strategy {
	case StrategyRandom:
		rec = usable[rand.Intn(len(usable))]
	case StrategyPerformance:
		rec = m.bestForDomainLocked(usable, domain)
	default: // sequential
		rec = usable[m.cursor%len(usable)]
		m.cursor++
	}

	rec.LastUsed = time.Now()
	return rec, nil
}

func (m *Manager) usableLocked() []*Record {
	usable := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		if !rec.Banned && rec.HealthCheckOK {
			usable = append(usable, rec)
		}
	}
	return usable
}

// All proxies banned or unhealthy means the selectable set is empty forever;
// failing open keeps the system alive at the cost of retrying bad egress.
func (m *Manager) resetBansLocked() {
	m.logger.Warn("all proxies banned, clearing bans", "count", len(m.records))
	for _, rec := range m.records {
		rec.Banned = false
		rec.ConsecutiveFailures = 0
		rec.HealthCheckOK = true
	}
}

func (m *Manager) bestForDomainLocked(usable []*Record, domain string) *Record {
	sorted := make([]*Record, len(usable))
	copy(sorted, usable)

	sort.SliceStable(sorted, func(i, j int) bool {
		ri := sorted[i].domainStatsLocked(domain).successRate()
		rj := sorted[j].domainStatsLocked(domain).successRate()
		if ri != rj {
			return ri > rj
		}
		return sorted[i].AvgResponseTime < sorted[j].AvgResponseTime
	})

	return sorted[0]
}

func (r *Record) domainStatsLocked(domain string) *DomainStats {
	if r.domains == nil {
		r.domains = make(map[string]*DomainStats)
	}
	ds, ok := r.domains[domain]
	if !ok {
		ds = &DomainStats{}
		r.domains[domain] = ds
	}
	return ds
}

// ReportResult records one attempt outcome for rec. latency is only folded
// into the rolling average on success.
func (m *Manager) ReportResult(rec *Record, success bool, latency time.Duration, domain string) {
	if rec == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ds := rec.domainStatsLocked(domain)

	if success {
		rec.SuccessCount++
		rec.ConsecutiveFailures = 0
		ds.SuccessCount++
		if rec.AvgResponseTime == 0 {
			rec.AvgResponseTime = latency
		} else {
			rec.AvgResponseTime = (rec.AvgResponseTime*4 + latency) / 5
		}
		return
	}

	rec.FailureCount++
	rec.ConsecutiveFailures++
	ds.FailureCount++

	if rec.ConsecutiveFailures >= m.opts.MaxFailures && !rec.Banned {
		rec.Banned = true
		m.logger.Warn("proxy banned", "proxy", rec.URL, "consecutiveFailures", rec.ConsecutiveFailures)
	}
}

// StartHealthChecks launches the periodic probe loop. It stops when ctx is
// cancelled or Stop is called.
func (m *Manager) StartHealthChecks(ctx context.Context) {
	if m.opts.HealthCheckInterval <= 0 || m.Count() == 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(m.opts.HealthCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.runHealthChecks(ctx)
			}
		}
	}()
}

// Stop terminates the health-check loop.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
}

func (m *Manager) runHealthChecks(ctx context.Context) {
	m.mu.Lock()
	records := make([]*Record, len(m.records))
	copy(records, m.records)
	m.mu.Unlock()

	for _, rec := range records {
		latency, err := m.probe(ctx, rec)

		m.mu.Lock()
		if err != nil {
			rec.HealthCheckOK = false
			m.logger.Warn("proxy health check failed", "proxy", rec.URL, "error", err)
		} else {
			rec.HealthCheckOK = true
			if rec.AvgResponseTime == 0 {
				rec.AvgResponseTime = latency
			}
		}
		m.mu.Unlock()
	}
}

func (m *Manager) httpProbe(ctx context.Context, rec *Record) (time.Duration, error) {
	proxyURL, err := url.Parse(rec.URL)
	if err != nil {
		return 0, fmt.Errorf("invalid proxy url: %w", err)
	}

	client := &http.Client{
		Timeout: m.opts.HealthCheckTimeout,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.opts.HealthCheckURL, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("proxy probe failed: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("proxy probe returned status %d", resp.StatusCode)
	}

	return time.Since(start), nil
}

// Stats is a point-in-time snapshot of one record for the diagnostics API.
type Stats struct {
	URL                 string        `json:"url"`
	SuccessCount        int           `json:"success_count"`
	FailureCount        int           `json:"failure_count"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	AvgResponseTime     time.Duration `json:"avg_response_time"`
	Banned              bool          `json:"banned"`
	HealthCheckOK       bool          `json:"health_check_ok"`
}

// Snapshot returns stats for every record.
func (m *Manager) Snapshot() []Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Stats, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, Stats{
			URL:                 rec.URL,
			SuccessCount:        rec.SuccessCount,
			FailureCount:        rec.FailureCount,
			ConsecutiveFailures: rec.ConsecutiveFailures,
			AvgResponseTime:     rec.AvgResponseTime,
			Banned:              rec.Banned,
			HealthCheckOK:       rec.HealthCheckOK,
		})
	}
	return out
}
