// Package pool manages the lifecycle of headless-browser processes: bounded
// acquisition, age and usage based rotation, pre-warming, and a timer-driven
// health check with a process-memory ceiling.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/pricesentry/pricesentry/internal/driver"
	"github.com/pricesentry/pricesentry/internal/fingerprint"
	"github.com/pricesentry/pricesentry/internal/stealth"
)

var (
	ErrPoolClosed     = errors.New("browser pool is closed")
	ErrAcquireTimeout = errors.New("timed out waiting for a pool slot")
)

// Handle is an owned browser process. It is never lent to two callers at once.
type Handle struct {
	ID         string
	Browser    driver.Browser
	CreatedAt  time.Time
	UsageCount int
	Prewarmed  bool
	inUse      bool
}

// Lease bundles everything one request needs. The context and page are fresh
// per lease; the browser is shared across leases over time.
type Lease struct {
	Handle  *Handle
	Context driver.Context
	Page    driver.Page
	Profile *fingerprint.Profile
}

// AcquireOptions tune a single acquisition.
type AcquireOptions struct {
	// ProxyServer routes the lease's context through a proxy.
	ProxyServer string
	// ForceRotate closes the selected handle's browser and launches a fresh
	// one regardless of the rotation counter.
	ForceRotate bool
	// ExtraHeaders are merged on top of the fingerprint-derived headers.
	ExtraHeaders map[string]string
}

type Options struct {
	MinBrowsers         int
	MaxBrowsers         int
	RotationThreshold   int
	MaxBrowserAge       time.Duration
	HealthCheckInterval time.Duration
	MemoryCeilingMB     uint64
	AcquireTimeout      time.Duration
	Headless            bool
}

func DefaultOptions() Options {
	return Options{
		MinBrowsers:         1,
		MaxBrowsers:         3,
		RotationThreshold:   25,
		MaxBrowserAge:       30 * time.Minute,
		HealthCheckInterval: time.Minute,
		MemoryCeilingMB:     2048,
		AcquireTimeout:      45 * time.Second,
		Headless:            true,
	}
}

type Stats struct {
	Launched  int64 `json:"launched"`
	Closed    int64 `json:"closed"`
	Acquired  int64 `json:"acquired"`
	Released  int64 `json:"released"`
	Rotations int64 `json:"rotations"`
	Evicted   int64 `json:"evicted"`
	Size      int   `json:"size"`
	InUse     int   `json:"in_use"`
}

type Pool struct {
	drv          driver.Driver
	fingerprints *fingerprint.Generator
	opts         Options
	logger       *slog.Logger

	mu              sync.Mutex
	handles         []*Handle
	rotationCounter int
	closed          bool
	stats           Stats

	// sem bounds concurrent leases; a slot is held from Acquire to Release,
	// which is what keeps pool size at or under MaxBrowsers.
	sem    chan struct{}
	stopCh chan struct{}
	once   sync.Once

	// processMemoryMB is swappable in tests.
	processMemoryMB func() (uint64, error)
}

func New(drv driver.Driver, fingerprints *fingerprint.Generator, opts Options, logger *slog.Logger) *Pool {
	if opts.MaxBrowsers <= 0 {
		opts.MaxBrowsers = DefaultOptions().MaxBrowsers
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultOptions().AcquireTimeout
	}

	return &Pool{
		drv:             drv,
		fingerprints:    fingerprints,
		opts:            opts,
		logger:          logger.With("component", "pool"),
		sem:             make(chan struct{}, opts.MaxBrowsers),
		stopCh:          make(chan struct{}),
		processMemoryMB: processRSSMB,
	}
}

// Prewarm launches MinBrowsers handles so the first requests skip launch cost.
func (p *Pool) Prewarm(ctx context.Context) error {
	for i := 0; i < p.opts.MinBrowsers; i++ {
		handle, err := p.launch(ctx)
		if err != nil {
			return fmt.Errorf("prewarm failed: %w", err)
		}
		handle.Prewarmed = true

		p.mu.Lock()
		p.handles = append(p.handles, handle)
		p.mu.Unlock()
	}
	p.logger.Info("pool prewarmed", "browsers", p.opts.MinBrowsers)
	return nil
}

// Acquire returns a lease with a fresh context and page bound to the domain's
// fingerprint, with anti-detection overrides already applied.
func (p *Pool) Acquire(ctx context.Context, domain string, opts AcquireOptions) (*Lease, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(p.opts.AcquireTimeout):
		return nil, ErrAcquireTimeout
	}

	lease, err := p.acquireLockedSlot(ctx, domain, opts)
	if err != nil {
		<-p.sem
		return nil, err
	}
	return lease, nil
}

// acquireLockedSlot runs with a semaphore slot already held.
func (p *Pool) acquireLockedSlot(ctx context.Context, domain string, opts AcquireOptions) (*Lease, error) {
	handle, err := p.checkout(ctx, opts.ForceRotate)
	if err != nil {
		return nil, err
	}

	profile := p.fingerprints.ForDomain(domain)

	headers := stealth.Headers(profile)
	for k, v := range opts.ExtraHeaders {
		headers[k] = v
	}

	bctx, err := handle.Browser.NewContext(driver.ContextOptions{
		UserAgent:         profile.UserAgent,
		Locale:            profile.Locale,
		TimezoneID:        profile.Timezone,
		ViewportWidth:     profile.ViewportWidth,
		ViewportHeight:    profile.ViewportHeight,
		DeviceScaleFactor: profile.DeviceScaleFactor,
		ExtraHeaders:      headers,
		ProxyServer:       opts.ProxyServer,
	})
	if err != nil {
		p.checkin(handle, true)
		return nil, fmt.Errorf("browser context creation failed: %w", err)
	}

	if err := stealth.Apply(bctx, profile); err != nil {
		bctx.Close()
		p.checkin(handle, true)
		return nil, fmt.Errorf("browser stealth setup failed: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		p.checkin(handle, true)
		return nil, fmt.Errorf("browser page creation failed: %w", err)
	}

	p.mu.Lock()
	p.stats.Acquired++
	p.mu.Unlock()

	return &Lease{Handle: handle, Context: bctx, Page: page, Profile: profile}, nil
}

// checkout picks or launches a handle and marks it in use.
func (p *Pool) checkout(ctx context.Context, forceRotate bool) (*Handle, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	rotate := forceRotate || (p.opts.RotationThreshold > 0 && p.rotationCounter >= p.opts.RotationThreshold)

	var victim *Handle
	if rotate {
		victim = p.mostUsedIdleLocked()
	}

	var handle *Handle
	if victim != nil {
		p.removeLocked(victim)
		p.rotationCounter = 0
		p.stats.Rotations++
	} else {
		handle = p.leastUsedIdleLocked()
	}

	if handle != nil {
		handle.inUse = true
		handle.UsageCount++
		p.rotationCounter++
		p.mu.Unlock()
		return handle, nil
	}

	p.mu.Unlock()

	// Close the rotated-out browser outside the lock.
	if victim != nil {
		p.closeBrowser(victim)
	}

	fresh, err := p.launch(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	fresh.inUse = true
	fresh.UsageCount = 1
	p.rotationCounter++
	p.handles = append(p.handles, fresh)
	p.mu.Unlock()

	return fresh, nil
}

// checkin returns a handle to the pool. When drop is set the browser is
// closed instead of being reused.
func (p *Pool) checkin(handle *Handle, drop bool) {
	p.mu.Lock()
	handle.inUse = false
	if drop || !handle.Browser.IsConnected() {
		p.removeLocked(handle)
		p.mu.Unlock()
		p.closeBrowser(handle)
		return
	}
	p.mu.Unlock()
}

// Release closes the lease's page and context and returns the browser. Safe
// on partially-populated leases so error paths can always call it.
func (p *Pool) Release(lease *Lease) {
	if lease == nil {
		return
	}

	if lease.Page != nil {
		if err := lease.Page.Close(); err != nil {
			p.logger.Debug("page close failed", "error", err)
		}
	}
	if lease.Context != nil {
		if err := lease.Context.Close(); err != nil {
			p.logger.Debug("context close failed", "error", err)
		}
	}
	if lease.Handle != nil {
		p.checkin(lease.Handle, false)
		p.mu.Lock()
		p.stats.Released++
		p.mu.Unlock()
		<-p.sem
	}
}

func (p *Pool) leastUsedIdleLocked() *Handle {
	var best *Handle
	for _, h := range p.handles {
		if h.inUse || !h.Browser.IsConnected() {
			continue
		}
		if best == nil || h.UsageCount < best.UsageCount {
			best = h
		}
	}
	return best
}

func (p *Pool) mostUsedIdleLocked() *Handle {
	var worst *Handle
	for _, h := range p.handles {
		if h.inUse {
			continue
		}
		if worst == nil || h.UsageCount > worst.UsageCount {
			worst = h
		}
	}
	return worst
}

func (p *Pool) removeLocked(handle *Handle) {
	for i, h := range p.handles {
		if h == handle {
			p.handles = append(p.handles[:i], p.handles[i+1:]...)
			return
		}
	}
}

func (p *Pool) launch(ctx context.Context) (*Handle, error) {
	browser, err := p.drv.Launch(ctx, driver.LaunchOptions{Headless: p.opts.Headless})
	if err != nil {
		return nil, fmt.Errorf("browser launch failed: %w", err)
	}

	p.mu.Lock()
	p.stats.Launched++
	p.mu.Unlock()

	handle := &Handle{
		ID:        uuid.New().String(),
		Browser:   browser,
		CreatedAt: time.Now(),
	}
	p.logger.Info("browser launched", "id", handle.ID)
	return handle, nil
}

func (p *Pool) closeBrowser(handle *Handle) {
	if err := handle.Browser.Close(); err != nil {
		p.logger.Warn("browser close failed", "id", handle.ID, "error", err)
	}
	p.mu.Lock()
	p.stats.Closed++
	p.mu.Unlock()
	p.logger.Info("browser closed", "id", handle.ID, "usageCount", handle.UsageCount)
}

// StartHealthChecks launches the timer-driven health check. It only ever
// touches idle handles; a lent-out browser is never closed under a caller.
func (p *Pool) StartHealthChecks(ctx context.Context) {
	if p.opts.HealthCheckInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(p.opts.HealthCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.healthCheck()
			}
		}
	}()
}

func (p *Pool) healthCheck() {
	p.mu.Lock()
	var toClose []*Handle
	now := time.Now()

	for _, h := range p.handles {
		if h.inUse {
			continue
		}
		switch {
		case !h.Browser.IsConnected():
			toClose = append(toClose, h)
			p.stats.Evicted++
		case p.opts.MaxBrowserAge > 0 && now.Sub(h.CreatedAt) > p.opts.MaxBrowserAge:
			toClose = append(toClose, h)
			p.stats.Evicted++
		}
	}
	for _, h := range toClose {
		p.removeLocked(h)
	}
	p.mu.Unlock()

	for _, h := range toClose {
		p.logger.Info("health check evicting browser", "id", h.ID)
		p.closeBrowser(h)
	}

	p.checkMemoryCeiling()
}

// checkMemoryCeiling closes every idle browser and triggers a GC when process
// memory exceeds the configured ceiling.
func (p *Pool) checkMemoryCeiling() {
	if p.opts.MemoryCeilingMB == 0 {
		return
	}

	usedMB, err := p.processMemoryMB()
	if err != nil {
		p.logger.Debug("memory probe failed", "error", err)
		return
	}
	if usedMB <= p.opts.MemoryCeilingMB {
		return
	}

	p.logger.Warn("memory ceiling exceeded, recycling idle browsers",
		"usedMB", usedMB, "ceilingMB", p.opts.MemoryCeilingMB)

	p.mu.Lock()
	var idle []*Handle
	for _, h := range p.handles {
		if !h.inUse {
			idle = append(idle, h)
		}
	}
	for _, h := range idle {
		p.removeLocked(h)
	}
	p.mu.Unlock()

	for _, h := range idle {
		p.closeBrowser(h)
	}

	runtime.GC()
}

// Snapshot returns point-in-time pool statistics.
func (p *Pool) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	s.Size = len(p.handles)
	for _, h := range p.handles {
		if h.inUse {
			s.InUse++
		}
	}
	return s
}

// Size returns the current number of handles, lent-out included.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close shuts the pool down and closes every browser.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	handles := make([]*Handle, len(p.handles))
	copy(handles, p.handles)
	p.handles = nil
	p.mu.Unlock()

	p.once.Do(func() { close(p.stopCh) })

	var firstErr error
	for _, h := range handles {
		if err := h.Browser.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	p.logger.Info("pool closed", "browsers", len(handles))
	return firstErr
}

func processRSSMB() (uint64, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS / 1024 / 1024, nil
}
