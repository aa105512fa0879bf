package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricesentry/pricesentry/internal/adaptive"
	"github.com/pricesentry/pricesentry/internal/breaker"
	"github.com/pricesentry/pricesentry/internal/driver"
	"github.com/pricesentry/pricesentry/internal/extract"
	"github.com/pricesentry/pricesentry/internal/fingerprint"
	"github.com/pricesentry/pricesentry/internal/pool"
	"github.com/pricesentry/pricesentry/internal/proxy"
	"github.com/pricesentry/pricesentry/internal/queue"
	"github.com/pricesentry/pricesentry/internal/retry"
)

type fakePage struct {
	mu           sync.Mutex
	content      string
	afterClick   string
	afterEval    string
	retryContent string
	gotoErr      error
	gotos        []string
	evals        []string
	clicks       []string

	gotoDelay    time.Duration
	inFlight     int64
	peakInFlight int64
}

func (p *fakePage) Goto(url string, opts driver.GotoOptions) error {
	if p.gotoDelay > 0 {
		n := atomic.AddInt64(&p.inFlight, 1)
		for {
			peak := atomic.LoadInt64(&p.peakInFlight)
			if n <= peak || atomic.CompareAndSwapInt64(&p.peakInFlight, peak, n) {
				break
			}
		}
		time.Sleep(p.gotoDelay)
		atomic.AddInt64(&p.inFlight, -1)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.gotos = append(p.gotos, url)
	if len(p.gotos) > 1 && p.retryContent != "" {
		p.content = p.retryContent
	}
	return p.gotoErr
}

func (p *fakePage) Content() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content, nil
}

func (p *fakePage) Title() (string, error) { return "", nil }

func (p *fakePage) Evaluate(script string) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evals = append(p.evals, script)
	if p.afterEval != "" {
		p.content = p.afterEval
		p.afterEval = ""
	}
	return nil, nil
}

func (p *fakePage) Click(selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clicks = append(p.clicks, selector)
	if p.afterClick != "" {
		p.content = p.afterClick
		p.afterClick = ""
	}
	return nil
}

func (p *fakePage) Screenshot(fullPage bool) ([]byte, error) { return []byte("png"), nil }
func (p *fakePage) Close() error                             { return nil }

type fakeContext struct{ page *fakePage }

func (c *fakeContext) NewPage() (driver.Page, error)          { return c.page, nil }
func (c *fakeContext) AddInitScript(string) error             { return nil }
func (c *fakeContext) EnforceHeaders(map[string]string) error { return nil }
func (c *fakeContext) Close() error                           { return nil }

var _ driver.Context = (*fakeContext)(nil)

type fakeBrowser struct{ page *fakePage }

func (b *fakeBrowser) NewContext(driver.ContextOptions) (driver.Context, error) {
	return &fakeContext{page: b.page}, nil
}
func (b *fakeBrowser) IsConnected() bool { return true }
func (b *fakeBrowser) Close() error      { return nil }

type fakeDriver struct {
	page      *fakePage
	launchErr error
}

func (d *fakeDriver) Launch(context.Context, driver.LaunchOptions) (driver.Browser, error) {
	if d.launchErr != nil {
		return nil, d.launchErr
	}
	return &fakeBrowser{page: d.page}, nil
}
func (d *fakeDriver) Close() error { return nil }

type fakeSolver struct {
	token string
	err   error
	calls int
}

func (s *fakeSolver) Solve(ctx context.Context, sitekey, pageURL string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.token, nil
}

func buildTestService(t *testing.T, drv *fakeDriver, proxies []string, maxBrowsers int) *Service {
	t.Helper()
	logger := slog.Default()

	browserPool := pool.New(drv, fingerprint.NewGenerator(time.Hour), pool.Options{
		MaxBrowsers:    maxBrowsers,
		AcquireTimeout: time.Second,
	}, logger)
	t.Cleanup(func() { browserPool.Close() })

	domainBreaker := breaker.New(breaker.Options{
		FailureThreshold:    50,
		ResetTimeout:        time.Minute,
		HalfOpenMaxRequests: 1,
	}, logger)

	retrier := retry.NewOrchestrator(domainBreaker, retry.Options{
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
	}, logger)

	tasks := queue.New(2, logger)
	t.Cleanup(tasks.Close)

	return NewService(Deps{
		Pool:         browserPool,
		Proxies:      proxy.NewManager(proxies, proxy.DefaultOptions(), logger),
		Retrier:      retrier,
		Pipeline:     extract.NewPipeline(logger),
		Fingerprints: fingerprint.NewGenerator(time.Hour),
		Tasks:        tasks,
	}, Options{
		NavigationTimeout: time.Second,
		ExtractionTimeout: time.Second,
		FailureDir:        t.TempDir(),
	}, logger)
}

func newTestService(t *testing.T, page *fakePage) *Service {
	t.Helper()
	return buildTestService(t, &fakeDriver{page: page}, nil, 2)
}

const productHTML = `<html><head>
	<script type="application/ld+json">
	{"@type":"Product","offers":{"@type":"Offer","price":"1899.00"}}
	</script>
</head><body><h1>Product</h1></body></html>`

func TestScrapePriceSuccess(t *testing.T) {
	page := &fakePage{content: productHTML}
	svc := newTestService(t, page)

	result := svc.ScrapePrice(context.Background(), "https://shop.example/p/1")

	assert.True(t, result.Success)
	require.NotNil(t, result.Price)
	assert.InDelta(t, 1899.00, *result.Price, 0.001)
	assert.Equal(t, "structuredData", result.Strategy)
	assert.Empty(t, result.Error)
	require.Len(t, page.gotos, 1)
	assert.Equal(t, "https://shop.example/p/1", page.gotos[0])
}

func TestScrapePriceInvalidURL(t *testing.T) {
	page := &fakePage{content: productHTML}
	svc := newTestService(t, page)

	result := svc.ScrapePrice(context.Background(), "not a url")

	assert.False(t, result.Success)
	assert.Nil(t, result.Price)
	assert.Contains(t, result.Error, "invalid url")
}

func TestScrapePriceNoPriceExhaustsRetries(t *testing.T) {
	page := &fakePage{content: `<html><body><p>Sold out</p></body></html>`}
	svc := newTestService(t, page)

	result := svc.ScrapePrice(context.Background(), "https://shop.example/p/1")

	assert.False(t, result.Success)
	assert.Nil(t, result.Price)
	assert.Contains(t, result.Error, "retries exhausted")
	assert.NotEmpty(t, result.FailReasons)
	// Original attempt plus one retry.
	assert.Len(t, page.gotos, 2)
}

func TestScrapePriceNavigationFailure(t *testing.T) {
	page := &fakePage{content: productHTML, gotoErr: errors.New("net::ERR_CONNECTION_REFUSED")}
	svc := newTestService(t, page)

	result := svc.ScrapePrice(context.Background(), "https://shop.example/p/1")

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "retries exhausted")
	assert.NotEmpty(t, result.FailReasons)
}

func TestScrapePriceImplausibleValueRejected(t *testing.T) {
	page := &fakePage{content: `<html><head>
		<script type="application/ld+json">
		{"@type":"Product","offers":{"price":"99999999999"}}
		</script>
	</head><body></body></html>`}
	svc := newTestService(t, page)

	result := svc.ScrapePrice(context.Background(), "https://shop.example/p/1")

	assert.False(t, result.Success)
	assert.Nil(t, result.Price)
	assert.Contains(t, result.Error, "implausible")
}

func TestScrapePriceInterstitialClickThrough(t *testing.T) {
	page := &fakePage{
		content:    `<html><body><p>Continue shopping</p><button type="submit">Go</button></body></html>`,
		afterClick: productHTML,
	}
	svc := newTestService(t, page)

	result := svc.ScrapePrice(context.Background(), "https://shop.example/p/1")

	assert.True(t, result.Success)
	require.NotNil(t, result.Price)
	assert.InDelta(t, 1899.00, *result.Price, 0.001)
	assert.NotEmpty(t, page.clicks)
}

func TestScrapePriceCaptchaSolved(t *testing.T) {
	page := &fakePage{
		content:   `<html><body>Captcha check<div class="g-recaptcha" data-sitekey="site-123"></div></body></html>`,
		afterEval: productHTML,
	}
	svc := newTestService(t, page)
	solver := &fakeSolver{token: "tok-1"}
	svc.solver = solver

	result := svc.ScrapePrice(context.Background(), "https://shop.example/p/1")

	assert.True(t, result.Success)
	assert.Equal(t, 1, solver.calls)
	require.NotEmpty(t, page.evals)
	assert.Contains(t, page.evals[0], "tok-1")
}

func TestScrapePriceCaptchaWithoutSolverFails(t *testing.T) {
	page := &fakePage{
		content: `<html><body>Captcha<div data-sitekey="site-123"></div></body></html>`,
	}
	svc := newTestService(t, page)

	result := svc.ScrapePrice(context.Background(), "https://shop.example/p/1")

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "no solver configured")
}

func TestParallelScrapePreservesOrder(t *testing.T) {
	page := &fakePage{content: productHTML}
	svc := newTestService(t, page)

	urls := []string{
		"https://shop.example/p/1",
		"not a url",
		"https://shop.example/p/3",
		"https://shop.example/p/4",
	}

	results := svc.ParallelScrape(context.Background(), urls, 2)

	require.Len(t, results, len(urls))
	for i, r := range results {
		assert.Equal(t, urls[i], r.URL)
	}
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.True(t, results[2].Success)
	assert.True(t, results[3].Success)
}

func TestParallelScrapeCapHoldsUnderOptimizer(t *testing.T) {
	page := &fakePage{content: productHTML, gotoDelay: 5 * time.Millisecond}
	svc := buildTestService(t, &fakeDriver{page: page}, nil, 8)
	svc.optimizer = adaptive.NewOptimizer(svc.tasks, adaptive.Options{
		MinConcurrency: 1,
		MaxConcurrency: 8,
		RaiseThreshold: 0.5,
		DropThreshold:  0.1,
	}, slog.Default())

	urls := make([]string, 30)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://shop.example/p/%d", i)
	}

	results := svc.ParallelScrape(context.Background(), urls, 3)

	require.Len(t, results, len(urls))
	for _, r := range results {
		assert.True(t, r.Success)
	}
	// The optimizer raised the shared queue limit mid-batch, yet the
	// caller's cap on concurrent scrapes held.
	assert.Greater(t, svc.tasks.Concurrency(), 3)
	assert.LessOrEqual(t, atomic.LoadInt64(&page.peakInFlight), int64(3))
}

const bothPricesHTML = `<html><head>
	<script type="application/ld+json">
	{"@type":"Product","offers":{"@type":"Offer","price":"299.00"}}
	</script>
</head><body>
	<div id="corePrice_feature_div"><span class="a-price"><span class="a-offscreen">R$ 199,90</span></span></div>
</body></html>`

func TestParseFailureRetriesWithDemotedWinner(t *testing.T) {
	page := &fakePage{
		content:      `<html><body><p>Loading</p></body></html>`,
		retryContent: bothPricesHTML,
	}
	svc := newTestService(t, page)

	// A previous scrape of the family left the selector strategy memoized.
	seeded := svc.pipeline.Extract(`<html><body>
		<div id="corePrice_feature_div"><span class="a-price"><span class="a-offscreen">R$ 199,90</span></span></div>
	</body></html>`, "www.amazon.com.br")
	require.NotNil(t, seeded.Price)
	require.Equal(t, "domainSelectors", seeded.Strategy)

	result := svc.ScrapePrice(context.Background(), "https://www.amazon.com.br/dp/B0TEST")

	assert.True(t, result.Success)
	require.NotNil(t, result.Price)
	// The retry after the parse failure runs the memoized winner last, so
	// structured data resolves first.
	assert.Equal(t, "structuredData", result.Strategy)
	assert.InDelta(t, 299.00, *result.Price, 0.001)
	assert.Len(t, page.gotos, 2)
}

func TestScrapePriceExtractionTimeout(t *testing.T) {
	page := &fakePage{content: productHTML}
	svc := newTestService(t, page)
	svc.opts.ExtractionTimeout = 10 * time.Millisecond
	svc.extractFn = func(html, domain string, alternate bool) extract.Outcome {
		time.Sleep(200 * time.Millisecond)
		return extract.Outcome{}
	}

	result := svc.ScrapePrice(context.Background(), "https://shop.example/p/1")

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "extraction timed out")
}

func TestBrowserLaunchFailureDoesNotPunishProxy(t *testing.T) {
	page := &fakePage{content: productHTML}
	drv := &fakeDriver{page: page, launchErr: errors.New("browser failed to start")}
	svc := buildTestService(t, drv, []string{"http://p1:8080"}, 2)

	result := svc.ScrapePrice(context.Background(), "https://shop.example/p/1")
	assert.False(t, result.Success)

	snaps := svc.proxies.Snapshot()
	require.Len(t, snaps, 1)
	assert.Zero(t, snaps[0].FailureCount)
	assert.Zero(t, snaps[0].ConsecutiveFailures)
	assert.False(t, snaps[0].Banned)
}

func TestTargetDomain(t *testing.T) {
	tests := []struct {
		raw      string
		expected string
		hasError bool
	}{
		{"https://www.Amazon.com.br/dp/B0ABC", "www.amazon.com.br", false},
		{"http://shop.example:8443/p/1", "shop.example", false},
		{"not a url", "", true},
		{"/relative/path", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			domain, err := targetDomain(tt.raw)
			if tt.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, domain)
		})
	}
}
