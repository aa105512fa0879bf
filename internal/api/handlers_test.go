package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricesentry/pricesentry/internal/breaker"
	"github.com/pricesentry/pricesentry/internal/driver"
	"github.com/pricesentry/pricesentry/internal/extract"
	"github.com/pricesentry/pricesentry/internal/fingerprint"
	"github.com/pricesentry/pricesentry/internal/pool"
	"github.com/pricesentry/pricesentry/internal/proxy"
	"github.com/pricesentry/pricesentry/internal/queue"
	"github.com/pricesentry/pricesentry/internal/retry"
	"github.com/pricesentry/pricesentry/internal/scraper"
)

type stubPage struct{ content string }

func (p *stubPage) Goto(string, driver.GotoOptions) error { return nil }
func (p *stubPage) Content() (string, error)              { return p.content, nil }
func (p *stubPage) Title() (string, error)                { return "", nil }
func (p *stubPage) Evaluate(string) (any, error)          { return nil, nil }
func (p *stubPage) Click(string) error                    { return nil }
func (p *stubPage) Screenshot(bool) ([]byte, error)       { return nil, nil }
func (p *stubPage) Close() error                          { return nil }

type stubContext struct{ page *stubPage }

func (c *stubContext) NewPage() (driver.Page, error)          { return c.page, nil }
func (c *stubContext) AddInitScript(string) error             { return nil }
func (c *stubContext) EnforceHeaders(map[string]string) error { return nil }
func (c *stubContext) Close() error                           { return nil }

type stubBrowser struct{ page *stubPage }

func (b *stubBrowser) NewContext(driver.ContextOptions) (driver.Context, error) {
	return &stubContext{page: b.page}, nil
}
func (b *stubBrowser) IsConnected() bool { return true }
func (b *stubBrowser) Close() error      { return nil }

type stubDriver struct{ page *stubPage }

func (d *stubDriver) Launch(context.Context, driver.LaunchOptions) (driver.Browser, error) {
	return &stubBrowser{page: d.page}, nil
}
func (d *stubDriver) Close() error { return nil }

func newTestRouter(t *testing.T) (chi.Router, *queue.Queue) {
	t.Helper()
	logger := slog.Default()

	page := &stubPage{content: `<html><head>
		<script type="application/ld+json">{"offers":{"price":"59.90"}}</script>
	</head><body></body></html>`}

	browserPool := pool.New(&stubDriver{page: page}, fingerprint.NewGenerator(time.Hour), pool.Options{
		MaxBrowsers:    2,
		AcquireTimeout: time.Second,
	}, logger)
	t.Cleanup(func() { browserPool.Close() })

	proxies := proxy.NewManager([]string{"http://p1:8080"}, proxy.DefaultOptions(), logger)
	domainBreaker := breaker.New(breaker.DefaultOptions(), logger)
	retrier := retry.NewOrchestrator(domainBreaker, retry.Options{
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
	}, logger)
	tasks := queue.New(2, logger)
	t.Cleanup(tasks.Close)

	svc := scraper.NewService(scraper.Deps{
		Pool:         browserPool,
		Proxies:      proxies,
		Retrier:      retrier,
		Pipeline:     extract.NewPipeline(logger),
		Fingerprints: fingerprint.NewGenerator(time.Hour),
		Tasks:        tasks,
	}, scraper.Options{FailureDir: t.TempDir()}, logger)

	handlers := NewHandlers(svc, browserPool, proxies, domainBreaker, tasks, logger)
	router := chi.NewRouter()
	handlers.Routes(router)
	return router, tasks
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestScrapeEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	body := strings.NewReader(`{"url":"https://shop.example/p/1"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/scrape", body))

	require.Equal(t, http.StatusOK, rec.Code)

	var result scraper.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)
	require.NotNil(t, result.Price)
	assert.InDelta(t, 59.90, *result.Price, 0.001)
}

func TestScrapeEndpointValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"url":`},
		{"missing url", `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/scrape", strings.NewReader(tt.body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestScrapeBatchEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	body := strings.NewReader(`{"urls":["https://shop.example/p/1","https://shop.example/p/2"],"concurrency":2}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/scrape/batch", body))

	require.Equal(t, http.StatusOK, rec.Code)

	var results []scraper.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 2)
	assert.Equal(t, "https://shop.example/p/1", results[0].URL)
	assert.Equal(t, "https://shop.example/p/2", results[1].URL)
}

func TestScrapeBatchEndpointRequiresURLs(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/scrape/batch", strings.NewReader(`{"urls":[]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	// Produce some activity first.
	body := strings.NewReader(`{"url":"https://shop.example/p/1"}`)
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/scrape", body))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Pool.Launched)
	assert.Len(t, stats.Proxies, 1)
	assert.Equal(t, 2, stats.Queue.Concurrency)
}