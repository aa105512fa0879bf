package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pricesentry/pricesentry/internal/breaker"
	"github.com/pricesentry/pricesentry/internal/pool"
	"github.com/pricesentry/pricesentry/internal/proxy"
	"github.com/pricesentry/pricesentry/internal/queue"
	"github.com/pricesentry/pricesentry/internal/scraper"
)

type Handlers struct {
	scraper *scraper.Service
	pool    *pool.Pool
	proxies *proxy.Manager
	breaker *breaker.Breaker
	tasks   *queue.Queue
	logger  *slog.Logger
}

func NewHandlers(svc *scraper.Service, p *pool.Pool, proxies *proxy.Manager, b *breaker.Breaker, tasks *queue.Queue, logger *slog.Logger) *Handlers {
	return &Handlers{
		scraper: svc,
		pool:    p,
		proxies: proxies,
		breaker: b,
		tasks:   tasks,
		logger:  logger,
	}
}

func (h *Handlers) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)
	r.Post("/scrape", h.Scrape)
	r.Post("/scrape/batch", h.ScrapeBatch)
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatsResponse aggregates every component's observability snapshot.
type StatsResponse struct {
	Pool    pool.Stats    `json:"pool"`
	Proxies []proxy.Stats `json:"proxies"`
	Breaker breakerStats  `json:"breaker"`
	Queue   queueStats    `json:"queue"`
}

type breakerStats struct {
	TimesOpened  int64             `json:"times_opened"`
	Rejected     int64             `json:"rejected"`
	TotalOpenMs  int64             `json:"total_open_ms"`
	DomainStates map[string]string `json:"domain_states"`
}

type queueStats struct {
	Concurrency int `json:"concurrency"`
	Running     int `json:"running"`
	Pending     int `json:"pending"`
}

func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	metrics, states := h.breaker.Snapshot()

	h.respondJSON(w, http.StatusOK, StatsResponse{
		Pool:    h.pool.Snapshot(),
		Proxies: h.proxies.Snapshot(),
		Breaker: breakerStats{
			TimesOpened:  metrics.TimesOpened,
			Rejected:     metrics.Rejected,
			TotalOpenMs:  metrics.TotalOpenTime.Milliseconds(),
			DomainStates: states,
		},
		Queue: queueStats{
			Concurrency: h.tasks.Concurrency(),
			Running:     h.tasks.Running(),
			Pending:     h.tasks.Pending(),
		},
	})
}

type ScrapeRequest struct {
	URL string `json:"url"`
}

func (h *Handlers) Scrape(w http.ResponseWriter, r *http.Request) {
	var req ScrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		h.respondError(w, http.StatusBadRequest, "url is required")
		return
	}

	result := h.scraper.ScrapePrice(r.Context(), req.URL)
	h.respondJSON(w, http.StatusOK, result)
}

type ScrapeBatchRequest struct {
	URLs        []string `json:"urls"`
	Concurrency int      `json:"concurrency"`
}

func (h *Handlers) ScrapeBatch(w http.ResponseWriter, r *http.Request) {
	var req ScrapeBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.URLs) == 0 {
		h.respondError(w, http.StatusBadRequest, "urls is required")
		return
	}

	results := h.scraper.ParallelScrape(r.Context(), req.URLs, req.Concurrency)
	h.respondJSON(w, http.StatusOK, results)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
