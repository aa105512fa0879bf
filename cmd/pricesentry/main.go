package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/pricesentry/pricesentry/internal/adaptive"
	"github.com/pricesentry/pricesentry/internal/api"
	"github.com/pricesentry/pricesentry/internal/breaker"
	"github.com/pricesentry/pricesentry/internal/captcha"
	"github.com/pricesentry/pricesentry/internal/config"
	"github.com/pricesentry/pricesentry/internal/driver"
	"github.com/pricesentry/pricesentry/internal/extract"
	"github.com/pricesentry/pricesentry/internal/fingerprint"
	"github.com/pricesentry/pricesentry/internal/notify"
	"github.com/pricesentry/pricesentry/internal/pool"
	"github.com/pricesentry/pricesentry/internal/proxy"
	"github.com/pricesentry/pricesentry/internal/queue"
	"github.com/pricesentry/pricesentry/internal/ratelimit"
	"github.com/pricesentry/pricesentry/internal/retry"
	"github.com/pricesentry/pricesentry/internal/scraper"
	"github.com/pricesentry/pricesentry/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Logging.Level),
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	drv, err := driver.NewPlaywrightDriver()
	if err != nil {
		logger.Error("failed to start browser driver", "error", err)
		os.Exit(1)
	}
	defer drv.Close()

	fingerprints := fingerprint.NewGenerator(cfg.Scraper.FingerprintTTL)

	browserPool := pool.New(drv, fingerprints, pool.Options{
		MinBrowsers:         cfg.Pool.MinBrowsers,
		MaxBrowsers:         cfg.Pool.MaxBrowsers,
		RotationThreshold:   cfg.Pool.RotationThreshold,
		MaxBrowserAge:       cfg.Pool.MaxBrowserAge,
		HealthCheckInterval: cfg.Pool.HealthCheckInterval,
		MemoryCeilingMB:     cfg.Pool.MemoryCeilingMB,
		AcquireTimeout:      cfg.Pool.AcquireTimeout,
		Headless:            cfg.Pool.Headless,
	}, logger)
	defer browserPool.Close()

	if err := browserPool.Prewarm(ctx); err != nil {
		logger.Error("failed to prewarm browser pool", "error", err)
		os.Exit(1)
	}
	browserPool.StartHealthChecks(ctx)

	proxies := proxy.NewManager(cfg.Proxy.Proxies, proxy.Options{
		Strategy:            cfg.Proxy.RotationStrategy,
		MaxFailures:         cfg.Proxy.MaxFailures,
		HealthCheckURL:      cfg.Proxy.HealthCheckURL,
		HealthCheckInterval: cfg.Proxy.HealthCheckInterval,
		HealthCheckTimeout:  cfg.Proxy.HealthCheckTimeout,
	}, logger)
	proxies.StartHealthChecks(ctx)
	defer proxies.Stop()

	domainBreaker := breaker.New(breaker.Options{
		FailureThreshold:    cfg.Breaker.FailureThreshold,
		ResetTimeout:        cfg.Breaker.ResetTimeout,
		HalfOpenMaxRequests: cfg.Breaker.HalfOpenMaxRequests,
	}, logger)

	retrier := retry.NewOrchestrator(domainBreaker, retry.Options{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
	}, logger)

	tasks := queue.New(cfg.Queue.Concurrency, logger)
	defer tasks.Close()

	tasks.SetListeners(queue.Listeners{
		OnFailed: func(id string, err error) {
			logger.Warn("task failed", "task", id, "error", err)
		},
		OnEmpty: func(stats queue.BatchStats) {
			logger.Info("queue drained",
				"completed", stats.Completed,
				"failed", stats.Failed,
				"duration", stats.Duration,
			)
		},
	})

	optimizer := adaptive.NewOptimizer(tasks, adaptive.Options{
		MinConcurrency: 1,
		MaxConcurrency: cfg.Queue.MaxConcurrency,
		RaiseThreshold: 0.9,
		DropThreshold:  0.5,
	}, logger)

	var solver captcha.Solver
	if cfg.Captcha.APIKey != "" {
		solver = captcha.NewHTTPSolver(captcha.Options{
			APIKey:       cfg.Captcha.APIKey,
			SubmitURL:    cfg.Captcha.SubmitURL,
			ResultURL:    cfg.Captcha.ResultURL,
			PollInterval: cfg.Captcha.PollInterval,
			MaxPolls:     cfg.Captcha.MaxPolls,
		}, logger)
	}

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		notifier = notify.NewStreamNotifier(redisClient, cfg.Redis.Stream, logger)
	}

	var store *storage.Store
	if cfg.Database.Enabled {
		store, err = storage.New(ctx, storage.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		})
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer store.Close()

		if err := store.EnsureSchema(ctx); err != nil {
			logger.Error("failed to ensure database schema", "error", err)
			os.Exit(1)
		}
	}

	svc := scraper.NewService(scraper.Deps{
		Pool:         browserPool,
		Proxies:      proxies,
		Retrier:      retrier,
		Pipeline:     extract.NewPipeline(logger),
		Fingerprints: fingerprints,
		Solver:       solver,
		Notifier:     notifier,
		Store:        store,
		Optimizer:    optimizer,
		Tasks:        tasks,
		Pacer:        ratelimit.NewPacer(cfg.Scraper.MinDomainDelay, cfg.Scraper.MaxDomainDelay),
	}, scraper.Options{
		NavigationTimeout: cfg.Scraper.NavigationTimeout,
		ExtractionTimeout: cfg.Scraper.ExtractionTimeout,
		FailureDir:        cfg.Scraper.FailureDir,
	}, logger)

	handlers := api.NewHandlers(svc, browserPool, proxies, domainBreaker, tasks, logger)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))
	handlers.Routes(router)

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
