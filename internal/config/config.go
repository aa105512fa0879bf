package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Pool     PoolConfig
	Proxy    ProxyConfig
	Breaker  BreakerConfig
	Retry    RetryConfig
	Scraper  ScraperConfig
	Queue    QueueConfig
	Captcha  CaptchaConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type PoolConfig struct {
	MinBrowsers         int
	MaxBrowsers         int
	RotationThreshold   int
	MaxBrowserAge       time.Duration
	HealthCheckInterval time.Duration
	MemoryCeilingMB     uint64
	AcquireTimeout      time.Duration
	Headless            bool
}

type ProxyConfig struct {
	Proxies             []string
	RotationStrategy    string // sequential, random, performance
	MaxFailures         int
	HealthCheckURL      string
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
}

type BreakerConfig struct {
	FailureThreshold    int
	ResetTimeout        time.Duration
	HalfOpenMaxRequests int
}

type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type ScraperConfig struct {
	NavigationTimeout time.Duration
	ExtractionTimeout time.Duration
	FailureDir        string
	FingerprintTTL    time.Duration
	MinDomainDelay    time.Duration
	MaxDomainDelay    time.Duration
}

type QueueConfig struct {
	Concurrency    int
	MaxConcurrency int
}

type CaptchaConfig struct {
	APIKey       string
	SubmitURL    string
	ResultURL    string
	PollInterval time.Duration
	MaxPolls     int
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	Enabled  bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	Enabled  bool
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", "8080"),
			Host:            getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Pool: PoolConfig{
			MinBrowsers:         getIntOrDefault("POOL_MIN_BROWSERS", 1),
			MaxBrowsers:         getIntOrDefault("POOL_MAX_BROWSERS", 3),
			RotationThreshold:   getIntOrDefault("POOL_ROTATION_THRESHOLD", 25),
			MaxBrowserAge:       getDurationOrDefault("POOL_MAX_BROWSER_AGE", 30*time.Minute),
			HealthCheckInterval: getDurationOrDefault("POOL_HEALTH_CHECK_INTERVAL", time.Minute),
			MemoryCeilingMB:     uint64(getIntOrDefault("POOL_MEMORY_CEILING_MB", 2048)),
			AcquireTimeout:      getDurationOrDefault("POOL_ACQUIRE_TIMEOUT", 45*time.Second),
			Headless:            getBoolOrDefault("POOL_HEADLESS", true),
		},
		Proxy: ProxyConfig{
			Proxies:             getStringSliceOrDefault("PROXY_LIST", []string{}),
			RotationStrategy:    getEnvOrDefault("PROXY_ROTATION_STRATEGY", "performance"),
			MaxFailures:         getIntOrDefault("PROXY_MAX_FAILURES", 3),
			HealthCheckURL:      getEnvOrDefault("PROXY_HEALTH_CHECK_URL", "https://www.google.com/generate_204"),
			HealthCheckInterval: getDurationOrDefault("PROXY_HEALTH_CHECK_INTERVAL", 5*time.Minute),
			HealthCheckTimeout:  getDurationOrDefault("PROXY_HEALTH_CHECK_TIMEOUT", 10*time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold:    getIntOrDefault("BREAKER_FAILURE_THRESHOLD", 5),
			ResetTimeout:        getDurationOrDefault("BREAKER_RESET_TIMEOUT", time.Minute),
			HalfOpenMaxRequests: getIntOrDefault("BREAKER_HALF_OPEN_MAX_REQUESTS", 2),
		},
		Retry: RetryConfig{
			MaxRetries: getIntOrDefault("RETRY_MAX_RETRIES", 3),
			BaseDelay:  getDurationOrDefault("RETRY_BASE_DELAY", time.Second),
			MaxDelay:   getDurationOrDefault("RETRY_MAX_DELAY", 2*time.Minute),
		},
		Scraper: ScraperConfig{
			NavigationTimeout: getDurationOrDefault("SCRAPER_NAVIGATION_TIMEOUT", 30*time.Second),
			ExtractionTimeout: getDurationOrDefault("SCRAPER_EXTRACTION_TIMEOUT", 15*time.Second),
			FailureDir:        getEnvOrDefault("SCRAPER_FAILURE_DIR", "failures"),
			FingerprintTTL:    getDurationOrDefault("SCRAPER_FINGERPRINT_TTL", time.Hour),
			MinDomainDelay:    getDurationOrDefault("SCRAPER_MIN_DOMAIN_DELAY", 2*time.Second),
			MaxDomainDelay:    getDurationOrDefault("SCRAPER_MAX_DOMAIN_DELAY", 6*time.Second),
		},
		Queue: QueueConfig{
			Concurrency:    getIntOrDefault("QUEUE_CONCURRENCY", 3),
			MaxConcurrency: getIntOrDefault("QUEUE_MAX_CONCURRENCY", 8),
		},
		Captcha: CaptchaConfig{
			APIKey:       getEnvOrDefault("CAPTCHA_API_KEY", ""),
			SubmitURL:    getEnvOrDefault("CAPTCHA_SUBMIT_URL", "https://2captcha.com/in.php"),
			ResultURL:    getEnvOrDefault("CAPTCHA_RESULT_URL", "https://2captcha.com/res.php"),
			PollInterval: getDurationOrDefault("CAPTCHA_POLL_INTERVAL", 5*time.Second),
			MaxPolls:     getIntOrDefault("CAPTCHA_MAX_POLLS", 24),
		},
		Database: DatabaseConfig{
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			DBName:   getEnvOrDefault("DB_NAME", "pricesentry"),
			SSLMode:  getEnvOrDefault("DB_SSL_MODE", "disable"),
			Enabled:  getBoolOrDefault("DB_ENABLED", false),
		},
		Redis: RedisConfig{
			Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       getIntOrDefault("REDIS_DB", 0),
			Stream:   getEnvOrDefault("REDIS_STREAM", "pricesentry:events"),
			Enabled:  getBoolOrDefault("REDIS_ENABLED", false),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Pool.MaxBrowsers < 1 {
		return fmt.Errorf("POOL_MAX_BROWSERS must be at least 1")
	}

	if c.Pool.MinBrowsers > c.Pool.MaxBrowsers {
		return fmt.Errorf("POOL_MIN_BROWSERS cannot be greater than POOL_MAX_BROWSERS")
	}

	switch c.Proxy.RotationStrategy {
	case "sequential", "random", "performance":
	default:
		return fmt.Errorf("PROXY_ROTATION_STRATEGY must be sequential, random or performance")
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be at least 1")
	}

	if c.Breaker.HalfOpenMaxRequests < 1 {
		return fmt.Errorf("BREAKER_HALF_OPEN_MAX_REQUESTS must be at least 1")
	}

	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("QUEUE_CONCURRENCY must be at least 1")
	}

	if c.Queue.Concurrency > c.Queue.MaxConcurrency {
		return fmt.Errorf("QUEUE_CONCURRENCY cannot be greater than QUEUE_MAX_CONCURRENCY")
	}

	if c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("RETRY_BASE_DELAY cannot be greater than RETRY_MAX_DELAY")
	}

	if c.Scraper.MinDomainDelay > c.Scraper.MaxDomainDelay {
		return fmt.Errorf("SCRAPER_MIN_DOMAIN_DELAY cannot be greater than SCRAPER_MAX_DOMAIN_DELAY")
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
