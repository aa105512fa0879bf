// Package storage persists extracted price snapshots to Postgres. The scraper
// works fine with a nil store; persistence is an optional collaborator.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
}

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema creates the price history table if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS price_snapshots (
			id BIGSERIAL PRIMARY KEY,
			url TEXT NOT NULL,
			domain TEXT NOT NULL,
			price NUMERIC(12,2) NOT NULL,
			strategy TEXT NOT NULL,
			scraped_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_price_snapshots_url ON price_snapshots (url, scraped_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Snapshot is one persisted price observation.
type Snapshot struct {
	URL       string    `json:"url"`
	Domain    string    `json:"domain"`
	Price     float64   `json:"price"`
	Strategy  string    `json:"strategy"`
	ScrapedAt time.Time `json:"scraped_at"`
}

func (s *Store) SavePrice(ctx context.Context, snap Snapshot) error {
	if snap.ScrapedAt.IsZero() {
		snap.ScrapedAt = time.Now()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO price_snapshots (url, domain, price, strategy, scraped_at)
		VALUES ($1, $2, $3, $4, $5)
	`, snap.URL, snap.Domain, snap.Price, snap.Strategy, snap.ScrapedAt)
	if err != nil {
		return fmt.Errorf("failed to save price snapshot: %w", err)
	}
	return nil
}

// RecentPrices returns the newest snapshots for url, newest first.
func (s *Store) RecentPrices(ctx context.Context, url string, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx, `
		SELECT url, domain, price, strategy, scraped_at
		FROM price_snapshots
		WHERE url = $1
		ORDER BY scraped_at DESC
		LIMIT $2
	`, url, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.URL, &snap.Domain, &snap.Price, &snap.Strategy, &snap.ScrapedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}
