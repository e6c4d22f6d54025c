package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	_ "github.com/lib/pq"

	"edensetup/pkg/logging"
)

// PostgresConn represents a PostgreSQL database connection
type PostgresConn = *sql.DB

// ErrNoRows is returned when a query returns no rows
var ErrNoRows = sql.ErrNoRows

// Config holds database configuration
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// ConnectRetries bounds how many extra pings are attempted while the
	// database is still starting up.
	ConnectRetries int
	RetryDelay     time.Duration
}

// DefaultConfig returns default database configuration
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectRetries:  5,
		RetryDelay:      time.Second,
	}
}

// Connect opens the pool and pings it, retrying with backoff
func Connect(ctx context.Context, cfg Config, logger logging.Logger) (PostgresConn, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := pingWithRetry(ctx, db, cfg, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	logger.WithFields(logging.Fields{
		"max_open_conns":    cfg.MaxOpenConns,
		"max_idle_conns":    cfg.MaxIdleConns,
		"conn_max_lifetime": cfg.ConnMaxLifetime,
	}).Info("Database connected")

	return db, nil
}

func pingWithRetry(ctx context.Context, db *sql.DB, cfg Config, logger logging.Logger) error {
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	retries := cfg.ConnectRetries
	if retries < 0 {
		retries = 0
	}

	policy := retrypolicy.NewBuilder[any]().
		WithBackoff(delay, 10*delay).
		WithMaxRetries(retries).
		OnRetry(func(e failsafe.ExecutionEvent[any]) {
			logger.WithError(e.LastError()).WithField("attempt", e.Attempts()).Warn("Database not ready, retrying")
		}).
		Build()

	_, err := failsafe.With(policy).WithContext(ctx).Get(func() (any, error) {
		return nil, db.PingContext(ctx)
	})
	return err
}
