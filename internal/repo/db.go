// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file contains database bootstrapping helpers for
// Postgres (production) and SQLite (pure Go driver, local runs and tests),
// connection pool tuning, and table creation.
package repo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	sqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-applications-backend/internal/domain"
)

// PoolOptions bounds the shared connection pool. Callers borrow a connection
// per statement and never hold one across unrelated work.
type PoolOptions struct {
	MinIdle     int
	MaxOpen     int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// DefaultPool mirrors the 1..10 pool the service has always run with.
var DefaultPool = PoolOptions{
	MinIdle:     1,
	MaxOpen:     10,
	MaxIdleTime: 5 * time.Minute,
	MaxLifetime: 30 * time.Minute,
}

// OpenPostgres connects to Postgres through the pgx-backed GORM driver,
// installs the OpenTelemetry plugin, and applies pool bounds.
func OpenPostgres(dsn string, pool PoolOptions) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	if err := db.Use(tracing.NewPlugin()); err != nil {
		return nil, err
	}
	if err := applyPool(db, pool); err != nil {
		return nil, err
	}
	return db, nil
}

// OpenSQLite opens (or creates) a SQLite database and applies PRAGMAs.
func OpenSQLite(path string) (*gorm.DB, error) {
	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA busy_timeout=5000;")

	if err := applyPool(db, DefaultPool); err != nil {
		return nil, err
	}
	return db, nil
}

func applyPool(db *gorm.DB, p PoolOptions) error {
	if p.MaxOpen <= 0 {
		return errors.New("pool max must be > 0")
	}
	if p.MinIdle < 0 || p.MinIdle > p.MaxOpen {
		return errors.New("pool min must be within [0, max]")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(p.MaxOpen)
	sqlDB.SetMaxIdleConns(p.MinIdle)
	if p.MaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(p.MaxIdleTime)
	}
	if p.MaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(p.MaxLifetime)
	}
	return nil
}

// AutoMigrate creates the applications and idempotency tables when missing.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Application{},
		&domain.Idempotency{},
	)
}

// ConnectRetry bounds OpenWithRetry. The zero value means one attempt.
type ConnectRetry struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultConnectRetry waits 1s, 2s, 4s, 4s between five attempts.
var DefaultConnectRetry = ConnectRetry{Attempts: 5, InitialInterval: time.Second, MaxInterval: 4 * time.Second}

// OpenWithRetry calls open until it succeeds, the attempts run out, or ctx
// ends. It covers a store container that is still starting.
func OpenWithRetry(ctx context.Context, r ConnectRetry, open func() (*gorm.DB, error)) (*gorm.DB, error) {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.InitialInterval
	eb.MaxInterval = r.MaxInterval
	eb.Multiplier = 2
	eb.RandomizationFactor = 0

	return backoff.Retry(ctx, open,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retry_in", next).Msg("database not reachable")
		}),
	)
}
