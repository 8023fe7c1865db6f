// Package postgres implements the store interfaces using PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"previewplane/internal/store"

	_ "github.com/lib/pq"
	"github.com/sethvargo/go-retry"
)

// Config holds the claim and redelivery policy the store enforces.
type Config struct {
	// MaxRetryCount is how many failed attempts a record may accumulate
	// before claims are refused and the record is flagged for review.
	MaxRetryCount int

	// Queue redelivery policy.
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
	MaxAttempts       int
	RetryWindow       time.Duration
	VisibilityTimeout time.Duration
}

// DefaultConfig returns the stock policy: 5 attempts, 10s-300s backoff,
// one hour retry window, 5 minute visibility timeout.
func DefaultConfig() Config {
	return Config{
		MaxRetryCount:     5,
		MinBackoff:        10 * time.Second,
		MaxBackoff:        300 * time.Second,
		MaxAttempts:       5,
		RetryWindow:       time.Hour,
		VisibilityTimeout: 5 * time.Minute,
	}
}

// Store provides PostgreSQL-backed implementations of the deployment store
// and the work queue.
type Store struct {
	db  *sql.DB
	cfg Config
}

// New connects to PostgreSQL and verifies the connection with a bounded
// exponential backoff, so a controller racing its database at startup does
// not crash-loop.
func New(ctx context.Context, databaseURL string, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	backoff := retry.WithMaxRetries(5, retry.NewExponential(500*time.Millisecond))
	if err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	return &Store{db: db, cfg: cfg}, nil
}

// DB exposes the underlying handle for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// BeginTx starts a transaction.
func (s *Store) BeginTx(ctx context.Context) (store.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) getExecutor(tx store.DBTransaction) store.DBTransaction {
	if tx != nil {
		return tx
	}
	return s.db
}
