// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/stormcloud/internal/domain"
)

var (
	// ErrNotFound is returned when the requested account does not exist.
	ErrNotFound = errors.New("not found")

	// ErrEmailTaken is returned when registering an email that is already in use.
	ErrEmailTaken = errors.New("email already exists")
)

// DefaultLedgerLimit bounds ListLedgerEntries when the caller passes no limit.
const DefaultLedgerLimit = 20

// MaxLedgerLimit is the largest page ListLedgerEntries will return.
const MaxLedgerLimit = 100

// Repository persists accounts, their usage counters and the transformation ledger.
type Repository interface {
	// CreateAccount inserts a new account. Returns ErrEmailTaken on duplicate email.
	CreateAccount(ctx context.Context, account *domain.Account) error

	// GetAccount retrieves an account by ID. Returns ErrNotFound if missing.
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)

	// GetAccountByEmail retrieves an account by email. Returns ErrNotFound if missing.
	GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error)

	// RotateCredential replaces the session credential of an account.
	RotateCredential(ctx context.Context, accountID, credential string) error

	// RecordTransformation appends a ledger entry and increments
	// ai_requests_used by one in a single transaction.
	RecordTransformation(ctx context.Context, entry *domain.LedgerEntry) error

	// IncrementExecutions increments executions_used by one.
	IncrementExecutions(ctx context.Context, accountID string) error

	// GetUsage returns the account counters.
	GetUsage(ctx context.Context, accountID string) (domain.Usage, error)

	// ListLedgerEntries returns the newest ledger entries of an account first.
	ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]*domain.LedgerEntry, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// Options selects and tunes a Repository implementation.
type Options struct {
	Driver string // "sqlite" (default) or "postgres"
	DSN    string // file path for sqlite, connection URL for postgres

	// SQLite busy retry policy. Zero values keep the defaults.
	MaxRetries int
	RetryDelay time.Duration
}

// Open returns the repository for opts.Driver.
func Open(ctx context.Context, opts Options) (Repository, error) {
	switch opts.Driver {
	case "", "sqlite":
		s, err := NewSQLite(opts.DSN)
		if err != nil {
			return nil, err
		}
		s.SetRetryPolicy(opts.MaxRetries, opts.RetryDelay)
		return s, nil
	case "postgres":
		return NewPostgres(ctx, PostgresConfig{DSN: opts.DSN})
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", opts.Driver)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLedgerLimit
	}
	if limit > MaxLedgerLimit {
		return MaxLedgerLimit
	}
	return limit
}
