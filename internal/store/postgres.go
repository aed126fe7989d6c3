package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashureev/stormcloud/internal/domain"
)

const pgUniqueViolation = "23505"

// PostgresConfig holds connection pool settings for PostgresStore.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

func (c *PostgresConfig) defaults() {
	if c.MaxConns == 0 {
		c.MaxConns = 25
	}
	if c.MinConns == 0 {
		c.MinConns = 2
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = 5 * time.Minute
	}
}

// PostgresStore implements Repository on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool

	afterLedgerInsert func() error
}

var _ Repository = (*PostgresStore)(nil)

// NewPostgres connects to PostgreSQL and applies the schema.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS accounts (
		account_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		subscription_tier TEXT NOT NULL DEFAULT 'free',
		ai_requests_used BIGINT NOT NULL DEFAULT 0,
		executions_used BIGINT NOT NULL DEFAULT 0,
		session_credential TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq BIGSERIAL PRIMARY KEY,
		entry_id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL REFERENCES accounts(account_id),
		prompt TEXT NOT NULL,
		old_code TEXT NOT NULL,
		new_code TEXT NOT NULL,
		explanation TEXT NOT NULL,
		provider TEXT NOT NULL,
		cost DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries(account_id, seq);
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// CreateAccount inserts a new account.
func (s *PostgresStore) CreateAccount(ctx context.Context, account *domain.Account) error {
	var credential *string
	if account.SessionCredential != "" {
		credential = &account.SessionCredential
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (account_id, name, email, password_hash, subscription_tier,
			ai_requests_used, executions_used, session_credential, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, 0, $6, $7, $8)`,
		account.ID, account.Name, account.Email, account.PasswordHash, string(account.Tier),
		credential, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrEmailTaken
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by ID.
func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_id = $1`, accountID)
	return scanPostgresAccount(row)
}

// GetAccountByEmail retrieves an account by email.
func (s *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email)
	return scanPostgresAccount(row)
}

func scanPostgresAccount(row pgx.Row) (*domain.Account, error) {
	var account domain.Account
	var tier string
	var credential *string

	err := row.Scan(
		&account.ID, &account.Name, &account.Email, &account.PasswordHash, &tier,
		&account.AIRequestsUsed, &account.ExecutionsUsed, &credential, &account.CreatedAt, &account.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account row: %w", err)
	}

	account.Tier = domain.Tier(tier)
	if credential != nil {
		account.SessionCredential = *credential
	}
	return &account, nil
}

// RotateCredential replaces the session credential of an account.
func (s *PostgresStore) RotateCredential(ctx context.Context, accountID, credential string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET session_credential = $1, updated_at = now() WHERE account_id = $2`,
		credential, accountID,
	)
	if err != nil {
		return fmt.Errorf("rotate credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordTransformation appends a ledger entry and bumps ai_requests_used atomically.
func (s *PostgresStore) RecordTransformation(ctx context.Context, entry *domain.LedgerEntry) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO ledger_entries (entry_id, account_id, prompt, old_code, new_code,
				explanation, provider, cost, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			entry.ID, entry.AccountID, entry.Prompt, entry.OldCode, entry.NewCode,
			entry.Explanation, entry.Provider, entry.Cost, entry.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}

		if s.afterLedgerInsert != nil {
			if err := s.afterLedgerInsert(); err != nil {
				return err
			}
		}

		tag, err := tx.Exec(ctx,
			`UPDATE accounts SET ai_requests_used = ai_requests_used + 1, updated_at = now() WHERE account_id = $1`,
			entry.AccountID,
		)
		if err != nil {
			return fmt.Errorf("increment ai_requests_used: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("record transformation: %w", err)
	}
	return nil
}

// IncrementExecutions increments executions_used by one.
func (s *PostgresStore) IncrementExecutions(ctx context.Context, accountID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET executions_used = executions_used + 1, updated_at = now() WHERE account_id = $1`,
		accountID,
	)
	if err != nil {
		return fmt.Errorf("increment executions_used: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetUsage returns the account counters.
func (s *PostgresStore) GetUsage(ctx context.Context, accountID string) (domain.Usage, error) {
	var usage domain.Usage
	err := s.pool.QueryRow(ctx,
		`SELECT ai_requests_used, executions_used FROM accounts WHERE account_id = $1`, accountID,
	).Scan(&usage.AIRequestsUsed, &usage.ExecutionsUsed)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Usage{}, ErrNotFound
	}
	if err != nil {
		return domain.Usage{}, fmt.Errorf("query usage: %w", err)
	}
	return usage, nil
}

// ListLedgerEntries returns the newest ledger entries of an account first.
func (s *PostgresStore) ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]*domain.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id, account_id, prompt, old_code, new_code, explanation, provider, cost, created_at
		FROM ledger_entries WHERE account_id = $1
		ORDER BY seq DESC LIMIT $2`,
		accountID, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*domain.LedgerEntry
	for rows.Next() {
		var entry domain.LedgerEntry
		if err := rows.Scan(
			&entry.ID, &entry.AccountID, &entry.Prompt, &entry.OldCode, &entry.NewCode,
			&entry.Explanation, &entry.Provider, &entry.Cost, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return entries, nil
}
