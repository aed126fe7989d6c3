package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/stormcloud/internal/domain"
	"github.com/ashureev/stormcloud/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db         *sql.DB
	maxRetries int
	retryDelay time.Duration

	// afterLedgerInsert runs inside the ledger transaction between the insert
	// and the counter bump. Tests use it to inject failures.
	afterLedgerInsert func() error
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode lets readers proceed while the ledger is being written.
	// Immediate transactions take the write lock up front so the busy
	// handler applies instead of failing on lock upgrade.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, maxRetries: 3, retryDelay: 50 * time.Millisecond}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

// SetRetryPolicy configures how SQLITE_BUSY errors are retried.
func (s *SQLiteStore) SetRetryPolicy(maxRetries int, baseDelay time.Duration) {
	if maxRetries > 0 {
		s.maxRetries = maxRetries
	}
	if baseDelay > 0 {
		s.retryDelay = baseDelay
	}
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS accounts (
		account_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		subscription_tier TEXT NOT NULL DEFAULT 'free',
		ai_requests_used INTEGER NOT NULL DEFAULT 0,
		executions_used INTEGER NOT NULL DEFAULT 0,
		session_credential TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		entry_id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL REFERENCES accounts(account_id),
		prompt TEXT NOT NULL,
		old_code TEXT NOT NULL,
		new_code TEXT NOT NULL,
		explanation TEXT NOT NULL,
		provider TEXT NOT NULL,
		cost REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries(account_id, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateAccount inserts a new account.
func (s *SQLiteStore) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
	INSERT INTO accounts (account_id, name, email, password_hash, subscription_tier,
		ai_requests_used, executions_used, session_credential, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?, ?)`

	var credential interface{}
	if account.SessionCredential != "" {
		credential = account.SessionCredential
	}

	err := s.retry(ctx, "create_account", func() error {
		_, err := s.db.ExecContext(ctx, query,
			account.ID, account.Name, account.Email, account.PasswordHash, string(account.Tier),
			credential, account.CreatedAt.Unix(), account.UpdatedAt.Unix(),
		)
		return err
	})
	if err != nil {
		if shared.IsSQLiteUniqueError(err) {
			return ErrEmailTaken
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

const accountColumns = `account_id, name, email, password_hash, subscription_tier,
	ai_requests_used, executions_used, session_credential, created_at, updated_at`

// GetAccount retrieves an account by ID.
func (s *SQLiteStore) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_id = ?`, accountID)
	return scanSQLiteAccount(row)
}

// GetAccountByEmail retrieves an account by email.
func (s *SQLiteStore) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = ?`, email)
	return scanSQLiteAccount(row)
}

func scanSQLiteAccount(row *sql.Row) (*domain.Account, error) {
	var account domain.Account
	var tier string
	var credential sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&account.ID, &account.Name, &account.Email, &account.PasswordHash, &tier,
		&account.AIRequestsUsed, &account.ExecutionsUsed, &credential, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account row: %w", err)
	}

	account.Tier = domain.Tier(tier)
	account.SessionCredential = credential.String
	account.CreatedAt = time.Unix(createdAt, 0)
	account.UpdatedAt = time.Unix(updatedAt, 0)
	return &account, nil
}

// RotateCredential replaces the session credential of an account.
func (s *SQLiteStore) RotateCredential(ctx context.Context, accountID, credential string) error {
	query := `UPDATE accounts SET session_credential = ?, updated_at = ? WHERE account_id = ?`

	var rows int64
	err := s.retry(ctx, "rotate_credential", func() error {
		result, err := s.db.ExecContext(ctx, query, credential, time.Now().Unix(), accountID)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("rotate credential: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordTransformation appends a ledger entry and bumps ai_requests_used atomically.
func (s *SQLiteStore) RecordTransformation(ctx context.Context, entry *domain.LedgerEntry) error {
	err := s.retry(ctx, "record_transformation", func() error {
		return s.recordTransformationOnce(ctx, entry)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("record transformation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) recordTransformationOnce(ctx context.Context, entry *domain.LedgerEntry) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("Failed to rollback ledger transaction", "error", rbErr, "account_id", entry.AccountID)
			}
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (entry_id, account_id, prompt, old_code, new_code,
			explanation, provider, cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.AccountID, entry.Prompt, entry.OldCode, entry.NewCode,
		entry.Explanation, entry.Provider, entry.Cost, entry.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}

	if s.afterLedgerInsert != nil {
		if err = s.afterLedgerInsert(); err != nil {
			return err
		}
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE accounts SET ai_requests_used = ai_requests_used + 1, updated_at = ? WHERE account_id = ?`,
		time.Now().Unix(), entry.AccountID,
	)
	if err != nil {
		return fmt.Errorf("increment ai_requests_used: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		err = ErrNotFound
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger transaction: %w", err)
	}
	return nil
}

// IncrementExecutions increments executions_used by one.
func (s *SQLiteStore) IncrementExecutions(ctx context.Context, accountID string) error {
	query := `UPDATE accounts SET executions_used = executions_used + 1, updated_at = ? WHERE account_id = ?`

	var rows int64
	err := s.retry(ctx, "increment_executions", func() error {
		result, err := s.db.ExecContext(ctx, query, time.Now().Unix(), accountID)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("increment executions_used: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetUsage returns the account counters.
func (s *SQLiteStore) GetUsage(ctx context.Context, accountID string) (domain.Usage, error) {
	var usage domain.Usage
	err := s.db.QueryRowContext(ctx,
		`SELECT ai_requests_used, executions_used FROM accounts WHERE account_id = ?`, accountID,
	).Scan(&usage.AIRequestsUsed, &usage.ExecutionsUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Usage{}, ErrNotFound
	}
	if err != nil {
		return domain.Usage{}, fmt.Errorf("query usage: %w", err)
	}
	return usage, nil
}

// ListLedgerEntries returns the newest ledger entries of an account first.
func (s *SQLiteStore) ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]*domain.LedgerEntry, error) {
	query := `
		SELECT entry_id, account_id, prompt, old_code, new_code, explanation, provider, cost, created_at
		FROM ledger_entries WHERE account_id = ?
		ORDER BY seq DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, accountID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close ledger rows", "error", closeErr)
		}
	}()

	var entries []*domain.LedgerEntry
	for rows.Next() {
		var entry domain.LedgerEntry
		var createdAt int64
		if err := rows.Scan(
			&entry.ID, &entry.AccountID, &entry.Prompt, &entry.OldCode, &entry.NewCode,
			&entry.Explanation, &entry.Provider, &entry.Cost, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		entry.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return entries, nil
}

func (s *SQLiteStore) retry(ctx context.Context, op string, fn func() error) error {
	return shared.RetryOnConflict(ctx, s.maxRetries, s.retryDelay, op, fn)
}
