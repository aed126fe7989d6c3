package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// testRepositoryContract exercises behaviour every Repository must share.
func testRepositoryContract(t *testing.T, repo Repository) {
	t.Helper()
	ctx := context.Background()

	t.Run("create and fetch", func(t *testing.T) {
		acc := newTestAccount("contract-1", "contract-1@example.com")
		if err := repo.CreateAccount(ctx, acc); err != nil {
			t.Fatalf("CreateAccount() error = %v", err)
		}

		got, err := repo.GetAccount(ctx, acc.ID)
		if err != nil {
			t.Fatalf("GetAccount() error = %v", err)
		}
		if got.Email != acc.Email || got.SessionCredential != acc.SessionCredential {
			t.Errorf("GetAccount() = %+v", got)
		}

		byEmail, err := repo.GetAccountByEmail(ctx, acc.Email)
		if err != nil {
			t.Fatalf("GetAccountByEmail() error = %v", err)
		}
		if byEmail.ID != acc.ID {
			t.Errorf("GetAccountByEmail() id = %q, want %q", byEmail.ID, acc.ID)
		}
	})

	t.Run("duplicate email", func(t *testing.T) {
		dup := newTestAccount("contract-dup", "contract-1@example.com")
		if err := repo.CreateAccount(ctx, dup); !errors.Is(err, ErrEmailTaken) {
			t.Fatalf("CreateAccount() error = %v, want ErrEmailTaken", err)
		}
	})

	t.Run("missing account", func(t *testing.T) {
		if _, err := repo.GetAccount(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetAccount() error = %v, want ErrNotFound", err)
		}
		if err := repo.IncrementExecutions(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("IncrementExecutions() error = %v, want ErrNotFound", err)
		}
		if _, err := repo.GetUsage(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetUsage() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("rotate credential", func(t *testing.T) {
		if err := repo.RotateCredential(ctx, "contract-1", "fresh"); err != nil {
			t.Fatalf("RotateCredential() error = %v", err)
		}
		got, err := repo.GetAccount(ctx, "contract-1")
		if err != nil {
			t.Fatalf("GetAccount() error = %v", err)
		}
		if got.SessionCredential != "fresh" {
			t.Errorf("SessionCredential = %q, want fresh", got.SessionCredential)
		}
	})

	t.Run("executions counter", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			if err := repo.IncrementExecutions(ctx, "contract-1"); err != nil {
				t.Fatalf("IncrementExecutions() error = %v", err)
			}
		}
		usage, err := repo.GetUsage(ctx, "contract-1")
		if err != nil {
			t.Fatalf("GetUsage() error = %v", err)
		}
		if usage.ExecutionsUsed != 3 {
			t.Errorf("ExecutionsUsed = %d, want 3", usage.ExecutionsUsed)
		}
	})

	t.Run("ledger", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			if err := repo.RecordTransformation(ctx, newTestEntry(fmt.Sprintf("contract-entry-%d", i), "contract-1")); err != nil {
				t.Fatalf("RecordTransformation() error = %v", err)
			}
		}

		usage, err := repo.GetUsage(ctx, "contract-1")
		if err != nil {
			t.Fatalf("GetUsage() error = %v", err)
		}
		if usage.AIRequestsUsed != 3 {
			t.Errorf("AIRequestsUsed = %d, want 3", usage.AIRequestsUsed)
		}

		entries, err := repo.ListLedgerEntries(ctx, "contract-1", 2)
		if err != nil {
			t.Fatalf("ListLedgerEntries() error = %v", err)
		}
		if len(entries) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(entries))
		}
		if entries[0].ID != "contract-entry-2" || entries[1].ID != "contract-entry-1" {
			t.Errorf("entries not newest first: %s, %s", entries[0].ID, entries[1].ID)
		}
	})

	t.Run("ledger for unknown account", func(t *testing.T) {
		err := repo.RecordTransformation(ctx, newTestEntry("orphan-entry", "nope"))
		if err == nil {
			t.Fatal("expected error recording for unknown account")
		}
	})
}
