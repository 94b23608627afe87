package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/AfshinJalili/coinledger/services/testutil"
)

func setupPostgres(t *testing.T) (*pgxpool.Pool, *PostgresStore) {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}

	ctx := context.Background()
	pool, cleanup, err := testutil.SetupTestDB(ctx)
	if err != nil {
		t.Skipf("db setup failed: %v", err)
	}
	t.Cleanup(cleanup)
	t.Cleanup(func() { _ = testutil.CleanupTestData(context.Background(), pool) })

	store := NewPostgres(pool, nil, PostgresOptions{LockTimeout: 500 * time.Millisecond, StatementTimeout: 2 * time.Second})
	return pool, store
}

func TestPostgresGetBalance(t *testing.T) {
	pool, store := setupPostgres(t)
	ctx := context.Background()
	userID := uuid.New()

	if err := testutil.InsertBalance(ctx, pool, userID, "USDT", "100", "5"); err != nil {
		t.Fatalf("insert balance: %v", err)
	}

	bal, err := store.GetBalance(ctx, userID, "usdt")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !bal.Available.Equal(decimal.NewFromInt(100)) || !bal.Locked.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("unexpected balance %+v", bal)
	}

	missing, err := store.GetBalance(ctx, userID, "BTC")
	if err != nil {
		t.Fatalf("GetBalance missing: %v", err)
	}
	if !missing.Available.IsZero() || missing.Asset != "BTC" {
		t.Fatalf("expected zero balance, got %+v", missing)
	}
}

func TestPostgresEnsureAndUpsertBalance(t *testing.T) {
	_, store := setupPostgres(t)
	ctx := context.Background()
	userID := uuid.New()

	err := store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		bal, err := tx.GetBalanceForUpdate(ctx, userID, "eth")
		if err != nil {
			return err
		}
		bal.Available = bal.Available.Add(decimal.RequireFromString("1.25"))
		return tx.UpsertBalance(ctx, bal)
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}

	balances, err := store.ListBalances(ctx, userID)
	if err != nil {
		t.Fatalf("ListBalances: %v", err)
	}
	if len(balances) != 1 || !balances[0].Available.Equal(decimal.RequireFromString("1.25")) {
		t.Fatalf("unexpected balances %+v", balances)
	}
}

func TestPostgresTransactionLifecycle(t *testing.T) {
	pool, store := setupPostgres(t)
	ctx := context.Background()
	userID := uuid.New()

	id, err := testutil.InsertPendingTransaction(ctx, pool, userID, "deposit", "BTC", "0.5")
	if err != nil {
		t.Fatalf("insert transaction: %v", err)
	}

	for i, want := range []bool{true, false} {
		var updated bool
		err := store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			txn, err := tx.GetTransactionForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if txn.Kind != KindDeposit || !txn.Amount.Equal(decimal.RequireFromString("0.5")) {
				t.Fatalf("unexpected transaction %+v", txn)
			}
			updated, err = tx.UpdateStatusIfPending(ctx, id, StatusCompleted, time.Now().UTC())
			return err
		})
		if err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
		if updated != want {
			t.Fatalf("round %d: expected updated=%v", i, want)
		}
	}

	if _, err := store.GetTransaction(ctx, uuid.New()); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestPostgresInsertExchangeWithDetails(t *testing.T) {
	_, store := setupPostgres(t)
	ctx := context.Background()
	txn := Transaction{
		ID:         uuid.New(),
		UserID:     uuid.New(),
		Kind:       KindExchange,
		Status:     StatusCompleted,
		FromAsset:  "btc",
		ToAsset:    "usdt",
		FromAmount: decimal.NewFromInt(1),
		ToAmount:   decimal.RequireFromString("29970"),
		Fee:        decimal.NewFromInt(30),
		Details:    map[string]any{"from_price": "30000", "to_price": "1"},
	}
	if err := store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertTransaction(ctx, txn)
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := store.GetTransaction(ctx, txn.ID)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if got.FromAsset != "BTC" || got.ToAsset != "USDT" || !got.ToAmount.Equal(txn.ToAmount) {
		t.Fatalf("unexpected exchange record %+v", got)
	}
	if got.Details["from_price"] != "30000" {
		t.Fatalf("expected details to round-trip, got %v", got.Details)
	}

	err = store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertTransaction(ctx, txn)
	})
	if !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("expected ErrDuplicateTransaction, got %v", err)
	}
}

func TestPostgresLockTimeoutIsContention(t *testing.T) {
	pool, store := setupPostgres(t)
	ctx := context.Background()
	userID := uuid.New()
	if err := testutil.InsertBalance(ctx, pool, userID, "BTC", "1", "0"); err != nil {
		t.Fatalf("insert balance: %v", err)
	}

	holding := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			if _, err := tx.GetBalanceForUpdate(ctx, userID, "BTC"); err != nil {
				return err
			}
			close(holding)
			<-done
			return nil
		})
	}()
	<-holding
	defer close(done)

	err := store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.GetBalanceForUpdate(ctx, userID, "BTC")
		return err
	})
	if !errors.Is(err, ErrContention) {
		t.Fatalf("expected ErrContention, got %v", err)
	}
}
