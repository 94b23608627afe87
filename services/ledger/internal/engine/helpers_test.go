package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/AfshinJalili/coinledger/services/ledger/internal/storage"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestEngine(t *testing.T) (*Engine, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemory()
	cfg := DefaultConfig()
	cfg.Clock = func() time.Time { return fixedNow }
	eng, err := New(store, cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng, store
}

func setBalance(t *testing.T, store storage.Store, userID uuid.UUID, asset, available, locked string) {
	t.Helper()
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.UpsertBalance(ctx, storage.Balance{
			UserID:    userID,
			Asset:     asset,
			Available: dec(available),
			Locked:    dec(locked),
		})
	})
	if err != nil {
		t.Fatalf("set balance: %v", err)
	}
}

func insertPending(t *testing.T, store storage.Store, userID uuid.UUID, kind storage.Kind, asset, amount string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertTransaction(ctx, storage.Transaction{
			ID:     id,
			UserID: userID,
			Kind:   kind,
			Status: storage.StatusPending,
			Asset:  asset,
			Amount: dec(amount),
		})
	})
	if err != nil {
		t.Fatalf("insert pending: %v", err)
	}
	return id
}

func insertWithStatus(t *testing.T, store storage.Store, userID uuid.UUID, kind storage.Kind, status storage.Status, asset, amount string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertTransaction(ctx, storage.Transaction{
			ID:     id,
			UserID: userID,
			Kind:   kind,
			Status: status,
			Asset:  asset,
			Amount: dec(amount),
		})
	})
	if err != nil {
		t.Fatalf("insert transaction: %v", err)
	}
	return id
}

func assertBalance(t *testing.T, store storage.Store, userID uuid.UUID, asset, available, locked string) {
	t.Helper()
	bal, err := store.GetBalance(context.Background(), userID, asset)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if !bal.Available.Equal(dec(available)) || !bal.Locked.Equal(dec(locked)) {
		t.Fatalf("%s: expected available=%s locked=%s, got available=%s locked=%s",
			asset, available, locked, bal.Available, bal.Locked)
	}
}

func assertStatus(t *testing.T, store storage.Store, id uuid.UUID, want storage.Status) {
	t.Helper()
	txn, err := store.GetTransaction(context.Background(), id)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if txn.Status != want {
		t.Fatalf("expected status %s, got %s", want, txn.Status)
	}
}
