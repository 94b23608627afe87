package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/AfshinJalili/coinledger/services/ledger/internal/storage"
)

func (e *Engine) GetBalance(ctx context.Context, userID uuid.UUID, asset string) (storage.Balance, error) {
	if userID == uuid.Nil {
		return storage.Balance{}, invalid("user_id is required")
	}
	asset = storage.NormalizeAsset(asset)
	if asset == "" {
		return storage.Balance{}, invalid("asset is required")
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.TxTimeout)
	defer cancel()
	bal, err := e.store.GetBalance(ctx, userID, asset)
	return bal, translateStoreError(err)
}

func (e *Engine) ListBalances(ctx context.Context, userID uuid.UUID) ([]storage.Balance, error) {
	if userID == uuid.Nil {
		return nil, invalid("user_id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.TxTimeout)
	defer cancel()
	balances, err := e.store.ListBalances(ctx, userID)
	return balances, translateStoreError(err)
}

func (e *Engine) GetTransaction(ctx context.Context, id uuid.UUID) (storage.Transaction, error) {
	if id == uuid.Nil {
		return storage.Transaction{}, invalid("transaction id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.TxTimeout)
	defer cancel()
	txn, err := e.store.GetTransaction(ctx, id)
	if errors.Is(err, storage.ErrTransactionNotFound) {
		return storage.Transaction{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return txn, translateStoreError(err)
}

// ListTransactions returns the user's transactions newest first. A limit
// outside (0, MaxListLimit] falls back to the default or the maximum.
func (e *Engine) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]storage.Transaction, error) {
	if userID == uuid.Nil {
		return nil, invalid("user_id is required")
	}
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.TxTimeout)
	defer cancel()
	txns, err := e.store.ListTransactions(ctx, userID, limit)
	return txns, translateStoreError(err)
}

func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}
