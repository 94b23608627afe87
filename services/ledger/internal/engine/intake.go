package engine

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/google/uuid"

	"github.com/AfshinJalili/coinledger/services/ledger/internal/storage"
)

// RequestDeposit records a pending deposit. Balances change only when it is
// settled.
func (e *Engine) RequestDeposit(ctx context.Context, req DepositRequest) (Result, error) {
	if req.UserID == uuid.Nil {
		return Result{}, invalid("user_id is required")
	}
	asset := storage.NormalizeAsset(req.Asset)
	if asset == "" {
		return Result{}, invalid("asset is required")
	}
	if err := e.checkAmount(req.Amount); err != nil {
		return Result{}, err
	}

	var res Result
	err := e.run(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := e.cfg.now()
		txn := storage.Transaction{
			ID:        uuid.New(),
			UserID:    req.UserID,
			Kind:      storage.KindDeposit,
			Status:    storage.StatusPending,
			Asset:     asset,
			Amount:    req.Amount,
			Details:   maps.Clone(req.Details),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		res = Result{Transaction: txn, Applied: true}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// RequestWithdraw records a pending withdrawal once the user's combined
// available and locked funds cover amount. Funds are not moved here.
func (e *Engine) RequestWithdraw(ctx context.Context, req WithdrawRequest) (Result, error) {
	if req.UserID == uuid.Nil {
		return Result{}, invalid("user_id is required")
	}
	asset := storage.NormalizeAsset(req.Asset)
	if asset == "" {
		return Result{}, invalid("asset is required")
	}
	if err := e.checkAmount(req.Amount); err != nil {
		return Result{}, err
	}
	address := strings.TrimSpace(req.Address)
	network := strings.TrimSpace(req.Network)
	if address == "" || network == "" {
		return Result{}, invalid("address and network are required")
	}

	var res Result
	err := e.run(ctx, func(ctx context.Context, tx storage.Tx) error {
		bal, err := tx.GetBalanceForUpdate(ctx, req.UserID, asset)
		if err != nil {
			return err
		}
		if bal.Total().LessThan(req.Amount) {
			return fmt.Errorf("withdraw %s %s: available=%s locked=%s: %w", req.Amount, asset, bal.Available, bal.Locked, ErrInsufficientFunds)
		}

		details := maps.Clone(req.Details)
		if details == nil {
			details = map[string]any{}
		}
		details["address"] = address
		details["network"] = network

		now := e.cfg.now()
		txn := storage.Transaction{
			ID:        uuid.New(),
			UserID:    req.UserID,
			Kind:      storage.KindWithdraw,
			Status:    storage.StatusPending,
			Asset:     asset,
			Amount:    req.Amount,
			Details:   details,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		res = Result{Transaction: txn, Applied: true}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}
