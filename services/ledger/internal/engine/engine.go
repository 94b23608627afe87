// Package engine applies balance-affecting operations to the ledger. Every
// operation runs as one store transaction with the touched rows locked, so
// concurrent callers serialize on the rows they share.
package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/AfshinJalili/coinledger/services/ledger/internal/storage"
)

type Engine struct {
	store storage.Store
	cfg   Config
}

func New(store storage.Store, cfg Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{store: store, cfg: cfg}, nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

// Result describes the outcome of a mutating operation. Applied is false when
// the transaction was already terminal and nothing changed; Transaction then
// holds the stored terminal record.
type Result struct {
	Transaction storage.Transaction
	Balances    []storage.Balance
	Applied     bool
}

type DepositRequest struct {
	UserID  uuid.UUID
	Asset   string
	Amount  decimal.Decimal
	Details map[string]any
}

type WithdrawRequest struct {
	UserID  uuid.UUID
	Asset   string
	Amount  decimal.Decimal
	Address string
	Network string
	Details map[string]any
}

type ExchangeRequest struct {
	UserID    uuid.UUID
	FromAsset string
	ToAsset   string
	Amount    decimal.Decimal
	FromPrice decimal.Decimal
	ToPrice   decimal.Decimal
	Details   map[string]any
}

type Quote struct {
	Value    decimal.Decimal
	Fee      decimal.Decimal
	ToAmount decimal.Decimal
}

// run detaches from caller cancellation and bounds the unit by TxTimeout.
func (e *Engine) run(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.TxTimeout)
	defer cancel()
	return translateStoreError(e.store.WithinTx(ctx, fn))
}

type effectFunc func(ctx context.Context, tx storage.Tx, txn storage.Transaction, now time.Time) ([]storage.Balance, error)

// finalize moves a pending transaction of the given kind to target after
// applying effect. A terminal transaction is reported without change.
func (e *Engine) finalize(ctx context.Context, id uuid.UUID, kind storage.Kind, target storage.Status, effect effectFunc) (Result, error) {
	if id == uuid.Nil {
		return Result{}, invalid("transaction id is required")
	}

	var res Result
	err := e.run(ctx, func(ctx context.Context, tx storage.Tx) error {
		txn, err := tx.GetTransactionForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrTransactionNotFound) {
				return fmt.Errorf("%s: %w", id, ErrNotFound)
			}
			return err
		}
		if txn.Kind != kind {
			return fmt.Errorf("%s is a %s: %w", id, txn.Kind, ErrNotFound)
		}
		if txn.Status.IsTerminal() {
			res = Result{Transaction: txn}
			return nil
		}
		if !txn.Amount.IsPositive() {
			return invalid("transaction %s has non-positive amount %s", id, txn.Amount)
		}

		now := e.cfg.now()
		var balances []storage.Balance
		if effect != nil {
			if balances, err = effect(ctx, tx, txn, now); err != nil {
				return err
			}
		}

		updated, err := tx.UpdateStatusIfPending(ctx, id, target, now)
		if err != nil {
			return err
		}
		if !updated {
			return fmt.Errorf("%s left pending while locked: %w", id, ErrContention)
		}
		txn.Status = target
		txn.UpdatedAt = now
		res = Result{Transaction: txn, Balances: balances, Applied: true}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (e *Engine) SettleDeposit(ctx context.Context, id uuid.UUID) (Result, error) {
	return e.finalize(ctx, id, storage.KindDeposit, storage.StatusCompleted,
		func(ctx context.Context, tx storage.Tx, txn storage.Transaction, now time.Time) ([]storage.Balance, error) {
			bal, err := tx.GetBalanceForUpdate(ctx, txn.UserID, txn.Asset)
			if err != nil {
				return nil, err
			}
			bal.Available = bal.Available.Add(txn.Amount)
			bal.UpdatedAt = now
			if err := tx.UpsertBalance(ctx, bal); err != nil {
				return nil, err
			}
			return []storage.Balance{bal}, nil
		})
}

// SettleWithdraw debits the locked bucket first and takes the remainder from
// available.
func (e *Engine) SettleWithdraw(ctx context.Context, id uuid.UUID) (Result, error) {
	return e.finalize(ctx, id, storage.KindWithdraw, storage.StatusCompleted,
		func(ctx context.Context, tx storage.Tx, txn storage.Transaction, now time.Time) ([]storage.Balance, error) {
			bal, err := tx.GetBalanceForUpdate(ctx, txn.UserID, txn.Asset)
			if err != nil {
				return nil, err
			}
			takeLocked := decimal.Min(bal.Locked, txn.Amount)
			takeAvailable := txn.Amount.Sub(takeLocked)
			if bal.Available.LessThan(takeAvailable) {
				return nil, fmt.Errorf("withdraw %s of %s: available=%s locked=%s: %w",
					txn.Amount, bal.Asset, bal.Available, bal.Locked, ErrInsufficientFunds)
			}
			bal.Locked = bal.Locked.Sub(takeLocked)
			bal.Available = bal.Available.Sub(takeAvailable)
			bal.UpdatedAt = now
			if err := tx.UpsertBalance(ctx, bal); err != nil {
				return nil, err
			}
			return []storage.Balance{bal}, nil
		})
}

// RejectWithdraw releases up to amount from the locked bucket. The released
// funds are not returned to available.
func (e *Engine) RejectWithdraw(ctx context.Context, id uuid.UUID) (Result, error) {
	return e.finalize(ctx, id, storage.KindWithdraw, storage.StatusRejected,
		func(ctx context.Context, tx storage.Tx, txn storage.Transaction, now time.Time) ([]storage.Balance, error) {
			bal, err := tx.GetBalanceForUpdate(ctx, txn.UserID, txn.Asset)
			if err != nil {
				return nil, err
			}
			release := decimal.Min(bal.Locked, txn.Amount)
			if release.IsZero() {
				return []storage.Balance{bal}, nil
			}
			bal.Locked = bal.Locked.Sub(release)
			bal.UpdatedAt = now
			if err := tx.UpsertBalance(ctx, bal); err != nil {
				return nil, err
			}
			return []storage.Balance{bal}, nil
		})
}

func (e *Engine) RejectDeposit(ctx context.Context, id uuid.UUID) (Result, error) {
	return e.finalize(ctx, id, storage.KindDeposit, storage.StatusRejected, nil)
}

// Quote validates an exchange request and computes its fee and proceeds
// without touching the store.
func (e *Engine) Quote(req ExchangeRequest) (Quote, error) {
	if req.UserID == uuid.Nil {
		return Quote{}, invalid("user_id is required")
	}
	from := storage.NormalizeAsset(req.FromAsset)
	to := storage.NormalizeAsset(req.ToAsset)
	if from == "" || to == "" {
		return Quote{}, invalid("from_asset and to_asset are required")
	}
	if from == to {
		return Quote{}, invalid("from_asset and to_asset must differ")
	}
	if err := e.checkAmount(req.Amount); err != nil {
		return Quote{}, err
	}
	if !req.FromPrice.IsPositive() || !req.ToPrice.IsPositive() {
		return Quote{}, fmt.Errorf("%s/%s from_price=%s to_price=%s: %w", from, to, req.FromPrice, req.ToPrice, ErrPriceUnavailable)
	}

	value := req.Amount.Mul(req.FromPrice)
	fee := value.Mul(e.cfg.FeeRate).Round(e.cfg.AmountScale)
	toAmount := value.Sub(fee).DivRound(req.ToPrice, e.cfg.AmountScale)
	if !toAmount.IsPositive() {
		return Quote{}, invalid("amount too small to exchange")
	}
	return Quote{Value: value, Fee: fee, ToAmount: toAmount}, nil
}

// Exchange debits amount from the source asset and credits the quoted
// proceeds to the target asset, recording a completed exchange transaction.
func (e *Engine) Exchange(ctx context.Context, req ExchangeRequest) (Result, error) {
	quote, err := e.Quote(req)
	if err != nil {
		return Result{}, err
	}
	from := storage.NormalizeAsset(req.FromAsset)
	to := storage.NormalizeAsset(req.ToAsset)

	var res Result
	err = e.run(ctx, func(ctx context.Context, tx storage.Tx) error {
		locked, err := lockBalances(ctx, tx, req.UserID, from, to)
		if err != nil {
			return err
		}
		fromBal, toBal := locked[from], locked[to]
		if fromBal.Available.LessThan(req.Amount) {
			return fmt.Errorf("exchange %s %s: available=%s: %w", req.Amount, from, fromBal.Available, ErrInsufficientFunds)
		}

		now := e.cfg.now()
		fromBal.Available = fromBal.Available.Sub(req.Amount)
		fromBal.UpdatedAt = now
		toBal.Available = toBal.Available.Add(quote.ToAmount)
		toBal.UpdatedAt = now
		for _, bal := range []storage.Balance{fromBal, toBal} {
			if err := tx.UpsertBalance(ctx, bal); err != nil {
				return err
			}
		}

		details := maps.Clone(req.Details)
		if details == nil {
			details = map[string]any{}
		}
		details["from_price"] = req.FromPrice.String()
		details["to_price"] = req.ToPrice.String()
		details["value"] = quote.Value.String()
		details["fee_rate"] = e.cfg.FeeRate.String()

		txn := storage.Transaction{
			ID:         uuid.New(),
			UserID:     req.UserID,
			Kind:       storage.KindExchange,
			Status:     storage.StatusCompleted,
			FromAsset:  from,
			ToAsset:    to,
			FromAmount: req.Amount,
			ToAmount:   quote.ToAmount,
			Fee:        quote.Fee,
			Details:    details,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		res = Result{Transaction: txn, Balances: []storage.Balance{fromBal, toBal}, Applied: true}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// lockBalances locks the rows in ascending asset order so that two
// multi-row operations never wait on each other in a cycle.
func lockBalances(ctx context.Context, tx storage.Tx, userID uuid.UUID, assets ...string) (map[string]storage.Balance, error) {
	ordered := slices.Clone(assets)
	slices.Sort(ordered)
	out := make(map[string]storage.Balance, len(ordered))
	for _, asset := range ordered {
		if _, ok := out[asset]; ok {
			continue
		}
		bal, err := tx.GetBalanceForUpdate(ctx, userID, asset)
		if err != nil {
			return nil, err
		}
		out[asset] = bal
	}
	return out, nil
}

func (e *Engine) checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return invalid("amount must be positive")
	}
	if !amount.Equal(amount.Truncate(e.cfg.AmountScale)) {
		return invalid("amount has more than %d decimal places", e.cfg.AmountScale)
	}
	return nil
}
