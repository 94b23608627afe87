package service

import (
	"context"
	"time"

	"github.com/AfshinJalili/coinledger/libs/kafka"
	"github.com/AfshinJalili/coinledger/services/ledger/internal/storage"
)

const (
	EventTypeTransaction     = "ledger.transaction"
	EventTypeBalancesUpdated = "ledger.balances_updated"
	eventVersion             = 1
)

type TransactionView struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Kind       string         `json:"kind"`
	Status     string         `json:"status"`
	Asset      string         `json:"asset,omitempty"`
	Amount     string         `json:"amount,omitempty"`
	FromAsset  string         `json:"from_asset,omitempty"`
	ToAsset    string         `json:"to_asset,omitempty"`
	FromAmount string         `json:"from_amount,omitempty"`
	ToAmount   string         `json:"to_amount,omitempty"`
	Fee        string         `json:"fee,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// NewTransactionView reports legacy "approved" records as "completed".
func NewTransactionView(txn storage.Transaction) TransactionView {
	view := TransactionView{
		ID:        txn.ID.String(),
		UserID:    txn.UserID.String(),
		Kind:      string(txn.Kind),
		Status:    string(txn.Status.Canonical()),
		Asset:     txn.Asset,
		FromAsset: txn.FromAsset,
		ToAsset:   txn.ToAsset,
		Details:   txn.Details,
		CreatedAt: txn.CreatedAt,
		UpdatedAt: txn.UpdatedAt,
	}
	if txn.Kind == storage.KindExchange {
		view.FromAmount = txn.FromAmount.String()
		view.ToAmount = txn.ToAmount.String()
		view.Fee = txn.Fee.String()
	} else {
		view.Amount = txn.Amount.String()
	}
	return view
}

type BalanceView struct {
	UserID    string    `json:"user_id"`
	Asset     string    `json:"asset"`
	Available string    `json:"available"`
	Locked    string    `json:"locked"`
	Total     string    `json:"total"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewBalanceView(b storage.Balance) BalanceView {
	return BalanceView{
		UserID:    b.UserID.String(),
		Asset:     b.Asset,
		Available: b.Available.String(),
		Locked:    b.Locked.String(),
		Total:     b.Total().String(),
		UpdatedAt: b.UpdatedAt,
	}
}

func NewBalanceViews(balances []storage.Balance) []BalanceView {
	out := make([]BalanceView, 0, len(balances))
	for _, b := range balances {
		out = append(out, NewBalanceView(b))
	}
	return out
}

type TransactionEvent struct {
	kafka.Envelope
	Operation   string          `json:"operation"`
	Transaction TransactionView `json:"transaction"`
}

type BalancesUpdatedEvent struct {
	kafka.Envelope
	Operation     string        `json:"operation"`
	TransactionID string        `json:"transaction_id"`
	Balances      []BalanceView `json:"balances"`
}

type correlationKey struct{}

// WithCorrelationID tags events emitted for ctx with id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
