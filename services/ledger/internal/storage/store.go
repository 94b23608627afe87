package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrDuplicateTransaction = errors.New("transaction already exists")
	ErrNegativeBalance      = errors.New("balance would become negative")
	ErrContention           = errors.New("store contention")
)

// Tx is the set of row operations available inside one atomic unit.
// Rows returned by the ForUpdate methods stay locked until the unit ends.
type Tx interface {
	GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (Transaction, error)
	// GetBalanceForUpdate creates a zero row when none exists and locks it.
	GetBalanceForUpdate(ctx context.Context, userID uuid.UUID, asset string) (Balance, error)
	UpsertBalance(ctx context.Context, balance Balance) error
	UpdateStatusIfPending(ctx context.Context, id uuid.UUID, status Status, at time.Time) (bool, error)
	InsertTransaction(ctx context.Context, txn Transaction) error
}

type Reader interface {
	GetBalance(ctx context.Context, userID uuid.UUID, asset string) (Balance, error)
	ListBalances(ctx context.Context, userID uuid.UUID) ([]Balance, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (Transaction, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]Transaction, error)
	Ping(ctx context.Context) error
}

// Store runs fn inside a single atomic unit. Any error returned by fn rolls
// the unit back. Lock waits and timeouts surface as ErrContention.
type Store interface {
	Reader
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
