package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/AfshinJalili/coinledger/services/ledger/internal/storage"
)

var (
	// ErrNotFound covers both an unknown id and a transaction that is no
	// longer pending for callers that must not tell them apart.
	ErrNotFound          = errors.New("transaction not found or not pending")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrPriceUnavailable  = errors.New("price unavailable")
	ErrInvalidInput      = errors.New("invalid input")
	// ErrContention is the only retryable failure.
	ErrContention = errors.New("ledger contention")
)

func IsRetryable(err error) bool {
	return errors.Is(err, ErrContention)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func translateStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrPriceUnavailable), errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrContention):
		return err
	case errors.Is(err, storage.ErrContention), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrContention, err)
	case errors.Is(err, storage.ErrTransactionNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, storage.ErrNegativeBalance):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	default:
		return err
	}
}
