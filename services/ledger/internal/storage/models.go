package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindDeposit  Kind = "deposit"
	KindWithdraw Kind = "withdraw"
	KindExchange Kind = "exchange"
)

func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindDeposit, KindWithdraw, KindExchange:
		return k, nil
	default:
		return "", fmt.Errorf("unknown transaction kind %q", raw)
	}
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	// StatusApproved is written by older call paths. It means the same as
	// StatusCompleted and is never written by this service.
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusPending, StatusCompleted, StatusApproved, StatusRejected:
		return s, nil
	default:
		return "", fmt.Errorf("unknown transaction status %q", raw)
	}
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusApproved || s == StatusRejected
}

func (s Status) Succeeded() bool {
	return s == StatusCompleted || s == StatusApproved
}

// Canonical folds the legacy success alias onto StatusCompleted.
func (s Status) Canonical() Status {
	if s == StatusApproved {
		return StatusCompleted
	}
	return s
}

type Balance struct {
	UserID    uuid.UUID
	Asset     string
	Available decimal.Decimal
	Locked    decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

func ZeroBalance(userID uuid.UUID, asset string) Balance {
	return Balance{
		UserID:    userID,
		Asset:     NormalizeAsset(asset),
		Available: decimal.Zero,
		Locked:    decimal.Zero,
	}
}

func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

func (b Balance) Validate() error {
	if b.Available.IsNegative() || b.Locked.IsNegative() {
		return fmt.Errorf("%s/%s available=%s locked=%s: %w", b.UserID, b.Asset, b.Available, b.Locked, ErrNegativeBalance)
	}
	return nil
}

type Transaction struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Kind       Kind
	Status     Status
	Asset      string
	Amount     decimal.Decimal
	FromAsset  string
	ToAsset    string
	FromAmount decimal.Decimal
	ToAmount   decimal.Decimal
	Fee        decimal.Decimal
	Details    map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

type balanceKey struct {
	userID uuid.UUID
	asset  string
}

func keyOf(userID uuid.UUID, asset string) balanceKey {
	return balanceKey{userID: userID, asset: NormalizeAsset(asset)}
}
