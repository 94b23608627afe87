package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	DemoUserID   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	TraderUserID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

// InsertBalance writes a balance row directly, bypassing the ledger.
func InsertBalance(ctx context.Context, pool *pgxpool.Pool, userID uuid.UUID, asset, available, locked string) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO user_balances (user_id, asset, available, locked)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, asset) DO UPDATE SET available = EXCLUDED.available, locked = EXCLUDED.locked
	`, userID, asset, available, locked)
	if err != nil {
		return fmt.Errorf("insert balance: %w", err)
	}
	return nil
}

// InsertPendingTransaction creates a pending deposit or withdraw record and returns its id.
func InsertPendingTransaction(ctx context.Context, pool *pgxpool.Pool, userID uuid.UUID, kind, asset, amount string) (uuid.UUID, error) {
	id := uuid.New()
	now := time.Now().UTC()
	_, err := pool.Exec(ctx, `
		INSERT INTO transactions (id, user_id, kind, status, asset, amount, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', $4, $5, $6, $6)
	`, id, userID, kind, asset, amount, now)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert transaction: %w", err)
	}
	return id, nil
}
