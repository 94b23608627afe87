package main

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var edgeUserID = uuid.MustParse("00000000-0000-0000-0000-000000000003")

// seedTestData adds records exercising the edge cases: an insufficient
// withdrawal, terminal records in every label including the legacy
// "approved", and a reject that must floor locked at zero.
func seedTestData(ctx context.Context, pool *pgxpool.Pool) error {
	balances := []seedBalance{
		{edgeUserID, "USDT", "0", "10"},
		{edgeUserID, "SOL", "5", "3"},
	}
	if err := seedBalances(ctx, pool, balances); err != nil {
		return err
	}

	return seedTransactions(ctx, pool, []seedTransaction{
		{uuid.MustParse("00000000-0000-0000-0000-000000000201"), edgeUserID, "withdraw", "pending", "USDT", "20"},
		{uuid.MustParse("00000000-0000-0000-0000-000000000202"), edgeUserID, "withdraw", "pending", "SOL", "7"},
		{uuid.MustParse("00000000-0000-0000-0000-000000000203"), edgeUserID, "deposit", "completed", "SOL", "1"},
		{uuid.MustParse("00000000-0000-0000-0000-000000000204"), edgeUserID, "deposit", "approved", "SOL", "2"},
		{uuid.MustParse("00000000-0000-0000-0000-000000000205"), edgeUserID, "withdraw", "rejected", "USDT", "5"},
	})
}
