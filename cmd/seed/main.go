package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	demoUserID   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	traderUserID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

type seedBalance struct {
	userID    uuid.UUID
	asset     string
	available string
	locked    string
}

type seedTransaction struct {
	id     uuid.UUID
	userID uuid.UUID
	kind   string
	status string
	asset  string
	amount string
}

func main() {
	env := getEnv("CEX_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: CEX_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	connStr := os.Getenv("DATABASE_URL")
	if connStr == "" {
		connStr = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			getEnv("POSTGRES_USER", "cex"),
			getEnv("POSTGRES_PASSWORD", "cex"),
			getEnv("POSTGRES_HOST", "localhost"),
			getEnv("POSTGRES_PORT", "5432"),
			getEnv("POSTGRES_DB", "cex_core"),
			getEnv("POSTGRES_SSLMODE", "disable"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Seeding database...")

	if err := seedBalances(ctx, pool, demoBalances()); err != nil {
		log.Fatalf("seed balances: %v", err)
	}
	fmt.Println("✓ Balances seeded")

	pending := demoPending()
	if err := seedTransactions(ctx, pool, pending); err != nil {
		log.Fatalf("seed transactions: %v", err)
	}
	fmt.Println("✓ Pending transactions seeded")

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, pool); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test data seeded")
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Println("\nPending transactions:")
	for _, txn := range pending {
		fmt.Printf("  %s %s %s %s (user %s)\n", txn.id, txn.kind, txn.amount, txn.asset, txn.userID)
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func demoBalances() []seedBalance {
	return []seedBalance{
		{demoUserID, "USDT", "10000", "0"},
		{demoUserID, "BTC", "0.5", "0"},
		{demoUserID, "ETH", "30", "50"},
		{traderUserID, "USDT", "250000", "0"},
		{traderUserID, "BTC", "2", "0.25"},
	}
}

func demoPending() []seedTransaction {
	return []seedTransaction{
		{uuid.MustParse("00000000-0000-0000-0000-000000000101"), demoUserID, "deposit", "pending", "BTC", "0.1"},
		{uuid.MustParse("00000000-0000-0000-0000-000000000102"), demoUserID, "withdraw", "pending", "ETH", "40"},
		{uuid.MustParse("00000000-0000-0000-0000-000000000103"), traderUserID, "withdraw", "pending", "BTC", "0.25"},
	}
}

func seedBalances(ctx context.Context, pool *pgxpool.Pool, balances []seedBalance) error {
	for _, b := range balances {
		_, err := pool.Exec(ctx, `
			INSERT INTO user_balances (user_id, asset, available, locked)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, asset) DO UPDATE
			SET available = EXCLUDED.available,
			    locked = EXCLUDED.locked,
			    updated_at = NOW()
		`, b.userID, b.asset, b.available, b.locked)
		if err != nil {
			return fmt.Errorf("%s %s: %w", b.userID, b.asset, err)
		}
	}
	return nil
}

// Existing ids are left alone so a re-seed never resurrects a processed record.
func seedTransactions(ctx context.Context, pool *pgxpool.Pool, txns []seedTransaction) error {
	now := time.Now().UTC()
	for _, txn := range txns {
		_, err := pool.Exec(ctx, `
			INSERT INTO transactions (id, user_id, kind, status, asset, amount, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
			ON CONFLICT (id) DO NOTHING
		`, txn.id, txn.userID, txn.kind, txn.status, txn.asset, txn.amount, now)
		if err != nil {
			return fmt.Errorf("transaction %s: %w", txn.id, err)
		}
	}
	return nil
}
