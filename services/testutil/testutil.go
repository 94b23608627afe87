package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/AfshinJalili/coinledger/services/ledger/migrations"
)

// SetupTestDB returns a pool against a migrated database. TEST_DATABASE_URL is
// used when set; otherwise a disposable postgres container is started. The
// returned cleanup closes the pool and stops the container.
func SetupTestDB(ctx context.Context) (*pgxpool.Pool, func(), error) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	stop := func() {}
	if dsn == "" {
		var err error
		dsn, stop, err = StartPostgres(ctx)
		if err != nil {
			return nil, nil, err
		}
	}

	if err := migrations.Up(ctx, dsn, nil); err != nil {
		stop()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(connectCtx, dsn)
	if err != nil {
		stop()
		return nil, nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		stop()
		return nil, nil, fmt.Errorf("ping db: %w", err)
	}

	return pool, func() {
		pool.Close()
		stop()
	}, nil
}

// StartPostgres launches postgres:16-alpine and returns its DSN.
func StartPostgres(ctx context.Context) (string, func(), error) {
	req := testcontainers.ContainerRequest{
		Image: "postgres:16-alpine",
		Env: map[string]string{
			"POSTGRES_USER":     "ledger",
			"POSTGRES_PASSWORD": "ledger",
			"POSTGRES_DB":       "ledger",
		},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("start postgres container: %w", err)
	}
	stop := func() { _ = container.Terminate(context.Background()) }

	host, err := container.Host(ctx)
	if err != nil {
		stop()
		return "", nil, fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		stop()
		return "", nil, fmt.Errorf("container port: %w", err)
	}
	return fmt.Sprintf("postgres://ledger:ledger@%s:%s/ledger?sslmode=disable", host, port.Port()), stop, nil
}

func CleanupTestData(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, "TRUNCATE transactions, user_balances"); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	return nil
}
