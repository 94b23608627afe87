package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const transactionColumns = `
	id, user_id, kind, status, asset, amount::text, from_asset, to_asset,
	from_amount::text, to_amount::text, fee::text, details, created_at, updated_at`

type PostgresOptions struct {
	LockTimeout      time.Duration
	StatementTimeout time.Duration
}

type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	opts   PostgresOptions
}

func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger, opts PostgresOptions) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger, opts: opts}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classifyError(fmt.Errorf("begin: %w", err))
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if rbErr := tx.Rollback(rbCtx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
	}()

	if err := s.applyTimeouts(ctx, tx); err != nil {
		return classifyError(err)
	}
	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return classifyError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyError(fmt.Errorf("commit: %w", err))
	}
	committed = true
	return nil
}

func (s *PostgresStore) applyTimeouts(ctx context.Context, tx pgx.Tx) error {
	if s.opts.LockTimeout <= 0 && s.opts.StatementTimeout <= 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true), set_config('statement_timeout', $2, true)`,
		millis(s.opts.LockTimeout), millis(s.opts.StatementTimeout))
	if err != nil {
		return fmt.Errorf("set timeouts: %w", err)
	}
	return nil
}

func millis(d time.Duration) string {
	if d <= 0 {
		return "0"
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID uuid.UUID, asset string) (Balance, error) {
	asset = NormalizeAsset(asset)
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, asset, available::text, locked::text, created_at, updated_at
		FROM user_balances
		WHERE user_id = $1 AND asset = $2
	`, userID, asset)
	bal, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ZeroBalance(userID, asset), nil
		}
		return Balance{}, err
	}
	return bal, nil
}

func (s *PostgresStore) ListBalances(ctx context.Context, userID uuid.UUID) ([]Balance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, asset, available::text, locked::text, created_at, updated_at
		FROM user_balances
		WHERE user_id = $1
		ORDER BY asset
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []Balance
	for rows.Next() {
		bal, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		balances = append(balances, bal)
	}
	return balances, rows.Err()
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id uuid.UUID) (Transaction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrTransactionNotFound
		}
		return Transaction{}, err
	}
	return txn, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (Transaction, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrTransactionNotFound
		}
		return Transaction{}, err
	}
	return txn, nil
}

func (t *pgTx) GetBalanceForUpdate(ctx context.Context, userID uuid.UUID, asset string) (Balance, error) {
	asset = NormalizeAsset(asset)
	bal, err := t.lockBalance(ctx, userID, asset)
	if err == nil {
		return bal, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, err
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO user_balances (user_id, asset, available, locked)
		VALUES ($1, $2, 0, 0)
		ON CONFLICT (user_id, asset) DO NOTHING
	`, userID, asset)
	if err != nil {
		return Balance{}, err
	}
	return t.lockBalance(ctx, userID, asset)
}

func (t *pgTx) lockBalance(ctx context.Context, userID uuid.UUID, asset string) (Balance, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT user_id, asset, available::text, locked::text, created_at, updated_at
		FROM user_balances
		WHERE user_id = $1 AND asset = $2
		FOR UPDATE
	`, userID, asset)
	return scanBalance(row)
}

func (t *pgTx) UpsertBalance(ctx context.Context, balance Balance) error {
	balance.Asset = NormalizeAsset(balance.Asset)
	if err := balance.Validate(); err != nil {
		return err
	}
	updatedAt := balance.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO user_balances (user_id, asset, available, locked, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (user_id, asset)
		DO UPDATE SET available = EXCLUDED.available, locked = EXCLUDED.locked, updated_at = EXCLUDED.updated_at
	`, balance.UserID, balance.Asset, balance.Available.String(), balance.Locked.String(), updatedAt)
	return err
}

func (t *pgTx) UpdateStatusIfPending(ctx context.Context, id uuid.UUID, status Status, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE transactions
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status = 'pending'
	`, id, string(status), at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn Transaction) error {
	details, err := marshalDetails(txn.Details)
	if err != nil {
		return err
	}
	createdAt := txn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := txn.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO transactions (
			id, user_id, kind, status, asset, amount, from_asset, to_asset,
			from_amount, to_amount, fee, details, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, txn.ID, txn.UserID, string(txn.Kind), string(txn.Status),
		nullText(NormalizeAsset(txn.Asset)), nullDecimal(txn.Amount),
		nullText(NormalizeAsset(txn.FromAsset)), nullText(NormalizeAsset(txn.ToAsset)),
		nullDecimal(txn.FromAmount), nullDecimal(txn.ToAmount), nullDecimal(txn.Fee),
		details, createdAt, updatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert %s: %w", txn.ID, ErrDuplicateTransaction)
		}
		return err
	}
	return nil
}

func scanBalance(row pgx.Row) (Balance, error) {
	var bal Balance
	var availableStr, lockedStr string
	if err := row.Scan(&bal.UserID, &bal.Asset, &availableStr, &lockedStr, &bal.CreatedAt, &bal.UpdatedAt); err != nil {
		return Balance{}, err
	}
	var err error
	bal.Available, err = decimal.NewFromString(availableStr)
	if err != nil {
		return Balance{}, fmt.Errorf("parse available balance: %w", err)
	}
	bal.Locked, err = decimal.NewFromString(lockedStr)
	if err != nil {
		return Balance{}, fmt.Errorf("parse locked balance: %w", err)
	}
	return bal, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		txn                                     Transaction
		kind, status                            string
		asset, fromAsset, toAsset               *string
		amount, fromAmount, toAmount, feeAmount *string
		details                                 []byte
	)
	if err := row.Scan(&txn.ID, &txn.UserID, &kind, &status, &asset, &amount, &fromAsset, &toAsset,
		&fromAmount, &toAmount, &feeAmount, &details, &txn.CreatedAt, &txn.UpdatedAt); err != nil {
		return Transaction{}, err
	}

	var err error
	if txn.Kind, err = ParseKind(kind); err != nil {
		return Transaction{}, err
	}
	if txn.Status, err = ParseStatus(status); err != nil {
		return Transaction{}, err
	}
	txn.Asset = deref(asset)
	txn.FromAsset = deref(fromAsset)
	txn.ToAsset = deref(toAsset)
	for _, f := range []struct {
		dst *decimal.Decimal
		src *string
	}{
		{&txn.Amount, amount},
		{&txn.FromAmount, fromAmount},
		{&txn.ToAmount, toAmount},
		{&txn.Fee, feeAmount},
	} {
		if *f.dst, err = parseNullDecimal(f.src); err != nil {
			return Transaction{}, err
		}
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &txn.Details); err != nil {
			return Transaction{}, fmt.Errorf("decode details: %w", err)
		}
	}
	return txn, nil
}

func marshalDetails(details map[string]any) ([]byte, error) {
	if len(details) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encode details: %w", err)
	}
	return raw, nil
}

func parseNullDecimal(s *string) (decimal.Decimal, error) {
	if s == nil {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", *s, err)
	}
	return d, nil
}

func nullDecimal(d decimal.Decimal) *string {
	if d.IsZero() {
		return nil
	}
	s := d.String()
	return &s
}

func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// classifyError maps lock waits, serialization failures and timeouts onto
// ErrContention. Everything else passes through unchanged.
func classifyError(err error) error {
	if err == nil || errors.Is(err, ErrContention) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57014":
			return fmt.Errorf("%s: %w", pgErr.Code, ErrContention)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return fmt.Errorf("%v: %w", err, ErrContention)
	}
	return err
}
