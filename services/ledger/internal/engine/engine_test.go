package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/AfshinJalili/coinledger/services/ledger/internal/storage"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FeeRate = dec("1")
	if _, err := New(storage.NewMemory(), cfg); err == nil {
		t.Fatalf("expected fee rate validation error")
	}
	cfg = DefaultConfig()
	cfg.TxTimeout = 0
	if _, err := New(storage.NewMemory(), cfg); err == nil {
		t.Fatalf("expected timeout validation error")
	}
	if _, err := New(nil, DefaultConfig()); err == nil {
		t.Fatalf("expected store required error")
	}
}

func TestSettleDepositCreditsOnce(t *testing.T) {
	eng, store := newTestEngine(t)
	userID := uuid.New()
	id := insertPending(t, store, userID, storage.KindDeposit, "btc", "1.5")

	res, err := eng.SettleDeposit(context.Background(), id)
	if err != nil {
		t.Fatalf("SettleDeposit: %v", err)
	}
	if !res.Applied || res.Transaction.Status != storage.StatusCompleted {
		t.Fatalf("expected applied completion, got %+v", res)
	}
	if len(res.Balances) != 1 || !res.Balances[0].Available.Equal(dec("1.5")) {
		t.Fatalf("unexpected balances %+v", res.Balances)
	}

	again, err := eng.SettleDeposit(context.Background(), id)
	if err != nil {
		t.Fatalf("second SettleDeposit: %v", err)
	}
	if again.Applied {
		t.Fatalf("expected second settle to be a no-op")
	}
	if again.Transaction.Status != storage.StatusCompleted {
		t.Fatalf("expected terminal record, got %s", again.Transaction.Status)
	}
	assertBalance(t, store, userID, "BTC", "1.5", "0")
}

func TestSettleDepositNotFound(t *testing.T) {
	eng, store := newTestEngine(t)
	userID := uuid.New()

	if _, err := eng.SettleDeposit(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}

	withdrawID := insertPending(t, store, userID, storage.KindWithdraw, "BTC", "1")
	if _, err := eng.SettleDeposit(context.Background(), withdrawID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for wrong kind, got %v", err)
	}
	assertStatus(t, store, withdrawID, storage.StatusPending)

	if _, err := eng.SettleDeposit(context.Background(), uuid.Nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for nil id, got %v", err)
	}
}

func TestLegacyApprovedIsTerminal(t *testing.T) {
	eng, store := newTestEngine(t)
	userID := uuid.New()
	id := insertWithStatus(t, store, userID, storage.KindDeposit, storage.StatusApproved, "ETH", "2")

	res, err := eng.SettleDeposit(context.Background(), id)
	if err != nil {
		t.Fatalf("SettleDeposit: %v", err)
	}
	if res.Applied || !res.Transaction.Status.Succeeded() {
		t.Fatalf("expected no-op on approved record, got %+v", res)
	}
	assertBalance(t, store, userID, "ETH", "0", "0")
}

func TestSettleWithdrawConsumesLockedFirst(t *testing.T) {
	eng, store := newTestEngine(t)
	userID := uuid.New()
	setBalance(t, store, userID, "USDT", "50", "30")
	id := insertPending(t, store, userID, storage.KindWithdraw, "usdt", "40")

	res, err := eng.SettleWithdraw(context.Background(), id)
	if err != nil {
		t.Fatalf("SettleWithdraw: %v", err)
	}
	if !res.Applied {
		t.Fatalf("expected applied")
	}
	assertBalance(t, store, userID, "USDT", "40", "0")
	assertStatus(t, store, id, storage.StatusCompleted)
}

func TestSettleWithdrawInsufficientFunds(t *testing.T) {
	eng, store := newTestEngine(t)
	userID := uuid.New()
	setBalance(t, store, userID, "USDT", "10", "0")
	id := insertPending(t, store, userID, storage.KindWithdraw, "USDT", "20")

	if _, err := eng.SettleWithdraw(context.Background(), id); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	assertBalance(t, store, userID, "USDT", "10", "0")
	assertStatus(t, store, id, storage.StatusPending)
}

func TestRejectWithdrawReleasesLock(t *testing.T) {
	eng, store := newTestEngine(t)
	userID := uuid.New()
	setBalance(t, store, userID, "BTC", "5", "20")
	id := insertPending(t, store, userID, storage.KindWithdraw, "BTC", "20")

	res, err := eng.RejectWithdraw(context.Background(), id)
	if err != nil {
		t.Fatalf("RejectWithdraw: %v", err)
	}
	if !res.Applied || res.Transaction.Status != storage.StatusRejected {
		t.Fatalf("unexpected result %+v", res)
	}
	assertBalance(t, store, userID, "BTC", "5", "0")

	again, err := eng.RejectWithdraw(context.Background(), id)
	if err != nil || again.Applied {
		t.Fatalf("expected idempotent no-op, got %+v, %v", again, err)
	}

	if _, err := eng.SettleWithdraw(context.Background(), id); err != nil {
		t.Fatalf("settle after reject: %v", err)
	}
	assertStatus(t, store, id, storage.StatusRejected)
}

func TestRejectWithdrawFloorsAtZero(t *testing.T) {
	eng, store := newTestEngine(t)
	userID := uuid.New()
	setBalance(t, store, userID, "BTC", "1", "3")
	id := insertPending(t, store, userID, storage.KindWithdraw, "BTC", "10")

	if _, err := eng.RejectWithdraw(context.Background(), id); err != nil {
		t.Fatalf("RejectWithdraw: %v", err)
	}
	assertBalance(t, store, userID, "BTC", "1", "0")
}

func TestRejectDepositHasNoBalanceEffect(t *testing.T) {
	eng, store := newTestEngine(t)
	userID := uuid.New()
	id := insertPending(t, store, userID, storage.KindDeposit, "BTC", "1")

	res, err := eng.RejectDeposit(context.Background(), id)
	if err != nil {
		t.Fatalf("RejectDeposit: %v", err)
	}
	if !res.Applied || len(res.Balances) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := eng.SettleDeposit(context.Background(), id); err != nil {
		t.Fatalf("settle after reject: %v", err)
	}
	assertBalance(t, store, userID, "BTC", "0", "0")
	assertStatus(t, store, id, storage.StatusRejected)
}

func TestExchangeConservation(t *testing.T) {
	eng, store := newTestEngine(t)
	userID := uuid.New()
	setBalance(t, store, userID, "BTC", "2", "0")

	res, err := eng.Exchange(context.Background(), ExchangeRequest{
		UserID:    userID,
		FromAsset: "btc",
		ToAsset:   "usdt",
		Amount:    dec("1"),
		FromPrice: dec("30000"),
		ToPrice:   dec("1"),
	})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if !res.Transaction.Fee.Equal(dec("30")) || !res.Transaction.ToAmount.Equal(dec("29970")) {
		t.Fatalf("unexpected fee/to_amount %s/%s", res.Transaction.Fee, res.Transaction.ToAmount)
	}
	if res.Transaction.Status != storage.StatusCompleted || res.Transaction.Kind != storage.KindExchange {
		t.Fatalf("unexpected transaction %+v", res.Transaction)
	}
	assertBalance(t, store, userID, "BTC", "1", "0")
	assertBalance(t, store, userID, "USDT", "29970", "0")

	stored, err := store.GetTransaction(context.Background(), res.Transaction.ID)
	if err != nil {
		t.Fatalf("exchange not recorded: %v", err)
	}
	if stored.FromAsset != "BTC" || stored.ToAsset != "USDT" {
		t.Fatalf("unexpected stored assets %s -> %s", stored.FromAsset, stored.ToAsset)
	}
}

func TestExchangeConservationTable(t *testing.T) {
	cases := []struct {
		amount, fromPrice, toPrice string
	}{
		{"0.5", "64000.25", "3100.1"},
		{"123.456", "1", "0.9998"},
		{"0.000001", "70000", "1"},
		{"7", "3", "7"},
	}
	for _, tc := range cases {
		eng, store := newTestEngine(t)
		userID := uuid.New()
		setBalance(t, store, userID, "AAA", "1000", "0")
		setBalance(t, store, userID, "BBB", "5", "0")

		amount, fromPrice, toPrice := dec(tc.amount), dec(tc.fromPrice), dec(tc.toPrice)
		res, err := eng.Exchange(context.Background(), ExchangeRequest{
			UserID: userID, FromAsset: "AAA", ToAsset: "BBB",
			Amount: amount, FromPrice: fromPrice, ToPrice: toPrice,
		})
		if err != nil {
			t.Fatalf("%+v: %v", tc, err)
		}

		value := amount.Mul(fromPrice)
		fee := value.Mul(dec("0.001")).Round(DefaultAmountScale)
		want := value.Sub(fee).DivRound(toPrice, DefaultAmountScale)
		if !res.Transaction.ToAmount.Equal(want) {
			t.Fatalf("%+v: expected to_amount %s, got %s", tc, want, res.Transaction.ToAmount)
		}
		assertBalance(t, store, userID, "AAA", dec("1000").Sub(amount).String(), "0")
		assertBalance(t, store, userID, "BBB", dec("5").Add(want).String(), "0")
	}
}

func TestExchangeValidation(t *testing.T) {
	eng, store := newTestEngine(t)
	userID := uuid.New()
	setBalance(t, store, userID, "BTC", "1", "0")

	base := ExchangeRequest{UserID: userID, FromAsset: "BTC", ToAsset: "USDT", Amount: dec("1"), FromPrice: dec("100"), ToPrice: dec("1")}
	cases := []struct {
		name   string
		mutate func(*ExchangeRequest)
		want   error
	}{
		{"same asset", func(r *ExchangeRequest) { r.ToAsset = " btc" }, ErrInvalidInput},
		{"zero amount", func(r *ExchangeRequest) { r.Amount = dec("0") }, ErrInvalidInput},
		{"negative amount", func(r *ExchangeRequest) { r.Amount = dec("-1") }, ErrInvalidInput},
		{"missing user", func(r *ExchangeRequest) { r.UserID = uuid.Nil }, ErrInvalidInput},
		{"zero from price", func(r *ExchangeRequest) { r.FromPrice = dec("0") }, ErrPriceUnavailable},
		{"negative to price", func(r *ExchangeRequest) { r.ToPrice = dec("-2") }, ErrPriceUnavailable},
		{"insufficient", func(r *ExchangeRequest) { r.Amount = dec("1.1") }, ErrInsufficientFunds},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			if _, err := eng.Exchange(context.Background(), req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	assertBalance(t, store, userID, "BTC", "1", "0")
	if txns, _ := store.ListTransactions(context.Background(), userID, 10); len(txns) != 0 {
		t.Fatalf("expected no transactions recorded, got %d", len(txns))
	}
}

func TestRequestDepositAndWithdraw(t *testing.T) {
	eng, store := newTestEngine(t)
	userID := uuid.New()

	dep, err := eng.RequestDeposit(context.Background(), DepositRequest{UserID: userID, Asset: "eth", Amount: dec("3")})
	if err != nil {
		t.Fatalf("RequestDeposit: %v", err)
	}
	if dep.Transaction.Status != storage.StatusPending || dep.Transaction.Asset != "ETH" {
		t.Fatalf("unexpected deposit %+v", dep.Transaction)
	}
	assertBalance(t, store, userID, "ETH", "0", "0")

	if _, err := eng.RequestWithdraw(context.Background(), WithdrawRequest{UserID: userID, Asset: "ETH", Amount: dec("1"), Address: "0xabc", Network: "erc20"}); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds before settle, got %v", err)
	}

	if _, err := eng.SettleDeposit(context.Background(), dep.Transaction.ID); err != nil {
		t.Fatalf("SettleDeposit: %v", err)
	}

	wd, err := eng.RequestWithdraw(context.Background(), WithdrawRequest{UserID: userID, Asset: "ETH", Amount: dec("1"), Address: " 0xabc ", Network: "erc20"})
	if err != nil {
		t.Fatalf("RequestWithdraw: %v", err)
	}
	if wd.Transaction.Details["address"] != "0xabc" || wd.Transaction.Details["network"] != "erc20" {
		t.Fatalf("unexpected details %v", wd.Transaction.Details)
	}
	assertBalance(t, store, userID, "ETH", "3", "0")

	if _, err := eng.RequestWithdraw(context.Background(), WithdrawRequest{UserID: userID, Asset: "ETH", Amount: dec("1")}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without address, got %v", err)
	}
	if _, err := eng.RequestDeposit(context.Background(), DepositRequest{UserID: userID, Asset: "ETH", Amount: dec("0.0000000000000000001")}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for excess precision, got %v", err)
	}
}

func TestReads(t *testing.T) {
	eng, store := newTestEngine(t)
	userID := uuid.New()
	setBalance(t, store, userID, "ETH", "1", "0")
	setBalance(t, store, userID, "BTC", "2", "0")

	balances, err := eng.ListBalances(context.Background(), userID)
	if err != nil {
		t.Fatalf("ListBalances: %v", err)
	}
	if len(balances) != 2 || balances[0].Asset != "BTC" || balances[1].Asset != "ETH" {
		t.Fatalf("expected asset-ordered balances, got %+v", balances)
	}

	bal, err := eng.GetBalance(context.Background(), userID, "doge")
	if err != nil || !bal.Available.IsZero() || bal.Asset != "DOGE" {
		t.Fatalf("expected zero DOGE balance, got %+v, %v", bal, err)
	}

	if _, err := eng.GetTransaction(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	for i := 0; i < 3; i++ {
		insertPending(t, store, userID, storage.KindDeposit, "BTC", "1")
	}
	txns, err := eng.ListTransactions(context.Background(), userID, 1000)
	if err != nil || len(txns) != 3 {
		t.Fatalf("expected 3 transactions, got %d, %v", len(txns), err)
	}
}

func TestCallerCancellationDoesNotAbortOperation(t *testing.T) {
	eng, store := newTestEngine(t)
	userID := uuid.New()
	id := insertPending(t, store, userID, storage.KindDeposit, "BTC", "1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := eng.SettleDeposit(ctx, id)
	if err != nil {
		t.Fatalf("SettleDeposit: %v", err)
	}
	if !res.Applied {
		t.Fatalf("expected operation to complete despite cancelled caller")
	}
	assertBalance(t, store, userID, "BTC", "1", "0")
}

func TestLockWaitTimesOutAsContention(t *testing.T) {
	store := storage.NewMemory()
	cfg := DefaultConfig()
	cfg.TxTimeout = 50 * time.Millisecond
	eng, err := New(store, cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	userID := uuid.New()
	id := insertPending(t, store, userID, storage.KindDeposit, "BTC", "1")

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = store.WithinTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
			if _, err := tx.GetBalanceForUpdate(ctx, userID, "BTC"); err != nil {
				return err
			}
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	_, err = eng.SettleDeposit(context.Background(), id)
	close(release)
	<-done
	if !errors.Is(err, ErrContention) || !IsRetryable(err) {
		t.Fatalf("expected retryable ErrContention, got %v", err)
	}
	assertStatus(t, store, id, storage.StatusPending)
	assertBalance(t, store, userID, "BTC", "0", "0")

	if _, err := eng.SettleDeposit(context.Background(), id); err != nil {
		t.Fatalf("retry after contention: %v", err)
	}
	assertBalance(t, store, userID, "BTC", "1", "0")
}
