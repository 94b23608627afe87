package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AfshinJalili/coinledger/libs/kafka"
	"github.com/AfshinJalili/coinledger/services/ledger/internal/engine"
	"github.com/AfshinJalili/coinledger/services/ledger/internal/storage"
)

const (
	OpRequestDeposit  = "request_deposit"
	OpRequestWithdraw = "request_withdraw"
	OpSettleDeposit   = "settle_deposit"
	OpSettleWithdraw  = "settle_withdraw"
	OpRejectDeposit   = "reject_deposit"
	OpRejectWithdraw  = "reject_withdraw"
	OpExchange        = "exchange"
)

type Ledger interface {
	RequestDeposit(ctx context.Context, req engine.DepositRequest) (engine.Result, error)
	RequestWithdraw(ctx context.Context, req engine.WithdrawRequest) (engine.Result, error)
	SettleDeposit(ctx context.Context, id uuid.UUID) (engine.Result, error)
	SettleWithdraw(ctx context.Context, id uuid.UUID) (engine.Result, error)
	RejectDeposit(ctx context.Context, id uuid.UUID) (engine.Result, error)
	RejectWithdraw(ctx context.Context, id uuid.UUID) (engine.Result, error)
	Exchange(ctx context.Context, req engine.ExchangeRequest) (engine.Result, error)
	GetBalance(ctx context.Context, userID uuid.UUID, asset string) (storage.Balance, error)
	ListBalances(ctx context.Context, userID uuid.UUID) ([]storage.Balance, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (storage.Transaction, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]storage.Transaction, error)
	Ping(ctx context.Context) error
}

type Topics struct {
	Transactions string
	Balances     string
}

type LedgerService struct {
	ledger    Ledger
	publisher kafka.Publisher
	topics    Topics
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer
}

func NewLedgerService(ledger Ledger, publisher kafka.Publisher, topics Topics, logger *slog.Logger, metrics *Metrics) *LedgerService {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = kafka.NopPublisher{}
	}
	return &LedgerService{
		ledger:    ledger,
		publisher: publisher,
		topics:    topics,
		logger:    logger,
		metrics:   metrics,
		tracer:    otel.Tracer("ledger-service"),
	}
}

func (s *LedgerService) RequestDeposit(ctx context.Context, req engine.DepositRequest) (engine.Result, error) {
	return s.mutate(ctx, OpRequestDeposit, []attribute.KeyValue{
		attribute.String("ledger.user_id", req.UserID.String()),
		attribute.String("ledger.asset", storage.NormalizeAsset(req.Asset)),
	}, func(ctx context.Context) (engine.Result, error) {
		return s.ledger.RequestDeposit(ctx, req)
	})
}

func (s *LedgerService) RequestWithdraw(ctx context.Context, req engine.WithdrawRequest) (engine.Result, error) {
	return s.mutate(ctx, OpRequestWithdraw, []attribute.KeyValue{
		attribute.String("ledger.user_id", req.UserID.String()),
		attribute.String("ledger.asset", storage.NormalizeAsset(req.Asset)),
	}, func(ctx context.Context) (engine.Result, error) {
		return s.ledger.RequestWithdraw(ctx, req)
	})
}

func (s *LedgerService) SettleDeposit(ctx context.Context, id uuid.UUID) (engine.Result, error) {
	return s.mutate(ctx, OpSettleDeposit, txAttrs(id), func(ctx context.Context) (engine.Result, error) {
		return s.ledger.SettleDeposit(ctx, id)
	})
}

func (s *LedgerService) SettleWithdraw(ctx context.Context, id uuid.UUID) (engine.Result, error) {
	return s.mutate(ctx, OpSettleWithdraw, txAttrs(id), func(ctx context.Context) (engine.Result, error) {
		return s.ledger.SettleWithdraw(ctx, id)
	})
}

func (s *LedgerService) RejectDeposit(ctx context.Context, id uuid.UUID) (engine.Result, error) {
	return s.mutate(ctx, OpRejectDeposit, txAttrs(id), func(ctx context.Context) (engine.Result, error) {
		return s.ledger.RejectDeposit(ctx, id)
	})
}

func (s *LedgerService) RejectWithdraw(ctx context.Context, id uuid.UUID) (engine.Result, error) {
	return s.mutate(ctx, OpRejectWithdraw, txAttrs(id), func(ctx context.Context) (engine.Result, error) {
		return s.ledger.RejectWithdraw(ctx, id)
	})
}

func (s *LedgerService) Exchange(ctx context.Context, req engine.ExchangeRequest) (engine.Result, error) {
	return s.mutate(ctx, OpExchange, []attribute.KeyValue{
		attribute.String("ledger.user_id", req.UserID.String()),
		attribute.String("ledger.from_asset", storage.NormalizeAsset(req.FromAsset)),
		attribute.String("ledger.to_asset", storage.NormalizeAsset(req.ToAsset)),
	}, func(ctx context.Context) (engine.Result, error) {
		return s.ledger.Exchange(ctx, req)
	})
}

// Apply dispatches a settle or reject operation by name.
func (s *LedgerService) Apply(ctx context.Context, operation string, id uuid.UUID) (engine.Result, error) {
	switch operation {
	case OpSettleDeposit:
		return s.SettleDeposit(ctx, id)
	case OpSettleWithdraw:
		return s.SettleWithdraw(ctx, id)
	case OpRejectDeposit:
		return s.RejectDeposit(ctx, id)
	case OpRejectWithdraw:
		return s.RejectWithdraw(ctx, id)
	default:
		return engine.Result{}, fmt.Errorf("%w: unknown operation %q", engine.ErrInvalidInput, operation)
	}
}

func (s *LedgerService) GetBalance(ctx context.Context, userID uuid.UUID, asset string) (storage.Balance, error) {
	bal, err := s.ledger.GetBalance(ctx, userID, asset)
	s.metrics.IncLookup("balance", lookupStatus(err))
	if err != nil && !isExpected(err) {
		s.logger.Error("balance lookup failed", "user_id", userID.String(), "asset", asset, "error", err)
	}
	return bal, err
}

func (s *LedgerService) ListBalances(ctx context.Context, userID uuid.UUID) ([]storage.Balance, error) {
	balances, err := s.ledger.ListBalances(ctx, userID)
	s.metrics.IncLookup("balances", lookupStatus(err))
	if err != nil && !isExpected(err) {
		s.logger.Error("balance list failed", "user_id", userID.String(), "error", err)
	}
	return balances, err
}

func (s *LedgerService) GetTransaction(ctx context.Context, id uuid.UUID) (storage.Transaction, error) {
	txn, err := s.ledger.GetTransaction(ctx, id)
	s.metrics.IncLookup("transaction", lookupStatus(err))
	if err != nil && !isExpected(err) {
		s.logger.Error("transaction lookup failed", "tx_id", id.String(), "error", err)
	}
	return txn, err
}

func (s *LedgerService) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]storage.Transaction, error) {
	txns, err := s.ledger.ListTransactions(ctx, userID, limit)
	s.metrics.IncLookup("transactions", lookupStatus(err))
	if err != nil && !isExpected(err) {
		s.logger.Error("transaction list failed", "user_id", userID.String(), "error", err)
	}
	return txns, err
}

func (s *LedgerService) Ping(ctx context.Context) error {
	return s.ledger.Ping(ctx)
}

func (s *LedgerService) mutate(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(context.Context) (engine.Result, error)) (engine.Result, error) {
	ctx, span := s.tracer.Start(ctx, "ledger."+op, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	res, err := fn(ctx)
	outcome := Outcome(res, err)
	s.metrics.ObserveOperation(op, outcome, time.Since(start))
	span.SetAttributes(attribute.String("ledger.outcome", outcome))

	if err != nil {
		span.RecordError(err)
		if isExpected(err) {
			s.logger.Info("ledger operation refused", "operation", op, "outcome", outcome, "error", err)
		} else {
			span.SetStatus(codes.Error, outcome)
			s.logger.Error("ledger operation failed", "operation", op, "error", err)
		}
		return engine.Result{}, err
	}

	txn := res.Transaction
	if !res.Applied {
		s.logger.Info("ledger operation skipped", "operation", op, "tx_id", txn.ID.String(), "status", string(txn.Status))
		return res, nil
	}

	if txn.Status.IsTerminal() && op != OpExchange {
		s.metrics.IncTransition(string(txn.Kind), string(txn.Status))
	}
	s.logger.Info("ledger operation applied", "operation", op, "tx_id", txn.ID.String(), "status", string(txn.Status))
	s.publish(ctx, op, res)
	return res, nil
}

// publish emits the transaction snapshot and any touched balances. Failures
// are logged only; the operation has already committed.
func (s *LedgerService) publish(ctx context.Context, op string, res engine.Result) {
	txn := res.Transaction
	key := txn.UserID.String()
	corr := correlationID(ctx)

	if s.topics.Transactions != "" {
		env, err := kafka.NewEnvelopeWithID(
			kafka.DeterministicEventID(EventTypeTransaction, txn.ID.String(), string(txn.Status)),
			EventTypeTransaction, eventVersion, corr)
		if err == nil {
			s.send(ctx, s.topics.Transactions, key, TransactionEvent{
				Envelope:    env,
				Operation:   op,
				Transaction: NewTransactionView(txn),
			})
		}
	}

	if s.topics.Balances != "" && len(res.Balances) > 0 {
		env, err := kafka.NewEnvelopeWithID(
			kafka.DeterministicEventID(EventTypeBalancesUpdated, txn.ID.String(), string(txn.Status)),
			EventTypeBalancesUpdated, eventVersion, corr)
		if err == nil {
			s.send(ctx, s.topics.Balances, key, BalancesUpdatedEvent{
				Envelope:      env,
				Operation:     op,
				TransactionID: txn.ID.String(),
				Balances:      NewBalanceViews(res.Balances),
			})
		}
	}
}

func (s *LedgerService) send(ctx context.Context, topic, key string, event any) {
	if _, _, err := s.publisher.PublishJSON(ctx, topic, key, event); err != nil {
		s.metrics.IncPublished(topic, "error")
		s.logger.Error("ledger event publish failed", "topic", topic, "key", key, "error", err)
		return
	}
	s.metrics.IncPublished(topic, "success")
}

func txAttrs(id uuid.UUID) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String("ledger.tx_id", id.String())}
}

// Outcome labels an operation result for metrics and logs.
func Outcome(res engine.Result, err error) string {
	switch {
	case err == nil && res.Applied:
		return "applied"
	case err == nil:
		return "noop"
	case errors.Is(err, engine.ErrNotFound):
		return "not_found"
	case errors.Is(err, engine.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, engine.ErrPriceUnavailable):
		return "price_unavailable"
	case errors.Is(err, engine.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, engine.ErrContention):
		return "contention"
	default:
		return "error"
	}
}

func isExpected(err error) bool {
	switch Outcome(engine.Result{}, err) {
	case "not_found", "insufficient_funds", "price_unavailable", "invalid_input":
		return true
	}
	return false
}

func lookupStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, engine.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
