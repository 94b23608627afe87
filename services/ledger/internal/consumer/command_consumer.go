package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/AfshinJalili/coinledger/libs/kafka"
	"github.com/AfshinJalili/coinledger/services/ledger/internal/engine"
	"github.com/AfshinJalili/coinledger/services/ledger/internal/service"
)

const CommandEventType = "ledger.command"

// LedgerCommand asks the ledger to settle or reject a pending transaction.
type LedgerCommand struct {
	kafka.Envelope
	Command string `json:"command"`
	TxID    string `json:"tx_id"`
}

type Applier interface {
	Apply(ctx context.Context, operation string, id uuid.UUID) (engine.Result, error)
}

type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsed:      30 * time.Second,
	}
}

type CommandConsumer struct {
	ledger Applier
	retry  RetryPolicy
	logger *slog.Logger
}

func NewCommandConsumer(ledger Applier, retry RetryPolicy, logger *slog.Logger) *CommandConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	if retry.InitialInterval <= 0 {
		retry = DefaultRetryPolicy()
	}
	return &CommandConsumer{ledger: ledger, retry: retry, logger: logger}
}

// HandleMessage applies one command. Contention is retried with exponential
// backoff; an unknown or already processed transaction is acknowledged;
// anything else is routed to the dead-letter topic.
func (c *CommandConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "decode")
	}
	var cmd LedgerCommand
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		return kafka.DLQ(fmt.Errorf("decode ledger command: %w", err), "decode")
	}
	if err := cmd.Validate(); err != nil {
		return kafka.DLQ(err, "invalid_envelope")
	}
	operation := strings.ToLower(strings.TrimSpace(cmd.Command))
	switch operation {
	case service.OpSettleDeposit, service.OpSettleWithdraw, service.OpRejectDeposit, service.OpRejectWithdraw:
	default:
		return kafka.DLQ(fmt.Errorf("unsupported command %q", cmd.Command), "invalid_command")
	}
	txID, err := uuid.Parse(strings.TrimSpace(cmd.TxID))
	if err != nil {
		return kafka.DLQ(fmt.Errorf("invalid tx_id %q", cmd.TxID), "invalid_command")
	}

	ctx = service.WithCorrelationID(ctx, cmd.EventID)
	log := c.logger.With("event_id", cmd.EventID, "command", operation, "tx_id", txID.String())

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retry.InitialInterval
	bo.MaxInterval = c.retry.MaxInterval
	start := time.Now()
	attempt := 0
	for {
		attempt++
		res, err := c.ledger.Apply(ctx, operation, txID)
		switch {
		case err == nil:
			if res.Applied {
				log.Info("ledger command applied", "status", string(res.Transaction.Status), "attempt", attempt)
			} else {
				log.Info("ledger command already processed", "status", string(res.Transaction.Status))
			}
			return nil
		case errors.Is(err, engine.ErrNotFound):
			log.Warn("ledger command for unknown transaction", "error", err)
			return nil
		case engine.IsRetryable(err):
			if time.Since(start) >= c.retry.MaxElapsed {
				return kafka.DLQ(fmt.Errorf("after %d attempts: %w", attempt, err), "contention")
			}
			sleep := bo.NextBackOff()
			log.Warn("ledger command contended, retrying", "attempt", attempt, "backoff", sleep)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
		case errors.Is(err, engine.ErrInsufficientFunds), errors.Is(err, engine.ErrInvalidInput):
			return kafka.DLQ(err, "rejected")
		default:
			return kafka.DLQ(err, "apply_failed")
		}
	}
}
