package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/AfshinJalili/coinledger/libs/kafka"
	"github.com/AfshinJalili/coinledger/services/ledger/internal/engine"
	"github.com/AfshinJalili/coinledger/services/ledger/internal/storage"
)

type scriptedApplier struct {
	errs  []error
	calls int
	ops   []string
}

func (s *scriptedApplier) Apply(_ context.Context, operation string, id uuid.UUID) (engine.Result, error) {
	s.calls++
	s.ops = append(s.ops, operation)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return engine.Result{}, err
		}
	}
	return engine.Result{Applied: true, Transaction: storage.Transaction{ID: id, Status: storage.StatusCompleted}}, nil
}

func fastRetry() RetryPolicy {
	return RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxElapsed: 200 * time.Millisecond}
}

func commandMessage(t *testing.T, command, txID string) *sarama.ConsumerMessage {
	t.Helper()
	env, err := kafka.NewEnvelope(CommandEventType, 1, "")
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	raw, err := json.Marshal(LedgerCommand{Envelope: env, Command: command, TxID: txID})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "ledger.commands", Value: raw}
}

func isDLQ(err error, reason string) bool {
	var dlqErr *kafka.DLQError
	return errors.As(err, &dlqErr) && dlqErr.Reason == reason
}

func TestHandleMessageAppliesCommand(t *testing.T) {
	applier := &scriptedApplier{}
	c := NewCommandConsumer(applier, fastRetry(), nil)

	if err := c.HandleMessage(context.Background(), commandMessage(t, "SETTLE_DEPOSIT", uuid.NewString())); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if applier.calls != 1 || applier.ops[0] != "settle_deposit" {
		t.Fatalf("unexpected calls %v", applier.ops)
	}
}

func TestHandleMessageRetriesContention(t *testing.T) {
	applier := &scriptedApplier{errs: []error{engine.ErrContention, engine.ErrContention, nil}}
	c := NewCommandConsumer(applier, fastRetry(), nil)

	if err := c.HandleMessage(context.Background(), commandMessage(t, "settle_withdraw", uuid.NewString())); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if applier.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", applier.calls)
	}
}

func TestHandleMessageGivesUpOnPersistentContention(t *testing.T) {
	errs := make([]error, 1000)
	for i := range errs {
		errs[i] = engine.ErrContention
	}
	applier := &scriptedApplier{errs: errs}
	retry := fastRetry()
	retry.MaxElapsed = 20 * time.Millisecond
	c := NewCommandConsumer(applier, retry, nil)

	err := c.HandleMessage(context.Background(), commandMessage(t, "settle_withdraw", uuid.NewString()))
	if !isDLQ(err, "contention") {
		t.Fatalf("expected contention DLQ, got %v", err)
	}
}

func TestHandleMessageAcksNotFound(t *testing.T) {
	applier := &scriptedApplier{errs: []error{engine.ErrNotFound}}
	c := NewCommandConsumer(applier, fastRetry(), nil)

	if err := c.HandleMessage(context.Background(), commandMessage(t, "reject_deposit", uuid.NewString())); err != nil {
		t.Fatalf("expected ack, got %v", err)
	}
	if applier.calls != 1 {
		t.Fatalf("expected no retry, got %d calls", applier.calls)
	}
}

func TestHandleMessageDeadLetters(t *testing.T) {
	cases := []struct {
		name   string
		msg    func(t *testing.T) *sarama.ConsumerMessage
		errs   []error
		reason string
	}{
		{"garbage", func(*testing.T) *sarama.ConsumerMessage {
			return &sarama.ConsumerMessage{Value: []byte("{not json")}
		}, nil, "decode"},
		{"missing envelope", func(*testing.T) *sarama.ConsumerMessage {
			return &sarama.ConsumerMessage{Value: []byte(`{"command":"settle_deposit","tx_id":"` + uuid.NewString() + `"}`)}
		}, nil, "invalid_envelope"},
		{"unknown command", func(t *testing.T) *sarama.ConsumerMessage {
			return commandMessage(t, "exchange", uuid.NewString())
		}, nil, "invalid_command"},
		{"bad id", func(t *testing.T) *sarama.ConsumerMessage {
			return commandMessage(t, "settle_deposit", "nope")
		}, nil, "invalid_command"},
		{"insufficient", func(t *testing.T) *sarama.ConsumerMessage {
			return commandMessage(t, "settle_withdraw", uuid.NewString())
		}, []error{engine.ErrInsufficientFunds}, "rejected"},
		{"internal", func(t *testing.T) *sarama.ConsumerMessage {
			return commandMessage(t, "settle_withdraw", uuid.NewString())
		}, []error{errors.New("disk on fire")}, "apply_failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewCommandConsumer(&scriptedApplier{errs: tc.errs}, fastRetry(), nil)
			err := c.HandleMessage(context.Background(), tc.msg(t))
			if !isDLQ(err, tc.reason) {
				t.Fatalf("expected DLQ %q, got %v", tc.reason, err)
			}
		})
	}
}
