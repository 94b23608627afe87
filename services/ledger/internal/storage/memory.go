package storage

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps balances and transactions in process memory. Rows are
// guarded by exclusive per-row locks held until the owning unit ends, and
// writes become visible only on commit.
type MemoryStore struct {
	mu           sync.Mutex
	balances     map[balanceKey]Balance
	transactions map[uuid.UUID]Transaction
	rowLocks     map[string]chan struct{}
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		balances:     make(map[balanceKey]Balance),
		transactions: make(map[uuid.UUID]Transaction),
		rowLocks:     make(map[string]chan struct{}),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memTx{
		store:    s,
		held:     make(map[string]chan struct{}),
		balances: make(map[balanceKey]Balance),
		statuses: make(map[uuid.UUID]Transaction),
		inserts:  make(map[uuid.UUID]Transaction),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return classifyError(err)
	}
	if err := ctx.Err(); err != nil {
		return classifyError(fmt.Errorf("commit: %w", err))
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) GetBalance(_ context.Context, userID uuid.UUID, asset string) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bal, ok := s.balances[keyOf(userID, asset)]; ok {
		return bal, nil
	}
	return ZeroBalance(userID, asset), nil
}

func (s *MemoryStore) ListBalances(_ context.Context, userID uuid.UUID) ([]Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Balance
	for key, bal := range s.balances {
		if key.userID == userID {
			out = append(out, bal)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id uuid.UUID) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.transactions[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return cloneTransaction(txn), nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID uuid.UUID, limit int) ([]Transaction, error) {
	s.mu.Lock()
	var out []Transaction
	for _, txn := range s.transactions {
		if txn.UserID == userID {
			out = append(out, cloneTransaction(txn))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) rowLock(name string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.rowLocks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		s.rowLocks[name] = ch
	}
	return ch
}

type memTx struct {
	store    *MemoryStore
	held     map[string]chan struct{}
	balances map[balanceKey]Balance
	statuses map[uuid.UUID]Transaction
	inserts  map[uuid.UUID]Transaction
}

func (t *memTx) lock(ctx context.Context, name string) error {
	if _, ok := t.held[name]; ok {
		return nil
	}
	ch := t.store.rowLock(name)
	select {
	case ch <- struct{}{}:
		t.held[name] = ch
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for %s: %w", name, ctx.Err())
	}
}

func (t *memTx) release() {
	for name, ch := range t.held {
		<-ch
		delete(t.held, name)
	}
}

func balanceLockName(key balanceKey) string {
	return "balance:" + key.userID.String() + ":" + key.asset
}

func transactionLockName(id uuid.UUID) string {
	return "transaction:" + id.String()
}

func (t *memTx) lookupTransaction(id uuid.UUID) (Transaction, bool) {
	if txn, ok := t.statuses[id]; ok {
		return txn, true
	}
	if txn, ok := t.inserts[id]; ok {
		return txn, true
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	txn, ok := t.store.transactions[id]
	return txn, ok
}

func (t *memTx) GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (Transaction, error) {
	if err := t.lock(ctx, transactionLockName(id)); err != nil {
		return Transaction{}, err
	}
	txn, ok := t.lookupTransaction(id)
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return cloneTransaction(txn), nil
}

func (t *memTx) GetBalanceForUpdate(ctx context.Context, userID uuid.UUID, asset string) (Balance, error) {
	key := keyOf(userID, asset)
	if err := t.lock(ctx, balanceLockName(key)); err != nil {
		return Balance{}, err
	}
	if bal, ok := t.balances[key]; ok {
		return bal, nil
	}
	t.store.mu.Lock()
	bal, ok := t.store.balances[key]
	t.store.mu.Unlock()
	if !ok {
		now := time.Now().UTC()
		bal = ZeroBalance(userID, key.asset)
		bal.CreatedAt = now
		bal.UpdatedAt = now
		t.balances[key] = bal
	}
	return bal, nil
}

func (t *memTx) UpsertBalance(ctx context.Context, balance Balance) error {
	balance.Asset = NormalizeAsset(balance.Asset)
	if err := balance.Validate(); err != nil {
		return err
	}
	key := keyOf(balance.UserID, balance.Asset)
	if err := t.lock(ctx, balanceLockName(key)); err != nil {
		return err
	}
	if balance.UpdatedAt.IsZero() {
		balance.UpdatedAt = time.Now().UTC()
	}
	if balance.CreatedAt.IsZero() {
		balance.CreatedAt = balance.UpdatedAt
	}
	t.balances[key] = balance
	return nil
}

func (t *memTx) UpdateStatusIfPending(ctx context.Context, id uuid.UUID, status Status, at time.Time) (bool, error) {
	if err := t.lock(ctx, transactionLockName(id)); err != nil {
		return false, err
	}
	txn, ok := t.lookupTransaction(id)
	if !ok || txn.Status != StatusPending {
		return false, nil
	}
	txn = cloneTransaction(txn)
	txn.Status = status
	txn.UpdatedAt = at
	if _, inserted := t.inserts[id]; inserted {
		t.inserts[id] = txn
	} else {
		t.statuses[id] = txn
	}
	return true, nil
}

func (t *memTx) InsertTransaction(ctx context.Context, txn Transaction) error {
	if err := t.lock(ctx, transactionLockName(txn.ID)); err != nil {
		return err
	}
	if _, exists := t.lookupTransaction(txn.ID); exists {
		return fmt.Errorf("insert %s: %w", txn.ID, ErrDuplicateTransaction)
	}
	txn = cloneTransaction(txn)
	txn.Asset = NormalizeAsset(txn.Asset)
	txn.FromAsset = NormalizeAsset(txn.FromAsset)
	txn.ToAsset = NormalizeAsset(txn.ToAsset)
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	if txn.UpdatedAt.IsZero() {
		txn.UpdatedAt = txn.CreatedAt
	}
	t.inserts[txn.ID] = txn
	return nil
}

func (t *memTx) commit() {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for key, bal := range t.balances {
		t.store.balances[key] = bal
	}
	for id, txn := range t.statuses {
		t.store.transactions[id] = txn
	}
	for id, txn := range t.inserts {
		t.store.transactions[id] = txn
	}
}

func cloneTransaction(txn Transaction) Transaction {
	if txn.Details != nil {
		txn.Details = maps.Clone(txn.Details)
	}
	return txn
}
