// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/token-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps committed rows in maps guarded by mu. Units of work take
// per-row locks, stage their writes privately and publish them in one step
// on commit, so readers only ever see committed data.
type Memory struct {
	mu           sync.RWMutex
	accounts     map[ledger.UserID]ledger.Account
	items        map[ledger.ItemID]ledger.InventoryItem
	transactions []ledger.Transaction
	idempotency  map[string]int // key -> index into transactions
	seq          int64

	rows *rowLocks

	faultMu sync.Mutex
	fault   FaultFunc
}

// FaultFunc lets tests inject storage failures. It is called with "begin",
// "lock", "commit" or "after-commit"; a non-nil error aborts the unit at
// that point. An "after-commit" error is returned although the unit's
// writes are already published.
type FaultFunc func(op string) error

var _ ledger.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		accounts:    make(map[ledger.UserID]ledger.Account),
		items:       make(map[ledger.ItemID]ledger.InventoryItem),
		idempotency: make(map[string]int),
		rows:        newRowLocks(),
	}
}

// SetFault installs (or clears, with nil) a fault injector.
func (m *Memory) SetFault(f FaultFunc) {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	m.fault = f
}

func (m *Memory) injected(op string) error {
	m.faultMu.Lock()
	f := m.fault
	m.faultMu.Unlock()
	if f == nil {
		return nil
	}
	if err := f(op); err != nil {
		return ledger.NewStorageError(op, err)
	}
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error { return nil }

// Reset drops all data.
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = make(map[ledger.UserID]ledger.Account)
	m.items = make(map[ledger.ItemID]ledger.InventoryItem)
	m.transactions = nil
	m.idempotency = make(map[string]int)
	return nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// WithTx executes fn within a unit of work. Nothing fn writes is visible to
// other callers until fn returns nil and the commit succeeds.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.UnitOfWork) error) error {
	if err := m.injected("begin"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return ledger.NewStorageError("begin", err)
	}

	uow := &memoryUnit{
		parent:   m,
		held:     make(map[string]bool),
		accounts: make(map[ledger.UserID]ledger.Account),
		items:    make(map[ledger.ItemID]ledger.InventoryItem),
		keys:     make(map[string]int),
	}
	defer uow.releaseAll()

	if err := fn(uow); err != nil {
		// Rollback: staged writes are simply dropped.
		return err
	}
	if err := ctx.Err(); err != nil {
		return ledger.NewStorageError("commit", err)
	}
	if err := m.injected("commit"); err != nil {
		return err
	}
	if err := uow.commit(); err != nil {
		return err
	}
	// The rows are published; a fault here mimics a commit whose
	// acknowledgement was lost.
	return m.injected("after-commit")
}

type memoryUnit struct {
	parent    *Memory
	held      map[string]bool
	heldOrder []string

	accounts map[ledger.UserID]ledger.Account
	items    map[ledger.ItemID]ledger.InventoryItem
	appended []ledger.Transaction
	keys     map[string]int
}

func itemKey(id ledger.ItemID) string { return "item:" + string(id) }
func accountKey(u ledger.UserID) string { return "account:" + string(u) }

func (u *memoryUnit) lock(ctx context.Context, key string) error {
	if u.held[key] {
		return nil
	}
	if err := u.parent.injected("lock"); err != nil {
		return err
	}
	if err := u.parent.rows.acquire(ctx, key); err != nil {
		return ledger.NewStorageError("lock", err)
	}
	u.held[key] = true
	u.heldOrder = append(u.heldOrder, key)
	return nil
}

func (u *memoryUnit) releaseAll() {
	for i := len(u.heldOrder) - 1; i >= 0; i-- {
		u.parent.rows.release(u.heldOrder[i])
	}
	u.heldOrder = nil
	u.held = nil
}

func (u *memoryUnit) LockItem(ctx context.Context, id ledger.ItemID) (ledger.InventoryItem, error) {
	if err := u.lock(ctx, itemKey(id)); err != nil {
		return ledger.InventoryItem{}, err
	}
	if it, ok := u.items[id]; ok {
		return it, nil
	}
	u.parent.mu.RLock()
	it, ok := u.parent.items[id]
	u.parent.mu.RUnlock()
	if !ok {
		return ledger.InventoryItem{}, fmt.Errorf("%w: %s", ledger.ErrItemNotFound, id)
	}
	return it, nil
}

func (u *memoryUnit) LockAccount(ctx context.Context, user ledger.UserID) (ledger.Account, error) {
	if err := u.lock(ctx, accountKey(user)); err != nil {
		return ledger.Account{}, err
	}
	if a, ok := u.accounts[user]; ok {
		return a, nil
	}
	u.parent.mu.RLock()
	a, ok := u.parent.accounts[user]
	u.parent.mu.RUnlock()
	if !ok {
		return ledger.Account{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, user)
	}
	return a, nil
}

func (u *memoryUnit) EnsureAccount(ctx context.Context, user ledger.UserID, at time.Time) (bool, error) {
	if err := u.lock(ctx, accountKey(user)); err != nil {
		return false, err
	}
	if _, ok := u.accounts[user]; ok {
		return false, nil
	}
	u.parent.mu.RLock()
	_, ok := u.parent.accounts[user]
	u.parent.mu.RUnlock()
	if ok {
		return false, nil
	}
	u.accounts[user] = ledger.Account{UserID: user, LastUpdated: at}
	return true, nil
}

func (u *memoryUnit) SetBalance(ctx context.Context, user ledger.UserID, balance ledger.Money, at time.Time) error {
	if !u.held[accountKey(user)] {
		return &ledger.InvariantError{Invariant: "lock discipline", Detail: "balance write on unlocked account " + string(user)}
	}
	a, err := u.LockAccount(ctx, user)
	if err != nil {
		return err
	}
	a.Balance = balance
	a.LastUpdated = at
	u.accounts[user] = a
	return nil
}

func (u *memoryUnit) SetStock(ctx context.Context, id ledger.ItemID, quantity int) error {
	if !u.held[itemKey(id)] {
		return &ledger.InvariantError{Invariant: "lock discipline", Detail: "stock write on unlocked item " + string(id)}
	}
	it, err := u.LockItem(ctx, id)
	if err != nil {
		return err
	}
	it.StockQuantity = quantity
	u.items[id] = it
	return nil
}

func (u *memoryUnit) AppendTransaction(_ context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if tx.IdempotencyKey != "" {
		if _, ok := u.keys[tx.IdempotencyKey]; ok {
			return ledger.Transaction{}, ledger.ErrDuplicateIdempotencyKey
		}
		u.parent.mu.RLock()
		_, ok := u.parent.idempotency[tx.IdempotencyKey]
		u.parent.mu.RUnlock()
		if ok {
			return ledger.Transaction{}, ledger.ErrDuplicateIdempotencyKey
		}
		u.keys[tx.IdempotencyKey] = len(u.appended)
	}

	u.parent.mu.Lock()
	u.parent.seq++
	tx.Seq = u.parent.seq
	u.parent.mu.Unlock()

	u.appended = append(u.appended, tx)
	return tx, nil
}

func (u *memoryUnit) FindByIdempotencyKey(_ context.Context, key string) (*ledger.Transaction, error) {
	if i, ok := u.keys[key]; ok {
		tx := u.appended[i]
		return &tx, nil
	}
	u.parent.mu.RLock()
	defer u.parent.mu.RUnlock()
	if i, ok := u.parent.idempotency[key]; ok {
		tx := u.parent.transactions[i]
		return &tx, nil
	}
	return nil, nil
}

// commit re-checks the invariants and publishes staged rows atomically.
func (u *memoryUnit) commit() error {
	m := u.parent
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range u.accounts {
		if a.Balance.IsNegative() {
			return &ledger.InvariantError{Invariant: "balance >= 0", Detail: fmt.Sprintf("%s would be %s", a.UserID, a.Balance)}
		}
	}
	for _, it := range u.items {
		if it.StockQuantity < 0 {
			return &ledger.InvariantError{Invariant: "stock >= 0", Detail: fmt.Sprintf("%s would be %d", it.ID, it.StockQuantity)}
		}
	}
	for key := range u.keys {
		if _, ok := m.idempotency[key]; ok {
			return ledger.ErrDuplicateIdempotencyKey
		}
	}

	for id, a := range u.accounts {
		m.accounts[id] = a
	}
	for id, it := range u.items {
		m.items[id] = it
	}
	for _, tx := range u.appended {
		if tx.IdempotencyKey != "" {
			m.idempotency[tx.IdempotencyKey] = len(m.transactions)
		}
		m.transactions = append(m.transactions, tx)
	}
	return nil
}

// =============================================================================
// CATALOG
// =============================================================================

// SaveItem inserts or replaces an item under its row lock. CreatedAt of an
// existing item is preserved.
func (m *Memory) SaveItem(ctx context.Context, item ledger.InventoryItem) error {
	key := itemKey(item.ID)
	if err := m.rows.acquire(ctx, key); err != nil {
		return ledger.NewStorageError("lock", err)
	}
	defer m.rows.release(key)

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.items[item.ID]; ok {
		item.CreatedAt = existing.CreatedAt
	} else if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	m.items[item.ID] = item
	return nil
}

// =============================================================================
// READS - Committed data only
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, user ledger.UserID) (*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[user]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *Memory) GetItem(_ context.Context, id ledger.ItemID) (*ledger.InventoryItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	return &it, nil
}

func (m *Memory) ListItems(_ context.Context, activeOnly bool) ([]ledger.InventoryItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.InventoryItem, 0, len(m.items))
	for _, it := range m.items {
		if activeOnly && !it.IsActive {
			continue
		}
		result = append(result, it)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func (m *Memory) RecentTransactions(_ context.Context, user ledger.UserID, limit int) ([]ledger.Transaction, error) {
	m.mu.RLock()
	var result []ledger.Transaction
	for _, tx := range m.transactions {
		if tx.Involves(user) {
			result = append(result, tx)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].Timestamp.After(result[j].Timestamp)
		}
		return result[i].Seq > result[j].Seq
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *Memory) NetFlows(_ context.Context) (map[ledger.UserID]ledger.Money, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	flows := make(map[ledger.UserID]ledger.Money)
	for _, tx := range m.transactions {
		if tx.Receiver != nil {
			flows[*tx.Receiver] = flows[*tx.Receiver].Add(tx.Amount)
		}
		if tx.Sender != nil {
			flows[*tx.Sender] = flows[*tx.Sender].Sub(tx.Amount)
		}
	}
	return flows, nil
}
