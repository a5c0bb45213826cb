package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/token-ledger/ledger"
)

// =============================================================================
// ROW LOCKS
// =============================================================================

func TestRowLocks_Exclusive(t *testing.T) {
	// GIVEN: Many goroutines incrementing a counter under the same row lock
	// WHEN: They all run at once
	// THEN: No increment is lost and the lock table is empty afterwards

	locks := newRowLocks()
	ctx := context.Background()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !assert.NoError(t, locks.acquire(ctx, "item:x")) {
				return
			}
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
			locks.release("item:x")
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Empty(t, locks.rows)
}

func TestRowLocks_WaitBoundedByContext(t *testing.T) {
	locks := newRowLocks()
	require.NoError(t, locks.acquire(context.Background(), "account:a"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := locks.acquire(ctx, "account:a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Other rows are unaffected.
	require.NoError(t, locks.acquire(context.Background(), "account:b"))
	locks.release("account:b")

	locks.release("account:a")
	assert.Empty(t, locks.rows)
}

// =============================================================================
// MEMORY STORE
// =============================================================================

func TestMemory_UncommittedWritesInvisible(t *testing.T) {
	// GIVEN: A unit that has staged a balance but not committed
	// WHEN: A reader looks at the account
	// THEN: It sees nothing until the unit commits

	ctx := context.Background()
	m := NewMemory()
	staged := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- m.WithTx(ctx, func(uow ledger.UnitOfWork) error {
			if _, err := uow.EnsureAccount(ctx, "a", time.Now()); err != nil {
				return err
			}
			if err := uow.SetBalance(ctx, "a", ledger.MustMoney("5"), time.Now()); err != nil {
				return err
			}
			close(staged)
			<-release
			return nil
		})
	}()

	<-staged
	acct, err := m.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, acct)

	close(release)
	require.NoError(t, <-done)
	acct, err = m.GetAccount(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, "5.00", acct.Balance.String())
}

func TestMemory_FaultInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.SetFault(func(op string) error {
		if op == "lock" {
			return assert.AnError
		}
		return nil
	})

	err := m.WithTx(ctx, func(uow ledger.UnitOfWork) error {
		_, err := uow.LockItem(ctx, "x")
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrStorageFailure)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestMemory_AfterCommitFaultKeepsWrites(t *testing.T) {
	// GIVEN: A fault that fires once the unit is published
	// WHEN: The unit appends a ledger row
	// THEN: WithTx reports a storage failure, yet the row is committed

	ctx := context.Background()
	m := NewMemory()
	m.SetFault(func(op string) error {
		if op == "after-commit" {
			return assert.AnError
		}
		return nil
	})

	receiver := ledger.UserID("a")
	err := m.WithTx(ctx, func(uow ledger.UnitOfWork) error {
		_, err := uow.AppendTransaction(ctx, ledger.Transaction{
			ID: "tx-1", Receiver: &receiver, Amount: ledger.MustMoney("1.00"),
			Type: ledger.TxCredit, IdempotencyKey: "k-1", Timestamp: time.Now().UTC(),
		})
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrStorageFailure)

	m.SetFault(nil)
	err = m.WithTx(ctx, func(uow ledger.UnitOfWork) error {
		prior, err := uow.FindByIdempotencyKey(ctx, "k-1")
		require.NoError(t, err)
		require.NotNil(t, prior)
		assert.Equal(t, ledger.TransactionID("tx-1"), prior.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestMemory_DuplicateIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	tx := ledger.Transaction{ID: "t1", Amount: ledger.MustMoney("1"), Type: ledger.TxCredit, IdempotencyKey: "k"}

	require.NoError(t, m.WithTx(ctx, func(uow ledger.UnitOfWork) error {
		_, err := uow.AppendTransaction(ctx, tx)
		return err
	}))

	err := m.WithTx(ctx, func(uow ledger.UnitOfWork) error {
		found, err := uow.FindByIdempotencyKey(ctx, "k")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, ledger.TransactionID("t1"), found.ID)

		tx.ID = "t2"
		_, err = uow.AppendTransaction(ctx, tx)
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
}

func TestMemory_SaveItemPreservesCreatedAt(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	created := time.Date(2025, time.January, 2, 0, 0, 0, 0, time.UTC)

	item := ledger.InventoryItem{ID: "x", Name: "X", Price: ledger.MustMoney("1"), StockQuantity: 1, IsActive: true, CreatedAt: created}
	require.NoError(t, m.SaveItem(ctx, item))

	item.Name = "X v2"
	item.CreatedAt = time.Time{}
	require.NoError(t, m.SaveItem(ctx, item))

	got, err := m.GetItem(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "X v2", got.Name)
	assert.True(t, got.CreatedAt.Equal(created))

	items, err := m.ListItems(ctx, true)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	require.NoError(t, m.Reset(ctx))
	items, err = m.ListItems(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, items)
}
