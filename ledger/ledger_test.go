package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/ledger/ledgertest"
	"github.com/warp/token-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestService(t *testing.T, opts ...ledger.Option) (*ledger.Service, *store.Memory) {
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	return ledgertest.NewService(st, opts...), st
}

func ref(u ledger.UserID) *ledger.UserID { return &u }

// =============================================================================
// CLOCK
// =============================================================================

func TestMonotonicClock_NeverGoesBackwards(t *testing.T) {
	// GIVEN: A wall clock that steps back by an hour
	// WHEN: Reading the monotonic clock across the step
	// THEN: Time holds still instead of going backwards

	base := time.Date(2025, time.May, 1, 12, 0, 0, 0, time.UTC)
	readings := []time.Time{base, base.Add(-time.Hour), base.Add(time.Second)}
	i := 0
	clock := ledger.NewClockFrom(func() time.Time {
		r := readings[i]
		i++
		return r
	})

	first := clock.Now()
	second := clock.Now()
	third := clock.Now()

	assert.True(t, first.Equal(base))
	assert.True(t, second.Equal(base))
	assert.True(t, third.Equal(base.Add(time.Second)))
}

func TestMonotonicClock_TruncatesToMicroseconds(t *testing.T) {
	in := time.Date(2025, time.May, 1, 12, 0, 0, 123456789, time.FixedZone("X", 3600))
	clock := ledger.NewClockFrom(func() time.Time { return in })

	got := clock.Now()
	assert.Equal(t, time.UTC, got.Location())
	assert.Equal(t, 123456000, got.Nanosecond())
}

// =============================================================================
// RECORDER
// =============================================================================

func TestRecorder_ValidatesEntryShape(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	rec := ledger.NewRecorder(nil)
	ten := ledger.MustMoney("10.00")

	tests := []struct {
		name  string
		entry ledger.Entry
		ok    bool
	}{
		{"purchase", ledger.Entry{Sender: ref("a"), Amount: ten, Type: ledger.TxPurchase, ItemID: "i"}, true},
		{"purchase without item", ledger.Entry{Sender: ref("a"), Amount: ten, Type: ledger.TxPurchase}, false},
		{"purchase with receiver", ledger.Entry{Sender: ref("a"), Receiver: ref("b"), Amount: ten, Type: ledger.TxPurchase, ItemID: "i"}, false},
		{"credit", ledger.Entry{Receiver: ref("a"), Amount: ten, Type: ledger.TxCredit}, true},
		{"credit with sender", ledger.Entry{Sender: ref("a"), Receiver: ref("a"), Amount: ten, Type: ledger.TxCredit}, false},
		{"refund without receiver", ledger.Entry{Amount: ten, Type: ledger.TxRefund}, false},
		{"penalty", ledger.Entry{Sender: ref("a"), Amount: ten, Type: ledger.TxPenalty}, true},
		{"zero amount", ledger.Entry{Receiver: ref("a"), Type: ledger.TxCredit}, false},
		{"unknown type", ledger.Entry{Receiver: ref("a"), Amount: ten, Type: "GIFT"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tx ledger.Transaction
			err := st.WithTx(ctx, func(uow ledger.UnitOfWork) error {
				var err error
				tx, err = rec.Record(ctx, uow, tt.entry)
				return err
			})
			if !tt.ok {
				assert.Error(t, err)
				assert.Equal(t, ledger.ReasonInvalidRequest, ledger.ReasonOf(err))
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, tx.ID)
			assert.NotZero(t, tx.Seq)
			assert.False(t, tx.Timestamp.IsZero())
		})
	}
}

func TestRecorder_RowDiscardedWithItsUnit(t *testing.T) {
	// GIVEN: A unit that records a row and then fails
	// WHEN: The unit rolls back
	// THEN: The row is not visible

	ctx := context.Background()
	st := store.NewMemory()
	rec := ledger.NewRecorder(nil)

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(uow ledger.UnitOfWork) error {
		if _, err := rec.Record(ctx, uow, ledger.Entry{Receiver: ref("a"), Amount: ledger.MustMoney("1"), Type: ledger.TxCredit}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	txs, err := st.RecentTransactions(ctx, "a", 10)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

// =============================================================================
// PURCHASE CORE - memory store
// =============================================================================

func TestPurchase_Properties_MemoryStore(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		st := store.NewMemory()
		t.Cleanup(func() { st.Close() })
		return st
	})
}

func TestPurchase_AutoProvisionsWallet(t *testing.T) {
	// GIVEN: A user with no wallet
	// WHEN: A purchase fails, then a credit and a purchase succeed
	// THEN: The wallet exists only once a unit commits for it

	ctx := context.Background()
	svc, st := newTestService(t)
	ledgertest.SeedItem(t, svc, "gum", "Gum", "0.50", 5)

	acct, err := svc.Wallet(ctx, "henry")
	require.NoError(t, err)
	assert.True(t, acct.Balance.IsZero())

	_, err = svc.Purchase(ctx, "henry", "gum")
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	stored, err := st.GetAccount(ctx, "henry")
	require.NoError(t, err)
	assert.Nil(t, stored, "failed unit must not create the wallet")

	res, err := svc.Credit(ctx, "henry", ledger.MustMoney("1.00"), "")
	require.NoError(t, err)
	assert.Equal(t, "Credit", res.Transaction.Description)

	receipt, err := svc.Purchase(ctx, "henry", "gum")
	require.NoError(t, err)
	assert.Equal(t, "0.50", receipt.Balance.String())
	assert.False(t, receipt.AccountCreated)
}

func TestPurchase_StrictPolicy_RequiresWallet(t *testing.T) {
	// GIVEN: A deployment that requires explicit wallet provisioning
	// WHEN: A user without a wallet buys or is credited
	// THEN: AccountNotFound, and nothing changes

	ctx := context.Background()
	svc, st := newTestService(t, ledger.WithAccountPolicy(ledger.AccountPolicyStrict))
	ledgertest.SeedItem(t, svc, "gum", "Gum", "0.50", 5)

	_, err := svc.Purchase(ctx, "ivy", "gum")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	assert.Equal(t, ledger.ReasonAccountNotFound, ledger.ReasonOf(err))

	_, err = svc.Credit(ctx, "ivy", ledger.MustMoney("5.00"), "")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	_, err = svc.Wallet(ctx, "ivy")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	it, err := st.GetItem(ctx, "gum")
	require.NoError(t, err)
	assert.Equal(t, 5, it.StockQuantity)
}

func TestOpenWallet_StrictPolicy(t *testing.T) {
	// GIVEN: A strict deployment
	// WHEN: An administrator opens a wallet, then credits it
	// THEN: The user can buy; reopening leaves the balance alone

	ctx := context.Background()
	svc, _ := newTestService(t, ledger.WithAccountPolicy(ledger.AccountPolicyStrict))
	ledgertest.SeedItem(t, svc, "gum", "Gum", "0.50", 5)

	acct, created, err := svc.OpenWallet(ctx, "ivy")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "0.00", acct.Balance.String())

	_, err = svc.Credit(ctx, "ivy", ledger.MustMoney("5.00"), "")
	require.NoError(t, err)

	acct, created, err = svc.OpenWallet(ctx, "ivy")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "5.00", acct.Balance.String())

	receipt, err := svc.Purchase(ctx, "ivy", "gum")
	require.NoError(t, err)
	assert.Equal(t, "4.50", receipt.Balance.String())
	assert.False(t, receipt.AccountCreated)

	_, _, err = svc.OpenWallet(ctx, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidUser)
}

func TestPurchase_RejectsEmptyIdentifiers(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Purchase(ctx, "", "gum")
	assert.ErrorIs(t, err, ledger.ErrInvalidUser)

	_, err = svc.Purchase(ctx, "jack", "")
	assert.ErrorIs(t, err, ledger.ErrItemNotFound)
}

func TestPurchase_RetriesStorageFailure(t *testing.T) {
	// GIVEN: A store whose first commit fails
	// WHEN: Purchasing with one storage retry allowed
	// THEN: The purchase succeeds once with a single ledger row

	ctx := context.Background()
	svc, st := newTestService(t, ledger.WithStorageRetries(1))
	ledgertest.SeedItem(t, svc, "pin", "Pin", "1.00", 3)
	ledgertest.SeedWallet(t, svc, "kate", "5.00")

	fails := 1
	st.SetFault(func(op string) error {
		if op == "commit" && fails > 0 {
			fails--
			return errors.New("connection reset")
		}
		return nil
	})

	receipt, err := svc.Purchase(ctx, "kate", "pin")
	require.NoError(t, err)
	assert.Equal(t, "4.00", receipt.Balance.String())

	txs, err := svc.RecentTransactions(ctx, "kate", 10)
	require.NoError(t, err)
	purchases := 0
	for _, tx := range txs {
		if tx.Type == ledger.TxPurchase {
			purchases++
		}
	}
	assert.Equal(t, 1, purchases)
}

func TestPurchase_LostCommitAckIsNotBoughtTwice(t *testing.T) {
	// GIVEN: A store that publishes the first commit but reports it failed
	// WHEN: Purchasing with one storage retry allowed
	// THEN: The retry finds the committed row: one PURCHASE row, one debit,
	//       one stock decrement, and the receipt carries that row's id

	ctx := context.Background()
	svc, st := newTestService(t, ledger.WithStorageRetries(1))
	ledgertest.SeedItem(t, svc, "pin", "Pin", "1.00", 3)
	ledgertest.SeedWallet(t, svc, "kate", "5.00")

	fails := 1
	st.SetFault(func(op string) error {
		if op == "after-commit" && fails > 0 {
			fails--
			return errors.New("connection reset after COMMIT")
		}
		return nil
	})

	receipt, err := svc.Purchase(ctx, "kate", "pin")
	require.NoError(t, err)
	assert.Equal(t, 0, fails, "the fault fired")
	assert.False(t, receipt.Replayed)
	assert.Equal(t, "4.00", receipt.Balance.String())
	assert.Equal(t, 2, receipt.Item.StockQuantity)

	txs, err := svc.RecentTransactions(ctx, "kate", 10)
	require.NoError(t, err)
	var purchases []ledger.Transaction
	for _, tx := range txs {
		if tx.Type == ledger.TxPurchase {
			purchases = append(purchases, tx)
		}
	}
	require.Len(t, purchases, 1)
	assert.Equal(t, purchases[0].ID, receipt.Transaction.ID)

	acct, err := svc.Wallet(ctx, "kate")
	require.NoError(t, err)
	assert.Equal(t, "4.00", acct.Balance.String())
	item, err := svc.Item(ctx, "pin")
	require.NoError(t, err)
	assert.Equal(t, 2, item.StockQuantity)

	report, err := svc.Audit(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())
}

func TestPurchase_LostCommitAckWithCallerKey(t *testing.T) {
	// GIVEN: A caller-supplied key and a lost commit acknowledgement
	// WHEN: The retry succeeds, then the caller resubmits the same key
	// THEN: The first call is a fresh purchase, the resubmission a replay

	ctx := context.Background()
	svc, st := newTestService(t, ledger.WithStorageRetries(1))
	ledgertest.SeedItem(t, svc, "pin", "Pin", "1.00", 3)
	ledgertest.SeedWallet(t, svc, "lena", "5.00")

	fails := 1
	st.SetFault(func(op string) error {
		if op == "after-commit" && fails > 0 {
			fails--
			return errors.New("connection reset after COMMIT")
		}
		return nil
	})

	first, err := svc.Purchase(ctx, "lena", "pin", ledger.WithIdempotencyKey("order-7"))
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	again, err := svc.Purchase(ctx, "lena", "pin", ledger.WithIdempotencyKey("order-7"))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Transaction.ID, again.Transaction.ID)
	assert.Equal(t, "4.00", again.Balance.String())
}

func TestPurchase_LostCommitAckWithoutRetries(t *testing.T) {
	// GIVEN: No retries and a lost commit acknowledgement
	// WHEN: Purchasing
	// THEN: The caller sees a retryable storage failure, though the row exists

	ctx := context.Background()
	svc, st := newTestService(t, ledger.WithStorageRetries(0))
	ledgertest.SeedItem(t, svc, "pin", "Pin", "1.00", 3)
	ledgertest.SeedWallet(t, svc, "max", "5.00")

	st.SetFault(func(op string) error {
		if op == "after-commit" {
			return errors.New("connection reset after COMMIT")
		}
		return nil
	})

	_, err := svc.Purchase(ctx, "max", "pin", ledger.WithIdempotencyKey("order-9"))
	require.Error(t, err)
	assert.True(t, ledger.IsRetryable(err))
	st.SetFault(nil)

	receipt, err := svc.Purchase(ctx, "max", "pin", ledger.WithIdempotencyKey("order-9"))
	require.NoError(t, err)
	assert.True(t, receipt.Replayed, "the resubmission finds the committed row")
	assert.Equal(t, "4.00", receipt.Balance.String())
}

func TestPurchase_StorageFailure_NoPartialState(t *testing.T) {
	// GIVEN: A store that always fails to commit and no retries
	// WHEN: Purchasing
	// THEN: StorageFailure, retryable, and balance/stock untouched

	ctx := context.Background()
	svc, st := newTestService(t)
	ledgertest.SeedItem(t, svc, "pin", "Pin", "1.00", 3)
	ledgertest.SeedWallet(t, svc, "liam", "5.00")

	st.SetFault(func(op string) error {
		if op == "commit" {
			return errors.New("disk full")
		}
		return nil
	})

	_, err := svc.Purchase(ctx, "liam", "pin")
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrStorageFailure)
	assert.True(t, ledger.IsRetryable(err))
	assert.Equal(t, ledger.ReasonStorageFailure, ledger.ReasonOf(err))

	st.SetFault(nil)
	acct, err := svc.Wallet(ctx, "liam")
	require.NoError(t, err)
	assert.Equal(t, "5.00", acct.Balance.String())
	it, err := svc.Item(ctx, "pin")
	require.NoError(t, err)
	assert.Equal(t, 3, it.StockQuantity)

	// The retried purchase re-validates and succeeds exactly once.
	_, err = svc.Purchase(ctx, "liam", "pin")
	require.NoError(t, err)
	acct, err = svc.Wallet(ctx, "liam")
	require.NoError(t, err)
	assert.Equal(t, "4.00", acct.Balance.String())
}

func TestPurchase_LockTimeout(t *testing.T) {
	// GIVEN: Another unit holding the item lock
	// WHEN: A purchase with a short lock timeout tries the same item
	// THEN: StorageFailure wrapping ErrLockTimeout, no waiting forever

	ctx := context.Background()
	svc, st := newTestService(t, ledger.WithLockTimeout(50*time.Millisecond))
	ledgertest.SeedItem(t, svc, "pin", "Pin", "1.00", 3)
	ledgertest.SeedWallet(t, svc, "mia", "5.00")

	locked := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = st.WithTx(ctx, func(uow ledger.UnitOfWork) error {
			if _, err := uow.LockItem(ctx, "pin"); err != nil {
				return err
			}
			close(locked)
			<-done
			return nil
		})
	}()
	<-locked

	start := time.Now()
	_, err := svc.Purchase(ctx, "mia", "pin")
	close(done)

	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrStorageFailure)
	assert.ErrorIs(t, err, ledger.ErrLockTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStore_RejectsNegativeBalanceCommit(t *testing.T) {
	// GIVEN: A unit that bypasses the service checks and writes a negative balance
	// WHEN: It tries to commit
	// THEN: The store aborts with an invariant violation

	ctx := context.Background()
	svc, st := newTestService(t)
	ledgertest.SeedWallet(t, svc, "noah", "1.00")

	err := st.WithTx(ctx, func(uow ledger.UnitOfWork) error {
		if _, err := uow.LockAccount(ctx, "noah"); err != nil {
			return err
		}
		return uow.SetBalance(ctx, "noah", ledger.MustMoney("-1.00"), time.Now())
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)
	assert.False(t, ledger.IsRetryable(err))

	acct, err := svc.Wallet(ctx, "noah")
	require.NoError(t, err)
	assert.Equal(t, "1.00", acct.Balance.String())
}

func TestStore_RejectsUnlockedWrites(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)
	ledgertest.SeedItem(t, svc, "pin", "Pin", "1.00", 3)

	err := st.WithTx(ctx, func(uow ledger.UnitOfWork) error {
		return uow.SetStock(ctx, "pin", 2)
	})
	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)
}

// =============================================================================
// ADMIN + HISTORY
// =============================================================================

func TestAdjust_RejectsBadInput(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Adjust(ctx, ledger.Adjustment{UserID: "o", Type: ledger.TxPurchase, Amount: ledger.MustMoney("1")})
	assert.ErrorIs(t, err, ledger.ErrInvalidEntry)

	_, err = svc.Adjust(ctx, ledger.Adjustment{UserID: "o", Type: ledger.TxCredit, Amount: ledger.MustMoney("1"), RestockItemID: "x"})
	assert.ErrorIs(t, err, ledger.ErrInvalidEntry)

	_, err = svc.Credit(ctx, "o", ledger.Money{}, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = svc.Refund(ctx, ledger.RefundRequest{UserID: "o", Amount: ledger.MustMoney("1"), RestockItemID: "missing"})
	assert.ErrorIs(t, err, ledger.ErrItemNotFound)
}

func TestAdjust_IdempotencyKey(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	req := ledger.RefundRequest{UserID: "pia", Amount: ledger.MustMoney("3.00"), IdempotencyKey: "refund-7"}
	first, err := svc.Refund(ctx, req)
	require.NoError(t, err)
	second, err := svc.Refund(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, "3.00", second.Balance.String())

	req.Amount = ledger.MustMoney("4.00")
	_, err = svc.Refund(ctx, req)
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
}

func TestRecentTransactions_Limits(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	for i := 0; i < 120; i++ {
		_, err := svc.Credit(ctx, "quinn", ledger.MustMoney("0.01"), fmt.Sprintf("c%d", i))
		require.NoError(t, err)
	}

	txs, err := svc.RecentTransactions(ctx, "quinn", 0)
	require.NoError(t, err)
	assert.Len(t, txs, ledger.DefaultHistoryLimit)
	assert.Equal(t, "c119", txs[0].Description)

	txs, err = svc.RecentTransactions(ctx, "quinn", 500)
	require.NoError(t, err)
	assert.Len(t, txs, ledger.MaxHistoryLimit)

	txs, err = svc.RecentTransactions(ctx, "nobody", 5)
	require.NoError(t, err)
	assert.NotNil(t, txs)
	assert.Empty(t, txs)
}

func TestSaveItem_Validates(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.SaveItem(ctx, ledger.InventoryItem{ID: "x", Name: "X", Price: ledger.Money{}, StockQuantity: 1})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = svc.SaveItem(ctx, ledger.InventoryItem{ID: "x", Name: "X", Price: ledger.MustMoney("1"), StockQuantity: -1})
	assert.ErrorIs(t, err, ledger.ErrInvalidItem)

	_, err = svc.SaveItem(ctx, ledger.InventoryItem{ID: "x", Price: ledger.MustMoney("1")})
	assert.ErrorIs(t, err, ledger.ErrInvalidItem)
}

// =============================================================================
// AUDIT
// =============================================================================

func TestReconcile_FindsDiscrepancies(t *testing.T) {
	// GIVEN: One wallet that matches its ledger, one that does not,
	//        and a ledger user with no wallet
	// WHEN: Reconciling
	// THEN: Exactly the two mismatches are reported, sorted by user

	at := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	accounts := []ledger.Account{
		{UserID: "ok", Balance: ledger.MustMoney("10.00")},
		{UserID: "drift", Balance: ledger.MustMoney("7.00")},
	}
	flows := map[ledger.UserID]ledger.Money{
		"ok":     ledger.MustMoney("10.00"),
		"drift":  ledger.MustMoney("5.00"),
		"orphan": ledger.MustMoney("1.00"),
	}

	report := ledger.Reconcile(accounts, flows, at)

	assert.False(t, report.Clean())
	assert.Equal(t, 2, report.Accounts)
	require.Len(t, report.Discrepancies, 2)
	assert.Equal(t, ledger.UserID("drift"), report.Discrepancies[0].UserID)
	assert.Equal(t, "2.00", report.Discrepancies[0].Delta().String())
	assert.Equal(t, ledger.UserID("orphan"), report.Discrepancies[1].UserID)
}

func TestErrors_Classification(t *testing.T) {
	storage := ledger.NewStorageError("lock", context.DeadlineExceeded)
	assert.ErrorIs(t, storage, ledger.ErrLockTimeout)
	assert.True(t, ledger.IsRetryable(storage))
	assert.Same(t, storage, ledger.NewStorageError("commit", storage))

	oos := &ledger.OutOfStockError{ItemID: "i", Name: "Item"}
	assert.True(t, ledger.IsClientError(oos))
	assert.False(t, ledger.IsRetryable(oos))
	assert.True(t, ledger.IsNotFound(fmt.Errorf("wrap: %w", ledger.ErrItemNotFound)))
	assert.Equal(t, ledger.ReasonNone, ledger.ReasonOf(nil))
}
