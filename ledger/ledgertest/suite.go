/*
Package ledgertest is a store-agnostic test suite for the ledger core.

Every Store implementation runs the same suite from its own tests:

	func TestStoreProperties(t *testing.T) {
	    ledgertest.Run(t, func(t *testing.T) ledger.Store { return newStore(t) })
	}

The suite covers the purchase guarantees under real concurrency:
no negative balance, no negative stock, ledger/mutation atomicity,
exactly one winner for the last unit, the affordability race, idempotent
resubmission, history ordering and the end-to-end scenario.
*/
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/token-ledger/ledger"
)

// NewStoreFunc returns an empty store. It should register its own cleanup.
type NewStoreFunc func(t *testing.T) ledger.Store

// Run executes every property against stores built by newStore.
func Run(t *testing.T, newStore NewStoreFunc) {
	t.Run("EndToEndScenario", func(t *testing.T) { testEndToEnd(t, newStore(t)) })
	t.Run("NoNegativeBalance", func(t *testing.T) { testNoNegativeBalance(t, newStore(t)) })
	t.Run("NoNegativeStock", func(t *testing.T) { testNoNegativeStock(t, newStore(t)) })
	t.Run("ExactlyOneWinner", func(t *testing.T) { testExactlyOneWinner(t, newStore(t)) })
	t.Run("AffordabilityRace", func(t *testing.T) { testAffordabilityRace(t, newStore(t)) })
	t.Run("LedgerMutationAtomicity", func(t *testing.T) { testAtomicity(t, newStore(t)) })
	t.Run("IdempotentResubmission", func(t *testing.T) { testIdempotentResubmission(t, newStore(t)) })
	t.Run("HistoryOrdering", func(t *testing.T) { testHistoryOrdering(t, newStore(t)) })
	t.Run("FailuresLeaveNoTrace", func(t *testing.T) { testFailuresLeaveNoTrace(t, newStore(t)) })
	t.Run("RefundRestock", func(t *testing.T) { testRefundRestock(t, newStore(t)) })
}

// =============================================================================
// FIXTURES
// =============================================================================

// NewService wires a service the way the suite expects.
func NewService(st ledger.Store, opts ...ledger.Option) *ledger.Service {
	base := []ledger.Option{
		ledger.WithLockTimeout(10 * time.Second),
		ledger.WithRetryBackoff(time.Millisecond),
	}
	return ledger.NewService(st, append(base, opts...)...)
}

// SeedItem provisions an active item.
func SeedItem(t *testing.T, svc *ledger.Service, id, name, price string, stock int) ledger.InventoryItem {
	t.Helper()
	item, err := svc.SaveItem(context.Background(), ledger.InventoryItem{
		ID:            ledger.ItemID(id),
		Name:          name,
		Price:         ledger.MustMoney(price),
		StockQuantity: stock,
		Category:      "test",
		IsActive:      true,
	})
	require.NoError(t, err)
	return item
}

// SeedWallet opens the user's wallet and credits it.
func SeedWallet(t *testing.T, svc *ledger.Service, user, amount string) {
	t.Helper()
	ctx := context.Background()
	_, _, err := svc.OpenWallet(ctx, ledger.UserID(user))
	require.NoError(t, err)
	_, err = svc.Credit(ctx, ledger.UserID(user), ledger.MustMoney(amount), "initial allowance")
	require.NoError(t, err)
}

func balanceOf(t *testing.T, svc *ledger.Service, user string) string {
	t.Helper()
	acct, err := svc.Wallet(context.Background(), ledger.UserID(user))
	require.NoError(t, err)
	return acct.Balance.String()
}

func stockOf(t *testing.T, svc *ledger.Service, item string) int {
	t.Helper()
	it, err := svc.Item(context.Background(), ledger.ItemID(item))
	require.NoError(t, err)
	return it.StockQuantity
}

func purchaseRows(t *testing.T, svc *ledger.Service, user string) int {
	t.Helper()
	txs, err := svc.RecentTransactions(context.Background(), ledger.UserID(user), ledger.MaxHistoryLimit)
	require.NoError(t, err)
	n := 0
	for _, tx := range txs {
		if tx.Type == ledger.TxPurchase {
			n++
		}
	}
	return n
}

func assertAuditClean(t *testing.T, svc *ledger.Service) {
	t.Helper()
	report, err := svc.Audit(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean(), "ledger discrepancies: %+v", report.Discrepancies)
}

type outcome struct {
	user   string
	reason ledger.FailureReason
}

// purchaseConcurrently fires one purchase per user entry at the same time.
func purchaseConcurrently(svc *ledger.Service, item string, users []string) []outcome {
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		out   = make([]outcome, len(users))
	)
	for i, u := range users {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			<-start
			_, err := svc.Purchase(context.Background(), ledger.UserID(u), ledger.ItemID(item))
			out[i] = outcome{user: u, reason: ledger.ReasonOf(err)}
		}(i, u)
	}
	close(start)
	wg.Wait()
	return out
}

func countReasons(out []outcome) map[ledger.FailureReason]int {
	counts := make(map[ledger.FailureReason]int)
	for _, o := range out {
		counts[o.reason]++
	}
	return counts
}

// =============================================================================
// PROPERTIES
// =============================================================================

func testEndToEnd(t *testing.T, st ledger.Store) {
	// GIVEN: A wallet with 100.00 and an item priced 10.00 with stock 5
	// WHEN: The user buys the item once
	// THEN: Balance 90.00, stock 4, one PURCHASE row with sender=user, receiver=nil

	ctx := context.Background()
	svc := NewService(st)
	SeedItem(t, svc, "notebook", "Notebook", "10.00", 5)
	SeedWallet(t, svc, "alice", "100.00")

	receipt, err := svc.Purchase(ctx, "alice", "notebook")
	require.NoError(t, err)

	assert.Equal(t, "90.00", receipt.Balance.String())
	assert.Equal(t, 4, receipt.Item.StockQuantity)
	assert.False(t, receipt.Replayed)
	assert.Equal(t, "90.00", balanceOf(t, svc, "alice"))
	assert.Equal(t, 4, stockOf(t, svc, "notebook"))

	txs, err := svc.RecentTransactions(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, txs, 2, "credit + purchase")

	purchase := txs[0]
	assert.Equal(t, ledger.TxPurchase, purchase.Type)
	assert.Equal(t, "10.00", purchase.Amount.String())
	require.NotNil(t, purchase.Sender)
	assert.Equal(t, ledger.UserID("alice"), *purchase.Sender)
	assert.Nil(t, purchase.Receiver)
	assert.Equal(t, ledger.ItemID("notebook"), purchase.ItemID)
	assert.Equal(t, "Purchased Notebook", purchase.Description)
	assert.Equal(t, receipt.Transaction.ID, purchase.ID)

	assertAuditClean(t, svc)
}

func testNoNegativeBalance(t *testing.T, st ledger.Store) {
	// GIVEN: A wallet with 25.00 and plenty of stock at 10.00
	// WHEN: The same user fires 8 purchases concurrently
	// THEN: Exactly 2 succeed, the rest are InsufficientBalance, balance is 5.00

	svc := NewService(st)
	SeedItem(t, svc, "mug", "Mug", "10.00", 100)
	SeedWallet(t, svc, "bob", "25.00")

	users := make([]string, 8)
	for i := range users {
		users[i] = "bob"
	}
	counts := countReasons(purchaseConcurrently(svc, "mug", users))

	assert.Equal(t, 2, counts[ledger.ReasonNone])
	assert.Equal(t, 6, counts[ledger.ReasonInsufficientBalance])
	assert.Equal(t, "5.00", balanceOf(t, svc, "bob"))
	assert.Equal(t, 98, stockOf(t, svc, "mug"))
	assert.Equal(t, 2, purchaseRows(t, svc, "bob"))
	assertAuditClean(t, svc)
}

func testNoNegativeStock(t *testing.T, st ledger.Store) {
	// GIVEN: An item with stock 3 and 10 users who can all afford it
	// WHEN: All of them buy concurrently
	// THEN: 3 succeed, 7 see OutOfStock, stock ends at exactly 0

	svc := NewService(st)
	SeedItem(t, svc, "hoodie", "Hoodie", "30.00", 3)
	users := make([]string, 10)
	for i := range users {
		users[i] = fmt.Sprintf("student-%02d", i)
		SeedWallet(t, svc, users[i], "50.00")
	}

	counts := countReasons(purchaseConcurrently(svc, "hoodie", users))

	assert.Equal(t, 3, counts[ledger.ReasonNone])
	assert.Equal(t, 7, counts[ledger.ReasonOutOfStock])
	assert.Equal(t, 0, stockOf(t, svc, "hoodie"))
	assertAuditClean(t, svc)
}

func testExactlyOneWinner(t *testing.T, st ledger.Store) {
	// GIVEN: The last unit of an item and 6 funded users
	// WHEN: All of them try to buy it at once
	// THEN: Exactly one wins and N-1 fail with OutOfStock

	svc := NewService(st)
	SeedItem(t, svc, "ticket", "Concert Ticket", "15.00", 1)
	users := make([]string, 6)
	for i := range users {
		users[i] = fmt.Sprintf("fan-%d", i)
		SeedWallet(t, svc, users[i], "20.00")
	}

	out := purchaseConcurrently(svc, "ticket", users)
	counts := countReasons(out)
	require.Equal(t, 1, counts[ledger.ReasonNone])
	assert.Equal(t, len(users)-1, counts[ledger.ReasonOutOfStock])

	for _, o := range out {
		if o.reason == ledger.ReasonNone {
			assert.Equal(t, "5.00", balanceOf(t, svc, o.user))
			assert.Equal(t, 1, purchaseRows(t, svc, o.user))
		} else {
			assert.Equal(t, "20.00", balanceOf(t, svc, o.user))
			assert.Equal(t, 0, purchaseRows(t, svc, o.user))
		}
	}
	assert.Equal(t, 0, stockOf(t, svc, "ticket"))
}

func testAffordabilityRace(t *testing.T, st ledger.Store) {
	// GIVEN: A wallet with 10.00 and an item priced 6.00
	// WHEN: Two purchases race
	// THEN: One succeeds, the other is InsufficientBalance, balance is 4.00

	svc := NewService(st)
	SeedItem(t, svc, "lunch", "Lunch Voucher", "6.00", 10)
	SeedWallet(t, svc, "carol", "10.00")

	counts := countReasons(purchaseConcurrently(svc, "lunch", []string{"carol", "carol"}))

	assert.Equal(t, 1, counts[ledger.ReasonNone])
	assert.Equal(t, 1, counts[ledger.ReasonInsufficientBalance])
	assert.Equal(t, "4.00", balanceOf(t, svc, "carol"))
	assert.Equal(t, 9, stockOf(t, svc, "lunch"))
}

func testAtomicity(t *testing.T, st ledger.Store) {
	// GIVEN: Two items, five users with different balances
	// WHEN: Every user buys both items several times concurrently
	// THEN: For each user, PURCHASE rows == debits; totals match stock

	ctx := context.Background()
	svc := NewService(st)
	SeedItem(t, svc, "pen", "Pen", "2.50", 12)
	SeedItem(t, svc, "pad", "Pad", "4.00", 12)

	users := []string{"u1", "u2", "u3", "u4", "u5"}
	for i, u := range users {
		SeedWallet(t, svc, u, fmt.Sprintf("%d.00", 5+i*5))
	}

	var wg sync.WaitGroup
	for _, u := range users {
		for i := 0; i < 4; i++ {
			for _, item := range []string{"pen", "pad"} {
				wg.Add(1)
				go func(u, item string) {
					defer wg.Done()
					_, _ = svc.Purchase(ctx, ledger.UserID(u), ledger.ItemID(item))
				}(u, item)
			}
		}
	}
	wg.Wait()

	sold := map[ledger.ItemID]int{}
	for _, u := range users {
		txs, err := svc.RecentTransactions(ctx, ledger.UserID(u), ledger.MaxHistoryLimit)
		require.NoError(t, err)

		spent := ledger.Money{}
		credited := ledger.Money{}
		for _, tx := range txs {
			switch tx.Type {
			case ledger.TxPurchase:
				spent = spent.Add(tx.Amount)
				sold[tx.ItemID]++
			case ledger.TxCredit:
				credited = credited.Add(tx.Amount)
			}
		}
		assert.Equal(t, credited.Sub(spent).String(), balanceOf(t, svc, u), "user %s", u)
	}
	assert.Equal(t, 12-sold["pen"], stockOf(t, svc, "pen"))
	assert.Equal(t, 12-sold["pad"], stockOf(t, svc, "pad"))
	assertAuditClean(t, svc)
}

func testIdempotentResubmission(t *testing.T, st ledger.Store) {
	// GIVEN: A purchase submitted with an idempotency key
	// WHEN: The same request is submitted again, concurrently and after
	// THEN: Exactly one ledger row and one debit; the rest are replays

	ctx := context.Background()
	svc := NewService(st)
	SeedItem(t, svc, "cap", "Cap", "8.00", 10)
	SeedWallet(t, svc, "dave", "40.00")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		replayed int
		fresh    int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := svc.Purchase(ctx, "dave", "cap", ledger.WithIdempotencyKey("order-1"))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if r.Replayed {
				replayed++
			} else {
				fresh++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fresh)
	assert.Equal(t, 4, replayed)
	assert.Equal(t, "32.00", balanceOf(t, svc, "dave"))
	assert.Equal(t, 9, stockOf(t, svc, "cap"))
	assert.Equal(t, 1, purchaseRows(t, svc, "dave"))

	// A key reused for a different item is rejected.
	SeedItem(t, svc, "scarf", "Scarf", "3.00", 10)
	_, err := svc.Purchase(ctx, "dave", "scarf", ledger.WithIdempotencyKey("order-1"))
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
	assert.Equal(t, 10, stockOf(t, svc, "scarf"))
}

func testHistoryOrdering(t *testing.T, st ledger.Store) {
	// GIVEN: Transactions for a user at t1 < t2 < t3
	// WHEN: Reading the recent history
	// THEN: They come back as [t3, t2, t1], and limit caps the result

	ctx := context.Background()
	base := time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	clock := ledger.NewClockFrom(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})
	svc := NewService(st, ledger.WithClock(clock))

	for _, desc := range []string{"t1", "t2", "t3"} {
		_, err := svc.Credit(ctx, "erin", ledger.MustMoney("1.00"), desc)
		require.NoError(t, err)
	}
	_, err := svc.Credit(ctx, "someone-else", ledger.MustMoney("1.00"), "other")
	require.NoError(t, err)

	txs, err := svc.RecentTransactions(ctx, "erin", 10)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, "t3", txs[0].Description)
	assert.Equal(t, "t2", txs[1].Description)
	assert.Equal(t, "t1", txs[2].Description)
	assert.True(t, txs[0].Timestamp.After(txs[1].Timestamp))

	limited, err := svc.RecentTransactions(ctx, "erin", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "t3", limited[0].Description)
}

func testFailuresLeaveNoTrace(t *testing.T, st ledger.Store) {
	// GIVEN: An inactive item, a sold-out item and an empty wallet
	// WHEN: Purchases fail for each reason
	// THEN: Typed failures, and no balance, stock or ledger change

	ctx := context.Background()
	svc := NewService(st)
	SeedItem(t, svc, "pricey", "Laptop Sleeve", "99.00", 2)
	SeedItem(t, svc, "gone", "Sticker", "1.00", 0)
	_, err := svc.SaveItem(ctx, ledger.InventoryItem{
		ID: "retired", Name: "Old Shirt", Price: ledger.MustMoney("5.00"), StockQuantity: 4,
	})
	require.NoError(t, err)
	SeedWallet(t, svc, "frank", "10.00")

	_, err = svc.Purchase(ctx, "frank", "missing")
	assert.ErrorIs(t, err, ledger.ErrItemNotFound)

	_, err = svc.Purchase(ctx, "frank", "gone")
	var oos *ledger.OutOfStockError
	require.ErrorAs(t, err, &oos)
	assert.False(t, oos.Inactive)

	_, err = svc.Purchase(ctx, "frank", "retired")
	require.ErrorAs(t, err, &oos)
	assert.True(t, oos.Inactive)

	_, err = svc.Purchase(ctx, "frank", "pricey")
	var insufficient *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "89.00", insufficient.Shortfall().String())

	_, err = svc.Penalize(ctx, "frank", ledger.MustMoney("10.01"), "late return")
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	assert.Equal(t, "10.00", balanceOf(t, svc, "frank"))
	assert.Equal(t, 2, stockOf(t, svc, "pricey"))
	assert.Equal(t, 4, stockOf(t, svc, "retired"))
	assert.Equal(t, 0, purchaseRows(t, svc, "frank"))
	assertAuditClean(t, svc)

	// A failed purchase by a brand new user must not leave a wallet behind.
	_, err = svc.Purchase(ctx, "newcomer", "pricey")
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	acct, err := st.GetAccount(ctx, "newcomer")
	require.NoError(t, err)
	assert.Nil(t, acct)
}

func testRefundRestock(t *testing.T, st ledger.Store) {
	// GIVEN: A user who bought an item
	// WHEN: An admin refunds it with restock, then penalizes part of it
	// THEN: Balance, stock and ledger rows all agree

	ctx := context.Background()
	svc := NewService(st)
	SeedItem(t, svc, "book", "Textbook", "45.00", 1)
	SeedWallet(t, svc, "gina", "50.00")

	_, err := svc.Purchase(ctx, "gina", "book")
	require.NoError(t, err)
	assert.Equal(t, 0, stockOf(t, svc, "book"))

	res, err := svc.Refund(ctx, ledger.RefundRequest{
		UserID: "gina", Amount: ledger.MustMoney("45.00"), Description: "Returned textbook", RestockItemID: "book",
	})
	require.NoError(t, err)
	assert.Equal(t, "50.00", res.Balance.String())
	require.NotNil(t, res.Transaction.Receiver)
	assert.Nil(t, res.Transaction.Sender)
	assert.Equal(t, ledger.TxRefund, res.Transaction.Type)
	assert.Equal(t, 1, stockOf(t, svc, "book"))

	pen, err := svc.Penalize(ctx, "gina", ledger.MustMoney("2.50"), "damaged cover")
	require.NoError(t, err)
	assert.Equal(t, "47.50", pen.Balance.String())
	require.NotNil(t, pen.Transaction.Sender)
	assert.Nil(t, pen.Transaction.Receiver)

	assert.Equal(t, "47.50", balanceOf(t, svc, "gina"))
	assertAuditClean(t, svc)
}
