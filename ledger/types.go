/*
Package ledger provides the campus token ledger core.

PURPOSE:
  Users hold a token balance (wallet) and spend it against a finite
  inventory of items. Every balance-affecting event is written to an
  append-only transaction ledger inside the same atomic unit as the
  mutation it records.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account:       A user's wallet; balance never goes negative
  - InventoryItem: A purchasable item with a stock counter
  - Transaction:   An immutable ledger entry (CREDIT, PURCHASE, REFUND, PENALTY)
  - Entry:         What callers hand to the Recorder
  - Receipt:       The success result of a purchase

DESIGN PRINCIPLES:
  1. Immutability: Ledger rows are never updated or deleted
  2. Precision: Money is fixed-point with two fractional digits
  3. Type Safety: Distinct id types for users, items and transactions
  4. Explicit identity: The acting user is always a parameter, never ambient

SEE ALSO:
  - purchase.go: The purchase transaction core
  - recorder.go: Ledger entry creation
  - store.go: Persistence contract (units of work, row locks)
*/
package ledger

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type ItemID string
type TransactionID string

// =============================================================================
// ACCOUNT - One wallet per user
// =============================================================================

type Account struct {
	UserID      UserID
	Balance     Money
	LastUpdated time.Time
}

// CanAfford reports whether the balance covers amount.
func (a Account) CanAfford(amount Money) bool {
	return a.Balance.GreaterThanOrEqual(amount)
}

// =============================================================================
// INVENTORY ITEM
// =============================================================================

type InventoryItem struct {
	ID            ItemID
	Name          string
	Description   string
	Price         Money
	StockQuantity int
	Category      string
	IsActive      bool
	CreatedAt     time.Time
}

// Purchasable is true when the item is active and has stock left.
func (i InventoryItem) Purchasable() bool {
	return i.IsActive && i.StockQuantity > 0
}

// Validate checks the catalog invariants for an item being provisioned.
func (i InventoryItem) Validate() error {
	if i.ID == "" {
		return ErrInvalidItem
	}
	if i.Name == "" {
		return wrapInvalidItem("name is required")
	}
	if err := ValidateAmount(i.Price); err != nil {
		return err
	}
	if i.StockQuantity < 0 {
		return wrapInvalidItem("stock quantity cannot be negative")
	}
	return nil
}

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

type TransactionType string

const (
	TxCredit   TransactionType = "CREDIT"   // Administrator credit
	TxPurchase TransactionType = "PURCHASE" // Item purchase, debits sender
	TxRefund   TransactionType = "REFUND"   // Returned tokens, credits receiver
	TxPenalty  TransactionType = "PENALTY"  // Deduction, debits sender
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TxCredit, TxPurchase, TxRefund, TxPenalty:
		return true
	}
	return false
}

// Debits is true for types that take tokens out of the sender's wallet.
func (t TransactionType) Debits() bool {
	return t == TxPurchase || t == TxPenalty
}

type Transaction struct {
	ID TransactionID
	// Seq is assigned by the store on insert and breaks timestamp ties.
	Seq            int64
	Sender         *UserID
	Receiver       *UserID
	Amount         Money
	Type           TransactionType
	Description    string
	ItemID         ItemID
	IdempotencyKey string
	Timestamp      time.Time
}

// Involves reports whether user is the sender or receiver of t.
func (t Transaction) Involves(user UserID) bool {
	return (t.Sender != nil && *t.Sender == user) || (t.Receiver != nil && *t.Receiver == user)
}

// NetFor returns the signed effect of t on user's balance.
func (t Transaction) NetFor(user UserID) Money {
	var net Money
	if t.Receiver != nil && *t.Receiver == user {
		net = net.Add(t.Amount)
	}
	if t.Sender != nil && *t.Sender == user {
		net = net.Sub(t.Amount)
	}
	return net
}

// Entry is the input to Recorder.Record. The recorder fills in the id and
// timestamp.
type Entry struct {
	Sender         *UserID
	Receiver       *UserID
	Amount         Money
	Type           TransactionType
	Description    string
	ItemID         ItemID
	IdempotencyKey string
}

// =============================================================================
// RESULTS
// =============================================================================

// Receipt is returned by a successful purchase.
type Receipt struct {
	Transaction    Transaction
	Item           InventoryItem // current item state; after the purchase on first execution
	Balance        Money         // wallet balance after the purchase
	Replayed       bool          // true when an idempotency key matched an earlier purchase
	AccountCreated bool
}

// AdjustmentResult is returned by Credit, Refund and Penalize.
type AdjustmentResult struct {
	Transaction Transaction
	Balance     Money
}

func userRef(u UserID) *UserID { return &u }
