/*
store.go - Persistence contract for wallets, inventory and the ledger

PURPOSE:
  Defines the interface between the ledger core and the database. The core
  holds no state of its own; it orchestrates store-owned rows inside a unit
  of work that provides exclusive row locks and atomic commit.

KEY INTERFACES:
  UnitOfWork: Row locks + mutations + ledger append, scoped to one WithTx call
  TxStore:    Runs a function as one atomic unit of work
  Reader:     Committed-data queries (history, wallet, catalog, audit)
  Catalog:    Item provisioning (admin surface, outside the core)
  Store:      Everything above plus lifecycle

APPEND-ONLY CONTRACT:
  AppendTransaction is the ONLY ledger write. No Update, no Delete.

LOCK ORDER:
  Any unit that locks both an item and an account locks the item FIRST.
  Implementations do not enforce this; callers in this package do.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-process, keyed row locks
  - store/sqlite/sqlite.go: SQLite, BEGIN IMMEDIATE units
  - store/postgres/postgres.go: PostgreSQL, SELECT ... FOR UPDATE

SEE ALSO:
  - purchase.go: The main consumer of UnitOfWork
  - recorder.go: Wraps AppendTransaction
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// UNIT OF WORK - Valid only inside TxStore.WithTx
// =============================================================================

// UnitOfWork is handed to the function passed to WithTx. Reads return the
// row as seen by this unit, including its own uncommitted writes.
type UnitOfWork interface {
	// LockItem takes an exclusive lock on the item row and re-reads it.
	// Returns ErrItemNotFound if the row does not exist.
	LockItem(ctx context.Context, id ItemID) (InventoryItem, error)

	// LockAccount takes an exclusive lock on the account row and re-reads it.
	// Returns ErrAccountNotFound if the row does not exist.
	LockAccount(ctx context.Context, user UserID) (Account, error)

	// EnsureAccount inserts a zero-balance account if none exists.
	// Reports whether a row was created.
	EnsureAccount(ctx context.Context, user UserID, at time.Time) (bool, error)

	// SetBalance overwrites the balance of a locked account.
	SetBalance(ctx context.Context, user UserID, balance Money, at time.Time) error

	// SetStock overwrites the stock of a locked item.
	SetStock(ctx context.Context, id ItemID, quantity int) error

	// AppendTransaction inserts one ledger row and returns it with Seq set.
	// Returns ErrDuplicateIdempotencyKey if the key is already used.
	AppendTransaction(ctx context.Context, tx Transaction) (Transaction, error)

	// FindByIdempotencyKey returns the ledger row with the key, or nil.
	FindByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)
}

// TxStore runs fn as one atomic unit. If fn returns an error the unit is
// rolled back; otherwise it is committed. Row locks are held until then.
type TxStore interface {
	WithTx(ctx context.Context, fn func(UnitOfWork) error) error
}

// =============================================================================
// READ SURFACE - Committed data only
// =============================================================================

type Reader interface {
	// GetAccount returns nil if the user has no wallet yet.
	GetAccount(ctx context.Context, user UserID) (*Account, error)

	// GetItem returns nil if the item does not exist.
	GetItem(ctx context.Context, id ItemID) (*InventoryItem, error)

	ListItems(ctx context.Context, activeOnly bool) ([]InventoryItem, error)
	ListAccounts(ctx context.Context) ([]Account, error)

	// RecentTransactions returns rows where user is sender or receiver,
	// ordered by (Timestamp DESC, Seq DESC), at most limit rows.
	RecentTransactions(ctx context.Context, user UserID, limit int) ([]Transaction, error)

	// NetFlows returns, per user, credits+refunds received minus
	// purchases+penalties sent, over the whole ledger.
	NetFlows(ctx context.Context) (map[UserID]Money, error)
}

// Catalog provisions items. Creating and editing items is an administrator
// concern; SaveItem still takes the item row lock so it never interleaves
// with a purchase.
type Catalog interface {
	SaveItem(ctx context.Context, item InventoryItem) error
}

// Store is the full capability set a deployment provides.
type Store interface {
	TxStore
	Reader
	Catalog

	Ping(ctx context.Context) error
	// Reset wipes all data. Development and demo scenarios only.
	Reset(ctx context.Context) error
	Close() error
}
