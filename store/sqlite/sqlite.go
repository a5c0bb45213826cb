/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists wallets, inventory and the append-only transaction ledger in a
  single SQLite database. Suitable for a single campus deployment and for
  tests (":memory:").

INTERFACES IMPLEMENTED:
  ledger.TxStore: Atomic units of work (BEGIN IMMEDIATE)
  ledger.Reader:  Committed-data queries
  ledger.Catalog: Item provisioning

LOCKING:
  SQLite has no row locks. A unit starts with BEGIN IMMEDIATE, which takes
  the database write lock up front, so every unit is serialized against
  every other writer. That is stronger than the per-row contract and still
  satisfies it. In-process writers queue on a semaphore whose wait is
  bounded by the context deadline; other processes are bounded by
  _busy_timeout.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the transactions table
  - No DELETE statements on the transactions table (except Reset)
  - CHECK constraints reject negative balances and stock at the engine

KEY TABLES:
  accounts:        One row per wallet, balance in cents
  inventory_items: Catalog with stock counter, price in cents
  transactions:    Immutable ledger; seq is the insertion order

WAL MODE:
  File databases are opened with WAL so readers never block the writer.

USAGE:
  store, err := sqlite.New("./data/tokenledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres: Row-level locking implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/token-ledger/ledger"
)

// timeLayout is fixed width so that text ordering equals time ordering.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// DefaultBusyTimeout is how long SQLite itself waits on a lock held by
// another connection or process.
const DefaultBusyTimeout = 5 * time.Second

// Store implements ledger.Store using SQLite.
type Store struct {
	db     *sql.DB
	writer chan struct{}
}

var _ ledger.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_txlock=immediate&_busy_timeout=%d&_foreign_keys=on",
		dbPath, DefaultBusyTimeout.Milliseconds())
	memory := dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory")
	if !memory {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, writer: make(chan struct{}, 1)}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Wallets
	CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT PRIMARY KEY,
		balance_cents INTEGER NOT NULL DEFAULT 0 CHECK (balance_cents >= 0),
		last_updated TEXT NOT NULL
	);

	-- Catalog
	CREATE TABLE IF NOT EXISTS inventory_items (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		price_cents INTEGER NOT NULL CHECK (price_cents >= 1),
		stock_quantity INTEGER NOT NULL CHECK (stock_quantity >= 0),
		category TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_items_active
		ON inventory_items(is_active, name);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		sender TEXT,
		receiver TEXT,
		amount_cents INTEGER NOT NULL CHECK (amount_cents >= 1),
		tx_type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		item_id TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	-- History (hot path): rows where the user is sender or receiver
	CREATE INDEX IF NOT EXISTS idx_transactions_sender
		ON transactions(sender, created_at DESC, seq DESC) WHERE sender IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_transactions_receiver
		ON transactions(receiver, created_at DESC, seq DESC) WHERE receiver IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_transactions_type
		ON transactions(tx_type);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// UNITS OF WORK (ledger.TxStore)
// =============================================================================

// WithTx executes fn within one BEGIN IMMEDIATE transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.UnitOfWork) error) error {
	return s.write(ctx, func(sqlTx *sql.Tx) error {
		return fn(&unit{tx: sqlTx, locked: make(map[string]bool)})
	})
}

// write runs fn in a write transaction, queuing behind other in-process
// writers for at most the context deadline.
func (s *Store) write(ctx context.Context, fn func(*sql.Tx) error) error {
	select {
	case s.writer <- struct{}{}:
	case <-ctx.Done():
		return ledger.NewStorageError("lock", ctx.Err())
	}
	defer func() { <-s.writer }()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate("begin", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return translate("commit", err)
	}
	return nil
}

type unit struct {
	tx     *sql.Tx
	locked map[string]bool
}

func (u *unit) LockItem(ctx context.Context, id ledger.ItemID) (ledger.InventoryItem, error) {
	row := u.tx.QueryRowContext(ctx, selectItem+` WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.InventoryItem{}, fmt.Errorf("%w: %s", ledger.ErrItemNotFound, id)
	}
	if err != nil {
		return ledger.InventoryItem{}, translate("lock", err)
	}
	u.locked["item:"+string(id)] = true
	return item, nil
}

func (u *unit) LockAccount(ctx context.Context, user ledger.UserID) (ledger.Account, error) {
	row := u.tx.QueryRowContext(ctx, selectAccount+` WHERE user_id = ?`, user)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, user)
	}
	if err != nil {
		return ledger.Account{}, translate("lock", err)
	}
	u.locked["account:"+string(user)] = true
	return acct, nil
}

func (u *unit) EnsureAccount(ctx context.Context, user ledger.UserID, at time.Time) (bool, error) {
	res, err := u.tx.ExecContext(ctx, `
		INSERT INTO accounts (user_id, balance_cents, last_updated)
		VALUES (?, 0, ?)
		ON CONFLICT(user_id) DO NOTHING`,
		user, formatTime(at))
	if err != nil {
		return false, translate("ensure account", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, translate("ensure account", err)
	}
	return n == 1, nil
}

func (u *unit) SetBalance(ctx context.Context, user ledger.UserID, balance ledger.Money, at time.Time) error {
	if !u.locked["account:"+string(user)] {
		return &ledger.InvariantError{Invariant: "lock discipline", Detail: "balance write on unlocked account " + string(user)}
	}
	res, err := u.tx.ExecContext(ctx,
		`UPDATE accounts SET balance_cents = ?, last_updated = ? WHERE user_id = ?`,
		balance.Cents(), formatTime(at), user)
	if err != nil {
		return translate("set balance", err)
	}
	return expectOneRow(res, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, user))
}

func (u *unit) SetStock(ctx context.Context, id ledger.ItemID, quantity int) error {
	if !u.locked["item:"+string(id)] {
		return &ledger.InvariantError{Invariant: "lock discipline", Detail: "stock write on unlocked item " + string(id)}
	}
	res, err := u.tx.ExecContext(ctx,
		`UPDATE inventory_items SET stock_quantity = ? WHERE id = ?`, quantity, id)
	if err != nil {
		return translate("set stock", err)
	}
	return expectOneRow(res, fmt.Errorf("%w: %s", ledger.ErrItemNotFound, id))
}

func (u *unit) AppendTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	res, err := u.tx.ExecContext(ctx, `
		INSERT INTO transactions
		(id, sender, receiver, amount_cents, tx_type, description, item_id, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID,
		nullUser(tx.Sender),
		nullUser(tx.Receiver),
		tx.Amount.Cents(),
		tx.Type,
		tx.Description,
		nullString(string(tx.ItemID)),
		nullString(tx.IdempotencyKey),
		formatTime(tx.Timestamp),
	)
	if err != nil {
		return ledger.Transaction{}, translate("append transaction", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return ledger.Transaction{}, translate("append transaction", err)
	}
	tx.Seq = seq
	return tx, nil
}

func (u *unit) FindByIdempotencyKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	rows, err := u.tx.QueryContext(ctx, selectTransaction+` WHERE idempotency_key = ?`, key)
	if err != nil {
		return nil, translate("find idempotency key", err)
	}
	txs, err := collectTransactions(rows)
	if err != nil || len(txs) == 0 {
		return nil, err
	}
	return &txs[0], nil
}

// =============================================================================
// CATALOG
// =============================================================================

// SaveItem inserts or replaces an item. The original created_at is kept.
func (s *Store) SaveItem(ctx context.Context, item ledger.InventoryItem) error {
	return s.write(ctx, func(sqlTx *sql.Tx) error {
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO inventory_items
			(id, name, description, price_cents, stock_quantity, category, is_active, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				description = excluded.description,
				price_cents = excluded.price_cents,
				stock_quantity = excluded.stock_quantity,
				category = excluded.category,
				is_active = excluded.is_active`,
			item.ID, item.Name, item.Description, item.Price.Cents(), item.StockQuantity,
			item.Category, item.IsActive, formatTime(createdAt(item)),
		)
		if err != nil {
			return translate("save item", err)
		}
		return nil
	})
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	return s.write(ctx, func(sqlTx *sql.Tx) error {
		for _, table := range []string{"transactions", "accounts", "inventory_items"} {
			if _, err := sqlTx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return translate("reset", err)
			}
		}
		return nil
	})
}

// =============================================================================
// READS (ledger.Reader)
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, user ledger.UserID) (*ledger.Account, error) {
	acct, err := scanAccount(s.db.QueryRowContext(ctx, selectAccount+` WHERE user_id = ?`, user))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &acct, nil
}

func (s *Store) GetItem(ctx context.Context, id ledger.ItemID) (*ledger.InventoryItem, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, selectItem+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return &item, nil
}

func (s *Store) ListItems(ctx context.Context, activeOnly bool) ([]ledger.InventoryItem, error) {
	query := selectItem
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY name, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	items := []ledger.InventoryItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, selectAccount+` ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	accounts := []ledger.Account{}
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

func (s *Store) RecentTransactions(ctx context.Context, user ledger.UserID, limit int) ([]ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, selectTransaction+`
		WHERE sender = ? OR receiver = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ?`, user, user, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	return collectTransactions(rows)
}

func (s *Store) NetFlows(ctx context.Context) (map[ledger.UserID]ledger.Money, error) {
	rows, err := s.db.QueryContext(ctx, netFlowsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to sum ledger: %w", err)
	}
	defer rows.Close()

	flows := make(map[ledger.UserID]ledger.Money)
	for rows.Next() {
		var (
			user  string
			cents int64
		)
		if err := rows.Scan(&user, &cents); err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}
		flows[ledger.UserID(user)] = ledger.MoneyFromCents(cents)
	}
	return flows, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

const (
	selectAccount     = `SELECT user_id, balance_cents, last_updated FROM accounts`
	selectItem        = `SELECT id, name, description, price_cents, stock_quantity, category, is_active, created_at FROM inventory_items`
	selectTransaction = `SELECT seq, id, sender, receiver, amount_cents, tx_type, description, item_id, idempotency_key, created_at FROM transactions`

	netFlowsQuery = `
		SELECT user_id, SUM(delta) FROM (
			SELECT receiver AS user_id, amount_cents AS delta FROM transactions WHERE receiver IS NOT NULL
			UNION ALL
			SELECT sender AS user_id, -amount_cents AS delta FROM transactions WHERE sender IS NOT NULL
		) GROUP BY user_id`
)

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (ledger.Account, error) {
	var (
		acct        ledger.Account
		cents       int64
		lastUpdated string
	)
	if err := row.Scan(&acct.UserID, &cents, &lastUpdated); err != nil {
		return acct, err
	}
	acct.Balance = ledger.MoneyFromCents(cents)
	ts, err := parseTime(lastUpdated)
	if err != nil {
		return acct, fmt.Errorf("account %s: %w", acct.UserID, err)
	}
	acct.LastUpdated = ts
	return acct, nil
}

func scanItem(row scanner) (ledger.InventoryItem, error) {
	var (
		item      ledger.InventoryItem
		cents     int64
		createdAt string
	)
	err := row.Scan(&item.ID, &item.Name, &item.Description, &cents,
		&item.StockQuantity, &item.Category, &item.IsActive, &createdAt)
	if err != nil {
		return item, err
	}
	item.Price = ledger.MoneyFromCents(cents)
	ts, err := parseTime(createdAt)
	if err != nil {
		return item, fmt.Errorf("item %s: %w", item.ID, err)
	}
	item.CreatedAt = ts
	return item, nil
}

func collectTransactions(rows *sql.Rows) ([]ledger.Transaction, error) {
	defer rows.Close()

	transactions := []ledger.Transaction{}
	for rows.Next() {
		var (
			tx             ledger.Transaction
			sender         sql.NullString
			receiver       sql.NullString
			cents          int64
			itemID         sql.NullString
			idempotencyKey sql.NullString
			createdAt      string
		)
		err := rows.Scan(&tx.Seq, &tx.ID, &sender, &receiver, &cents, &tx.Type,
			&tx.Description, &itemID, &idempotencyKey, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.Sender = userPtr(sender)
		tx.Receiver = userPtr(receiver)
		tx.Amount = ledger.MoneyFromCents(cents)
		tx.ItemID = ledger.ItemID(itemID.String)
		tx.IdempotencyKey = idempotencyKey.String
		if tx.Timestamp, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("transaction %s: %w", tx.ID, err)
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// translate maps driver errors onto the ledger taxonomy.
func translate(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique && strings.Contains(sqliteErr.Error(), "idempotency_key"):
			return ledger.ErrDuplicateIdempotencyKey
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintCheck:
			return &ledger.InvariantError{Invariant: "check constraint", Detail: sqliteErr.Error()}
		}
	}
	return ledger.NewStorageError(op, err)
}

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.NewStorageError("rows affected", err)
	}
	if n != 1 {
		return notFound
	}
	return nil
}

func createdAt(item ledger.InventoryItem) time.Time {
	if item.CreatedAt.IsZero() {
		return time.Now()
	}
	return item.CreatedAt
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullUser(u *ledger.UserID) sql.NullString {
	if u == nil {
		return sql.NullString{}
	}
	return nullString(string(*u))
}

func userPtr(s sql.NullString) *ledger.UserID {
	if !s.Valid {
		return nil
	}
	u := ledger.UserID(s.String)
	return &u
}
