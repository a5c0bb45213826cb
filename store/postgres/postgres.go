/*
Package postgres provides a PostgreSQL implementation of ledger.Store.

PURPOSE:
  Production store with true row-level locking. Purchases of disjoint
  item/account pairs proceed in parallel; purchases touching the same
  item or the same wallet serialize on SELECT ... FOR UPDATE.

UNIT OF WORK:
  BEGIN (READ COMMITTED)
  SET LOCAL lock_timeout = <remaining context deadline>
  SELECT ... FROM inventory_items WHERE id = $1 FOR UPDATE
  INSERT INTO accounts ... ON CONFLICT DO NOTHING     (auto-provision)
  SELECT ... FROM accounts WHERE user_id = $1 FOR UPDATE
  UPDATE accounts / UPDATE inventory_items / INSERT INTO transactions
  COMMIT

ERROR MAPPING (SQLSTATE):
  55P03 lock_not_available     -> StorageError(ErrLockTimeout)
  40P01 deadlock_detected      -> StorageError (retryable)
  40001 serialization_failure  -> StorageError (retryable)
  23505 unique_violation       -> ErrDuplicateIdempotencyKey
  23514 check_violation        -> InvariantError

SEE ALSO:
  - store/sqlite: Embedded alternative
  - ledger/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/token-ledger/ledger"
)

type Store struct {
	pool *pgxpool.Pool
}

var _ ledger.Store = (*Store)(nil)

// PoolOptions mirrors the pool settings worth tuning per deployment.
type PoolOptions struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MaxConns:        10,
		MinConns:        0,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New connects, pings and migrates.
func New(ctx context.Context, databaseURL string, opts PoolOptions) (*Store, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database url is not set")
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	config.MinConns = opts.MinConns
	if opts.MaxConnLifetime > 0 {
		config.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		config.MaxConnIdleTime = opts.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	store := &Store{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT PRIMARY KEY,
		balance_cents BIGINT NOT NULL DEFAULT 0 CHECK (balance_cents >= 0),
		last_updated TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS inventory_items (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		price_cents BIGINT NOT NULL CHECK (price_cents >= 1),
		stock_quantity INTEGER NOT NULL CHECK (stock_quantity >= 0),
		category TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		sender TEXT,
		receiver TEXT,
		amount_cents BIGINT NOT NULL CHECK (amount_cents >= 1),
		tx_type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		item_id TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_sender
		ON transactions(sender, created_at DESC, seq DESC) WHERE sender IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_transactions_receiver
		ON transactions(receiver, created_at DESC, seq DESC) WHERE receiver IS NOT NULL;
	`)
	return err
}

// =============================================================================
// UNITS OF WORK
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(ledger.UnitOfWork) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return translate("begin", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if deadline, ok := ctx.Deadline(); ok {
		ms := time.Until(deadline).Milliseconds()
		if ms < 1 {
			return ledger.NewStorageError("lock", context.DeadlineExceeded)
		}
		// SET does not take bind parameters.
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", ms)); err != nil {
			return translate("begin", err)
		}
	}

	if err := fn(&unit{tx: tx, locked: make(map[string]bool)}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return translate("commit", err)
	}
	return nil
}

type unit struct {
	tx     pgx.Tx
	locked map[string]bool
}

func (u *unit) LockItem(ctx context.Context, id ledger.ItemID) (ledger.InventoryItem, error) {
	item, err := scanItem(u.tx.QueryRow(ctx, selectItem+` WHERE id = $1 FOR UPDATE`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.InventoryItem{}, fmt.Errorf("%w: %s", ledger.ErrItemNotFound, id)
	}
	if err != nil {
		return ledger.InventoryItem{}, translate("lock", err)
	}
	u.locked["item:"+string(id)] = true
	return item, nil
}

func (u *unit) LockAccount(ctx context.Context, user ledger.UserID) (ledger.Account, error) {
	acct, err := scanAccount(u.tx.QueryRow(ctx, selectAccount+` WHERE user_id = $1 FOR UPDATE`, string(user)))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, user)
	}
	if err != nil {
		return ledger.Account{}, translate("lock", err)
	}
	u.locked["account:"+string(user)] = true
	return acct, nil
}

func (u *unit) EnsureAccount(ctx context.Context, user ledger.UserID, at time.Time) (bool, error) {
	tag, err := u.tx.Exec(ctx, `
		INSERT INTO accounts (user_id, balance_cents, last_updated)
		VALUES ($1, 0, $2)
		ON CONFLICT (user_id) DO NOTHING`,
		string(user), at)
	if err != nil {
		return false, translate("lock", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (u *unit) SetBalance(ctx context.Context, user ledger.UserID, balance ledger.Money, at time.Time) error {
	if !u.locked["account:"+string(user)] {
		return &ledger.InvariantError{Invariant: "lock discipline", Detail: "balance write on unlocked account " + string(user)}
	}
	tag, err := u.tx.Exec(ctx,
		`UPDATE accounts SET balance_cents = $1, last_updated = $2 WHERE user_id = $3`,
		balance.Cents(), at, string(user))
	if err != nil {
		return translate("set balance", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, user)
	}
	return nil
}

func (u *unit) SetStock(ctx context.Context, id ledger.ItemID, quantity int) error {
	if !u.locked["item:"+string(id)] {
		return &ledger.InvariantError{Invariant: "lock discipline", Detail: "stock write on unlocked item " + string(id)}
	}
	tag, err := u.tx.Exec(ctx,
		`UPDATE inventory_items SET stock_quantity = $1 WHERE id = $2`, quantity, string(id))
	if err != nil {
		return translate("set stock", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s", ledger.ErrItemNotFound, id)
	}
	return nil
}

func (u *unit) AppendTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	err := u.tx.QueryRow(ctx, `
		INSERT INTO transactions
		(id, sender, receiver, amount_cents, tx_type, description, item_id, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq`,
		string(tx.ID),
		userArg(tx.Sender),
		userArg(tx.Receiver),
		tx.Amount.Cents(),
		string(tx.Type),
		tx.Description,
		textArg(string(tx.ItemID)),
		textArg(tx.IdempotencyKey),
		tx.Timestamp,
	).Scan(&tx.Seq)
	if err != nil {
		return ledger.Transaction{}, translate("append transaction", err)
	}
	return tx, nil
}

func (u *unit) FindByIdempotencyKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	rows, err := u.tx.Query(ctx, selectTransaction+` WHERE idempotency_key = $1`, key)
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

// SaveItem upserts an item under its row lock (the upsert takes it).
func (s *Store) SaveItem(ctx context.Context, item ledger.InventoryItem) error {
	created := item.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO inventory_items
		(id, name, description, price_cents, stock_quantity, category, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			price_cents = EXCLUDED.price_cents,
			stock_quantity = EXCLUDED.stock_quantity,
			category = EXCLUDED.category,
			is_active = EXCLUDED.is_active`,
		string(item.ID), item.Name, item.Description, item.Price.Cents(), item.StockQuantity,
		item.Category, item.IsActive, created)
	if err != nil {
		return translate("save item", err)
	}
	return nil
}

func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE transactions, accounts, inventory_items RESTART IDENTITY`)
	if err != nil {
		return translate("reset", err)
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, user ledger.UserID) (*ledger.Account, error) {
	acct, err := scanAccount(s.pool.QueryRow(ctx, selectAccount+` WHERE user_id = $1`, string(user)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &acct, nil
}

func (s *Store) GetItem(ctx context.Context, id ledger.ItemID) (*ledger.InventoryItem, error) {
	item, err := scanItem(s.pool.QueryRow(ctx, selectItem+` WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
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
	rows, err := s.pool.Query(ctx, query+` ORDER BY name, id`)
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
	rows, err := s.pool.Query(ctx, selectAccount+` ORDER BY user_id`)
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
	rows, err := s.pool.Query(ctx, selectTransaction+`
		WHERE sender = $1 OR receiver = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2`, string(user), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	return collectTransactions(rows)
}

func (s *Store) NetFlows(ctx context.Context) (map[ledger.UserID]ledger.Money, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, SUM(delta)::BIGINT FROM (
			SELECT receiver AS user_id, amount_cents AS delta FROM transactions WHERE receiver IS NOT NULL
			UNION ALL
			SELECT sender AS user_id, -amount_cents AS delta FROM transactions WHERE sender IS NOT NULL
		) flows GROUP BY user_id`)
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
)

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var (
		user  string
		cents int64
		acct  ledger.Account
	)
	if err := row.Scan(&user, &cents, &acct.LastUpdated); err != nil {
		return acct, err
	}
	acct.UserID = ledger.UserID(user)
	acct.Balance = ledger.MoneyFromCents(cents)
	acct.LastUpdated = acct.LastUpdated.UTC()
	return acct, nil
}

func scanItem(row pgx.Row) (ledger.InventoryItem, error) {
	var (
		id    string
		cents int64
		item  ledger.InventoryItem
	)
	err := row.Scan(&id, &item.Name, &item.Description, &cents,
		&item.StockQuantity, &item.Category, &item.IsActive, &item.CreatedAt)
	if err != nil {
		return item, err
	}
	item.ID = ledger.ItemID(id)
	item.Price = ledger.MoneyFromCents(cents)
	item.CreatedAt = item.CreatedAt.UTC()
	return item, nil
}

func collectTransactions(rows pgx.Rows) ([]ledger.Transaction, error) {
	defer rows.Close()

	transactions := []ledger.Transaction{}
	for rows.Next() {
		var (
			tx                  ledger.Transaction
			id, txType          string
			sender, receiver    *string
			itemID, idempotency *string
			cents               int64
		)
		err := rows.Scan(&tx.Seq, &id, &sender, &receiver, &cents, &txType,
			&tx.Description, &itemID, &idempotency, &tx.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.ID = ledger.TransactionID(id)
		tx.Type = ledger.TransactionType(txType)
		tx.Sender = userPtr(sender)
		tx.Receiver = userPtr(receiver)
		tx.Amount = ledger.MoneyFromCents(cents)
		if itemID != nil {
			tx.ItemID = ledger.ItemID(*itemID)
		}
		if idempotency != nil {
			tx.IdempotencyKey = *idempotency
		}
		tx.Timestamp = tx.Timestamp.UTC()
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// translate maps SQLSTATE codes onto the ledger taxonomy.
func translate(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03": // lock_not_available
			return ledger.NewStorageError(op, fmt.Errorf("%w: %w", ledger.ErrLockTimeout, err))
		case "23505": // unique_violation
			if pgErr.ConstraintName == "transactions_idempotency_key_key" {
				return ledger.ErrDuplicateIdempotencyKey
			}
		case "23514": // check_violation
			return &ledger.InvariantError{Invariant: pgErr.ConstraintName, Detail: pgErr.Message}
		}
	}
	return ledger.NewStorageError(op, err)
}

func textArg(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func userArg(u *ledger.UserID) *string {
	if u == nil {
		return nil
	}
	return textArg(string(*u))
}

func userPtr(s *string) *ledger.UserID {
	if s == nil {
		return nil
	}
	u := ledger.UserID(*s)
	return &u
}
