package ledger

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// =============================================================================
// READ PATH - Dashboard and catalog queries
// =============================================================================

// RecentTransactions returns the user's ledger rows (as sender or receiver),
// newest first. A non-positive limit means DefaultHistoryLimit; limits above
// MaxHistoryLimit are capped. Only committed rows are visible.
func (s *Service) RecentTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	txs, err := s.store.RecentTransactions(ctx, userID, limit)
	if err != nil {
		return nil, NewStorageError("read", err)
	}
	if txs == nil {
		txs = []Transaction{}
	}
	return txs, nil
}

// Wallet returns the committed account of a user. A user without a wallet
// gets a zero-balance view; nothing is created.
func (s *Service) Wallet(ctx context.Context, userID UserID) (Account, error) {
	if err := validateUser(userID); err != nil {
		return Account{}, err
	}
	acct, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return Account{}, NewStorageError("read", err)
	}
	if acct == nil {
		if s.accountPolicy == AccountPolicyStrict {
			return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, userID)
		}
		return Account{UserID: userID}, nil
	}
	return *acct, nil
}

func (s *Service) Items(ctx context.Context, activeOnly bool) ([]InventoryItem, error) {
	items, err := s.store.ListItems(ctx, activeOnly)
	if err != nil {
		return nil, NewStorageError("read", err)
	}
	return items, nil
}

func (s *Service) Item(ctx context.Context, id ItemID) (InventoryItem, error) {
	it, err := s.store.GetItem(ctx, id)
	if err != nil {
		return InventoryItem{}, NewStorageError("read", err)
	}
	if it == nil {
		return InventoryItem{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return *it, nil
}

// SaveItem provisions or updates a catalog item.
func (s *Service) SaveItem(ctx context.Context, item InventoryItem) (InventoryItem, error) {
	if err := item.Validate(); err != nil {
		return InventoryItem{}, err
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.clock.Now()
	}
	if err := s.store.SaveItem(ctx, item); err != nil {
		return InventoryItem{}, NewStorageError("save item", err)
	}
	s.logger.Info("item saved",
		zap.String("item_id", string(item.ID)),
		zap.String("price", item.Price.String()),
		zap.Int("stock", item.StockQuantity),
		zap.Bool("active", item.IsActive))
	return s.Item(ctx, item.ID)
}
