/*
admin.go - Administrative balance mutations

PURPOSE:
  Credits, refunds and penalties issued by an administrator. They follow
  the same rules as a purchase: one atomic unit, balance mutation and
  ledger row together, item locked before account when a refund also
  restocks an item.

TYPES:
  CREDIT:  tokens granted to a user       (receiver = user)
  REFUND:  tokens returned to a user      (receiver = user, optional restock)
  PENALTY: tokens deducted from a user    (sender = user, never overdraws)

SEE ALSO:
  - purchase.go: Same unit structure
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Adjustment is a single administrative balance change.
type Adjustment struct {
	UserID      UserID
	Type        TransactionType // TxCredit, TxRefund or TxPenalty
	Amount      Money
	Description string
	// RestockItemID, for refunds only, puts one unit back into stock.
	RestockItemID  ItemID
	IdempotencyKey string
}

type RefundRequest struct {
	UserID         UserID
	Amount         Money
	Description    string
	RestockItemID  ItemID
	IdempotencyKey string
}

func (s *Service) Credit(ctx context.Context, userID UserID, amount Money, description string) (*AdjustmentResult, error) {
	return s.Adjust(ctx, Adjustment{UserID: userID, Type: TxCredit, Amount: amount, Description: description})
}

func (s *Service) Penalize(ctx context.Context, userID UserID, amount Money, description string) (*AdjustmentResult, error) {
	return s.Adjust(ctx, Adjustment{UserID: userID, Type: TxPenalty, Amount: amount, Description: description})
}

func (s *Service) Refund(ctx context.Context, req RefundRequest) (*AdjustmentResult, error) {
	return s.Adjust(ctx, Adjustment{
		UserID:         req.UserID,
		Type:           TxRefund,
		Amount:         req.Amount,
		Description:    req.Description,
		RestockItemID:  req.RestockItemID,
		IdempotencyKey: req.IdempotencyKey,
	})
}

// Adjust applies one administrative change as an atomic unit.
func (s *Service) Adjust(ctx context.Context, adj Adjustment) (*AdjustmentResult, error) {
	if err := validateUser(adj.UserID); err != nil {
		return nil, err
	}
	if adj.Type == TxPurchase || !adj.Type.Valid() {
		return nil, fmt.Errorf("%w: %q is not an administrative type", ErrInvalidEntry, adj.Type)
	}
	if err := ValidateAmount(adj.Amount); err != nil {
		return nil, err
	}
	if adj.RestockItemID != "" && adj.Type != TxRefund {
		return nil, fmt.Errorf("%w: only refunds can restock", ErrInvalidEntry)
	}
	if adj.Description == "" {
		adj.Description = defaultDescription(adj.Type)
	}
	if adj.IdempotencyKey == "" {
		adj.IdempotencyKey = "adjust:" + uuid.NewString()
	}

	var result *AdjustmentResult
	err := s.run(ctx, "adjust", func(ctx context.Context, uow UnitOfWork) error {
		r, err := s.adjustUnit(ctx, uow, adj)
		result = r
		return err
	})

	log := s.logger.With(
		zap.String("user_id", string(adj.UserID)),
		zap.String("type", string(adj.Type)),
		zap.String("amount", adj.Amount.String()),
	)
	if err != nil {
		logFailure(log, "adjustment failed", err)
		return nil, err
	}
	log.Info("adjustment applied",
		zap.String("transaction_id", string(result.Transaction.ID)),
		zap.String("balance", result.Balance.String()))
	return result, nil
}

func (s *Service) adjustUnit(ctx context.Context, uow UnitOfWork, adj Adjustment) (*AdjustmentResult, error) {
	var restock *InventoryItem
	if adj.RestockItemID != "" {
		it, err := uow.LockItem(ctx, adj.RestockItemID)
		if err != nil {
			return nil, err
		}
		restock = &it
	}
	acct, _, err := s.lockAccount(ctx, uow, adj.UserID)
	if err != nil {
		return nil, err
	}

	if prior, err := uow.FindByIdempotencyKey(ctx, adj.IdempotencyKey); err != nil {
		return nil, err
	} else if prior != nil {
		if prior.Type != adj.Type || !prior.Involves(adj.UserID) || !prior.Amount.Equal(adj.Amount) {
			return nil, fmt.Errorf("%w: %q was used for a different operation", ErrDuplicateIdempotencyKey, adj.IdempotencyKey)
		}
		return &AdjustmentResult{Transaction: *prior, Balance: acct.Balance}, nil
	}

	entry := Entry{
		Amount:         adj.Amount,
		Type:           adj.Type,
		Description:    adj.Description,
		IdempotencyKey: adj.IdempotencyKey,
	}
	var newBalance Money
	if adj.Type.Debits() {
		if !acct.CanAfford(adj.Amount) {
			return nil, &InsufficientBalanceError{UserID: adj.UserID, Available: acct.Balance, Requested: adj.Amount}
		}
		newBalance = acct.Balance.Sub(adj.Amount)
		entry.Sender = userRef(adj.UserID)
	} else {
		newBalance = acct.Balance.Add(adj.Amount)
		if newBalance.GreaterThan(MaxAmount) {
			return nil, fmt.Errorf("%w: balance would exceed %s", ErrInvalidAmount, MaxAmount)
		}
		entry.Receiver = userRef(adj.UserID)
	}
	if restock != nil {
		restock.StockQuantity++
		entry.ItemID = restock.ID
	}
	if err := checkInvariants(adj.UserID, newBalance, restock); err != nil {
		return nil, err
	}

	if err := uow.SetBalance(ctx, adj.UserID, newBalance, s.clock.Now()); err != nil {
		return nil, err
	}
	if restock != nil {
		if err := uow.SetStock(ctx, restock.ID, restock.StockQuantity); err != nil {
			return nil, err
		}
	}
	tx, err := s.recorder.Record(ctx, uow, entry)
	if err != nil {
		return nil, err
	}
	return &AdjustmentResult{Transaction: tx, Balance: newBalance}, nil
}

func defaultDescription(t TransactionType) string {
	switch t {
	case TxCredit:
		return "Credit"
	case TxRefund:
		return "Refund"
	case TxPenalty:
		return "Penalty"
	}
	return string(t)
}

// OpenWallet provisions a zero-balance wallet for userID. It is the only way
// a wallet comes into existence under AccountPolicyStrict. Opening an
// existing wallet is a no-op that returns it unchanged.
func (s *Service) OpenWallet(ctx context.Context, userID UserID) (Account, bool, error) {
	if err := validateUser(userID); err != nil {
		return Account{}, false, err
	}

	var (
		acct    Account
		created bool
	)
	err := s.run(ctx, "open_wallet", func(ctx context.Context, uow UnitOfWork) error {
		var err error
		if created, err = uow.EnsureAccount(ctx, userID, s.clock.Now()); err != nil {
			return err
		}
		acct, err = uow.LockAccount(ctx, userID)
		return err
	})
	if err != nil {
		logFailure(s.logger.With(zap.String("user_id", string(userID))), "open wallet failed", err)
		return Account{}, false, err
	}
	if created {
		s.logger.Info("wallet opened", zap.String("user_id", string(userID)))
	}
	return acct, created, nil
}
