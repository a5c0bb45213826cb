/*
purchase.go - The purchase transaction core

PURPOSE:
  Buys one unit of an item for a user as a single atomic unit of work:
  the wallet is debited by the item price, stock is decremented by one,
  and one PURCHASE ledger row is appended. All three commit together or
  none of them do.

ALGORITHM:
  1. Lock the item row, then the account row (item -> account, always)
  2. Both rows are re-read under lock; nothing read before is trusted
  3. Idempotency key already used? Replay the original receipt
  4. Preconditions on the locked values:
       item active and in stock      -> else OutOfStock
       balance >= price              -> else InsufficientBalance
  5. Explicit invariant check on the computed post-state
  6. SetBalance, SetStock, Record(PURCHASE)
  7. Commit (done by the store when the unit function returns nil)

RETRIES:
  Every purchase carries an idempotency key; a generated one when the
  caller supplies none. If a commit fails ambiguously and the runner
  retries, the retry finds the committed row and returns it instead of
  buying twice. That receipt is not marked Replayed: from the caller's
  side it is the first and only purchase.

EXAMPLE:
  receipt, err := svc.Purchase(ctx, "alice", "notebook")
  if err != nil {
      switch ledger.ReasonOf(err) { ... }
  }
  fmt.Println(receipt.Balance, receipt.Item.StockQuantity)

SEE ALSO:
  - service.go: Unit runner and account policy
  - recorder.go: Ledger row creation
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type purchaseOptions struct {
	idempotencyKey string
}

type PurchaseOption func(*purchaseOptions)

// WithIdempotencyKey makes a purchase safe to resubmit: a second call with
// the same key returns the first receipt with Replayed set.
func WithIdempotencyKey(key string) PurchaseOption {
	return func(o *purchaseOptions) { o.idempotencyKey = key }
}

// Purchase buys one unit of itemID for userID.
//
// Failures are typed: ErrItemNotFound, ErrAccountNotFound (strict account
// policy only), ErrOutOfStock, ErrInsufficientBalance, ErrStorageFailure,
// ErrInvariantViolation. No failure leaves any trace in the store.
func (s *Service) Purchase(ctx context.Context, userID UserID, itemID ItemID, opts ...PurchaseOption) (*Receipt, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	if itemID == "" {
		return nil, fmt.Errorf("%w: empty item id", ErrItemNotFound)
	}

	o := purchaseOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.idempotencyKey == "" {
		o.idempotencyKey = "purchase:" + uuid.NewString()
	}

	var (
		receipt *Receipt
		wrote   bool
	)
	err := s.run(ctx, "purchase", func(ctx context.Context, uow UnitOfWork) error {
		r, err := s.purchaseUnit(ctx, uow, userID, itemID, o.idempotencyKey)
		if err != nil {
			return err
		}
		if r.Replayed && wrote {
			// An earlier attempt committed before its error surfaced.
			r.Replayed = false
		}
		wrote = wrote || !r.Replayed
		receipt = r
		return nil
	})

	log := s.logger.With(
		zap.String("user_id", string(userID)),
		zap.String("item_id", string(itemID)),
	)
	if err != nil {
		logFailure(log, "purchase failed", err)
		return nil, err
	}

	if receipt.Replayed {
		log.Info("purchase replayed", zap.String("transaction_id", string(receipt.Transaction.ID)))
		return receipt, nil
	}
	log.Info("purchase completed",
		zap.String("transaction_id", string(receipt.Transaction.ID)),
		zap.String("amount", receipt.Transaction.Amount.String()),
		zap.String("balance", receipt.Balance.String()),
		zap.Int("stock", receipt.Item.StockQuantity),
		zap.Bool("account_created", receipt.AccountCreated))
	if s.lowStockThreshold > 0 && receipt.Item.StockQuantity < s.lowStockThreshold {
		log.Warn("item stock is low",
			zap.String("item_name", receipt.Item.Name),
			zap.Int("stock", receipt.Item.StockQuantity))
	}
	return receipt, nil
}

func (s *Service) purchaseUnit(ctx context.Context, uow UnitOfWork, userID UserID, itemID ItemID, key string) (*Receipt, error) {
	// Lock order: item, then account.
	item, err := uow.LockItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	acct, created, err := s.lockAccount(ctx, uow, userID)
	if err != nil {
		return nil, err
	}

	if prior, err := uow.FindByIdempotencyKey(ctx, key); err != nil {
		return nil, err
	} else if prior != nil {
		if prior.Type != TxPurchase || prior.Sender == nil || *prior.Sender != userID || prior.ItemID != itemID {
			return nil, fmt.Errorf("%w: %q was used for a different operation", ErrDuplicateIdempotencyKey, key)
		}
		return &Receipt{Transaction: *prior, Item: item, Balance: acct.Balance, Replayed: true}, nil
	}

	if !item.Purchasable() {
		return nil, &OutOfStockError{ItemID: item.ID, Name: item.Name, Inactive: !item.IsActive}
	}
	if !acct.CanAfford(item.Price) {
		return nil, &InsufficientBalanceError{UserID: userID, Available: acct.Balance, Requested: item.Price}
	}

	newBalance := acct.Balance.Sub(item.Price)
	item.StockQuantity--
	if err := checkInvariants(userID, newBalance, &item); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if err := uow.SetBalance(ctx, userID, newBalance, now); err != nil {
		return nil, err
	}
	if err := uow.SetStock(ctx, item.ID, item.StockQuantity); err != nil {
		return nil, err
	}
	tx, err := s.recorder.Record(ctx, uow, Entry{
		Sender:         userRef(userID),
		Amount:         item.Price,
		Type:           TxPurchase,
		Description:    "Purchased " + item.Name,
		ItemID:         item.ID,
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, err
	}

	return &Receipt{Transaction: tx, Item: item, Balance: newBalance, AccountCreated: created}, nil
}

// logFailure logs validation failures at Warn and everything else at Error.
func logFailure(log *zap.Logger, msg string, err error) {
	reason := ReasonOf(err)
	fields := []zap.Field{zap.String("reason", string(reason)), zap.Error(err)}
	switch reason {
	case ReasonStorageFailure, ReasonInvariantViolation:
		log.Error(msg, fields...)
	default:
		log.Warn(msg, fields...)
	}
}
