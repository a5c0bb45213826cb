/*
recorder.go - Append-only ledger entries

PURPOSE:
  The Recorder is the only way ledger rows are created. It validates the
  shape of an entry for its type, assigns the id and timestamp, and appends
  it through the unit of work that already performed the matching balance
  mutation.

WHY A UnitOfWork PARAMETER?
  Record cannot be called outside an atomic unit: there is no overload
  that takes a bare store. A PURCHASE row therefore always commits or rolls
  back together with its debit and stock decrement.

ENTRY SHAPES:
  PURCHASE: sender = user, receiver = nil
  PENALTY:  sender = user, receiver = nil
  CREDIT:   sender = nil,  receiver = user
  REFUND:   sender = nil,  receiver = user

ORDERING:
  Timestamps come from a MonotonicClock, so they are non-decreasing in
  insertion order. The store-assigned Seq breaks ties.
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type Recorder struct {
	clock Clock
	newID func() TransactionID
}

func NewRecorder(clock Clock) *Recorder {
	if clock == nil {
		clock = NewMonotonicClock()
	}
	return &Recorder{
		clock: clock,
		newID: func() TransactionID { return TransactionID(uuid.NewString()) },
	}
}

// Record validates e and appends it inside uow. The caller must already have
// applied the balance mutation the entry describes in the same unit.
func (r *Recorder) Record(ctx context.Context, uow UnitOfWork, e Entry) (Transaction, error) {
	if err := validateEntry(e); err != nil {
		return Transaction{}, err
	}

	tx := Transaction{
		ID:             r.newID(),
		Sender:         e.Sender,
		Receiver:       e.Receiver,
		Amount:         e.Amount,
		Type:           e.Type,
		Description:    e.Description,
		ItemID:         e.ItemID,
		IdempotencyKey: e.IdempotencyKey,
		Timestamp:      r.clock.Now(),
	}
	return uow.AppendTransaction(ctx, tx)
}

func validateEntry(e Entry) error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEntry, e.Type)
	}
	if err := ValidateAmount(e.Amount); err != nil {
		return err
	}
	if len(e.Description) > 200 {
		return fmt.Errorf("%w: description longer than 200 characters", ErrInvalidEntry)
	}

	switch e.Type {
	case TxPurchase, TxPenalty:
		if e.Sender == nil || *e.Sender == "" {
			return fmt.Errorf("%w: %s requires a sender", ErrInvalidEntry, e.Type)
		}
		if e.Receiver != nil {
			return fmt.Errorf("%w: %s must not have a receiver", ErrInvalidEntry, e.Type)
		}
	case TxCredit, TxRefund:
		if e.Receiver == nil || *e.Receiver == "" {
			return fmt.Errorf("%w: %s requires a receiver", ErrInvalidEntry, e.Type)
		}
		if e.Sender != nil {
			return fmt.Errorf("%w: %s must not have a sender", ErrInvalidEntry, e.Type)
		}
	}
	if e.Type == TxPurchase && e.ItemID == "" {
		return fmt.Errorf("%w: purchase requires an item", ErrInvalidEntry)
	}
	return nil
}
