/*
errors.go - Centralized error types for the ledger core

PURPOSE:
  Every failure path of the ledger returns a distinguishable error. Callers
  (HTTP layer, scenario loader) decide presentation; the core never formats
  user-facing messages.

ERROR CATEGORIES:
  1. Validation failures - ItemNotFound, AccountNotFound, OutOfStock,
     InsufficientBalance. Expected, never mutate state, not retryable
     without changed conditions.
  2. Storage failures - lock timeout, commit conflict, lost connection.
     Transient and safe to retry: no partial mutation is ever committed.
  3. Invariant violations - a unit of work that would leave a negative
     balance or stock. A defect; the unit is aborted instead of committed.

USAGE:
  receipt, err := svc.Purchase(ctx, user, item)
  switch {
  case errors.Is(err, ledger.ErrOutOfStock):
  case ledger.IsRetryable(err):
  }

  ledger.ReasonOf(err) returns the discriminated FailureReason.

SEE ALSO:
  - purchase.go: Produces these errors
  - store/sqlite, store/postgres: Translate driver errors into StorageError
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrItemNotFound        = errors.New("item not found")
	ErrAccountNotFound     = errors.New("account not found")
	ErrOutOfStock          = errors.New("item out of stock")
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrStorageFailure covers lock timeouts, commit failures and lost
	// connections. Always safe to retry.
	ErrStorageFailure = errors.New("storage failure")

	// ErrLockTimeout is returned (wrapped in a StorageError) when a row lock
	// could not be acquired within the configured bound.
	ErrLockTimeout = errors.New("lock wait timeout")

	// ErrInvariantViolation means a unit of work tried to commit a negative
	// balance or stock. This is a bug, not a runtime condition.
	ErrInvariantViolation = errors.New("ledger invariant violation")

	// ErrDuplicateIdempotencyKey is returned by stores when a ledger row with
	// the same idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidEntry  = errors.New("invalid ledger entry")
	ErrInvalidItem   = errors.New("invalid item")
	ErrInvalidUser   = errors.New("invalid user id")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	UserID    UserID
	Available Money
	Requested Money
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s, shortfall %s",
		e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientBalanceError) Shortfall() Money {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// OutOfStockError is returned when an item exists but cannot be bought.
// Inactive items are reported the same way.
type OutOfStockError struct {
	ItemID   ItemID
	Name     string
	Inactive bool
}

func (e *OutOfStockError) Error() string {
	if e.Inactive {
		return fmt.Sprintf("%s is not available for purchase", e.Name)
	}
	return fmt.Sprintf("%s is out of stock", e.Name)
}

func (e *OutOfStockError) Unwrap() error {
	return ErrOutOfStock
}

// StorageError wraps a failure of the underlying store. It matches both
// ErrStorageFailure and the original cause.
type StorageError struct {
	Op  string // "begin", "lock", "commit", ...
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageFailure, e.Err}
}

// InvariantError describes which invariant a unit of work tried to break.
type InvariantError struct {
	Invariant string
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("ledger invariant violation: %s (%s)", e.Invariant, e.Detail)
}

func (e *InvariantError) Unwrap() error {
	return ErrInvariantViolation
}

// NewStorageError wraps err unless it already carries a ledger classification.
// Context deadlines while waiting on a lock become ErrLockTimeout.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageFailure) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) && op == "lock" {
		err = fmt.Errorf("%w: %w", ErrLockTimeout, err)
	}
	return &StorageError{Op: op, Err: err}
}

func wrapInvalidItem(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidItem, msg)
}

// =============================================================================
// FAILURE REASONS - Discriminated result for callers
// =============================================================================

type FailureReason string

const (
	ReasonNone                FailureReason = ""
	ReasonItemNotFound        FailureReason = "item_not_found"
	ReasonAccountNotFound     FailureReason = "account_not_found"
	ReasonOutOfStock          FailureReason = "out_of_stock"
	ReasonInsufficientBalance FailureReason = "insufficient_balance"
	ReasonStorageFailure      FailureReason = "storage_failure"
	ReasonInvariantViolation  FailureReason = "invariant_violation"
	ReasonInvalidRequest      FailureReason = "invalid_request"
)

// ReasonOf maps an error returned by the ledger to its FailureReason.
// Unknown errors are reported as storage failures.
func ReasonOf(err error) FailureReason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrInvariantViolation):
		return ReasonInvariantViolation
	case errors.Is(err, ErrItemNotFound):
		return ReasonItemNotFound
	case errors.Is(err, ErrAccountNotFound):
		return ReasonAccountNotFound
	case errors.Is(err, ErrOutOfStock):
		return ReasonOutOfStock
	case errors.Is(err, ErrInsufficientBalance):
		return ReasonInsufficientBalance
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidEntry),
		errors.Is(err, ErrInvalidItem), errors.Is(err, ErrInvalidUser),
		errors.Is(err, ErrDuplicateIdempotencyKey):
		return ReasonInvalidRequest
	default:
		return ReasonStorageFailure
	}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageFailure) && !errors.Is(err, ErrInvariantViolation)
}

// IsClientError returns true if the error is due to the request or the
// current state of the user's wallet or the item.
func IsClientError(err error) bool {
	switch ReasonOf(err) {
	case ReasonOutOfStock, ReasonInsufficientBalance, ReasonInvalidRequest:
		return true
	}
	return false
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrItemNotFound) || errors.Is(err, ErrAccountNotFound)
}
