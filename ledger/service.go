/*
service.go - Ledger service: wiring, options and the unit-of-work runner

PURPOSE:
  Service is the single entry point the outer layers use. It owns no
  persistent state; it runs each operation as one atomic unit of work
  against a Store and classifies whatever comes back.

UNIT RUNNER:
  Every mutating operation goes through run():
  1. Bound the unit with LockTimeout (context deadline)
  2. store.WithTx(...)
  3. Classify the error: domain errors pass through, everything else
     becomes a StorageError
  4. Retry retryable storage failures up to StorageRetries times.
     Retrying is safe: each attempt re-locks and re-validates.

ACCOUNT POLICY:
  AccountPolicyAutoProvision (default): a missing wallet is created with a
  zero balance inside the same locked unit.
  AccountPolicyStrict: a missing wallet fails with ErrAccountNotFound.

SEE ALSO:
  - purchase.go, admin.go: Operations built on run()
  - errors.go: Classification helpers
*/
package ledger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

type AccountPolicy string

const (
	AccountPolicyAutoProvision AccountPolicy = "auto"
	AccountPolicyStrict        AccountPolicy = "strict"
)

const (
	DefaultLockTimeout       = 5 * time.Second
	DefaultRetryBackoff      = 25 * time.Millisecond
	DefaultHistoryLimit      = 10
	MaxHistoryLimit          = 100
	DefaultLowStockThreshold = 3
)

type Service struct {
	store    Store
	recorder *Recorder
	clock    Clock
	logger   *zap.Logger

	accountPolicy     AccountPolicy
	lockTimeout       time.Duration
	storageRetries    int
	retryBackoff      time.Duration
	lowStockThreshold int
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(c Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithAccountPolicy(p AccountPolicy) Option {
	return func(s *Service) { s.accountPolicy = p }
}

// WithLockTimeout bounds how long one unit of work may wait for row locks.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Service) { s.lockTimeout = d }
}

// WithStorageRetries sets how many extra attempts a unit gets after a
// retryable storage failure.
func WithStorageRetries(n int) Option {
	return func(s *Service) { s.storageRetries = n }
}

func WithRetryBackoff(d time.Duration) Option {
	return func(s *Service) { s.retryBackoff = d }
}

// WithLowStockThreshold logs a warning when a purchase leaves fewer units.
// Zero disables the warning.
func WithLowStockThreshold(n int) Option {
	return func(s *Service) { s.lowStockThreshold = n }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:             store,
		logger:            zap.NewNop(),
		accountPolicy:     AccountPolicyAutoProvision,
		lockTimeout:       DefaultLockTimeout,
		retryBackoff:      DefaultRetryBackoff,
		lowStockThreshold: DefaultLowStockThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = NewMonotonicClock()
	}
	if s.storageRetries < 0 {
		s.storageRetries = 0
	}
	s.recorder = NewRecorder(s.clock)
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// =============================================================================
// UNIT RUNNER
// =============================================================================

func (s *Service) run(ctx context.Context, op string, fn func(context.Context, UnitOfWork) error) error {
	var err error
	for attempt := 0; attempt <= s.storageRetries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("retrying unit after storage failure",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return NewStorageError("retry", ctx.Err())
			case <-time.After(s.retryBackoff * time.Duration(attempt)):
			}
		}

		err = s.attempt(ctx, fn)
		if err == nil || !IsRetryable(err) {
			return err
		}
	}
	return err
}

func (s *Service) attempt(ctx context.Context, fn func(context.Context, UnitOfWork) error) error {
	uctx := ctx
	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		uctx, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}

	err := s.store.WithTx(uctx, func(uow UnitOfWork) error {
		return fn(uctx, uow)
	})
	return classify(err)
}

// classify lets domain errors through and turns anything else into a
// StorageError.
func classify(err error) error {
	if err == nil || isDomainError(err) || errors.Is(err, ErrStorageFailure) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewStorageError("lock", err)
	}
	return NewStorageError("unit", err)
}

func isDomainError(err error) bool {
	for _, target := range []error{
		ErrItemNotFound, ErrAccountNotFound, ErrOutOfStock, ErrInsufficientBalance,
		ErrInvariantViolation, ErrDuplicateIdempotencyKey,
		ErrInvalidAmount, ErrInvalidEntry, ErrInvalidItem, ErrInvalidUser,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// lockAccount locks the user's wallet, provisioning it first when the
// account policy allows. Callers must already hold any item lock they need.
func (s *Service) lockAccount(ctx context.Context, uow UnitOfWork, user UserID) (Account, bool, error) {
	created := false
	if s.accountPolicy != AccountPolicyStrict {
		var err error
		created, err = uow.EnsureAccount(ctx, user, s.clock.Now())
		if err != nil {
			return Account{}, false, err
		}
	}
	acct, err := uow.LockAccount(ctx, user)
	if err != nil {
		return Account{}, false, err
	}
	return acct, created, nil
}

func checkInvariants(user UserID, balance Money, item *InventoryItem) error {
	if balance.IsNegative() {
		return &InvariantError{Invariant: "balance >= 0", Detail: string(user) + " would be " + balance.String()}
	}
	if item != nil && item.StockQuantity < 0 {
		return &InvariantError{Invariant: "stock >= 0", Detail: string(item.ID)}
	}
	return nil
}

func validateUser(user UserID) error {
	if user == "" {
		return ErrInvalidUser
	}
	return nil
}
