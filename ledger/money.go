package ledger

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Fixed-point currency with exactly two fractional digits
// =============================================================================

// Money is a token amount. It wraps decimal.Decimal so arithmetic is exact;
// stores persist it as integer minor units (see Cents).
//
// The zero value is 0.00 and is ready to use.
type Money struct {
	d decimal.Decimal
}

var (
	// MinAmount is the smallest amount a ledger entry or price may carry.
	MinAmount = MoneyFromCents(1)

	// MaxAmount mirrors a DECIMAL(10,2) column: 99,999,999.99.
	MaxAmount = MoneyFromCents(9_999_999_999)
)

// MoneyFromCents builds Money from integer minor units.
func MoneyFromCents(cents int64) Money {
	return Money{d: decimal.New(cents, -2)}
}

// ParseMoney parses a decimal string such as "10", "10.5" or "10.50".
// More than two significant fractional digits is rejected rather than rounded.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return moneyFromDecimal(d)
}

// MustMoney is ParseMoney for constants and tests. It panics on bad input.
func MustMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

func moneyFromDecimal(d decimal.Decimal) (Money, error) {
	if !d.Equal(d.Truncate(2)) {
		return Money{}, fmt.Errorf("%w: %s has more than 2 fractional digits", ErrInvalidAmount, d.String())
	}
	return Money{d: d}, nil
}

func (m Money) Add(o Money) Money { return Money{d: m.d.Add(o.d)} }
func (m Money) Sub(o Money) Money { return Money{d: m.d.Sub(o.d)} }
func (m Money) Neg() Money { return Money{d: m.d.Neg()} }

func (m Money) Cmp(o Money) int { return m.d.Cmp(o.d) }
func (m Money) Equal(o Money) bool { return m.d.Equal(o.d) }
func (m Money) LessThan(o Money) bool { return m.d.LessThan(o.d) }
func (m Money) GreaterThan(o Money) bool { return m.d.GreaterThan(o.d) }
func (m Money) GreaterThanOrEqual(o Money) bool { return m.d.GreaterThanOrEqual(o.d) }

func (m Money) IsZero() bool { return m.d.IsZero() }
func (m Money) IsNegative() bool { return m.d.IsNegative() }
func (m Money) IsPositive() bool { return m.d.IsPositive() }

// Cents returns the amount in integer minor units.
func (m Money) Cents() int64 { return m.d.Shift(2).IntPart() }

// Decimal exposes the underlying value for callers that need decimal math.
func (m Money) Decimal() decimal.Decimal { return m.d }

// String always renders two fractional digits ("4.00").
func (m Money) String() string { return m.d.StringFixed(2) }

// MarshalJSON encodes Money as a string to keep clients away from floats.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts either "10.00" or 10.00.
func (m *Money) UnmarshalJSON(b []byte) error {
	var s string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	} else {
		s = string(b)
	}
	parsed, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ValidateAmount checks the bounds shared by prices and ledger amounts.
func ValidateAmount(m Money) error {
	if m.LessThan(MinAmount) {
		return fmt.Errorf("%w: %s is below the minimum %s", ErrInvalidAmount, m, MinAmount)
	}
	if m.GreaterThan(MaxAmount) {
		return fmt.Errorf("%w: %s exceeds the maximum %s", ErrInvalidAmount, m, MaxAmount)
	}
	return nil
}
