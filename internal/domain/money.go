package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is an amount in cents. All ledger arithmetic is integer-only.
type Money int64

var hundred = decimal.NewFromInt(100)

// Dollars builds Money from a whole-and-fractional literal, e.g. Dollars(5, 25)
// is $5.25.
func Dollars(whole, cents int64) Money {
	return Money(whole*100 + cents)
}

// MoneyFromDecimal rounds a decimal currency amount half-up to the nearest cent.
func MoneyFromDecimal(d decimal.Decimal) Money {
	return Money(d.Mul(hundred).Round(0).IntPart())
}

// ParseMoney parses "12.5", "12.50" or "1250e-2" style decimal strings.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse money %q: %w", s, err)
	}
	return MoneyFromDecimal(d), nil
}

// Decimal returns the amount in currency units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -2)
}

// MulDecimal scales the amount by a factor, rounding to the nearest cent.
func (m Money) MulDecimal(factor decimal.Decimal) Money {
	return MoneyFromDecimal(m.Decimal().Mul(factor))
}

func (m Money) String() string {
	if m < 0 {
		return "-$" + (-m).Decimal().StringFixed(2)
	}
	return "$" + m.Decimal().StringFixed(2)
}
