package amount

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount is a token amount with exact decimal arithmetic.
type Amount = decimal.Decimal

var (
	// Zero is the zero token amount.
	Zero = decimal.Zero

	bpsDenominator = decimal.NewFromInt(10000)
)

// Parse parses a token amount from a string.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

// MustParse parses a token amount and panics on failure. For constants
// and tests only.
func MustParse(s string) Amount {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromInt returns a whole-token amount.
func FromInt(i int64) Amount {
	return decimal.NewFromInt(i)
}

// ApplyBps scales an amount by a basis-point fraction (bps/10000).
func ApplyBps(a Amount, bps int64) Amount {
	return a.Mul(decimal.NewFromInt(bps)).Div(bpsDenominator)
}

// BpsFactor returns bps/10000 as a decimal multiplier.
func BpsFactor(bps int64) decimal.Decimal {
	return decimal.NewFromInt(bps).Div(bpsDenominator)
}

// FloorZero clamps a negative amount to zero. Aggregate counters use it
// as a guard against drift on release.
func FloorZero(a Amount) Amount {
	if a.IsNegative() {
		return decimal.Zero
	}
	return a
}
