// Package money converts between the decimal-string amounts used on the
// wire and the int64 minor units stored in the ledger. Balances are never
// floats: 0.1 + 0.2 != 0.3 in float.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalid rejects amounts that are not parseable decimals or carry more
// than two fractional digits.
var ErrInvalid = errors.New("invalid amount")

// Parse converts a decimal string like "125.50" to minor units (12550).
func Parse(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrInvalid
	}
	units := d.Shift(2)
	if !units.IsInteger() {
		return 0, fmt.Errorf("%w: at most two decimal places", ErrInvalid)
	}
	return units.IntPart(), nil
}

// Format renders minor units as a two-place decimal string.
func Format(n int64) string {
	return decimal.New(n, -2).StringFixed(2)
}
