// Package types provides common value types shared by the stock core.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Quantity is a fixed-point quantity with 4 decimal places (scale = 1e4).
//
// Stored as BIGINT (scaled integer) so balance arithmetic never touches
// floating point. JSON output is a number with exactly 4 fractional digits.
type Quantity int64

// QuantityScale is the number of scaled units in one whole unit.
const QuantityScale int64 = 10_000

// QuantityDecimals is the number of fractional digits a Quantity can carry.
const QuantityDecimals int32 = 4

var scaleDecimal = decimal.NewFromInt(QuantityScale)

// NewQuantityFromFloat64 rounds v to the nearest representable quantity.
// Use ParseQuantity for user input.
func NewQuantityFromFloat64(v float64) Quantity {
	return Quantity(decimal.NewFromFloat(v).Mul(scaleDecimal).Round(0).IntPart())
}

func NewQuantityFromInt64Scaled(v int64) Quantity { return Quantity(v) }

// NewQuantityFromUnits builds a whole-unit quantity (10 -> 10.0000).
func NewQuantityFromUnits(units int64) Quantity { return Quantity(units * QuantityScale) }

// ParseQuantity parses a decimal string strictly: more than 4 fractional
// digits is an error instead of a silent truncation.
func ParseQuantity(s string) (Quantity, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty quantity")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse quantity %q: %w", s, err)
	}
	return QuantityFromDecimal(d)
}

// QuantityFromDecimal converts d to a Quantity, rejecting excess precision.
func QuantityFromDecimal(d decimal.Decimal) (Quantity, error) {
	if !d.Equal(d.Truncate(QuantityDecimals)) {
		return 0, fmt.Errorf("quantity %s has more than %d fractional digits", d.String(), QuantityDecimals)
	}
	scaled := d.Mul(scaleDecimal)
	if !scaled.IsInteger() || scaled.BigInt().BitLen() > 62 {
		return 0, fmt.Errorf("quantity %s out of range", d.String())
	}
	return Quantity(scaled.IntPart()), nil
}

func (q Quantity) Int64Scaled() int64 { return int64(q) }

func (q Quantity) Float64() float64 { return float64(q) / float64(QuantityScale) }

// Decimal returns the exact decimal value.
func (q Quantity) Decimal() decimal.Decimal { return decimal.New(int64(q), -QuantityDecimals) }

func (q Quantity) IsZero() bool { return q == 0 }

func (q Quantity) IsPositive() bool { return q > 0 }

func (q Quantity) IsNegative() bool { return q < 0 }

func (q Quantity) Neg() Quantity { return -q }

func (q Quantity) Abs() Quantity {
	if q < 0 {
		return -q
	}
	return q
}

// String returns a decimal string with 4 fractional digits.
func (q Quantity) String() string {
	return q.Decimal().StringFixed(QuantityDecimals)
}

// MarshalJSON encodes Quantity as JSON number (not string), preserving 4 digits.
func (q Quantity) MarshalJSON() ([]byte, error) {
	return []byte(q.String()), nil
}

// UnmarshalJSON accepts either a JSON number or string.
func (q *Quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*q = 0
		return nil
	}

	raw := string(data)
	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	}

	parsed, err := ParseQuantity(raw)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}
