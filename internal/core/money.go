// Package core provides money parsing and handling utilities.
//
// Amounts are decimal values with two fractional digits. Storage keeps them
// as integer cents and percentages as basis points.
package core

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// Hundred is the percentage base.
var Hundred = decimal.NewFromInt(100)

// Cent is the smallest representable amount.
var Cent = decimal.New(1, -2)

// Round2 rounds half away from zero to two decimal places.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Percent returns amount * pct / 100 without rounding.
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(Hundred)
}

// ToCents converts a two-decimal amount to integer cents.
func ToCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

// FromCents converts integer cents into a decimal amount.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// ToBasisPoints converts a percentage (e.g. 33.33) to basis points (3333).
func ToBasisPoints(pct decimal.Decimal) int64 {
	return pct.Shift(2).Round(0).IntPart()
}

func FromBasisPoints(bp int64) decimal.Decimal {
	return decimal.New(bp, -2)
}

// ParseAmount converts a user-entered decimal string to an amount.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators and rounds
// half-up to two decimals. Only positive amounts are accepted.
//
// Examples:
//
//	ParseAmount("12.34")  -> 12.34
//	ParseAmount("12,345") -> 12.35
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")
	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return decimal.Zero, ErrInvalidAmount
	}
	if strings.Count(s, ".") > 1 {
		return decimal.Zero, ErrInvalidAmount
	}
	for _, r := range s {
		if r != '.' && !unicode.IsDigit(r) {
			return decimal.Zero, ErrInvalidAmount
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	d = Round2(d)
	if !d.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// MustAmount parses a literal amount and panics on error. Intended for
// tests and fixtures.
func MustAmount(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Ptr returns a pointer to d, for optional split fields.
func Ptr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
