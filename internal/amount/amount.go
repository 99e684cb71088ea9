// Package amount converts token amounts between their on-chain integer form
// (smallest unit) and human decimal strings.
//
// All arithmetic is done on *big.Int; decimal strings are produced only at the edges.
package amount

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrTooPrecise    = errors.New("amount has more fractional digits than token decimals")
	ErrNegative      = errors.New("amount cannot be negative")
)

// ParseUnits converts a decimal string ("1.5") into raw token units for a token
// with the given decimals. Inputs with more fractional digits than decimals are
// rejected instead of truncated.
func ParseUnits(value string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, fmt.Errorf("%w: negative decimals %d", ErrInvalidAmount, decimals)
	}
	s := strings.TrimSpace(value)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	if strings.HasPrefix(s, "-") {
		return nil, ErrNegative
	}
	s = strings.TrimPrefix(s, "+")

	whole, frac, hasDot := strings.Cut(s, ".")
	if hasDot && strings.Contains(frac, ".") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	if !allDigits(whole) || !allDigits(frac) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}

	frac = strings.TrimRight(frac, "0")
	if len(frac) > decimals {
		return nil, fmt.Errorf("%w: %q (decimals %d)", ErrTooPrecise, value, decimals)
	}

	digits := whole + frac + strings.Repeat("0", decimals-len(frac))
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return new(big.Int), nil
	}
	out, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	return out, nil
}

// FormatUnits renders raw token units as a decimal string without trailing zeros.
// A nil amount formats as "0".
func FormatUnits(raw *big.Int, decimals int) string {
	if raw == nil {
		return "0"
	}
	neg := raw.Sign() < 0
	digits := new(big.Int).Abs(raw).String()

	if decimals > 0 {
		if len(digits) <= decimals {
			digits = strings.Repeat("0", decimals-len(digits)+1) + digits
		}
		cut := len(digits) - decimals
		whole, frac := digits[:cut], strings.TrimRight(digits[cut:], "0")
		digits = whole
		if frac != "" {
			digits += "." + frac
		}
	}
	if neg {
		return "-" + digits
	}
	return digits
}

// Decimal returns raw units as a decimal value scaled by the token decimals.
func Decimal(raw *big.Int, decimals int) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, int32(-decimals))
}

// USD formats a stablecoin amount for display ("$12.34").
func USD(raw *big.Int, decimals int) string {
	return FormatUSD(Decimal(raw, decimals))
}

// FormatUSD formats a dollar value with two decimals.
func FormatUSD(d decimal.Decimal) string {
	if d.IsNegative() {
		return "-$" + d.Neg().StringFixed(2)
	}
	return "$" + d.StringFixed(2)
}

// Positive reports whether raw is a strictly positive amount.
func Positive(raw *big.Int) bool {
	return raw != nil && raw.Sign() > 0
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
