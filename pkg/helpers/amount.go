// Package helpers provides small conversions shared by the chain and
// quoting code.
package helpers

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	ErrEmptyAmount   = errors.New("empty amount string")
	ErrInvalidAmount = errors.New("invalid amount")
)

// FormatUnits formats an amount in base units as a decimal string with
// trailing zeros removed. FormatUnits(150000000, 8) returns "1.5".
func FormatUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	if decimals == 0 {
		return amount.String()
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(new(big.Int).Abs(amount), divisor, new(big.Int))

	sign := ""
	if amount.Sign() < 0 {
		sign = "-"
	}
	if frac.Sign() == 0 {
		return sign + whole.String()
	}

	fracStr := strings.TrimRight(zeroPad(frac.String(), int(decimals)), "0")
	return sign + whole.String() + "." + fracStr
}

// FormatFixed formats an amount in base units with exactly decimals
// fractional digits, the way quotes are presented ("0.00050000").
func FormatFixed(amount *big.Int, decimals uint8) string {
	if amount == nil {
		amount = new(big.Int)
	}
	if decimals == 0 {
		return amount.String()
	}
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(amount, divisor, new(big.Int))
	return whole.String() + "." + zeroPad(frac.String(), int(decimals))
}

// ParseUnits parses a non-negative decimal string into base units.
// Extra fractional digits beyond decimals are truncated.
func ParseUnits(s string, decimals uint8) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmptyAmount
	}

	wholeStr, fracStr, _ := strings.Cut(s, ".")
	if wholeStr == "" {
		wholeStr = "0"
	}
	if !isDigits(wholeStr) || !isDigits(fracStr) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, s)
	}

	if len(fracStr) > int(decimals) {
		fracStr = fracStr[:decimals]
	}
	fracStr += strings.Repeat("0", int(decimals)-len(fracStr))

	amount, ok := new(big.Int).SetString(wholeStr+fracStr, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, s)
	}
	return amount, nil
}

// ParseBaseUnits parses a decimal integer string already expressed in
// base units (satoshi, wei).
func ParseBaseUnits(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmptyAmount
	}
	if !isDigits(s) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, s)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, s)
	}
	return v, nil
}

// AmountsEqual reports whether a base-unit string equals v.
func AmountsEqual(s string, v *big.Int) bool {
	want, err := ParseBaseUnits(s)
	if err != nil || v == nil {
		return false
	}
	return want.Cmp(v) == 0
}

func zeroPad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
