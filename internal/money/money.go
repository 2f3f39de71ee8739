// Package money provides exact monetary arithmetic for task costs.
//
// DESIGN: Amounts are integer micro-USD (1e-6 USD). Integer math keeps bin
// sums exact under concurrent adds and survives round-trips through storage
// layers that only do integer arithmetic. Micro precision covers the finest
// per-shot rates in the device catalog ($0.00035) without loss.
package money

import (
	"fmt"
	"strings"
)

// microsPerUSD is the scale factor between whole dollars and Amount units.
const microsPerUSD = 1_000_000

// Amount is a monetary value in micro-USD.
type Amount int64

// FromMicros builds an Amount from raw micro-USD.
func FromMicros(micros int64) Amount {
	return Amount(micros)
}

// ParseUSD parses a decimal dollar string like "12.50" or "0.00035".
// At most six fractional digits are accepted.
func ParseUSD(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("money: empty amount")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("money: invalid amount %q", s)
	}
	// int64 micros holds 12 whole-dollar digits with room to spare.
	if len(whole) > 12 {
		return 0, fmt.Errorf("money: amount %q out of range", s)
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 6 {
		return 0, fmt.Errorf("money: %q has more than 6 fractional digits", s)
	}
	// Right-pad the fraction to micro precision.
	frac += strings.Repeat("0", 6-len(frac))

	var micros int64
	for _, part := range []string{whole, frac} {
		for _, c := range part {
			if c < '0' || c > '9' {
				return 0, fmt.Errorf("money: invalid amount %q", s)
			}
			micros = micros*10 + int64(c-'0')
		}
	}
	if neg {
		micros = -micros
	}
	return Amount(micros), nil
}

// MustParseUSD is ParseUSD for trusted literals; it panics on error.
func MustParseUSD(s string) Amount {
	a, err := ParseUSD(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Micros returns the raw micro-USD value.
func (a Amount) Micros() int64 {
	return int64(a)
}

// Add returns the sum of two amounts.
func (a Amount) Add(b Amount) Amount {
	return a + b
}

// USD returns the amount as a float64 dollar value, for metric emission.
func (a Amount) USD() float64 {
	return float64(a) / microsPerUSD
}

// String formats the amount as a decimal dollar string with at least two
// and at most six fractional digits, e.g. "12.50" or "0.00035".
func (a Amount) String() string {
	micros := int64(a)
	sign := ""
	if micros < 0 {
		sign = "-"
		micros = -micros
	}
	whole := micros / microsPerUSD
	frac := fmt.Sprintf("%06d", micros%microsPerUSD)
	// Trim trailing zeros but keep cents.
	for len(frac) > 2 && strings.HasSuffix(frac, "0") {
		frac = frac[:len(frac)-1]
	}
	return fmt.Sprintf("%s%d.%s", sign, whole, frac)
}
