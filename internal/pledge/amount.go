package pledge

import (
	"fmt"
	"math"
	"math/big"
	"strings"
)

// DefaultDecimals is the minor-unit exponent of the staked token (1 token =
// 10^8 minor units).
const DefaultDecimals = 8

// MaxStake bounds stakes and balances so they fit a signed 64-bit column.
const MaxStake = math.MaxInt64

// ParseAmount converts a decimal token amount such as "0.1" into minor units
// without floating point. More fractional digits than decimals is an error,
// never a silent rounding.
func ParseAmount(s string, decimals int) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty amount", ErrInvalidAmount)
	}
	if decimals < 0 || decimals > 18 {
		return 0, fmt.Errorf("%w: unsupported decimals %d", ErrInvalidAmount, decimals)
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return 0, fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalidAmount, s, decimals)
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return 0, fmt.Errorf("%w: %q is not a decimal number", ErrInvalidAmount, s)
	}
	frac += strings.Repeat("0", decimals-len(frac))

	v, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !v.IsUint64() || v.Uint64() > MaxStake {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidAmount, s)
	}
	return v.Uint64(), nil
}

// FormatAmount renders minor units as a decimal string, trimming trailing
// fractional zeros.
func FormatAmount(v uint64, decimals int) string {
	if decimals <= 0 {
		return fmt.Sprintf("%d", v)
	}
	s := fmt.Sprintf("%0*d", decimals+1, v)
	whole, frac := s[:len(s)-decimals], strings.TrimRight(s[len(s)-decimals:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
