package ledger

import (
	"fmt"
	"math/big"
	"strings"
)

// FormatAmount converts raw units to a human-readable decimal string.
func FormatAmount(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	whole := new(big.Int).Div(amount, divisor)
	remainder := new(big.Int).Mod(amount, divisor)

	if remainder.Sign() == 0 {
		return whole.String()
	}

	// The remainder can exceed int64 for large decimals, so format it as a
	// string and left-pad to the full width.
	frac := remainder.String()
	if pad := decimals - len(frac); pad > 0 {
		frac = strings.Repeat("0", pad) + frac
	}
	return whole.String() + "." + frac
}

// ParseAmount converts a human-readable decimal string to raw units.
// Negative amounts and excess fractional digits are rejected.
func ParseAmount(amount string, decimals int) (*big.Int, error) {
	if amount == "" {
		return nil, fmt.Errorf("empty amount")
	}

	parts := strings.Split(amount, ".")

	var whole, frac string
	switch len(parts) {
	case 1:
		whole = parts[0]
	case 2:
		whole = parts[0]
		frac = parts[1]
	default:
		return nil, fmt.Errorf("invalid amount format %q", amount)
	}

	wholeBig, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fmt.Errorf("invalid whole part %q", whole)
	}
	if wholeBig.Sign() < 0 || strings.HasPrefix(whole, "-") {
		return nil, fmt.Errorf("negative amounts not allowed")
	}

	multiplier := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	result := new(big.Int).Mul(wholeBig, multiplier)

	if frac != "" {
		if len(frac) > decimals {
			return nil, fmt.Errorf("amount %q exceeds %d decimal places", amount, decimals)
		}
		for len(frac) < decimals {
			frac += "0"
		}
		fracBig, ok := new(big.Int).SetString(frac, 10)
		if !ok || fracBig.Sign() < 0 {
			return nil, fmt.Errorf("invalid fractional part %q", parts[1])
		}
		result.Add(result, fracBig)
	}

	return result, nil
}
