package recipients

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// DefaultDecimals is the unit scale of native currency and of tokens whose metadata is not loaded.
const DefaultDecimals uint8 = 18

var amountPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ParseUnits converts a decimal amount string into its smallest-unit integer
// representation using the supplied number of fractional digits. Fractional
// digits beyond the unit scale are rounded half up.
func ParseUnits(amount string, decimals uint8) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(amount)
	if !amountPattern.MatchString(trimmed) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	scaled := value.Shift(int32(decimals)).Round(0).BigInt()
	out, overflow := uint256.FromBig(scaled)
	if overflow {
		return nil, fmt.Errorf("%w: %s", ErrAmountOverflow, trimmed)
	}
	return out, nil
}

// FormatUnits renders a smallest-unit integer as a decimal string with
// trailing fractional zeros removed.
func FormatUnits(value *big.Int, decimals uint8) string {
	if value == nil {
		return "0"
	}
	return decimal.NewFromBigInt(value, -int32(decimals)).String()
}
