package aggregate

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// DisplayAmount scales a raw integer amount by 10^-decimals.
func DisplayAmount(value *big.Int, decimals int32) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, -decimals)
}

// FormatAmount renders a raw base-10 integer string in display units without
// losing precision. Unparseable input is returned unchanged.
func FormatAmount(raw string, decimals int32) string {
	value, err := parseBigInt(raw)
	if err != nil {
		return raw
	}
	return DisplayAmount(value, decimals).String()
}

func toFloat(value *big.Int, decimals int32) float64 {
	return DisplayAmount(value, decimals).InexactFloat64()
}
