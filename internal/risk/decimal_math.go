package risk

import (
	"math"

	"github.com/shopspring/decimal"
)

// sizePlaces 仓位与风险比例保留的小数位，超出部分截断（不进位），保证缩放后不越限。
const sizePlaces = 8

var (
	decZero = decimal.Zero
	// unitScale 风险比例转换为账本整数单位（1e-8）。
	unitScale = decimal.New(1, sizePlaces)
)

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decZero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

func truncate(val decimal.Decimal) decimal.Decimal {
	return val.Truncate(sizePlaces)
}

// toUnits 风险比例 -> 账本整数单位，向上取整，预留不会少于实际风险。
func toUnits(fraction decimal.Decimal) int64 {
	return fraction.Mul(unitScale).Ceil().IntPart()
}

func fromUnits(units int64) decimal.Decimal {
	return decimal.NewFromInt(units).Div(unitScale)
}
