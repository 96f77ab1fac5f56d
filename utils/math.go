// utils/math.go
package utils

import (
	"math"

	"github.com/shopspring/decimal"
)

const Epsilon = 1e-9

// FloatEquals compares two floating-point numbers for near-equality.
func FloatEquals(a, b float64) bool {
	return math.Abs(a-b) < Epsilon
}

// Round2 rounds a value to two decimal places without binary drift.
// Used for imbalance ratios and order prices sent to the broker.
func Round2(value float64) float64 {
	f, _ := decimal.NewFromFloat(value).Round(2).Float64()
	return f
}

// Round1 rounds a value to one decimal place (trailing jump granularity).
func Round1(value float64) float64 {
	f, _ := decimal.NewFromFloat(value).Round(1).Float64()
	return f
}

// AdjustPriceToTickSize snaps a price to the nearest multiple of tickSize.
// NSE F&O quotes in 0.05 ticks; a price off-tick is rejected by the broker.
func AdjustPriceToTickSize(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tickSize)
	f, _ := p.Div(t).Round(0).Mul(t).Float64()
	return f
}

// FloorToLot floors a raw quantity to a whole multiple of lotSize.
func FloorToLot(qty float64, lotSize int) int {
	if lotSize <= 0 {
		return int(math.Floor(qty))
	}
	return int(math.Floor(math.Floor(qty)/float64(lotSize))) * lotSize
}
