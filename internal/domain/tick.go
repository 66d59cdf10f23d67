package domain

import "github.com/shopspring/decimal"

// RoundToTick redondea price al múltiplo de tick más cercano usando aritmética
// decimal exacta (0.4925 con tick 0.01 → 0.49, nunca 0.49000000001).
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	t := decimal.NewFromFloat(tick)
	v := decimal.NewFromFloat(price).Div(t).Round(0).Mul(t)
	f, _ := v.Float64()
	return f
}
