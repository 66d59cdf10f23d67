package domain

import "math"

// sizeEpsilon absorbe el ruido de float al cerrar posiciones.
const sizeEpsilon = 1e-9

// Position es la posición en un asset. Size es con signo: > 0 long, < 0 short.
type Position struct {
	Size        float64 `json:"size"`
	AvgPrice    float64 `json:"avg_price"`
	RealizedPnL float64 `json:"realized_pnl"`
}

// Apply aplica un fill a la posición con coste medio ponderado y devuelve el
// PnL realizado por este fill.
//
//   - mismo signo (o plana): avg = (|size|·avg + qty·price) / (|size| + qty)
//   - signo contrario: se realiza min(|size|, qty) contra avg; si la posición
//     cruza cero, el remanente abre al precio del fill
func (p *Position) Apply(side Side, qty, price float64) float64 {
	if qty <= 0 {
		return 0
	}
	delta := qty
	if side == Sell {
		delta = -qty
	}

	if p.Size == 0 || (p.Size > 0) == (delta > 0) {
		abs := math.Abs(p.Size)
		p.AvgPrice = (abs*p.AvgPrice + qty*price) / (abs + qty)
		p.Size += delta
		return 0
	}

	closing := math.Min(math.Abs(p.Size), qty)
	var pnl float64
	if p.Size > 0 {
		pnl = closing * (price - p.AvgPrice)
	} else {
		pnl = closing * (p.AvgPrice - price)
	}
	p.RealizedPnL += pnl

	p.Size += delta
	switch {
	case math.Abs(p.Size) < sizeEpsilon:
		p.Size = 0
		p.AvgPrice = 0
	case qty > closing:
		// cruzó cero: el remanente abre nueva posición
		p.AvgPrice = price
	}
	return pnl
}

// Value es el valor de mercado de la posición al precio mark.
func (p Position) Value(mark float64) float64 {
	return p.Size * mark
}

// UnrealizedPnL al precio mark.
func (p Position) UnrealizedPnL(mark float64) float64 {
	if p.Size == 0 {
		return 0
	}
	return p.Size * (mark - p.AvgPrice)
}

// Flat indica si no hay exposición.
func (p Position) Flat() bool {
	return math.Abs(p.Size) < sizeEpsilon
}
