package domain

import "math"

// rewardCompetitionQ es la liquidez competidora asumida en la estimación de
// reward (Q de la competencia en la fórmula de Polymarket).
const rewardCompetitionQ = 1000.0

// SpreadScore devuelve el factor cuadrático de la distancia al mid.
// Resultado entre 0 (distance >= maxSpread) y 1 (distance = 0).
//
// Fórmula: S = ((v - s) / v)²
//   - v: max spread en precio (max_spread/100)
//   - s: distancia de la orden al mid
func SpreadScore(distance, maxSpread float64) float64 {
	if maxSpread <= 0 || distance >= maxSpread {
		return 0
	}
	ratio := (maxSpread - distance) / maxSpread
	return ratio * ratio
}

// EstimateOrderReward estima el reward horario de una orden en reposo.
//
// Fórmula:
//
//	s      = |price - mid|
//	v      = maxSpread / 100
//	Q      = SpreadScore(s, v) × size
//	reward = Q / (Q + 1000) × dailyRate / 24
//
// Devuelve 0 si la orden está fuera de la banda de rewards o los inputs son inválidos.
func EstimateOrderReward(price, size, mid, maxSpread, dailyRate float64) float64 {
	if size <= 0 || mid <= 0 || maxSpread <= 0 || dailyRate <= 0 {
		return 0
	}
	q := SpreadScore(math.Abs(price-mid), maxSpread/100) * size
	if q <= 0 {
		return 0
	}
	return q / (q + rewardCompetitionQ) * dailyRate / 24
}
