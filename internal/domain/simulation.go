package domain

import "time"

// DefaultSimulationBalance es el saldo USDC inicial de una simulación.
const DefaultSimulationBalance = 10_000.0

// VirtualOrder es una orden del motor de simulación.
type VirtualOrder struct {
	ID          string
	Asset       string
	ConditionID string
	Side        Side
	Price       float64
	Size        float64
	Filled      float64
	Status      OrderStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Remaining devuelve lo que queda por llenar.
func (o VirtualOrder) Remaining() float64 {
	r := o.Size - o.Filled
	if r < sizeEpsilon {
		return 0
	}
	return r
}

// SimulationBalance es un punto del histórico de saldo simulado.
type SimulationBalance struct {
	RunID         string
	USDC          float64
	PositionValue float64
	RealizedPnL   float64
	UnrealizedPnL float64
	At            time.Time
}

// Total = usdc + valor de posiciones.
func (b SimulationBalance) Total() float64 {
	return b.USDC + b.PositionValue
}

// SimulationReport resume una corrida de simulación.
type SimulationReport struct {
	RunID          string
	StartedAt      time.Time
	InitialBalance float64
	USDC           float64
	TotalValue     float64
	RealizedPnL    float64
	UnrealizedPnL  float64
	Orders         int
	OpenOrders     int
	Fills          int
	WinningFills   int
	ClosingFills   int
	WinRate        float64 // sobre los fills que cierran posición
	AvgPnL         float64 // PnL medio por fill de cierre
	MaxDrawdown    float64 // fracción 0..1 del pico de total_value
	Positions      map[string]Position
}

// ReturnPct devuelve el retorno total sobre el saldo inicial.
func (r SimulationReport) ReturnPct() float64 {
	if r.InitialBalance == 0 {
		return 0
	}
	return (r.TotalValue - r.InitialBalance) / r.InitialBalance * 100
}

// MaxDrawdown calcula el máximo drawdown relativo de una serie de valores totales.
func MaxDrawdown(values []float64) float64 {
	var peak, maxDD float64
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}
