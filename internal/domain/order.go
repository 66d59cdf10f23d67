package domain

import "time"

// OrderStatus es el estado de una orden, real o simulada.
type OrderStatus string

const (
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
)

// Terminal indica si la orden ya no puede recibir fills.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// OrderRequest es la intención de colocar una orden límite GTC.
type OrderRequest struct {
	Asset       string
	ConditionID string
	Side        Side
	Price       float64
	Size        float64 // en shares
	NegRisk     bool
}

// Fill es una ejecución (total o parcial) de una orden.
type Fill struct {
	ID      string    `json:"id"`
	OrderID string    `json:"order_id"`
	Asset   string    `json:"asset"`
	Side    Side      `json:"side"`
	Price   float64   `json:"price"`
	Size    float64   `json:"size"`
	PnL     float64   `json:"pnl"` // PnL realizado por este fill
	At      time.Time `json:"at"`
}

// Value es el nominal en USDC del fill.
func (f Fill) Value() float64 {
	return f.Price * f.Size
}

// OrderResult es la forma única de respuesta de PlaceOrder, live o simulado.
type OrderResult struct {
	OrderID   string      `json:"orderID"`
	Status    OrderStatus `json:"status"`
	Simulated bool        `json:"simulated"`
	Fills     []Fill      `json:"fills"`
}

// OpenOrder es una orden en reposo en el libro.
type OpenOrder struct {
	ID     string
	Asset  string
	Side   Side
	Price  float64
	Size   float64 // remanente
	Placed time.Time
}

// MergeResult es el resultado de convertir pares YES+NO en USDC.
type MergeResult struct {
	ConditionID  string
	Amount       float64
	TxHash       string
	Success      bool
	Simulated    bool
	GasCostUSD   float64
	USDCReceived float64
	Error        string
	ExecutedAt   time.Time
}
