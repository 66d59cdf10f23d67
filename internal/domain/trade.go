package domain

import "time"

// TradeStatus es el estado de un trade en el canal de usuario.
type TradeStatus string

const (
	TradeMatched   TradeStatus = "MATCHED"
	TradeMined     TradeStatus = "MINED"
	TradeConfirmed TradeStatus = "CONFIRMED"
	TradeFailed    TradeStatus = "FAILED"
	TradeRetrying  TradeStatus = "RETRYING"
)

// TradeRecord es la fila persistida de un trade propio.
type TradeRecord struct {
	ID          string
	Asset       string
	ConditionID string
	Side        Side
	Price       float64
	Size        float64
	Status      TradeStatus
	Maker       bool
	Simulated   bool
	At          time.Time
}

// OrderLifecycle es una transición de una orden para la tabla order_lifecycle.
type OrderLifecycle struct {
	OrderID     string
	Asset       string
	ConditionID string
	Side        Side
	Price       float64
	Size        float64
	Filled      float64
	Status      OrderStatus
	Simulated   bool
	At          time.Time
}

// RewardSnapshot es la estimación de reward de las órdenes en reposo de un mercado.
type RewardSnapshot struct {
	ConditionID  string
	Asset        string
	Mid          float64
	OrderPrice   float64
	OrderSize    float64
	MaxSpread    float64
	DailyRate    float64
	HourlyReward float64
	At           time.Time
}

// PositionSnapshot es una fila de position_history.
type PositionSnapshot struct {
	Asset       string
	ConditionID string
	Position    Position
	Mark        float64
	At          time.Time
}

// AlertLevel clasifica una alerta operacional.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert es un evento a persistir y mostrar al operador.
type Alert struct {
	Level   AlertLevel
	Kind    string
	Message string
	At      time.Time
}
