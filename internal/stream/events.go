// Package stream mantiene las dos conexiones websocket con el CLOB (canal de
// mercado y canal de usuario) y traduce cada frame a eventos tipados.
package stream

import "github.com/alejandrodnm/polymaker/internal/domain"

// Channel identifica una de las dos conexiones.
type Channel string

const (
	ChannelMarket Channel = "market"
	ChannelUser   Channel = "user"
)

// Event es el conjunto cerrado de eventos que produce Decode.
type Event interface {
	eventType() string
}

// BookEvent es un snapshot completo del libro de un asset.
type BookEvent struct {
	Asset  string
	Market string
	Bids   []domain.Level
	Asks   []domain.Level
}

// PriceChange es un nivel modificado. Size 0 elimina el nivel.
type PriceChange struct {
	Asset string
	Side  domain.BookSide
	Price float64
	Size  float64
}

// PriceChangeEvent agrupa los deltas de un frame price_change.
type PriceChangeEvent struct {
	Market  string
	Changes []PriceChange
}

// MakerOrder es la parte maker de un trade.
type MakerOrder struct {
	OrderID       string
	Address       string
	Asset         string
	Outcome       string
	Price         float64
	MatchedAmount float64
}

// TradeEvent es una actualización de un trade propio en el canal de usuario.
type TradeEvent struct {
	ID          string
	Market      string
	Asset       string
	Side        domain.Side
	Status      domain.TradeStatus
	Price       float64
	Size        float64
	Outcome     string
	MakerOrders []MakerOrder
}

// OrderEvent es una actualización de una orden propia.
type OrderEvent struct {
	ID           string
	Market       string
	Asset        string
	Side         domain.Side
	Price        float64
	OriginalSize float64
	SizeMatched  float64
	Status       string
	Type         string
}

// Remaining es lo que queda por llenar de la orden.
func (o OrderEvent) Remaining() float64 {
	r := o.OriginalSize - o.SizeMatched
	if r < 0 {
		return 0
	}
	return r
}

// AuthenticatedEvent confirma la autenticación del canal de usuario.
type AuthenticatedEvent struct{}

// ErrorEvent es un frame de error del servidor.
type ErrorEvent struct {
	Message string
}

// UnknownEvent es un event_type que no se procesa.
type UnknownEvent struct {
	Type string
}

func (BookEvent) eventType() string          { return "book" }
func (PriceChangeEvent) eventType() string   { return "price_change" }
func (TradeEvent) eventType() string         { return "trade" }
func (OrderEvent) eventType() string         { return "order" }
func (AuthenticatedEvent) eventType() string { return "authenticated" }
func (ErrorEvent) eventType() string         { return "error" }
func (UnknownEvent) eventType() string       { return "unknown" }

// TypeOf devuelve el nombre del evento, para logs y métricas.
func TypeOf(ev Event) string {
	if ev == nil {
		return ""
	}
	return ev.eventType()
}
