package domain

import (
	"strconv"
	"strings"
)

// Side es el lado de una orden o de un trade.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ParseSide acepta "BUY"/"SELL" en cualquier capitalización.
func ParseSide(s string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return Buy, true
	case "SELL":
		return Sell, true
	}
	return "", false
}

// Opposite devuelve el lado contrario.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// BookSide identifica la mitad del libro donde vive un nivel.
type BookSide int

const (
	Bids BookSide = iota
	Asks
)

func (b BookSide) String() string {
	if b == Bids {
		return "bids"
	}
	return "asks"
}

// BookSide devuelve la mitad del libro que alimenta una orden de este lado:
// BUY descansa en bids, SELL en asks.
func (s Side) BookSide() BookSide {
	if s == Buy {
		return Bids
	}
	return Asks
}

// Level es un nivel de precio del orderbook.
type Level struct {
	Price float64
	Size  float64
}

// SideQuote resume una mitad del libro para el quoting.
//   - Best: primer nivel con size > minSize
//   - Second: el nivel inmediatamente después de Best
//   - Top: el nivel superior sin condición
type SideQuote struct {
	Best      Level
	Second    Level
	Top       Level
	HasBest   bool
	HasSecond bool
	HasTop    bool
}

// BookQuote es el resultado de BestBidAsk para un asset.
type BookQuote struct {
	Bid SideQuote
	Ask SideQuote
}

// Quotable indica si hay suficiente libro en ambos lados para cotizar.
func (q BookQuote) Quotable() bool {
	return q.Bid.HasBest && q.Ask.HasBest && q.Bid.HasTop && q.Ask.HasTop
}

// Mid es el punto medio del top of book. Devuelve 0 si falta algún lado.
func (q BookQuote) Mid() float64 {
	if !q.Bid.HasTop || !q.Ask.HasTop {
		return 0
	}
	return (q.Bid.Top.Price + q.Ask.Top.Price) / 2
}

// Invert transforma la vista del libro al token complementario: p → 1-p,
// los bids pasan a ser asks y viceversa (con sus sizes).
func (q BookQuote) Invert() BookQuote {
	return BookQuote{
		Bid: invertSide(q.Ask),
		Ask: invertSide(q.Bid),
	}
}

func invertSide(s SideQuote) SideQuote {
	out := s
	if s.HasBest {
		out.Best.Price = 1 - s.Best.Price
	}
	if s.HasSecond {
		out.Second.Price = 1 - s.Second.Price
	}
	if s.HasTop {
		out.Top.Price = 1 - s.Top.Price
	}
	return out
}

// ParsePrice convierte un string de precio a float64. Devuelve 0 si no parsea.
func ParsePrice(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}

// BookSnapshot es un libro completo de un asset, tal como llega del REST o del
// evento "book".
type BookSnapshot struct {
	Asset string
	Bids  []Level
	Asks  []Level
}
