package simulation

import (
	"math"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

// Top es el top of book de un asset tal como lo ve el matcher.
type Top struct {
	Bid    domain.Level
	Ask    domain.Level
	HasBid bool
	HasAsk bool
}

// Match decide si una orden virtual cruza el top of book. Un BUY llena al
// best ask si su límite es >= ask; un SELL llena al best bid si su límite es
// <= bid. El tamaño es min(remanente, size del nivel).
func Match(o domain.VirtualOrder, top Top) (price, size float64, ok bool) {
	remaining := o.Remaining()
	if remaining <= 0 || o.Status.Terminal() {
		return 0, 0, false
	}

	switch o.Side {
	case domain.Buy:
		if !top.HasAsk || top.Ask.Price <= 0 || top.Ask.Size <= 0 || o.Price < top.Ask.Price {
			return 0, 0, false
		}
		return top.Ask.Price, math.Min(remaining, top.Ask.Size), true
	case domain.Sell:
		if !top.HasBid || top.Bid.Price <= 0 || top.Bid.Size <= 0 || o.Price > top.Bid.Price {
			return 0, 0, false
		}
		return top.Bid.Price, math.Min(remaining, top.Bid.Size), true
	}
	return 0, 0, false
}
