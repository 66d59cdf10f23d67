package quote

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

const (
	// rewardDistanceFactor: fracción del max spread a la que se ancla el precio
	// de reward respecto al mid.
	rewardDistanceFactor = 0.15
	// thinBookFactor: un best level con menos de factor × umbral no se mejora.
	thinBookFactor = 1.5
	// DefaultThinAskSize es el umbral de size del lado ask para mejorar el precio.
	DefaultThinAskSize = 250.0
)

// PriceParams son los inputs del pricing que no vienen del libro.
type PriceParams struct {
	TickSize    float64
	MinSize     float64
	MaxSpread   float64 // porcentaje
	AvgPrice    float64 // coste medio de la posición, 0 si plana
	ThinAskSize float64
}

// Prices es el resultado del pricing de un asset.
type Prices struct {
	Mid       float64
	RewardBid float64
	RewardAsk float64
	Bid       float64
	Ask       float64
}

// RewardDistance devuelve la distancia al mid del precio de reward:
// 0.15 × max_spread / 100.
func RewardDistance(maxSpread float64) float64 {
	return rewardDistanceFactor * maxSpread / 100
}

// ComputePrices calcula bid/ask objetivo:
//  1. competitivo: un tick por dentro del best level (si el level no es fino)
//  2. mezcla con el precio de reward: no alejarse más de un tick de él
//  3. nunca cruzar el top of book
//  4. el ask nunca por debajo del coste medio
func ComputePrices(q domain.BookQuote, p PriceParams) (Prices, error) {
	if !q.Quotable() {
		return Prices{}, fmt.Errorf("quote.ComputePrices: %w", domain.ErrNoLiquidity)
	}
	if p.TickSize <= 0 {
		return Prices{}, fmt.Errorf("quote.ComputePrices: %w: tick_size %v", domain.ErrInvalidConfig, p.TickSize)
	}
	thinAsk := p.ThinAskSize
	if thinAsk <= 0 {
		thinAsk = DefaultThinAskSize
	}
	tick := p.TickSize
	round := func(v float64) float64 { return domain.RoundToTick(v, tick) }

	topBid, topAsk := q.Bid.Top.Price, q.Ask.Top.Price
	mid := (topBid + topAsk) / 2
	d := RewardDistance(p.MaxSpread)
	out := Prices{
		Mid:       mid,
		RewardBid: round(mid - d),
		RewardAsk: round(mid + d),
	}

	bid := round(q.Bid.Best.Price + tick)
	ask := round(q.Ask.Best.Price - tick)
	if q.Bid.Best.Size < p.MinSize*thinBookFactor {
		bid = q.Bid.Best.Price
	}
	if q.Ask.Best.Size < thinAsk*thinBookFactor {
		ask = q.Ask.Best.Price
	}

	if bid < out.RewardBid {
		bid = math.Max(bid, round(out.RewardBid-tick))
	}
	if ask > out.RewardAsk {
		ask = math.Min(ask, round(out.RewardAsk+tick))
	}

	if bid >= topAsk {
		bid = topBid
	}
	if ask <= topBid {
		ask = topAsk
	}
	if sameTick(bid, ask, tick) {
		bid, ask = topBid, topAsk
	}

	if p.AvgPrice > 0 && ask <= p.AvgPrice {
		ask = ceilToTick(p.AvgPrice, tick)
	}

	out.Bid = round(bid)
	out.Ask = round(ask)
	return out, nil
}

func sameTick(a, b, tick float64) bool {
	return math.Abs(a-b) < tick/2
}

// ceilToTick sube al siguiente múltiplo de tick: vender a coste medio o por
// encima, nunca por debajo.
func ceilToTick(v, tick float64) float64 {
	t := decimal.NewFromFloat(tick)
	c := decimal.NewFromFloat(v).Div(t).Ceil().Mul(t)
	f, _ := c.Float64()
	return f
}
