package quote

import (
	"math"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

const (
	// minSizeRoundUp: un buy entre 0.7×min_size y min_size se sube a min_size
	// para seguir calificando a rewards.
	minSizeRoundUp = 0.7
	// lowPriceThreshold: por debajo de este bid se aplica el multiplicador.
	lowPriceThreshold = 0.1
	// exposureCap: con la posición llena se sigue comprando mientras la
	// exposición total del mercado no llegue a exposureCap × max_size.
	exposureCap = 2.0
)

// SizeInput son los datos de posición y de mercado que usa el sizing.
type SizeInput struct {
	Position           float64 // shares del asset
	ComplementPosition float64 // shares del token pareado
	Bid                float64
	TradeSize          float64
	MaxSize            float64
	MinSize            float64
	Multiplier         float64
}

// Sizes son los tamaños objetivo de compra y venta, en shares.
type Sizes struct {
	Buy  float64
	Sell float64
}

// Sizer es una política de sizing con nombre.
type Sizer interface {
	Name() domain.Strategy
	Size(in SizeInput) Sizes
}

// InventoryStrategy sólo vende inventario ya acumulado: debajo de max_size
// vende únicamente cuando la posición cubre un trade completo.
type InventoryStrategy struct{}

func (InventoryStrategy) Name() domain.Strategy { return domain.StrategyInventory }

func (InventoryStrategy) Size(in SizeInput) Sizes {
	return size(in, false)
}

// TwoSidedStrategy cotiza el ask con trade_size completo aunque la posición
// sea menor.
type TwoSidedStrategy struct{}

func (TwoSidedStrategy) Name() domain.Strategy { return domain.StrategyTwoSided }

func (TwoSidedStrategy) Size(in SizeInput) Sizes {
	return size(in, true)
}

// SizerFor devuelve la estrategia de nombre s; fallback es la estrategia del
// proceso cuando el mercado no fija ninguna.
func SizerFor(s, fallback domain.Strategy) Sizer {
	if s == "" {
		s = fallback
	}
	if s == domain.StrategyTwoSided {
		return TwoSidedStrategy{}
	}
	return InventoryStrategy{}
}

func size(in SizeInput, twoSided bool) Sizes {
	var out Sizes
	pos := in.Position

	if pos < in.MaxSize {
		out.Buy = math.Min(in.TradeSize, in.MaxSize-pos)
		switch {
		case twoSided:
			out.Sell = in.TradeSize
		case pos >= in.TradeSize:
			out.Sell = math.Min(pos, in.TradeSize)
		}
	} else {
		out.Sell = math.Min(pos, in.TradeSize)
		if pos+in.ComplementPosition < exposureCap*in.MaxSize {
			out.Buy = in.TradeSize
		}
	}

	if out.Buy > minSizeRoundUp*in.MinSize && out.Buy < in.MinSize {
		out.Buy = in.MinSize
	}
	if in.Bid > 0 && in.Bid < lowPriceThreshold && in.Multiplier > 0 {
		out.Buy *= in.Multiplier
	}
	if out.Buy < 0 {
		out.Buy = 0
	}
	if out.Sell < 0 {
		out.Sell = 0
	}
	return out
}
