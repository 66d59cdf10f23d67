package quote_test

import (
	"testing"

	"github.com/alejandrodnm/polymaker/internal/book"
	"github.com/alejandrodnm/polymaker/internal/domain"
	"github.com/alejandrodnm/polymaker/internal/quote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quoteFrom(bids, asks []domain.Level, minSize float64) domain.BookQuote {
	m := book.NewMirror()
	m.ApplySnapshot("yes", bids, asks)
	return m.BestBidAsk("yes", minSize)
}

var params = quote.PriceParams{TickSize: 0.01, MinSize: 50, MaxSpread: 5}

func TestRewardDistance(t *testing.T) {
	assert.InDelta(t, 0.0075, quote.RewardDistance(5), 1e-12)
	assert.InDelta(t, 0.0045, quote.RewardDistance(3), 1e-12)
}

func TestComputePrices_RewardPriceRoundsToTick(t *testing.T) {
	// mid 0.50, max_spread 5 → 0.50 - 0.0075 = 0.4925 → 0.49
	q := quoteFrom(
		[]domain.Level{{Price: 0.48, Size: 500}, {Price: 0.47, Size: 1000}},
		[]domain.Level{{Price: 0.52, Size: 500}, {Price: 0.53, Size: 1000}},
		params.MinSize,
	)
	p, err := quote.ComputePrices(q, params)
	require.NoError(t, err)

	assert.InDelta(t, 0.50, p.Mid, 1e-9)
	assert.InDelta(t, 0.49, p.RewardBid, 1e-9)
	assert.InDelta(t, 0.51, p.RewardAsk, 1e-9)
	assert.InDelta(t, 0.49, p.Bid, 1e-9)
	assert.InDelta(t, 0.51, p.Ask, 1e-9)
}

func TestComputePrices_ThinAskNotImproved(t *testing.T) {
	q := quoteFrom(
		[]domain.Level{{Price: 0.48, Size: 500}},
		[]domain.Level{{Price: 0.52, Size: 300}},
		params.MinSize,
	)
	p, err := quote.ComputePrices(q, params)
	require.NoError(t, err)
	assert.InDelta(t, 0.52, p.Ask, 1e-9, "300 < 1.5×250: se iguala el best ask")
	assert.InDelta(t, 0.49, p.Bid, 1e-9)
}

func TestComputePrices_ThinBidNotImproved(t *testing.T) {
	q := quoteFrom(
		[]domain.Level{{Price: 0.48, Size: 60}},
		[]domain.Level{{Price: 0.52, Size: 500}},
		params.MinSize,
	)
	p, err := quote.ComputePrices(q, params)
	require.NoError(t, err)
	assert.InDelta(t, 0.48, p.Bid, 1e-9, "60 < 1.5×50")
}

func TestComputePrices_WideBookStaysNearReward(t *testing.T) {
	q := quoteFrom(
		[]domain.Level{{Price: 0.40, Size: 500}},
		[]domain.Level{{Price: 0.60, Size: 500}},
		params.MinSize,
	)
	p, err := quote.ComputePrices(q, params)
	require.NoError(t, err)
	assert.InDelta(t, 0.48, p.Bid, 1e-9)
	assert.InDelta(t, 0.52, p.Ask, 1e-9)
}

func TestComputePrices_NeverCrosses(t *testing.T) {
	q := quoteFrom(
		[]domain.Level{{Price: 0.49, Size: 500}},
		[]domain.Level{{Price: 0.50, Size: 500}},
		params.MinSize,
	)
	p, err := quote.ComputePrices(q, params)
	require.NoError(t, err)
	assert.InDelta(t, 0.49, p.Bid, 1e-9)
	assert.InDelta(t, 0.50, p.Ask, 1e-9)
	assert.Less(t, p.Bid, p.Ask)
}

func TestComputePrices_AskFlooredAtAvgCost(t *testing.T) {
	q := quoteFrom(
		[]domain.Level{{Price: 0.40, Size: 500}},
		[]domain.Level{{Price: 0.60, Size: 500}},
		params.MinSize,
	)
	pp := params
	pp.AvgPrice = 0.553
	p, err := quote.ComputePrices(q, pp)
	require.NoError(t, err)
	assert.InDelta(t, 0.56, p.Ask, 1e-9)

	pp.AvgPrice = 0.55
	p, err = quote.ComputePrices(q, pp)
	require.NoError(t, err)
	assert.InDelta(t, 0.55, p.Ask, 1e-9)
}

func TestComputePrices_NoLiquidity(t *testing.T) {
	_, err := quote.ComputePrices(domain.BookQuote{}, params)
	assert.ErrorIs(t, err, domain.ErrNoLiquidity)

	// sólo niveles por debajo de min_size: no hay best
	q := quoteFrom(
		[]domain.Level{{Price: 0.48, Size: 10}},
		[]domain.Level{{Price: 0.52, Size: 10}},
		params.MinSize,
	)
	_, err = quote.ComputePrices(q, params)
	assert.ErrorIs(t, err, domain.ErrNoLiquidity)
}

func TestComputePrices_InvalidTick(t *testing.T) {
	q := quoteFrom(
		[]domain.Level{{Price: 0.48, Size: 500}},
		[]domain.Level{{Price: 0.52, Size: 500}},
		params.MinSize,
	)
	pp := params
	pp.TickSize = 0
	_, err := quote.ComputePrices(q, pp)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}
