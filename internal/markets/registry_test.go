package markets_test

import (
	"context"
	"errors"
	"testing"

	"github.com/alejandrodnm/polymaker/internal/domain"
	"github.com/alejandrodnm/polymaker/internal/markets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStore struct {
	markets []domain.MarketConfig
	err     error
}

func (s *stubStore) LoadMarkets(context.Context) ([]domain.MarketConfig, error) {
	return s.markets, s.err
}

func market(cond, t1, t2 string) domain.MarketConfig {
	return domain.MarketConfig{
		ConditionID: cond, Token1: t1, Token2: t2,
		TickSize: 0.01, MinSize: 50, MaxSpread: 5, TradeSize: 100, MaxSize: 500,
	}
}

func TestRegistry_StartsEmpty(t *testing.T) {
	r := markets.NewRegistry(&stubStore{})
	require.NotNil(t, r.Load())
	assert.Zero(t, r.Load().Len())
	assert.False(t, r.Load().Subscribed("yes"))
}

func TestRegistry_Refresh(t *testing.T) {
	store := &stubStore{markets: []domain.MarketConfig{market("c1", "yes", "no")}}
	r := markets.NewRegistry(store)

	idx, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())
	assert.True(t, r.Load().Subscribed("no"))
}

func TestRegistry_RefreshErrorKeepsPrevious(t *testing.T) {
	store := &stubStore{markets: []domain.MarketConfig{market("c1", "yes", "no")}}
	r := markets.NewRegistry(store)
	_, err := r.Refresh(context.Background())
	require.NoError(t, err)

	store.err = errors.New("redis down")
	idx, err := r.Refresh(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, idx.Len())
	assert.True(t, r.Load().Subscribed("yes"))

	store.err = nil
	bad := market("c2", "a", "a")
	store.markets = []domain.MarketConfig{market("c1", "yes", "no"), bad}
	_, err = r.Refresh(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	assert.False(t, r.Load().Subscribed("a"), "un mercado inválido no reemplaza el snapshot")
}
