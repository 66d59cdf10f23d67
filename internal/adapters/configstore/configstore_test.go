package configstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

const marketsYAML = `
markets:
  - condition_id: "0xabc"
    question: "Will it rain?"
    token1: "111"
    token2: "222"
    answer1: "Yes"
    answer2: "No"
    tick_size: 0.01
    min_size: 5
    max_spread: 3
    daily_reward_rate: 25
    trade_size: 50
    max_size: 250
    neg_risk: true
    strategy: two_sided
`

func TestFile_LoadMarkets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(marketsYAML), 0o600))

	got, err := NewFile(path).LoadMarkets(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)

	m := got[0]
	assert.Equal(t, "0xabc", m.ConditionID)
	assert.Equal(t, "222", m.Token2)
	assert.InDelta(t, 0.01, m.TickSize, 1e-12)
	assert.True(t, m.NegRisk)
	assert.Equal(t, domain.StrategyTwoSided, m.Strategy)
	assert.NoError(t, m.Validate())
}

func TestFile_Errors(t *testing.T) {
	_, err := NewFile(filepath.Join(t.TempDir(), "missing.yaml")).LoadMarkets(context.Background())
	assert.Error(t, err)

	_, err = parseMarketsYAML([]byte("markets: []\n"))
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = parseMarketsYAML([]byte("markets: [unclosed\n"))
	assert.Error(t, err)
}

func TestStatic_ReturnsCopy(t *testing.T) {
	s := Static{{ConditionID: "a"}}
	got, err := s.LoadMarkets(context.Background())
	require.NoError(t, err)
	got[0].ConditionID = "mutated"
	assert.Equal(t, "a", s[0].ConditionID)
}

func TestDecodeMarketHash(t *testing.T) {
	fields := map[string]string{
		"0xb": `{"condition_id":"0xb","token1":"3","token2":"4","tick_size":0.001,"max_spread":3.5,"trade_size":20,"max_size":100}`,
		"0xa": `{"token1":"1","token2":"2","tick_size":0.01,"max_spread":3,"trade_size":10,"max_size":50}`,
		"0xc": `not json`,
	}

	got, err := decodeMarketHash("k", fields)
	require.NoError(t, err)
	require.Len(t, got, 2, "undecodable entries are skipped")

	assert.Equal(t, "0xa", got[0].ConditionID, "field name fills a missing condition_id")
	assert.Equal(t, "0xb", got[1].ConditionID)
	assert.InDelta(t, 0.001, got[1].TickSize, 1e-12)
}

func TestDecodeMarketHash_Empty(t *testing.T) {
	_, err := decodeMarketHash("k", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = decodeMarketHash("k", map[string]string{"x": "{"})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestNewRedis_BadURL(t *testing.T) {
	_, err := NewRedis("http://not-redis", "")
	assert.Error(t, err)

	r, err := NewRedis("redis://localhost:6379/0", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultRedisKey, r.key)
	assert.NoError(t, r.Close())
}
