package domain

import (
	"fmt"
	"sort"
)

// Strategy selecciona la política de sizing de un mercado.
type Strategy string

const (
	// StrategyInventory solo vende inventario acumulado.
	StrategyInventory Strategy = "inventory"
	// StrategyTwoSided cotiza ambos lados siempre que haya capacidad de compra.
	StrategyTwoSided Strategy = "two_sided"
)

// MarketConfig son los parámetros de trading de un mercado binario.
// Se trata como inmutable entre refrescos de configuración.
type MarketConfig struct {
	ConditionID     string   `yaml:"condition_id" json:"condition_id"`
	Question        string   `yaml:"question" json:"question"`
	Token1          string   `yaml:"token1" json:"token1"`
	Token2          string   `yaml:"token2" json:"token2"`
	Answer1         string   `yaml:"answer1" json:"answer1"`
	Answer2         string   `yaml:"answer2" json:"answer2"`
	TickSize        float64  `yaml:"tick_size" json:"tick_size"`
	MinSize         float64  `yaml:"min_size" json:"min_size"`
	MaxSpread       float64  `yaml:"max_spread" json:"max_spread"` // en porcentaje, p.ej. 5 = 5¢
	DailyRewardRate float64  `yaml:"daily_reward_rate" json:"daily_reward_rate"`
	TradeSize       float64  `yaml:"trade_size" json:"trade_size"`
	MaxSize         float64  `yaml:"max_size" json:"max_size"`
	NegRisk         bool     `yaml:"neg_risk" json:"neg_risk"`
	Multiplier      float64  `yaml:"multiplier" json:"multiplier"`
	Strategy        Strategy `yaml:"strategy" json:"strategy"`
}

// Validate rechaza parámetros con los que no se puede cotizar.
func (m MarketConfig) Validate() error {
	switch {
	case m.ConditionID == "":
		return fmt.Errorf("%w: empty condition_id", ErrInvalidConfig)
	case m.Token1 == "" || m.Token2 == "":
		return fmt.Errorf("%w: market %s: both tokens required", ErrInvalidConfig, m.ConditionID)
	case m.Token1 == m.Token2:
		return fmt.Errorf("%w: market %s: token1 == token2", ErrInvalidConfig, m.ConditionID)
	case m.TickSize <= 0 || m.TickSize >= 1:
		return fmt.Errorf("%w: market %s: tick_size %v out of (0,1)", ErrInvalidConfig, m.ConditionID, m.TickSize)
	case m.MaxSpread <= 0:
		return fmt.Errorf("%w: market %s: max_spread must be > 0", ErrInvalidConfig, m.ConditionID)
	case m.TradeSize <= 0:
		return fmt.Errorf("%w: market %s: trade_size must be > 0", ErrInvalidConfig, m.ConditionID)
	case m.MaxSize < m.TradeSize:
		return fmt.Errorf("%w: market %s: max_size %v < trade_size %v", ErrInvalidConfig, m.ConditionID, m.MaxSize, m.TradeSize)
	case m.MinSize < 0 || m.Multiplier < 0:
		return fmt.Errorf("%w: market %s: negative min_size or multiplier", ErrInvalidConfig, m.ConditionID)
	}
	switch m.Strategy {
	case "", StrategyInventory, StrategyTwoSided:
	default:
		return fmt.Errorf("%w: market %s: unknown strategy %q", ErrInvalidConfig, m.ConditionID, m.Strategy)
	}
	return nil
}

// Assets devuelve los dos tokens del mercado.
func (m MarketConfig) Assets() []string {
	return []string{m.Token1, m.Token2}
}

// Complement devuelve el token pareado de asset.
func (m MarketConfig) Complement(asset string) (string, bool) {
	switch asset {
	case m.Token1:
		return m.Token2, true
	case m.Token2:
		return m.Token1, true
	}
	return "", false
}

// Answer devuelve el outcome ("Yes"/"No", ...) asociado a un token.
func (m MarketConfig) Answer(asset string) string {
	if asset == m.Token1 {
		return m.Answer1
	}
	if asset == m.Token2 {
		return m.Answer2
	}
	return ""
}

// MarketIndex es un snapshot inmutable de los mercados activos, indexado por
// condition_id y por asset.
type MarketIndex struct {
	byCondition map[string]MarketConfig
	byAsset     map[string]string
	assets      []string
}

// NewMarketIndex construye el índice. Sólo incluye mercados válidos; devuelve
// el primer error de validación junto al índice parcial.
func NewMarketIndex(markets []MarketConfig) (*MarketIndex, error) {
	idx := &MarketIndex{
		byCondition: make(map[string]MarketConfig, len(markets)),
		byAsset:     make(map[string]string, len(markets)*2),
	}
	var firstErr error
	for _, m := range markets {
		if err := m.Validate(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if m.Strategy == "" {
			m.Strategy = StrategyInventory
		}
		idx.byCondition[m.ConditionID] = m
		for _, a := range m.Assets() {
			idx.byAsset[a] = m.ConditionID
		}
	}
	idx.assets = make([]string, 0, len(idx.byAsset))
	for a := range idx.byAsset {
		idx.assets = append(idx.assets, a)
	}
	sort.Strings(idx.assets)
	return idx, firstErr
}

// ByAsset devuelve el mercado que contiene asset.
func (x *MarketIndex) ByAsset(asset string) (MarketConfig, bool) {
	if x == nil {
		return MarketConfig{}, false
	}
	cid, ok := x.byAsset[asset]
	if !ok {
		return MarketConfig{}, false
	}
	m, ok := x.byCondition[cid]
	return m, ok
}

// ByCondition devuelve el mercado por condition_id.
func (x *MarketIndex) ByCondition(conditionID string) (MarketConfig, bool) {
	if x == nil {
		return MarketConfig{}, false
	}
	m, ok := x.byCondition[conditionID]
	return m, ok
}

// Subscribed indica si asset pertenece a algún mercado del índice.
func (x *MarketIndex) Subscribed(asset string) bool {
	if x == nil {
		return false
	}
	_, ok := x.byAsset[asset]
	return ok
}

// Assets devuelve todos los tokens, ordenados.
func (x *MarketIndex) Assets() []string {
	if x == nil {
		return nil
	}
	out := make([]string, len(x.assets))
	copy(out, x.assets)
	return out
}

// Markets devuelve todos los mercados ordenados por condition_id.
func (x *MarketIndex) Markets() []MarketConfig {
	if x == nil {
		return nil
	}
	out := make([]MarketConfig, 0, len(x.byCondition))
	for _, m := range x.byCondition {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConditionID < out[j].ConditionID })
	return out
}

// Len devuelve el número de mercados.
func (x *MarketIndex) Len() int {
	if x == nil {
		return 0
	}
	return len(x.byCondition)
}
