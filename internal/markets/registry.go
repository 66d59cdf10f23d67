// Package markets guarda el snapshot de configuración de mercados activo.
// Los lectores obtienen un *domain.MarketIndex inmutable; un refresco lo
// reemplaza de forma atómica.
package markets

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/alejandrodnm/polymaker/internal/domain"
	"github.com/alejandrodnm/polymaker/internal/ports"
)

// Registry es seguro para uso concurrente.
type Registry struct {
	idx   atomic.Pointer[domain.MarketIndex]
	store ports.ConfigStore
}

// NewRegistry crea un registry vacío que carga desde store.
func NewRegistry(store ports.ConfigStore) *Registry {
	r := &Registry{store: store}
	empty, _ := domain.NewMarketIndex(nil)
	r.idx.Store(empty)
	return r
}

// Load devuelve el snapshot actual. Nunca es nil.
func (r *Registry) Load() *domain.MarketIndex {
	return r.idx.Load()
}

// Set reemplaza el snapshot directamente (tests y bootstrap).
func (r *Registry) Set(idx *domain.MarketIndex) {
	r.idx.Store(idx)
}

// Refresh recarga la configuración. Si el store falla o algún mercado es
// inválido, conserva el snapshot anterior y devuelve el error: en el arranque
// el llamador lo trata como fatal, en refrescos periódicos sólo se loguea.
func (r *Registry) Refresh(ctx context.Context) (*domain.MarketIndex, error) {
	cfgs, err := r.store.LoadMarkets(ctx)
	if err != nil {
		return r.Load(), fmt.Errorf("markets.Refresh: load: %w", err)
	}
	idx, err := domain.NewMarketIndex(cfgs)
	if err != nil {
		return r.Load(), fmt.Errorf("markets.Refresh: %w", err)
	}

	prev := r.idx.Swap(idx)
	if prev == nil || prev.Len() != idx.Len() {
		slog.Info("markets: configuration loaded", "markets", idx.Len(), "assets", len(idx.Assets()))
	} else {
		slog.Debug("markets: configuration refreshed", "markets", idx.Len())
	}
	return idx, nil
}
