// Package portfolio mantiene en memoria las posiciones y las órdenes en reposo
// propias, alimentado por el canal de usuario y por los refrescos REST.
package portfolio

import (
	"sort"
	"sync"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

// dustShares: por debajo de esto una posición autoritativa cuenta como 0.
const dustShares = 1.0

// Resting es el agregado de órdenes propias en un lado de un asset.
type Resting struct {
	Price float64
	Size  float64
	IDs   []string
}

type restingKey struct {
	asset string
	side  domain.Side
}

// Portfolio es seguro para uso concurrente.
type Portfolio struct {
	mu        sync.RWMutex
	positions map[string]domain.Position
	orders    map[restingKey]map[string]domain.OpenOrder
}

// New crea un portfolio vacío.
func New() *Portfolio {
	return &Portfolio{
		positions: make(map[string]domain.Position),
		orders:    make(map[restingKey]map[string]domain.OpenOrder),
	}
}

// Position devuelve la posición de asset (cero si no existe).
func (p *Portfolio) Position(asset string) domain.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.positions[asset]
}

// ApplyFill aplica un fill optimista. Un asset sin posición se crea al vuelo.
func (p *Portfolio) ApplyFill(asset string, side domain.Side, size, price float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos := p.positions[asset]
	pnl := pos.Apply(side, size, price)
	p.positions[asset] = pos
	return pnl
}

// SetPosition fija una posición autoritativa (REST / on-chain). Conserva el
// PnL realizado acumulado localmente.
func (p *Portfolio) SetPosition(asset string, size, avgPrice float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos := p.positions[asset]
	if size < dustShares && size > -dustShares {
		size, avgPrice = 0, 0
	}
	pos.Size = size
	pos.AvgPrice = avgPrice
	p.positions[asset] = pos
}

// ReplacePositions sustituye todas las posiciones por las autoritativas.
// Los assets que no aparecen quedan a 0. Para los assets en los que held
// devuelve true (trades en vuelo) se conserva el size local, que ya incluye el
// fill optimista, y sólo se actualiza el precio medio.
func (p *Portfolio) ReplacePositions(authoritative map[string]domain.Position, held func(asset string) bool) {
	keep := func(asset string) bool { return held != nil && held(asset) }

	p.mu.Lock()
	defer p.mu.Unlock()
	for asset, pos := range p.positions {
		if _, ok := authoritative[asset]; ok || keep(asset) {
			continue
		}
		pos.Size, pos.AvgPrice = 0, 0
		p.positions[asset] = pos
	}

	for asset, auth := range authoritative {
		pos := p.positions[asset]
		if keep(asset) {
			if auth.AvgPrice > 0 {
				pos.AvgPrice = auth.AvgPrice
			}
			p.positions[asset] = pos
			continue
		}
		size, avg := auth.Size, auth.AvgPrice
		if size < dustShares && size > -dustShares {
			size, avg = 0, 0
		}
		pos.Size, pos.AvgPrice = size, avg
		p.positions[asset] = pos
	}
}

// Positions devuelve una copia de todas las posiciones no planas.
func (p *Portfolio) Positions() map[string]domain.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]domain.Position, len(p.positions))
	for a, pos := range p.positions {
		if !pos.Flat() || pos.RealizedPnL != 0 {
			out[a] = pos
		}
	}
	return out
}

// Resting devuelve el agregado de órdenes en reposo en un lado: size total y
// precio de la orden más grande.
func (p *Portfolio) Resting(asset string, side domain.Side) (Resting, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return aggregate(p.orders[restingKey{asset, side}])
}

func aggregate(byID map[string]domain.OpenOrder) (Resting, bool) {
	if len(byID) == 0 {
		return Resting{}, false
	}
	var r Resting
	var largest float64
	for id, o := range byID {
		r.Size += o.Size
		r.IDs = append(r.IDs, id)
		if o.Size > largest {
			largest = o.Size
			r.Price = o.Price
		}
	}
	sort.Strings(r.IDs)
	return r, true
}

// UpsertOrder actualiza una orden concreta; Size (remanente) <= 0 la quita.
func (p *Portfolio) UpsertOrder(o domain.OpenOrder) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := restingKey{o.Asset, o.Side}
	byID := p.orders[k]
	if o.Size <= 0 {
		delete(byID, o.ID)
		if len(byID) == 0 {
			delete(p.orders, k)
		}
		return
	}
	if byID == nil {
		byID = make(map[string]domain.OpenOrder)
		p.orders[k] = byID
	}
	byID[o.ID] = o
}

// RemoveOrder quita una orden por id, sin importar el lado.
func (p *Portfolio) RemoveOrder(orderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, byID := range p.orders {
		if _, ok := byID[orderID]; ok {
			delete(byID, orderID)
			if len(byID) == 0 {
				delete(p.orders, k)
			}
		}
	}
}

// RemoveSide elimina todas las órdenes de un lado.
func (p *Portfolio) RemoveSide(asset string, side domain.Side) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.orders, restingKey{asset, side})
}

// ReplaceOrders sustituye todas las órdenes por las devueltas por el exchange.
func (p *Portfolio) ReplaceOrders(orders []domain.OpenOrder) {
	next := make(map[restingKey]map[string]domain.OpenOrder, len(orders))
	for _, o := range orders {
		if o.Size <= 0 {
			continue
		}
		k := restingKey{o.Asset, o.Side}
		if next[k] == nil {
			next[k] = make(map[string]domain.OpenOrder)
		}
		next[k][o.ID] = o
	}

	p.mu.Lock()
	p.orders = next
	p.mu.Unlock()
}

// OpenOrders devuelve todas las órdenes individuales, ordenadas.
func (p *Portfolio) OpenOrders() []domain.OpenOrder {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []domain.OpenOrder
	for _, byID := range p.orders {
		for _, o := range byID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Asset != out[j].Asset {
			return out[i].Asset < out[j].Asset
		}
		if out[i].Side != out[j].Side {
			return out[i].Side < out[j].Side
		}
		return out[i].ID < out[j].ID
	})
	return out
}
