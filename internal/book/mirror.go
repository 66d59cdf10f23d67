// Package book mantiene el espejo local de los orderbooks a partir del
// protocolo incremental del canal de mercado: un snapshot reemplaza el libro y
// cada delta parchea un nivel.
package book

import (
	"sort"
	"sync"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

// assetBook son los dos mapas precio→size de un asset.
type assetBook struct {
	bids map[float64]float64
	asks map[float64]float64
}

func newAssetBook() *assetBook {
	return &assetBook{
		bids: make(map[float64]float64),
		asks: make(map[float64]float64),
	}
}

func (b *assetBook) side(s domain.BookSide) map[float64]float64 {
	if s == domain.Bids {
		return b.bids
	}
	return b.asks
}

// Mirror es seguro para uso concurrente. Nunca guarda niveles con size 0.
type Mirror struct {
	mu    sync.RWMutex
	books map[string]*assetBook
}

// NewMirror crea un espejo vacío.
func NewMirror() *Mirror {
	return &Mirror{books: make(map[string]*assetBook)}
}

// ApplySnapshot reemplaza ambos lados del libro de asset de forma atómica.
// Los niveles con size <= 0 se ignoran.
func (m *Mirror) ApplySnapshot(asset string, bids, asks []domain.Level) {
	b := newAssetBook()
	for _, l := range bids {
		if l.Size > 0 {
			b.bids[l.Price] = l.Size
		}
	}
	for _, l := range asks {
		if l.Size > 0 {
			b.asks[l.Price] = l.Size
		}
	}

	m.mu.Lock()
	m.books[asset] = b
	m.mu.Unlock()
}

// ApplyDelta fija el size de un nivel; size 0 lo elimina. Un asset desconocido
// se inicializa vacío.
func (m *Mirror) ApplyDelta(asset string, side domain.BookSide, price, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.books[asset]
	if !ok {
		b = newAssetBook()
		m.books[asset] = b
	}
	levels := b.side(side)
	if size <= 0 {
		delete(levels, price)
		return
	}
	levels[price] = size
}

// BestBidAsk devuelve best/second/top de cada lado. best es el primer nivel
// con size estrictamente mayor que minSize.
func (m *Mirror) BestBidAsk(asset string, minSize float64) domain.BookQuote {
	bids, asks := m.Levels(asset)
	return domain.BookQuote{
		Bid: summarize(bids, minSize),
		Ask: summarize(asks, minSize),
	}
}

func summarize(levels []domain.Level, minSize float64) domain.SideQuote {
	var q domain.SideQuote
	if len(levels) == 0 {
		return q
	}
	q.Top, q.HasTop = levels[0], true
	for i, l := range levels {
		if l.Size > minSize {
			q.Best, q.HasBest = l, true
			if i+1 < len(levels) {
				q.Second, q.HasSecond = levels[i+1], true
			}
			break
		}
	}
	return q
}

// Levels devuelve copias ordenadas: bids de mayor a menor, asks de menor a mayor.
func (m *Mirror) Levels(asset string) (bids, asks []domain.Level) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.books[asset]
	if !ok {
		return nil, nil
	}
	return sortedLevels(b.bids, true), sortedLevels(b.asks, false)
}

func sortedLevels(levels map[float64]float64, desc bool) []domain.Level {
	out := make([]domain.Level, 0, len(levels))
	for p, s := range levels {
		out = append(out, domain.Level{Price: p, Size: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}

// Top devuelve el mejor bid y el mejor ask sin condición de tamaño.
// ok es false en el lado que esté vacío.
func (m *Mirror) Top(asset string) (bid, ask domain.Level, bidOK, askOK bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.books[asset]
	if !ok {
		return
	}
	for p, s := range b.bids {
		if !bidOK || p > bid.Price {
			bid, bidOK = domain.Level{Price: p, Size: s}, true
		}
	}
	for p, s := range b.asks {
		if !askOK || p < ask.Price {
			ask, askOK = domain.Level{Price: p, Size: s}, true
		}
	}
	return
}

// Mid es (top bid + top ask)/2; 0 si falta algún lado.
func (m *Mirror) Mid(asset string) float64 {
	bid, ask, bidOK, askOK := m.Top(asset)
	if !bidOK || !askOK {
		return 0
	}
	return (bid.Price + ask.Price) / 2
}

// Has indica si el asset tiene libro (aunque esté vacío).
func (m *Mirror) Has(asset string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.books[asset]
	return ok
}

// Assets devuelve los assets con libro, ordenados.
func (m *Mirror) Assets() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.books))
	for a := range m.books {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Marks devuelve el mid de cada asset con ambos lados, para valorar posiciones.
func (m *Mirror) Marks() map[string]float64 {
	out := make(map[string]float64)
	for _, a := range m.Assets() {
		if mid := m.Mid(a); mid > 0 {
			out[a] = mid
		}
	}
	return out
}
