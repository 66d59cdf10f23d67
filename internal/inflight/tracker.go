// Package inflight registra los trades que ya hicieron match pero aún no
// confirmaron on-chain, para no cotizar sobre un estado de posición que va a
// cambiar.
package inflight

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

// DefaultStaleAfter es la antigüedad a partir de la cual un trade en vuelo se
// considera perdido.
const DefaultStaleAfter = 15 * time.Second

// Key identifica un lado de un asset.
type Key struct {
	Asset string
	Side  domain.Side
}

// Entry es un trade en vuelo.
type Entry struct {
	Key      Key
	TradeID  string
	Inserted time.Time
}

// Tracker es seguro para uso concurrente.
type Tracker struct {
	mu      sync.Mutex
	entries map[Key]map[string]time.Time
	now     func() time.Time
}

// NewTracker crea un tracker. now puede ser nil (usa time.Now).
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		entries: make(map[Key]map[string]time.Time),
		now:     now,
	}
}

// Add registra tradeID. Re-añadir un id existente no refresca su timestamp.
func (t *Tracker) Add(key Key, tradeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids, ok := t.entries[key]
	if !ok {
		ids = make(map[string]time.Time)
		t.entries[key] = ids
	}
	if _, exists := ids[tradeID]; exists {
		return
	}
	ids[tradeID] = t.now()
}

// Remove es idempotente; devuelve true si había algo que quitar.
func (t *Tracker) Remove(key Key, tradeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids, ok := t.entries[key]
	if !ok {
		return false
	}
	if _, exists := ids[tradeID]; !exists {
		return false
	}
	delete(ids, tradeID)
	if len(ids) == 0 {
		delete(t.entries, key)
	}
	return true
}

// RemoveAny quita tradeID de cualquier key donde esté. Útil cuando el evento
// de confirmación llega con un lado distinto al del match.
func (t *Tracker) RemoveAny(tradeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := false
	for key, ids := range t.entries {
		if _, ok := ids[tradeID]; ok {
			delete(ids, tradeID)
			removed = true
			if len(ids) == 0 {
				delete(t.entries, key)
			}
		}
	}
	return removed
}

// Count devuelve el número de trades en vuelo para key.
func (t *Tracker) Count(key Key) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries[key])
}

// Busy indica si hay algún trade en vuelo en key.
func (t *Tracker) Busy(key Key) bool {
	return t.Count(key) > 0
}

// AssetBusy indica si hay trades en vuelo en cualquiera de los lados de asset.
func (t *Tracker) AssetBusy(asset string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries[Key{asset, domain.Buy}]) > 0 || len(t.entries[Key{asset, domain.Sell}]) > 0
}

// SweepStale elimina las entradas con antigüedad estrictamente mayor a maxAge
// y las devuelve.
func (t *Tracker) SweepStale(maxAge time.Duration) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var evicted []Entry
	for key, ids := range t.entries {
		for id, at := range ids {
			if now.Sub(at) > maxAge {
				evicted = append(evicted, Entry{Key: key, TradeID: id, Inserted: at})
				delete(ids, id)
			}
		}
		if len(ids) == 0 {
			delete(t.entries, key)
		}
	}

	for _, e := range evicted {
		slog.Warn("inflight: stale trade evicted",
			"asset", e.Key.Asset,
			"side", e.Key.Side,
			"trade_id", e.TradeID,
			"age", now.Sub(e.Inserted).Round(time.Millisecond),
		)
	}
	return evicted
}

// Snapshot devuelve todas las entradas ordenadas por antigüedad.
func (t *Tracker) Snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Entry
	for key, ids := range t.entries {
		for id, at := range ids {
			out = append(out, Entry{Key: key, TradeID: id, Inserted: at})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Inserted.Equal(out[j].Inserted) {
			return out[i].TradeID < out[j].TradeID
		}
		return out[i].Inserted.Before(out[j].Inserted)
	})
	return out
}
