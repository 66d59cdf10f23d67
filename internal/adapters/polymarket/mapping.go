package polymarket

import (
	"encoding/json"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

// mapOrderBooks convierte la respuesta batch de /books a un map asset→BookSnapshot.
func mapOrderBooks(raw []orderBookResponse) map[string]domain.BookSnapshot {
	result := make(map[string]domain.BookSnapshot, len(raw))
	for _, r := range raw {
		if r.AssetID == "" {
			continue
		}
		result[r.AssetID] = domain.BookSnapshot{
			Asset: r.AssetID,
			Bids:  mapBookEntries(r.Bids, false),
			Asks:  mapBookEntries(r.Asks, true),
		}
	}
	return result
}

// mapBookEntries convierte entries raw a domain.Level y los ordena.
// ascending=true → menor a mayor (asks), ascending=false → mayor a menor (bids).
func mapBookEntries(raw []bookEntryRaw, ascending bool) []domain.Level {
	entries := make([]domain.Level, 0, len(raw))
	for _, r := range raw {
		price, _ := strconv.ParseFloat(r.Price, 64)
		size, _ := strconv.ParseFloat(r.Size, 64)
		if price <= 0 || size <= 0 {
			continue
		}
		entries = append(entries, domain.Level{Price: price, Size: size})
	}

	sort.Slice(entries, func(i, j int) bool {
		if ascending {
			return entries[i].Price < entries[j].Price
		}
		return entries[i].Price > entries[j].Price
	})

	return entries
}

// mapOpenOrder convierte una orden del CLOB. ok=false si ya no está en reposo.
func mapOpenOrder(o clobOpenOrder) (domain.OpenOrder, bool) {
	side, ok := domain.ParseSide(o.Side)
	if !ok {
		return domain.OpenOrder{}, false
	}
	upper := strings.ToUpper(o.Status)
	if strings.Contains(upper, "CANCEL") || strings.Contains(upper, "INVALID") || upper == "MATCHED" {
		return domain.OpenOrder{}, false
	}
	remaining := parseFloat(o.OriginalSize) - parseFloat(o.SizeMatched)
	if remaining <= 0 {
		return domain.OpenOrder{}, false
	}
	return domain.OpenOrder{
		ID:     o.ID,
		Asset:  o.AssetID,
		Side:   side,
		Price:  parseFloat(o.Price),
		Size:   remaining,
		Placed: parseTimestamp(o.CreatedAt),
	}, true
}

// mapPlaceStatus traduce el status de POST /order.
func mapPlaceStatus(s string) domain.OrderStatus {
	switch strings.ToLower(s) {
	case "matched":
		return domain.StatusFilled
	case "unmatched":
		return domain.StatusCancelled
	}
	return domain.StatusOpen
}

// parseUSDC converts a micro-USDC string (e.g., "1000000") to USDC float.
func parseUSDC(s string) float64 {
	if s == "" {
		return 0
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		// algunas respuestas ya vienen en unidades decimales
		return parseFloat(s)
	}
	f, _ := new(big.Float).SetInt(n).Float64()
	return f / 1_000_000
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

// parseTimestamp acepta unix (s o ms), como número o string, o ISO 8601.
func parseTimestamp(raw json.RawMessage) time.Time {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return time.Time{}
	}
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil && ts > 0 {
		if ts > 1e12 {
			return time.UnixMilli(ts).UTC()
		}
		return time.Unix(ts, 0).UTC()
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// mapPositions convierte las posiciones de la data-api. Un asset repetido se
// agrega con coste medio ponderado.
func mapPositions(raw []dataPosition) map[string]domain.Position {
	out := make(map[string]domain.Position, len(raw))
	for _, p := range raw {
		if p.Asset == "" || p.Size <= 0 {
			continue
		}
		pos := out[p.Asset]
		pos.Apply(domain.Buy, p.Size, p.AvgPrice)
		pos.RealizedPnL += p.RealizedPnl
		out[p.Asset] = pos
	}
	return out
}
