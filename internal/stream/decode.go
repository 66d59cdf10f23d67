package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

// ErrBadFrame indica un frame que no se pudo decodificar.
var ErrBadFrame = errors.New("bad frame")

// number acepta números JSON y números entre comillas ("0.45"), que es como
// el CLOB envía precios y sizes.
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("number %q: %w", s, err)
	}
	*n = number(v)
	return nil
}

// --- DTOs raw ---

type rawLevel struct {
	Price number `json:"price"`
	Size  number `json:"size"`
}

type rawChange struct {
	AssetID string `json:"asset_id"`
	Price   number `json:"price"`
	Size    number `json:"size"`
	Side    string `json:"side"`
}

type rawMakerOrder struct {
	OrderID       string `json:"order_id"`
	MakerAddress  string `json:"maker_address"`
	AssetID       string `json:"asset_id"`
	Outcome       string `json:"outcome"`
	Price         number `json:"price"`
	MatchedAmount number `json:"matched_amount"`
}

type rawFrame struct {
	EventType string `json:"event_type"`
	Type      string `json:"type"`
	Channel   string `json:"channel"`
	Market    string `json:"market"`
	AssetID   string `json:"asset_id"`

	// book
	Bids []rawLevel `json:"bids"`
	Asks []rawLevel `json:"asks"`

	// price_change
	PriceChanges []rawChange `json:"price_changes"`
	Changes      []rawChange `json:"changes"`

	// trade / order
	ID           string          `json:"id"`
	Side         string          `json:"side"`
	Status       string          `json:"status"`
	Price        number          `json:"price"`
	Size         number          `json:"size"`
	Outcome      string          `json:"outcome"`
	MakerOrders  []rawMakerOrder `json:"maker_orders"`
	OriginalSize number          `json:"original_size"`
	SizeMatched  number          `json:"size_matched"`

	// error
	Message string          `json:"message"`
	Error   json.RawMessage `json:"error"`
}

// Decode convierte un frame (objeto o array de objetos) en eventos. Un
// elemento malformado dentro de un array se descarta sin invalidar el resto;
// el error devuelto describe el primero descartado.
func Decode(data []byte) ([]Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("stream.Decode: %w: empty frame", ErrBadFrame)
	}

	var items []json.RawMessage
	if data[0] == '[' {
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("stream.Decode: %w: %v", ErrBadFrame, err)
		}
	} else {
		items = []json.RawMessage{data}
	}

	events := make([]Event, 0, len(items))
	var firstErr error
	for _, item := range items {
		var f rawFrame
		if err := json.Unmarshal(item, &f); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("stream.Decode: %w: %v", ErrBadFrame, err)
			}
			continue
		}
		ev, err := f.event()
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("stream.Decode: %w", err)
			}
			continue
		}
		events = append(events, ev)
	}
	return events, firstErr
}

// asset devuelve asset_id, o market como fallback (formato antiguo).
func (f rawFrame) asset() string {
	if f.AssetID != "" {
		return f.AssetID
	}
	return f.Market
}

func (f rawFrame) errorMessage() (string, bool) {
	if strings.EqualFold(f.Type, "error") || strings.EqualFold(f.EventType, "error") {
		if f.Message != "" {
			return f.Message, true
		}
	}
	if len(f.Error) > 0 && string(f.Error) != "null" {
		var s string
		if err := json.Unmarshal(f.Error, &s); err == nil {
			return s, true
		}
		return string(f.Error), true
	}
	if strings.EqualFold(f.Type, "error") {
		return "unknown error", true
	}
	return "", false
}

func (f rawFrame) event() (Event, error) {
	if msg, ok := f.errorMessage(); ok {
		return ErrorEvent{Message: msg}, nil
	}

	switch strings.ToLower(f.EventType) {
	case "book":
		asset := f.asset()
		if asset == "" {
			return nil, fmt.Errorf("%w: book without asset", ErrBadFrame)
		}
		return BookEvent{Asset: asset, Market: f.Market, Bids: levels(f.Bids), Asks: levels(f.Asks)}, nil

	case "price_change":
		raw := f.PriceChanges
		if len(raw) == 0 {
			raw = f.Changes
		}
		if len(raw) == 0 {
			return nil, fmt.Errorf("%w: price_change without changes", ErrBadFrame)
		}
		ev := PriceChangeEvent{Market: f.Market, Changes: make([]PriceChange, 0, len(raw))}
		for _, c := range raw {
			asset := c.AssetID
			if asset == "" {
				asset = f.asset()
			}
			if asset == "" || c.Price <= 0 {
				return nil, fmt.Errorf("%w: price_change entry without asset or price", ErrBadFrame)
			}
			side := domain.Asks
			if strings.EqualFold(c.Side, "BUY") {
				side = domain.Bids
			}
			ev.Changes = append(ev.Changes, PriceChange{Asset: asset, Side: side, Price: float64(c.Price), Size: float64(c.Size)})
		}
		return ev, nil

	case "trade":
		side, ok := domain.ParseSide(f.Side)
		if !ok {
			return nil, fmt.Errorf("%w: trade %s: side %q", ErrBadFrame, f.ID, f.Side)
		}
		ev := TradeEvent{
			ID:      f.ID,
			Market:  f.Market,
			Asset:   f.AssetID,
			Side:    side,
			Status:  domain.TradeStatus(strings.ToUpper(f.Status)),
			Price:   float64(f.Price),
			Size:    float64(f.Size),
			Outcome: f.Outcome,
		}
		for _, m := range f.MakerOrders {
			ev.MakerOrders = append(ev.MakerOrders, MakerOrder{
				OrderID:       m.OrderID,
				Address:       m.MakerAddress,
				Asset:         m.AssetID,
				Outcome:       m.Outcome,
				Price:         float64(m.Price),
				MatchedAmount: float64(m.MatchedAmount),
			})
		}
		return ev, nil

	case "order":
		side, ok := domain.ParseSide(f.Side)
		if !ok {
			return nil, fmt.Errorf("%w: order %s: side %q", ErrBadFrame, f.ID, f.Side)
		}
		return OrderEvent{
			ID:           f.ID,
			Market:       f.Market,
			Asset:        f.AssetID,
			Side:         side,
			Price:        float64(f.Price),
			OriginalSize: float64(f.OriginalSize),
			SizeMatched:  float64(f.SizeMatched),
			Status:       strings.ToUpper(f.Status),
			Type:         strings.ToUpper(f.Type),
		}, nil
	}

	if strings.EqualFold(f.Type, "authenticated") {
		return AuthenticatedEvent{}, nil
	}
	if f.EventType == "" && f.Type == "" {
		return nil, fmt.Errorf("%w: missing event_type", ErrBadFrame)
	}
	t := f.EventType
	if t == "" {
		t = f.Type
	}
	return UnknownEvent{Type: t}, nil
}

func levels(raw []rawLevel) []domain.Level {
	out := make([]domain.Level, 0, len(raw))
	for _, l := range raw {
		out = append(out, domain.Level{Price: float64(l.Price), Size: float64(l.Size)})
	}
	return out
}
