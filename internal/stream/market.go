package stream

import (
	"context"
	"log/slog"

	"github.com/alejandrodnm/polymaker/internal/book"
	"github.com/alejandrodnm/polymaker/internal/markets"
	"github.com/alejandrodnm/polymaker/internal/metrics"
)

// Quoter recibe los triggers de evaluación (quote.Engine lo implementa).
type Quoter interface {
	OnSnapshot(asset string) bool
	OnDelta(asset string) bool
	OnConfirmation(asset string) bool
}

// MarketListener es notificado tras aplicar deltas (el engine de simulación
// lo usa para cruzar órdenes virtuales).
type MarketListener interface {
	OnMarketUpdate(ctx context.Context, asset string)
}

// MarketHandler aplica los eventos del canal de mercado al espejo.
type MarketHandler struct {
	Books    *book.Mirror
	Markets  *markets.Registry
	Quotes   Quoter
	Listener MarketListener
	// AcceptAll procesa también assets fuera de la suscripción (modo agresivo).
	AcceptAll bool
}

// MarketHello construye el mensaje de suscripción con los assets actuales.
func MarketHello(reg *markets.Registry) func() (any, error) {
	return func() (any, error) {
		assets := reg.Load().Assets()
		if len(assets) == 0 {
			slog.Info("stream: no assets to subscribe, keeping market connection idle")
			return nil, nil
		}
		slog.Info("stream: subscribing market channel", "assets", len(assets))
		return map[string]any{"assets_ids": assets, "type": "market"}, nil
	}
}

func (h *MarketHandler) accept(asset string) bool {
	if h.Markets.Load().Subscribed(asset) {
		return true
	}
	if h.AcceptAll {
		slog.Debug("stream: aggressive mode, processing unsubscribed asset", "asset", asset)
		return true
	}
	metrics.StreamDropped.WithLabelValues(string(ChannelMarket), "unsubscribed").Inc()
	slog.Warn("stream: ignoring data for unsubscribed asset", "asset", asset)
	return false
}

// Handle implementa Handler.
func (h *MarketHandler) Handle(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case BookEvent:
		if !h.accept(e.Asset) {
			return nil
		}
		h.Books.ApplySnapshot(e.Asset, e.Bids, e.Asks)
		slog.Debug("stream: book snapshot", "asset", e.Asset, "bids", len(e.Bids), "asks", len(e.Asks))
		if h.Quotes != nil {
			h.Quotes.OnSnapshot(e.Asset)
		}

	case PriceChangeEvent:
		touched := make([]string, 0, 2)
		seen := make(map[string]bool, 2)
		for _, c := range e.Changes {
			if !h.accept(c.Asset) {
				continue
			}
			h.Books.ApplyDelta(c.Asset, c.Side, c.Price, c.Size)
			if !seen[c.Asset] {
				seen[c.Asset] = true
				touched = append(touched, c.Asset)
			}
		}
		for _, asset := range touched {
			if h.Listener != nil {
				h.Listener.OnMarketUpdate(ctx, asset)
			}
			if h.Quotes != nil {
				h.Quotes.OnDelta(asset)
			}
		}

	case ErrorEvent:
		slog.Error("stream: market channel error", "message", e.Message)

	case UnknownEvent:
		slog.Debug("stream: unhandled market event", "type", e.Type)
	}
	return nil
}
