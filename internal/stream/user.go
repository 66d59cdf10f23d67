package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alejandrodnm/polymaker/internal/domain"
	"github.com/alejandrodnm/polymaker/internal/inflight"
	"github.com/alejandrodnm/polymaker/internal/markets"
	"github.com/alejandrodnm/polymaker/internal/metrics"
	"github.com/alejandrodnm/polymaker/internal/portfolio"
	"github.com/alejandrodnm/polymaker/internal/ports"
)

// seenTTL es cuánto se recuerda un trade ya procesado para descartar duplicados.
const seenTTL = time.Hour

// Credentials son las credenciales L2 del canal de usuario.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// UserHello construye el mensaje de autenticación.
func UserHello(creds func() (Credentials, error)) func() (any, error) {
	return func() (any, error) {
		c, err := creds()
		if err != nil {
			return nil, fmt.Errorf("stream.UserHello: %w: %v", domain.ErrAuth, err)
		}
		if c.APIKey == "" || c.Secret == "" || c.Passphrase == "" {
			return nil, fmt.Errorf("stream.UserHello: %w: credentials missing", domain.ErrAuth)
		}
		return map[string]any{
			"auth": map[string]string{
				"apiKey":     c.APIKey,
				"secret":     c.Secret,
				"passphrase": c.Passphrase,
			},
			"type": "user",
		}, nil
	}
}

// UserHandler procesa trades y órdenes propias.
type UserHandler struct {
	Markets   *markets.Registry
	Portfolio *portfolio.Portfolio
	InFlight  *inflight.Tracker
	Quotes    Quoter
	Journal   ports.Journal
	Notifier  ports.Notifier
	// Funder es la dirección que firma como maker (browser wallet / proxy).
	Funder string
	// RefreshPositions pide un refresco autoritativo de posiciones.
	RefreshPositions func()
	Now              func() time.Time

	mu        sync.Mutex
	applied   map[string]time.Time
	confirmed map[string]time.Time
}

func (h *UserHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Handle implementa Handler.
func (h *UserHandler) Handle(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case ErrorEvent:
		lower := strings.ToLower(e.Message)
		if strings.Contains(lower, "auth") || strings.Contains(lower, "credential") {
			return fmt.Errorf("stream: user channel: %w: %s", domain.ErrAuth, e.Message)
		}
		slog.Error("stream: user channel error", "message", e.Message)

	case AuthenticatedEvent:
		slog.Info("stream: user channel authenticated")

	case TradeEvent:
		h.handleTrade(ctx, e)

	case OrderEvent:
		h.handleOrder(ctx, e)

	case UnknownEvent:
		slog.Debug("stream: unhandled user event", "type", e.Type)
	}
	return nil
}

// fill es el trade visto desde nuestra orden.
type fill struct {
	asset string
	side  domain.Side
	size  float64
	price float64
	maker bool
}

// resolve determina asset, lado, size y precio propios. Si somos maker, los
// datos salen de nuestras maker_orders: con el mismo outcome que el taker el
// lado se invierte; con outcome distinto el asset es el complementario.
func (h *UserHandler) resolve(e TradeEvent, m domain.MarketConfig) fill {
	f := fill{asset: e.Asset, side: e.Side, size: e.Size, price: e.Price}
	if h.Funder == "" {
		return f
	}

	var notional float64
	var size float64
	var outcome string
	for _, mo := range e.MakerOrders {
		if !strings.EqualFold(mo.Address, h.Funder) {
			continue
		}
		if size == 0 {
			outcome = mo.Outcome
		}
		size += mo.MatchedAmount
		notional += mo.MatchedAmount * mo.Price
	}
	if size <= 0 {
		return f
	}

	f.maker = true
	f.size = size
	f.price = notional / size
	if outcome == e.Outcome {
		f.side = e.Side.Opposite()
	} else if comp, ok := m.Complement(e.Asset); ok {
		f.asset = comp
	}
	return f
}

func (h *UserHandler) handleTrade(ctx context.Context, e TradeEvent) {
	m, ok := h.Markets.Load().ByAsset(e.Asset)
	if !ok {
		metrics.StreamDropped.WithLabelValues(string(ChannelUser), "unsubscribed").Inc()
		slog.Warn("stream: trade for unknown asset", "asset", e.Asset, "trade", e.ID)
		return
	}
	f := h.resolve(e, m)
	key := inflight.Key{Asset: f.asset, Side: f.side}

	slog.Info("stream: trade event",
		"trade", e.ID,
		"status", e.Status,
		"asset", f.asset,
		"side", f.side,
		"size", f.size,
		"price", f.price,
		"maker", f.maker,
	)

	switch e.Status {
	case domain.TradeMatched:
		h.InFlight.Add(key, e.ID)
		h.applyOnce(e.ID, f)
		h.trigger(f.asset)

	case domain.TradeMined:
		h.release(key, e.ID)

	case domain.TradeConfirmed:
		h.release(key, e.ID)
		if !h.markConfirmed(e.ID) {
			slog.Debug("stream: duplicate confirmation ignored", "trade", e.ID)
			return
		}
		h.applyOnce(e.ID, f)
		metrics.Fills.WithLabelValues(string(f.side)).Inc()
		h.logTrade(ctx, e, m, f)
		h.trigger(f.asset)

	case domain.TradeFailed:
		h.release(key, e.ID)
		slog.Warn("stream: trade failed, refreshing positions", "trade", e.ID, "asset", f.asset)
		if h.RefreshPositions != nil {
			h.RefreshPositions()
		}
		h.logTrade(ctx, e, m, f)
		h.alert(ctx, domain.Alert{
			Level:   domain.AlertWarning,
			Kind:    "trade_failed",
			Message: fmt.Sprintf("trade %s %s %.2f @ %.4f failed", e.ID, f.side, f.size, f.price),
			At:      h.now().UTC(),
		})

	default:
		slog.Debug("stream: trade status ignored", "trade", e.ID, "status", e.Status)
	}
	metrics.InFlightTrades.Set(float64(len(h.InFlight.Snapshot())))
}

// release saca el trade del tracker. Si los maker_orders de este evento no
// coinciden con los del MATCHED el lado resuelto puede ser otro, así que se
// busca el id en cualquier key.
func (h *UserHandler) release(key inflight.Key, tradeID string) {
	if h.InFlight.Remove(key, tradeID) {
		return
	}
	if h.InFlight.RemoveAny(tradeID) {
		slog.Debug("stream: in-flight trade released under another key", "trade", tradeID, "asset", key.Asset, "side", key.Side)
	}
}

// applyOnce aplica el fill al portfolio la primera vez que se ve un trade.
func (h *UserHandler) applyOnce(tradeID string, f fill) {
	h.mu.Lock()
	if h.applied == nil {
		h.applied = make(map[string]time.Time)
	}
	if _, done := h.applied[tradeID]; done {
		h.mu.Unlock()
		return
	}
	now := h.now()
	h.applied[tradeID] = now
	h.pruneLocked(now)
	h.mu.Unlock()

	pnl := h.Portfolio.ApplyFill(f.asset, f.side, f.size, f.price)
	pos := h.Portfolio.Position(f.asset)
	slog.Info("stream: position updated",
		"asset", f.asset,
		"size", pos.Size,
		"avg", fmt.Sprintf("%.4f", pos.AvgPrice),
		"pnl", fmt.Sprintf("%.4f", pnl),
	)
}

// markConfirmed devuelve false si el trade ya estaba confirmado.
func (h *UserHandler) markConfirmed(tradeID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.confirmed == nil {
		h.confirmed = make(map[string]time.Time)
	}
	if _, done := h.confirmed[tradeID]; done {
		return false
	}
	h.confirmed[tradeID] = h.now()
	return true
}

func (h *UserHandler) pruneLocked(now time.Time) {
	cutoff := now.Add(-seenTTL)
	for id, at := range h.applied {
		if at.Before(cutoff) {
			delete(h.applied, id)
		}
	}
	for id, at := range h.confirmed {
		if at.Before(cutoff) {
			delete(h.confirmed, id)
		}
	}
}

func (h *UserHandler) handleOrder(ctx context.Context, e OrderEvent) {
	m, ok := h.Markets.Load().ByAsset(e.Asset)
	if !ok {
		metrics.StreamDropped.WithLabelValues(string(ChannelUser), "unsubscribed").Inc()
		slog.Warn("stream: order for unknown asset", "asset", e.Asset, "order", e.ID)
		return
	}

	status := domain.StatusOpen
	switch {
	case e.Status == "CANCELED" || e.Status == "CANCELLED" || e.Type == "CANCELLATION":
		status = domain.StatusCancelled
		h.Portfolio.RemoveOrder(e.ID)
	default:
		remaining := e.Remaining()
		switch {
		case remaining <= 0:
			status = domain.StatusFilled
		case e.SizeMatched > 0:
			status = domain.StatusPartiallyFilled
		}
		h.Portfolio.UpsertOrder(domain.OpenOrder{
			ID: e.ID, Asset: e.Asset, Side: e.Side, Price: e.Price, Size: remaining, Placed: h.now(),
		})
	}

	slog.Info("stream: order event",
		"order", e.ID,
		"status", e.Status,
		"type", e.Type,
		"side", e.Side,
		"price", e.Price,
		"remaining", e.Remaining(),
	)
	if h.Journal != nil {
		_ = h.Journal.LogOrderLifecycle(ctx, domain.OrderLifecycle{
			OrderID: e.ID, Asset: e.Asset, ConditionID: m.ConditionID, Side: e.Side,
			Price: e.Price, Size: e.OriginalSize, Filled: e.SizeMatched, Status: status, At: h.now().UTC(),
		})
	}
	h.trigger(e.Asset)
}

func (h *UserHandler) logTrade(ctx context.Context, e TradeEvent, m domain.MarketConfig, f fill) {
	if h.Journal == nil {
		return
	}
	_ = h.Journal.LogTrade(ctx, domain.TradeRecord{
		ID:          e.ID,
		Asset:       f.asset,
		ConditionID: m.ConditionID,
		Side:        f.side,
		Price:       f.price,
		Size:        f.size,
		Status:      e.Status,
		Maker:       f.maker,
		At:          h.now().UTC(),
	})
}

func (h *UserHandler) alert(ctx context.Context, a domain.Alert) {
	if h.Notifier != nil {
		h.Notifier.Alert(ctx, a)
	}
	if h.Journal != nil {
		_ = h.Journal.LogAlert(ctx, a)
	}
}

func (h *UserHandler) trigger(asset string) {
	if h.Quotes != nil {
		h.Quotes.OnConfirmation(asset)
	}
}
