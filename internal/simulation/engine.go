// Package simulation implementa un exchange virtual para dry-run: órdenes,
// posiciones y saldo simulados, llenados contra el libro real del espejo.
package simulation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/polymaker/internal/domain"
	"github.com/alejandrodnm/polymaker/internal/markets"
	"github.com/alejandrodnm/polymaker/internal/metrics"
	"github.com/alejandrodnm/polymaker/internal/ports"
)

// Mode controla cuándo se intenta el match.
type Mode string

const (
	// ModeAggressive intenta el match al crear la orden y en cada update.
	ModeAggressive Mode = "aggressive"
	// ModeConservative sólo llena en updates posteriores a la creación.
	ModeConservative Mode = "conservative"
)

// BookSource da el top of book de un asset (book.Mirror lo implementa).
type BookSource interface {
	Top(asset string) (bid, ask domain.Level, bidOK, askOK bool)
}

// FillHook se invoca tras cada fill, fuera del lock del engine.
type FillHook func(order domain.VirtualOrder, fill domain.Fill)

// Config del engine simulado.
type Config struct {
	InitialBalance float64
	Mode           Mode
}

// Engine es seguro para uso concurrente. Implementa ports.Exchange y ports.Merger.
type Engine struct {
	cfg     Config
	runID   string
	books   BookSource
	markets *markets.Registry
	journal ports.Journal
	now     func() time.Time

	hookMu sync.RWMutex
	onFill FillHook

	mu sync.Mutex
	// sólo órdenes vivas: al llegar a un estado terminal se olvidan
	orders    map[string]*domain.VirtualOrder
	byAsset   map[string][]string
	positions map[string]domain.Position
	usdc      float64
	realized  float64
	closing   int
	winning   int
	history   []float64
	orderSeq  int
	fillSeq   int
	started   time.Time
}

// Option configura el engine.
type Option func(*Engine)

// WithJournal persiste órdenes, fills y saldo.
func WithJournal(j ports.Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithMarkets permite resolver los tokens de un condition_id para el merge.
func WithMarkets(r *markets.Registry) Option {
	return func(e *Engine) { e.markets = r }
}

// WithClock inyecta el reloj.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New crea un engine con el saldo inicial de cfg.
func New(cfg Config, books BookSource, opts ...Option) *Engine {
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = domain.DefaultSimulationBalance
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAggressive
	}
	e := &Engine{
		cfg:       cfg,
		runID:     uuid.New().String(),
		books:     books,
		now:       time.Now,
		orders:    make(map[string]*domain.VirtualOrder),
		byAsset:   make(map[string][]string),
		positions: make(map[string]domain.Position),
		usdc:      cfg.InitialBalance,
	}
	for _, o := range opts {
		o(e)
	}
	e.started = e.now().UTC()

	slog.Info("simulation: engine initialized",
		"run_id", e.runID,
		"balance", fmt.Sprintf("$%.2f", cfg.InitialBalance),
		"mode", cfg.Mode,
	)
	return e
}

// RunID identifica la corrida en el journal.
func (e *Engine) RunID() string { return e.runID }

// OnFill registra el hook de fills.
func (e *Engine) OnFill(h FillHook) {
	e.hookMu.Lock()
	e.onFill = h
	e.hookMu.Unlock()
}

type fillEvent struct {
	order domain.VirtualOrder
	fill  domain.Fill
}

// PlaceOrder crea una orden virtual y, en modo aggressive, la cruza contra el
// top of book actual.
func (e *Engine) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if req.Size <= 0 || req.Price <= 0 || req.Price >= 1 {
		return domain.OrderResult{}, fmt.Errorf("simulation.PlaceOrder: %w: price %v size %v", domain.ErrInvalidConfig, req.Price, req.Size)
	}
	now := e.now().UTC()

	e.mu.Lock()
	if req.Side == domain.Buy && req.Price*req.Size > e.usdc+1e-9 {
		usdc := e.usdc
		e.mu.Unlock()
		return domain.OrderResult{}, fmt.Errorf("simulation.PlaceOrder: %w: need %.2f have %.2f",
			domain.ErrInsufficientBalance, req.Price*req.Size, usdc)
	}
	e.orderSeq++
	o := &domain.VirtualOrder{
		ID:          fmt.Sprintf("SIM-%06d", e.orderSeq),
		Asset:       req.Asset,
		ConditionID: req.ConditionID,
		Side:        req.Side,
		Price:       req.Price,
		Size:        req.Size,
		Status:      domain.StatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	e.orders[o.ID] = o
	e.byAsset[o.Asset] = append(e.byAsset[o.Asset], o.ID)

	var events []fillEvent
	if e.cfg.Mode == ModeAggressive {
		if ev, ok := e.tryMatchLocked(o, now); ok {
			events = append(events, ev)
		}
	}
	snapshot := *o
	e.mu.Unlock()

	slog.Info("simulation: virtual order created",
		"id", snapshot.ID,
		"side", snapshot.Side,
		"size", snapshot.Size,
		"price", fmt.Sprintf("%.4f", snapshot.Price),
	)
	e.logOrder(ctx, snapshot)
	e.publish(ctx, events)

	res := domain.OrderResult{OrderID: snapshot.ID, Status: snapshot.Status, Simulated: true}
	for _, ev := range events {
		res.Fills = append(res.Fills, ev.fill)
	}
	return res, nil
}

// OnMarketUpdate re-evalúa las órdenes abiertas de asset contra el libro.
func (e *Engine) OnMarketUpdate(ctx context.Context, asset string) {
	now := e.now().UTC()
	e.mu.Lock()
	var events []fillEvent
	for _, id := range append([]string(nil), e.byAsset[asset]...) {
		o := e.orders[id]
		if o == nil {
			continue
		}
		if ev, ok := e.tryMatchLocked(o, now); ok {
			events = append(events, ev)
		}
	}
	e.mu.Unlock()
	e.publish(ctx, events)
}

// tryMatchLocked requiere e.mu.
func (e *Engine) tryMatchLocked(o *domain.VirtualOrder, now time.Time) (fillEvent, bool) {
	if e.books == nil {
		return fillEvent{}, false
	}
	bid, ask, bidOK, askOK := e.books.Top(o.Asset)
	price, size, ok := Match(*o, Top{Bid: bid, Ask: ask, HasBid: bidOK, HasAsk: askOK})
	if !ok {
		return fillEvent{}, false
	}

	o.Filled += size
	o.UpdatedAt = now
	if o.Remaining() <= 0 {
		o.Status = domain.StatusFilled
	} else {
		o.Status = domain.StatusPartiallyFilled
	}

	pos := e.positions[o.Asset]
	closing := pos.Size != 0 && (pos.Size > 0) != (o.Side == domain.Buy)
	pnl := pos.Apply(o.Side, size, price)
	e.positions[o.Asset] = pos

	value := size * price
	if o.Side == domain.Buy {
		e.usdc -= value
	} else {
		e.usdc += value
	}
	e.realized += pnl
	if closing {
		e.closing++
		if pnl > 0 {
			e.winning++
		}
	}

	e.fillSeq++
	f := domain.Fill{
		ID:      fmt.Sprintf("FILL-%06d", e.fillSeq),
		OrderID: o.ID,
		Asset:   o.Asset,
		Side:    o.Side,
		Price:   price,
		Size:    size,
		PnL:     pnl,
		At:      now,
	}
	ev := fillEvent{order: *o, fill: f}
	if o.Status.Terminal() {
		e.forgetLocked(o)
	}
	return ev, true
}

// forgetLocked quita una orden terminada de los índices. Requiere e.mu.
func (e *Engine) forgetLocked(o *domain.VirtualOrder) {
	delete(e.orders, o.ID)
	ids := e.byAsset[o.Asset]
	for i, id := range ids {
		if id == o.ID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(e.byAsset, o.Asset)
	} else {
		e.byAsset[o.Asset] = ids
	}
}

func (e *Engine) publish(ctx context.Context, events []fillEvent) {
	if len(events) == 0 {
		return
	}
	e.hookMu.RLock()
	hook := e.onFill
	e.hookMu.RUnlock()

	for _, ev := range events {
		metrics.Fills.WithLabelValues(string(ev.fill.Side)).Inc()
		slog.Info("simulation: fill",
			"id", ev.fill.ID,
			"order", ev.fill.OrderID,
			"side", ev.fill.Side,
			"size", ev.fill.Size,
			"price", fmt.Sprintf("%.4f", ev.fill.Price),
			"pnl", fmt.Sprintf("%.4f", ev.fill.PnL),
			"status", ev.order.Status,
		)
		e.logOrder(ctx, ev.order)
		if e.journal != nil {
			_ = e.journal.LogTrade(ctx, domain.TradeRecord{
				ID:          ev.fill.ID,
				Asset:       ev.fill.Asset,
				ConditionID: ev.order.ConditionID,
				Side:        ev.fill.Side,
				Price:       ev.fill.Price,
				Size:        ev.fill.Size,
				Status:      domain.TradeConfirmed,
				Maker:       false,
				Simulated:   true,
				At:          ev.fill.At,
			})
		}
		if hook != nil {
			hook(ev.order, ev.fill)
		}
	}
}

func (e *Engine) logOrder(ctx context.Context, o domain.VirtualOrder) {
	if e.journal == nil {
		return
	}
	_ = e.journal.LogOrderLifecycle(ctx, domain.OrderLifecycle{
		OrderID:     o.ID,
		Asset:       o.Asset,
		ConditionID: o.ConditionID,
		Side:        o.Side,
		Price:       o.Price,
		Size:        o.Size,
		Filled:      o.Filled,
		Status:      o.Status,
		Simulated:   true,
		At:          o.UpdatedAt,
	})
}

// CancelOrder cancela una orden abierta. Una orden inexistente o terminada
// devuelve domain.ErrOrderNotFound.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) error {
	e.mu.Lock()
	o, ok := e.orders[orderID]
	if !ok || o.Status.Terminal() {
		e.mu.Unlock()
		return fmt.Errorf("simulation.CancelOrder %s: %w", orderID, domain.ErrOrderNotFound)
	}
	o.Status = domain.StatusCancelled
	o.UpdatedAt = e.now().UTC()
	snapshot := *o
	e.forgetLocked(o)
	e.mu.Unlock()

	e.logOrder(ctx, snapshot)
	slog.Debug("simulation: order cancelled", "id", orderID)
	return nil
}

// CancelAsset cancela todas las órdenes abiertas de asset.
func (e *Engine) CancelAsset(ctx context.Context, asset string) error {
	e.mu.Lock()
	now := e.now().UTC()
	var cancelled []domain.VirtualOrder
	for _, id := range e.byAsset[asset] {
		o := e.orders[id]
		if o == nil {
			continue
		}
		o.Status = domain.StatusCancelled
		o.UpdatedAt = now
		cancelled = append(cancelled, *o)
		delete(e.orders, id)
	}
	delete(e.byAsset, asset)
	e.mu.Unlock()

	for _, o := range cancelled {
		e.logOrder(ctx, o)
	}
	slog.Debug("simulation: asset orders cancelled", "asset", asset, "orders", len(cancelled))
	return nil
}

// OpenOrders devuelve las órdenes que aún pueden llenarse.
func (e *Engine) OpenOrders(context.Context) ([]domain.OpenOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.OpenOrder
	for _, o := range e.orders {
		out = append(out, domain.OpenOrder{
			ID: o.ID, Asset: o.Asset, Side: o.Side, Price: o.Price, Size: o.Remaining(), Placed: o.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Positions devuelve las posiciones virtuales no planas.
func (e *Engine) Positions(context.Context) (map[string]domain.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]domain.Position, len(e.positions))
	for a, p := range e.positions {
		if !p.Flat() {
			out[a] = p
		}
	}
	return out, nil
}

// Balance devuelve el USDC virtual disponible.
func (e *Engine) Balance(context.Context) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usdc, nil
}

// MergePositions simula el merge: amount pares YES+NO se convierten en amount
// USDC. El PnL realizado es amount × (1 − avg_yes − avg_no).
func (e *Engine) MergePositions(ctx context.Context, conditionID string, amount float64, _ bool) (domain.MergeResult, error) {
	res := domain.MergeResult{ConditionID: conditionID, Amount: amount, Simulated: true, ExecutedAt: e.now().UTC()}
	if e.markets == nil {
		return res, fmt.Errorf("simulation.MergePositions: no market registry")
	}
	m, ok := e.markets.Load().ByCondition(conditionID)
	if !ok {
		return res, fmt.Errorf("simulation.MergePositions %s: %w: unknown market", conditionID, domain.ErrInvalidConfig)
	}

	e.mu.Lock()
	p1, p2 := e.positions[m.Token1], e.positions[m.Token2]
	if amount <= 0 || p1.Size+1e-9 < amount || p2.Size+1e-9 < amount {
		e.mu.Unlock()
		res.Error = "insufficient positions"
		return res, fmt.Errorf("simulation.MergePositions %s: %w: have %.2f/%.2f want %.2f",
			conditionID, domain.ErrInsufficientBalance, p1.Size, p2.Size, amount)
	}
	pnl := amount * (1 - p1.AvgPrice - p2.AvgPrice)
	p1.Size -= amount
	p2.Size -= amount
	for _, p := range []*domain.Position{&p1, &p2} {
		if math.Abs(p.Size) < 1e-9 {
			p.Size, p.AvgPrice = 0, 0
		}
	}
	e.positions[m.Token1], e.positions[m.Token2] = p1, p2
	e.usdc += amount
	e.realized += pnl
	e.mu.Unlock()

	res.Success = true
	res.USDCReceived = amount
	res.TxHash = fmt.Sprintf("SIM-MERGE-%s", uuid.New().String()[:8])

	slog.Info("simulation: positions merged",
		"condition", conditionID,
		"amount", amount,
		"pnl", fmt.Sprintf("%.4f", pnl),
	)
	return res, nil
}

// Snapshot registra un punto del histórico de saldo valorando las posiciones
// a marks (mids). Un asset sin mark se valora a su coste medio.
func (e *Engine) Snapshot(ctx context.Context, marks map[string]float64) domain.SimulationBalance {
	e.mu.Lock()
	b := domain.SimulationBalance{
		RunID:       e.runID,
		USDC:        e.usdc,
		RealizedPnL: e.realized,
		At:          e.now().UTC(),
	}
	for asset, p := range e.positions {
		if p.Flat() {
			continue
		}
		mark, ok := marks[asset]
		if !ok || mark <= 0 {
			mark = p.AvgPrice
		}
		b.PositionValue += p.Value(mark)
		b.UnrealizedPnL += p.UnrealizedPnL(mark)
	}
	e.history = append(e.history, b.Total())
	e.mu.Unlock()

	metrics.SimulationValue.Set(b.Total())
	if e.journal != nil {
		_ = e.journal.LogSimulationBalance(ctx, b)
	}
	return b
}

// Report resume la corrida. El valor total usa el último Snapshot; sin
// snapshots las posiciones se valoran a coste.
func (e *Engine) Report() domain.SimulationReport {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := domain.SimulationReport{
		RunID:          e.runID,
		StartedAt:      e.started,
		InitialBalance: e.cfg.InitialBalance,
		USDC:           e.usdc,
		RealizedPnL:    e.realized,
		Orders:         e.orderSeq,
		Fills:          e.fillSeq,
		OpenOrders:     len(e.orders),
		ClosingFills:   e.closing,
		WinningFills:   e.winning,
		Positions:      make(map[string]domain.Position),
	}
	var costValue float64
	for a, p := range e.positions {
		if p.Flat() {
			continue
		}
		r.Positions[a] = p
		costValue += p.Value(p.AvgPrice)
	}

	r.TotalValue = e.usdc + costValue
	if n := len(e.history); n > 0 {
		r.TotalValue = e.history[n-1]
		r.UnrealizedPnL = r.TotalValue - e.usdc - costValue
	}
	if r.ClosingFills > 0 {
		r.WinRate = float64(r.WinningFills) / float64(r.ClosingFills) * 100
		r.AvgPnL = r.RealizedPnL / float64(r.ClosingFills)
	}
	series := append([]float64{e.cfg.InitialBalance}, e.history...)
	r.MaxDrawdown = domain.MaxDrawdown(series)
	return r
}
