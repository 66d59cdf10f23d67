// Package quote decide cuándo y a qué precio/tamaño descansar órdenes maker
// para capturar rewards de liquidez, y las reconcilia contra el exchange.
//
// Los triggers llegan del streaming (snapshot, delta, confirmación) y del
// scheduler. Cada mercado tiene un único slot de evaluación: si llega un
// trigger mientras otro corre, se marca dirty y se re-evalúa una vez al final.
package quote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alejandrodnm/polymaker/internal/book"
	"github.com/alejandrodnm/polymaker/internal/domain"
	"github.com/alejandrodnm/polymaker/internal/inflight"
	"github.com/alejandrodnm/polymaker/internal/markets"
	"github.com/alejandrodnm/polymaker/internal/metrics"
	"github.com/alejandrodnm/polymaker/internal/portfolio"
	"github.com/alejandrodnm/polymaker/internal/ports"
)

// Reason es el origen de un trigger.
type Reason string

const (
	ReasonSnapshot     Reason = "snapshot"
	ReasonDelta        Reason = "delta"
	ReasonConfirmation Reason = "confirmation"
	ReasonRefresh      Reason = "refresh"
)

const (
	// DefaultCooldown entre evaluaciones disparadas por deltas del mismo mercado.
	DefaultCooldown = 30 * time.Second
	// DefaultSizeTolerance: una orden existente se conserva si su size difiere ≤ 10%.
	DefaultSizeTolerance = 0.10
	// DefaultMergeMinSize: mínimo de pares YES+NO para disparar un merge.
	DefaultMergeMinSize = 20.0
)

// Config controla el comportamiento del engine.
type Config struct {
	Cooldown        time.Duration
	ThinAskSize     float64
	SizeTolerance   float64
	MergeMinSize    float64
	DefaultStrategy domain.Strategy
	DryRun          bool
}

func (c *Config) setDefaults() {
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.ThinAskSize <= 0 {
		c.ThinAskSize = DefaultThinAskSize
	}
	if c.SizeTolerance <= 0 {
		c.SizeTolerance = DefaultSizeTolerance
	}
	if c.MergeMinSize <= 0 {
		c.MergeMinSize = DefaultMergeMinSize
	}
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = domain.StrategyInventory
	}
}

// Deps son los colaboradores del engine. Merger, Journal y Notifier son opcionales.
type Deps struct {
	Books     *book.Mirror
	Markets   *markets.Registry
	Portfolio *portfolio.Portfolio
	InFlight  *inflight.Tracker
	Exchange  ports.Exchange
	Merger    ports.Merger
	Journal   ports.Journal
	Notifier  ports.Notifier
}

// Option configura un Engine.
type Option func(*Engine)

// WithClock inyecta el reloj usado para el cooldown.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithAuthFailureHook registra la acción a ejecutar ante un error de auth
// (típicamente pedir un refresco autoritativo de posiciones).
func WithAuthFailureHook(fn func()) Option {
	return func(e *Engine) { e.onAuthFailure = fn }
}

type slot struct {
	running bool
	dirty   bool
}

// Engine es seguro para uso concurrente.
type Engine struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	onAuthFailure func()

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	lastTrigger map[string]time.Time
	slots       map[string]*slot
	closed      bool
	wg          sync.WaitGroup

	evaluations atomic.Int64
}

// New crea un engine listo para recibir triggers.
func New(cfg Config, deps Deps, opts ...Option) *Engine {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		deps:        deps,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		lastTrigger: make(map[string]time.Time),
		slots:       make(map[string]*slot),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// OnSnapshot: un snapshot siempre dispara evaluación.
func (e *Engine) OnSnapshot(asset string) bool { return e.Trigger(asset, ReasonSnapshot) }

// OnDelta dispara sólo si pasó el cooldown del mercado.
func (e *Engine) OnDelta(asset string) bool { return e.Trigger(asset, ReasonDelta) }

// OnConfirmation: un cambio de estado propio siempre dispara evaluación.
func (e *Engine) OnConfirmation(asset string) bool { return e.Trigger(asset, ReasonConfirmation) }

// Trigger agenda la evaluación del mercado que contiene asset. Devuelve true si
// el trigger fue aceptado (aunque quede coalescido con uno en curso).
func (e *Engine) Trigger(asset string, reason Reason) bool {
	m, ok := e.deps.Markets.Load().ByAsset(asset)
	if !ok {
		metrics.QuoteTriggers.WithLabelValues(string(reason), "unknown").Inc()
		return false
	}
	return e.TriggerMarket(m.ConditionID, reason)
}

// TriggerMarket agenda la evaluación de un mercado por condition_id.
func (e *Engine) TriggerMarket(conditionID string, reason Reason) bool {
	now := e.now()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		metrics.QuoteTriggers.WithLabelValues(string(reason), "closed").Inc()
		return false
	}
	if reason == ReasonDelta {
		if last, ok := e.lastTrigger[conditionID]; ok && now.Sub(last) < e.cfg.Cooldown {
			e.mu.Unlock()
			metrics.QuoteTriggers.WithLabelValues(string(reason), "cooldown").Inc()
			return false
		}
	}
	e.lastTrigger[conditionID] = now

	s, ok := e.slots[conditionID]
	if !ok {
		s = &slot{}
		e.slots[conditionID] = s
	}
	if s.running {
		s.dirty = true
		e.mu.Unlock()
		metrics.QuoteTriggers.WithLabelValues(string(reason), "coalesced").Inc()
		return true
	}
	s.running = true
	e.wg.Add(1)
	e.mu.Unlock()

	metrics.QuoteTriggers.WithLabelValues(string(reason), "scheduled").Inc()
	go e.run(conditionID, s)
	return true
}

func (e *Engine) run(conditionID string, s *slot) {
	defer e.wg.Done()
	for {
		e.evaluate(e.ctx, conditionID)

		e.mu.Lock()
		if !s.dirty || e.closed {
			s.running = false
			s.dirty = false
			e.mu.Unlock()
			return
		}
		s.dirty = false
		e.mu.Unlock()
	}
}

// Evaluations devuelve cuántas evaluaciones completas se han ejecutado.
func (e *Engine) Evaluations() int64 {
	return e.evaluations.Load()
}

// Close deja de aceptar triggers. Las evaluaciones en curso siguen.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// Wait bloquea hasta que no quede ninguna evaluación corriendo.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Drain cierra el engine y espera a las evaluaciones en curso. Si ctx vence
// antes, cancela las evaluaciones pendientes y devuelve ctx.Err().
func (e *Engine) Drain(ctx context.Context) error {
	e.Close()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return fmt.Errorf("quote.Drain: %w", ctx.Err())
	}
}

// evaluate cotiza los dos tokens del mercado y, si corresponde, hace merge.
// Nunca devuelve error: los fallos se loguean y la siguiente evaluación reintenta.
func (e *Engine) evaluate(ctx context.Context, conditionID string) {
	m, ok := e.deps.Markets.Load().ByCondition(conditionID)
	if !ok {
		return
	}
	start := time.Now()
	defer func() {
		e.evaluations.Add(1)
		metrics.QuoteEvaluations.Inc()
		metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	}()

	for _, asset := range m.Assets() {
		if ctx.Err() != nil {
			return
		}
		e.quoteAsset(ctx, m, asset)
	}
	e.maybeMerge(ctx, m)
}

// bookFor devuelve el libro de asset; si no hay espejo propio usa el del
// complementario invertido.
func (e *Engine) bookFor(m domain.MarketConfig, asset string) domain.BookQuote {
	if e.deps.Books.Has(asset) {
		return e.deps.Books.BestBidAsk(asset, m.MinSize)
	}
	if comp, ok := m.Complement(asset); ok && e.deps.Books.Has(comp) {
		return e.deps.Books.BestBidAsk(comp, m.MinSize).Invert()
	}
	return domain.BookQuote{}
}

func (e *Engine) quoteAsset(ctx context.Context, m domain.MarketConfig, asset string) {
	q := e.bookFor(m, asset)
	pos := e.deps.Portfolio.Position(asset)

	prices, err := ComputePrices(q, PriceParams{
		TickSize:    m.TickSize,
		MinSize:     m.MinSize,
		MaxSpread:   m.MaxSpread,
		AvgPrice:    pos.AvgPrice,
		ThinAskSize: e.cfg.ThinAskSize,
	})
	if err != nil {
		slog.Debug("quote: skipping asset", "asset", short(asset), "reason", err)
		return
	}

	var compSize float64
	if comp, ok := m.Complement(asset); ok {
		compSize = e.deps.Portfolio.Position(comp).Size
	}
	sizer := SizerFor(m.Strategy, e.cfg.DefaultStrategy)
	sizes := sizer.Size(SizeInput{
		Position:           pos.Size,
		ComplementPosition: compSize,
		Bid:                prices.Bid,
		TradeSize:          m.TradeSize,
		MaxSize:            m.MaxSize,
		MinSize:            m.MinSize,
		Multiplier:         m.Multiplier,
	})

	slog.Debug("quote: target",
		"asset", short(asset),
		"strategy", sizer.Name(),
		"mid", prices.Mid,
		"bid", prices.Bid,
		"ask", prices.Ask,
		"reward_bid", prices.RewardBid,
		"reward_ask", prices.RewardAsk,
		"buy", sizes.Buy,
		"sell", sizes.Sell,
		"position", pos.Size,
	)

	buy := sizes.Buy
	if buy < m.MinSize {
		buy = 0 // por debajo de min_size la orden no califica a rewards
	}
	e.reconcile(ctx, m, asset, domain.Buy, prices.Bid, buy)
	e.reconcile(ctx, m, asset, domain.Sell, prices.Ask, sizes.Sell)
}

// reconcile lleva las órdenes de un lado al objetivo (price, size).
func (e *Engine) reconcile(ctx context.Context, m domain.MarketConfig, asset string, side domain.Side, price, size float64) {
	if e.deps.InFlight.Busy(inflight.Key{Asset: asset, Side: side}) {
		slog.Debug("quote: trades in flight, holding side", "asset", short(asset), "side", side)
		return
	}

	existing, has := e.deps.Portfolio.Resting(asset, side)
	valid := size > 0 && price > 0 && price < 1
	if !valid {
		if has {
			e.cancelSide(ctx, m, asset, side, existing)
		}
		return
	}
	if has && !e.needsReplace(existing, price, size, m.TickSize) {
		return
	}
	if has {
		if !e.cancelSide(ctx, m, asset, side, existing) {
			return
		}
	}

	req := domain.OrderRequest{
		Asset:       asset,
		ConditionID: m.ConditionID,
		Side:        side,
		Price:       price,
		Size:        size,
		NegRisk:     m.NegRisk,
	}
	res, err := e.deps.Exchange.PlaceOrder(ctx, req)
	if err != nil {
		e.handleError(ctx, "place", asset, err)
		return
	}

	mode := "live"
	if res.Simulated {
		mode = "dry_run"
	}
	metrics.OrdersPlaced.WithLabelValues(string(side), mode).Inc()

	remaining := size
	for _, f := range res.Fills {
		remaining -= f.Size
	}
	if !res.Status.Terminal() && remaining > 0 {
		e.deps.Portfolio.UpsertOrder(domain.OpenOrder{
			ID: res.OrderID, Asset: asset, Side: side, Price: price, Size: remaining, Placed: e.now(),
		})
	}
	e.logLifecycle(ctx, domain.OrderLifecycle{
		OrderID: res.OrderID, Asset: asset, ConditionID: m.ConditionID, Side: side,
		Price: price, Size: size, Filled: size - remaining, Status: res.Status, Simulated: res.Simulated,
	})

	slog.Info("quote: order placed",
		"asset", short(asset),
		"side", side,
		"price", price,
		"size", size,
		"order_id", res.OrderID,
		"status", res.Status,
		"fills", len(res.Fills),
	)
}

// needsReplace: la orden se conserva si su precio difiere menos de un tick y
// su size no más de SizeTolerance.
func (e *Engine) needsReplace(r portfolio.Resting, price, size, tick float64) bool {
	if len(r.IDs) > 1 {
		return true
	}
	if math.Abs(r.Price-price) >= tick-1e-9 {
		return true
	}
	return math.Abs(r.Size-size) > e.cfg.SizeTolerance*size
}

// cancelSide cancela todas las órdenes de un lado. Devuelve false si alguna
// cancelación falló (no se coloca la nueva para no duplicar exposición).
func (e *Engine) cancelSide(ctx context.Context, m domain.MarketConfig, asset string, side domain.Side, r portfolio.Resting) bool {
	ok := true
	for _, id := range r.IDs {
		if err := e.deps.Exchange.CancelOrder(ctx, id); err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
			e.handleError(ctx, "cancel", asset, err)
			ok = false
			continue
		}
		e.deps.Portfolio.RemoveOrder(id)
		metrics.OrdersCancelled.Inc()
		e.logLifecycle(ctx, domain.OrderLifecycle{
			OrderID: id, Asset: asset, ConditionID: m.ConditionID, Side: side,
			Price: r.Price, Status: domain.StatusCancelled, Simulated: e.cfg.DryRun,
		})
	}
	if ok {
		slog.Debug("quote: side cancelled", "asset", short(asset), "side", side, "orders", len(r.IDs))
	}
	return ok
}

// maybeMerge convierte pares YES+NO en colateral cuando ambos lados superan
// MergeMinSize.
func (e *Engine) maybeMerge(ctx context.Context, m domain.MarketConfig) {
	if e.deps.Merger == nil {
		return
	}
	p1 := e.deps.Portfolio.Position(m.Token1)
	p2 := e.deps.Portfolio.Position(m.Token2)
	amount := math.Floor(math.Min(p1.Size, p2.Size)*100) / 100
	if amount < e.cfg.MergeMinSize {
		return
	}

	res, err := e.deps.Merger.MergePositions(ctx, m.ConditionID, amount, m.NegRisk)
	if err != nil {
		e.handleError(ctx, "merge", m.Token1, err)
		return
	}
	e.deps.Portfolio.SetPosition(m.Token1, p1.Size-amount, p1.AvgPrice)
	e.deps.Portfolio.SetPosition(m.Token2, p2.Size-amount, p2.AvgPrice)

	slog.Info("quote: positions merged",
		"condition", short(m.ConditionID),
		"amount", amount,
		"tx", res.TxHash,
		"simulated", res.Simulated,
	)
}

// handleError clasifica el fallo. Nunca lo propaga.
func (e *Engine) handleError(ctx context.Context, op, asset string, err error) {
	switch {
	case errors.Is(err, domain.ErrAuth):
		metrics.ExchangeErrors.WithLabelValues("auth").Inc()
		slog.Error("quote: AUTH failure, requesting position refresh", "op", op, "asset", short(asset), "err", err)
		e.alert(ctx, domain.AlertCritical, "auth", fmt.Sprintf("%s %s: %v", op, short(asset), err))
		if e.onAuthFailure != nil {
			e.onAuthFailure()
		}
	case errors.Is(err, domain.ErrInsufficientBalance):
		metrics.ExchangeErrors.WithLabelValues("balance").Inc()
		slog.Warn("quote: insufficient balance", "op", op, "asset", short(asset), "err", err)
		e.alert(ctx, domain.AlertWarning, "balance", fmt.Sprintf("%s %s: %v", op, short(asset), err))
	case errors.Is(err, context.Canceled):
		slog.Debug("quote: operation cancelled", "op", op, "asset", short(asset))
	default:
		metrics.ExchangeErrors.WithLabelValues("other").Inc()
		slog.Warn("quote: exchange call failed", "op", op, "asset", short(asset), "err", err)
	}
}

func (e *Engine) alert(ctx context.Context, level domain.AlertLevel, kind, msg string) {
	a := domain.Alert{Level: level, Kind: kind, Message: msg, At: e.now().UTC()}
	if e.deps.Notifier != nil {
		e.deps.Notifier.Alert(ctx, a)
	}
	if e.deps.Journal != nil {
		_ = e.deps.Journal.LogAlert(ctx, a)
	}
}

func (e *Engine) logLifecycle(ctx context.Context, o domain.OrderLifecycle) {
	if e.deps.Journal == nil {
		return
	}
	o.At = e.now().UTC()
	_ = e.deps.Journal.LogOrderLifecycle(ctx, o)
}

// short abrevia ids largos para los logs.
func short(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "..."
}
