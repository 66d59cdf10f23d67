// Package scheduler orquesta los streams, los refrescos periódicos y el
// apagado ordenado del bot.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/polymaker/internal/book"
	"github.com/alejandrodnm/polymaker/internal/domain"
	"github.com/alejandrodnm/polymaker/internal/inflight"
	"github.com/alejandrodnm/polymaker/internal/markets"
	"github.com/alejandrodnm/polymaker/internal/metrics"
	"github.com/alejandrodnm/polymaker/internal/portfolio"
	"github.com/alejandrodnm/polymaker/internal/ports"
	"github.com/alejandrodnm/polymaker/internal/quote"
	"github.com/alejandrodnm/polymaker/internal/stream"
)

const (
	DefaultPositionsInterval = 10 * time.Second
	DefaultConfigInterval    = 60 * time.Second
	DefaultSnapshotInterval  = 300 * time.Second
	DefaultCleanupInterval   = 24 * time.Hour
	DefaultDrainTimeout      = 15 * time.Second
)

// Stream es una conexión de larga duración (stream.Conn).
type Stream interface {
	Run(ctx context.Context) error
	Restart()
}

// Quoter es la parte del quote.Engine que usa el scheduler.
type Quoter interface {
	TriggerMarket(conditionID string, reason quote.Reason) bool
	Drain(ctx context.Context) error
}

// BalanceSnapshotter persiste el valor de la cartera simulada.
type BalanceSnapshotter interface {
	Snapshot(ctx context.Context, marks map[string]float64) domain.SimulationBalance
}

// Config de intervalos. Los ceros toman los valores por defecto.
type Config struct {
	PositionsInterval time.Duration
	ConfigInterval    time.Duration
	SnapshotInterval  time.Duration
	CleanupInterval   time.Duration
	StaleAfter        time.Duration
	DrainTimeout      time.Duration
	// Backoff del bucle exterior cuando un componente termina con error.
	Backoff stream.Backoff
}

func (c *Config) setDefaults() {
	if c.PositionsInterval <= 0 {
		c.PositionsInterval = DefaultPositionsInterval
	}
	if c.ConfigInterval <= 0 {
		c.ConfigInterval = DefaultConfigInterval
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = inflight.DefaultStaleAfter
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.Backoff == (stream.Backoff{}) {
		c.Backoff = stream.DefaultBackoff()
	}
}

// Deps son los componentes que el scheduler coordina. Market, BookFetcher,
// User, Sim, Notifier y Closer son opcionales.
type Deps struct {
	Market      Stream
	User        Stream
	Quotes      Quoter
	Exchange    ports.Exchange
	BookFetcher ports.BookFetcher
	Markets     *markets.Registry
	Books       *book.Mirror
	Portfolio   *portfolio.Portfolio
	InFlight    *inflight.Tracker
	Journal     ports.Journal
	Notifier    ports.Notifier
	Sim         BalanceSnapshotter
	// Closer cierra el journal al final del apagado.
	Closer io.Closer
}

// Scheduler no es reutilizable: Run se llama una sola vez.
type Scheduler struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	refresh chan struct{}

	closeOnce sync.Once
}

// New crea un scheduler.
func New(cfg Config, deps Deps) *Scheduler {
	cfg.setDefaults()
	return &Scheduler{
		cfg:     cfg,
		deps:    deps,
		now:     time.Now,
		refresh: make(chan struct{}, 1),
	}
}

// RequestRefresh pide un refresco autoritativo de posiciones en el próximo
// ciclo. No bloquea; peticiones repetidas se colapsan.
func (s *Scheduler) RequestRefresh() {
	select {
	case s.refresh <- struct{}{}:
	default:
	}
}

// Bootstrap carga la configuración, el estado de la cuenta y los libros, y
// dispara una primera evaluación por mercado. Un error de configuración es
// fatal para el llamador.
func (s *Scheduler) Bootstrap(ctx context.Context) error {
	idx, err := s.deps.Markets.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("scheduler.Bootstrap: %w", err)
	}
	metrics.ActiveMarkets.Set(float64(idx.Len()))

	s.cleanup(ctx)
	s.RefreshPositions(ctx)
	s.fetchBooks(ctx, idx.Assets())

	for _, m := range idx.Markets() {
		s.deps.Quotes.TriggerMarket(m.ConditionID, quote.ReasonSnapshot)
	}
	slog.Info("scheduler: bootstrap complete", "markets", idx.Len(), "books", len(s.deps.Books.Assets()))
	return nil
}

// Run ejecuta los componentes hasta que ctx se cancela. Si un componente
// termina con error se reinician todos tras un backoff, indefinidamente.
// El apagado drena el quote engine antes de cortar los streams.
func (s *Scheduler) Run(ctx context.Context) error {
	// los streams no heredan la cancelación de ctx: se cortan tras el drain
	base, stop := context.WithCancel(context.WithoutCancel(ctx))
	defer stop()

	attempt := 0
	for {
		runCtx, cancelRun := context.WithCancel(base)
		errc := make(chan error, 1)
		started := s.now()
		go func() { errc <- s.runComponents(runCtx) }()

		select {
		case <-ctx.Done():
			s.shutdown(cancelRun, errc)
			return nil
		case err := <-errc:
			cancelRun()
			if s.cfg.Backoff.Stable(s.now().Sub(started)) {
				attempt = 0
			}
			attempt++
			wait := s.cfg.Backoff.Next(attempt)
			slog.Error("scheduler: component stopped, restarting",
				"err", err,
				"attempt", attempt,
				"wait", wait,
			)
			s.alert(ctx, domain.AlertWarning, "component_restart", fmt.Sprintf("restarting after error: %v", err))

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				s.shutdown(func() {}, nil)
				return nil
			case <-t.C:
			}
		}
	}
}

func (s *Scheduler) runComponents(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if s.deps.Market != nil {
		g.Go(func() error {
			if err := s.deps.Market.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("market stream: %w", err)
			}
			return nil
		})
	}
	if s.deps.User != nil {
		g.Go(func() error {
			if err := s.deps.User.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("user stream: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error { return s.periodic(gctx) })

	err := g.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.New("components exited")
	}
	return err
}

func (s *Scheduler) periodic(ctx context.Context) error {
	positions := time.NewTicker(s.cfg.PositionsInterval)
	defer positions.Stop()
	config := time.NewTicker(s.cfg.ConfigInterval)
	defer config.Stop()
	snapshots := time.NewTicker(s.cfg.SnapshotInterval)
	defer snapshots.Stop()
	cleanup := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.refresh:
			s.RefreshPositions(ctx)
		case <-positions.C:
			s.RefreshPositions(ctx)
			s.SweepStale()
		case <-config.C:
			s.RefreshConfig(ctx)
		case <-snapshots.C:
			s.Snapshot(ctx)
		case <-cleanup.C:
			s.cleanup(ctx)
		}
	}
}

func (s *Scheduler) shutdown(cancelStreams func(), errc <-chan error) {
	slog.Info("scheduler: shutting down, draining quote engine")
	drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()
	if err := s.deps.Quotes.Drain(drainCtx); err != nil {
		slog.Warn("scheduler: drain timed out", "err", err)
	}

	cancelStreams()
	if errc != nil {
		<-errc
	}

	// el balance final tiene que entrar en el journal antes de cerrarlo
	if s.deps.Sim != nil {
		b := s.deps.Sim.Snapshot(context.Background(), s.deps.Books.Marks())
		slog.Info("scheduler: final simulation balance", "total", fmt.Sprintf("%.2f", b.Total()), "usdc", fmt.Sprintf("%.2f", b.USDC))
	}
	s.Close()
	slog.Info("scheduler: stopped")
}

// Close cierra el journal. Es idempotente.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		if s.deps.Closer == nil {
			return
		}
		if err := s.deps.Closer.Close(); err != nil {
			slog.Warn("scheduler: closing journal", "err", err)
		}
	})
}

// RefreshPositions reemplaza posiciones y órdenes locales con el estado
// autoritativo del exchange. Los assets con trades en vuelo conservan su size
// local hasta que el trade confirme o caduque.
func (s *Scheduler) RefreshPositions(ctx context.Context) {
	positions, err := s.deps.Exchange.Positions(ctx)
	if err != nil {
		s.exchangeError(ctx, "positions", err)
	} else {
		s.deps.Portfolio.ReplacePositions(positions, s.deps.InFlight.AssetBusy)
	}

	orders, err := s.deps.Exchange.OpenOrders(ctx)
	if err != nil {
		s.exchangeError(ctx, "open_orders", err)
		return
	}
	s.deps.Portfolio.ReplaceOrders(orders)
	slog.Debug("scheduler: account refreshed", "positions", len(positions), "orders", len(orders))
}

// SweepStale expulsa los trades en vuelo sin confirmación y reactiva la
// cotización de sus mercados.
func (s *Scheduler) SweepStale() {
	evicted := s.deps.InFlight.SweepStale(s.cfg.StaleAfter)
	if len(evicted) == 0 {
		return
	}
	metrics.StaleEvictions.Add(float64(len(evicted)))
	metrics.InFlightTrades.Set(float64(len(s.deps.InFlight.Snapshot())))

	idx := s.deps.Markets.Load()
	conds := make(map[string]bool)
	for _, e := range evicted {
		if m, ok := idx.ByAsset(e.Key.Asset); ok {
			conds[m.ConditionID] = true
		}
	}
	for cond := range conds {
		s.deps.Quotes.TriggerMarket(cond, quote.ReasonRefresh)
	}
}

// RefreshConfig recarga los mercados. Si cambia el conjunto de assets se
// cargan los libros nuevos, se cancelan las órdenes de los retirados y se
// reinicia la suscripción del canal de mercado.
func (s *Scheduler) RefreshConfig(ctx context.Context) {
	prev := s.deps.Markets.Load().Assets()
	idx, err := s.deps.Markets.Refresh(ctx)
	if err != nil {
		slog.Warn("scheduler: config refresh failed, keeping previous", "err", err)
		return
	}
	metrics.ActiveMarkets.Set(float64(idx.Len()))

	added, removed := diff(prev, idx.Assets())
	if len(added) == 0 && len(removed) == 0 {
		return
	}
	slog.Info("scheduler: subscriptions changed", "added", len(added), "removed", len(removed))

	for _, asset := range removed {
		if err := s.deps.Exchange.CancelAsset(ctx, asset); err != nil {
			s.exchangeError(ctx, "cancel_removed", err)
			continue
		}
		s.deps.Portfolio.RemoveSide(asset, domain.Buy)
		s.deps.Portfolio.RemoveSide(asset, domain.Sell)
	}
	s.fetchBooks(ctx, added)
	if s.deps.Market != nil {
		s.deps.Market.Restart()
	}
	for _, m := range idx.Markets() {
		for _, a := range m.Assets() {
			if contains(added, a) {
				s.deps.Quotes.TriggerMarket(m.ConditionID, quote.ReasonSnapshot)
				break
			}
		}
	}
}

// Snapshot persiste rewards estimados, posiciones y, en dry-run, el balance
// simulado.
func (s *Scheduler) Snapshot(ctx context.Context) {
	now := s.now().UTC()
	idx := s.deps.Markets.Load()
	positions := s.deps.Portfolio.Positions()

	var hourly float64
	for _, m := range idx.Markets() {
		for _, asset := range m.Assets() {
			mid := s.deps.Books.Mid(asset)

			for _, side := range []domain.Side{domain.Buy, domain.Sell} {
				r, ok := s.deps.Portfolio.Resting(asset, side)
				if !ok || mid <= 0 {
					continue
				}
				reward := domain.EstimateOrderReward(r.Price, r.Size, mid, m.MaxSpread, m.DailyRewardRate)
				hourly += reward
				s.journal("reward", s.deps.Journal.LogRewardSnapshot(ctx, domain.RewardSnapshot{
					ConditionID:  m.ConditionID,
					Asset:        asset,
					Mid:          mid,
					OrderPrice:   r.Price,
					OrderSize:    r.Size,
					MaxSpread:    m.MaxSpread,
					DailyRate:    m.DailyRewardRate,
					HourlyReward: reward,
					At:           now,
				}))
			}

			pos, ok := positions[asset]
			if !ok || pos.Flat() {
				continue
			}
			s.journal("position", s.deps.Journal.LogPosition(ctx, domain.PositionSnapshot{
				Asset:       asset,
				ConditionID: m.ConditionID,
				Position:    pos,
				Mark:        mid,
				At:          now,
			}))
		}
	}

	if s.deps.Sim != nil {
		b := s.deps.Sim.Snapshot(ctx, s.deps.Books.Marks())
		slog.Info("scheduler: simulation balance",
			"total", fmt.Sprintf("%.2f", b.Total()),
			"usdc", fmt.Sprintf("%.2f", b.USDC),
		)
	}
	slog.Info("scheduler: snapshot", "markets", idx.Len(), "est_hourly_reward", fmt.Sprintf("%.4f", hourly))
}

func (s *Scheduler) cleanup(ctx context.Context) {
	if err := s.deps.Journal.Cleanup(ctx, s.now().UTC()); err != nil {
		slog.Warn("scheduler: retention cleanup failed", "err", err)
	}
}

func (s *Scheduler) fetchBooks(ctx context.Context, assets []string) {
	if s.deps.BookFetcher == nil || len(assets) == 0 {
		return
	}
	books, err := s.deps.BookFetcher.FetchOrderBooks(ctx, assets)
	if err != nil {
		slog.Warn("scheduler: book bootstrap failed", "assets", len(assets), "err", err)
	}
	for asset, b := range books {
		s.deps.Books.ApplySnapshot(asset, b.Bids, b.Asks)
	}
}

func (s *Scheduler) exchangeError(ctx context.Context, op string, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, domain.ErrAuth):
		metrics.ExchangeErrors.WithLabelValues("auth").Inc()
		slog.Error("scheduler: AUTH failure", "op", op, "err", err)
		s.alert(ctx, domain.AlertCritical, "auth", fmt.Sprintf("%s: %v", op, err))
	default:
		metrics.ExchangeErrors.WithLabelValues("other").Inc()
		slog.Warn("scheduler: exchange call failed", "op", op, "err", err)
	}
}

func (s *Scheduler) alert(ctx context.Context, level domain.AlertLevel, kind, msg string) {
	a := domain.Alert{Level: level, Kind: kind, Message: msg, At: s.now().UTC()}
	if s.deps.Notifier != nil {
		s.deps.Notifier.Alert(ctx, a)
	}
	s.journal("alert", s.deps.Journal.LogAlert(ctx, a))
}

func (s *Scheduler) journal(kind string, err error) {
	if err != nil {
		slog.Warn("scheduler: journal write failed", "kind", kind, "err", err)
	}
}

func diff(prev, next []string) (added, removed []string) {
	in := func(list []string, v string) bool {
		i := sort.SearchStrings(list, v)
		return i < len(list) && list[i] == v
	}
	for _, a := range next {
		if !in(prev, a) {
			added = append(added, a)
		}
	}
	for _, a := range prev {
		if !in(next, a) {
			removed = append(removed, a)
		}
	}
	return added, removed
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
