package main

import (
	"context"
	"log/slog"

	"github.com/alejandrodnm/polymaker/internal/adapters/httpapi"
	"github.com/alejandrodnm/polymaker/internal/domain"
	"github.com/alejandrodnm/polymaker/internal/quote"
	"github.com/alejandrodnm/polymaker/internal/scheduler"
	"github.com/alejandrodnm/polymaker/internal/simulation"
	"github.com/alejandrodnm/polymaker/internal/stream"
)

// runDryRun cotiza contra el libro real con el exchange simulado. No hay
// canal de usuario: los fills llegan por el hook del engine.
func runDryRun(ctx context.Context, a *app) error {
	slog.Info("=== DRY-RUN MODE (SIMULATED ORDERS) ===",
		"initial_balance", a.cfg.Simulation.InitialBalance,
		"mode", a.cfg.Simulation.Mode,
	)

	sim := simulation.New(simulation.Config{
		InitialBalance: a.cfg.Simulation.InitialBalance,
		Mode:           simulation.Mode(a.cfg.Simulation.Mode),
	}, a.books, simulation.WithJournal(a.journal), simulation.WithMarkets(a.registry))

	var sched *scheduler.Scheduler
	refresh := func() {
		if sched != nil {
			sched.RequestRefresh()
		}
	}

	quotes := quote.New(quoteConfig(a.cfg), quote.Deps{
		Books:     a.books,
		Markets:   a.registry,
		Portfolio: a.portfolio,
		InFlight:  a.inflight,
		Exchange:  sim,
		Merger:    sim,
		Journal:   a.journal,
		Notifier:  a.notifier,
	}, quote.WithAuthFailureHook(refresh))

	sim.OnFill(func(o domain.VirtualOrder, f domain.Fill) {
		a.portfolio.ApplyFill(f.Asset, f.Side, f.Size, f.Price)
		if rem := o.Remaining(); rem > 0 && !o.Status.Terminal() {
			a.portfolio.UpsertOrder(domain.OpenOrder{
				ID: o.ID, Asset: o.Asset, Side: o.Side, Price: o.Price, Size: rem, Placed: o.CreatedAt,
			})
		} else {
			a.portfolio.RemoveOrder(o.ID)
		}
		quotes.OnConfirmation(f.Asset)
	})

	market := marketConn(a, &stream.MarketHandler{
		Books:     a.books,
		Markets:   a.registry,
		Quotes:    quotes,
		Listener:  sim,
		AcceptAll: a.cfg.Stream.AcceptAllAssets,
	})

	sched = scheduler.New(schedulerConfig(a.cfg), scheduler.Deps{
		Market:      market,
		Quotes:      quotes,
		Exchange:    sim,
		BookFetcher: a.client,
		Markets:     a.registry,
		Books:       a.books,
		Portfolio:   a.portfolio,
		InFlight:    a.inflight,
		Journal:     a.journal,
		Notifier:    a.notifier,
		Sim:         sim,
		Closer:      a.journal,
	})

	if err := sched.Bootstrap(ctx); err != nil {
		return err
	}

	serve(ctx, a, httpapi.Deps{
		Sim:     sim,
		Streams: map[string]httpapi.StreamState{"market": func() string { return string(market.State()) }},
	})

	// Run guarda el balance final antes de cerrar el journal
	err := sched.Run(ctx)
	a.notifier.PrintSimulationReport(sim.Report(), a.books.Marks())
	return err
}
