package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alejandrodnm/polymaker/config"
	"github.com/alejandrodnm/polymaker/internal/adapters/configstore"
	"github.com/alejandrodnm/polymaker/internal/adapters/httpapi"
	"github.com/alejandrodnm/polymaker/internal/adapters/notify"
	"github.com/alejandrodnm/polymaker/internal/adapters/polymarket"
	"github.com/alejandrodnm/polymaker/internal/adapters/storage"
	"github.com/alejandrodnm/polymaker/internal/book"
	"github.com/alejandrodnm/polymaker/internal/domain"
	"github.com/alejandrodnm/polymaker/internal/inflight"
	"github.com/alejandrodnm/polymaker/internal/markets"
	"github.com/alejandrodnm/polymaker/internal/portfolio"
	"github.com/alejandrodnm/polymaker/internal/ports"
	"github.com/alejandrodnm/polymaker/internal/quote"
	"github.com/alejandrodnm/polymaker/internal/scheduler"
	"github.com/alejandrodnm/polymaker/internal/stream"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	dryRun := flag.Bool("dry-run", false, "simulate orders against the live book (overrides DRY_RUN)")
	aggressive := flag.Bool("aggressive", false, "process book events for assets outside the subscription (overrides AGGRESSIVE_MODE)")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	report := flag.Bool("report", false, "print the last simulation run from the DB and exit")
	flag.Parse()

	overrides := func(c *config.Config) {
		if *dryRun || *report {
			c.DryRun = true
		}
		if *aggressive {
			c.Stream.AcceptAllAssets = true
		}
		if *verbose {
			c.Log.Level = "debug"
		}
		if *logFormat != "" {
			c.Log.Format = *logFormat
		}
	}

	cfg, err := config.Load(*configPath, overrides)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}
	setupLogger(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *report {
		if err := printReport(ctx, cfg); err != nil {
			slog.Error("report failed", "err", err)
			os.Exit(1)
		}
		return
	}

	slog.Info("polymaker starting",
		"config", *configPath,
		"dry_run", cfg.DryRun,
		"markets_source", cfg.Markets.Source,
		"strategy", cfg.Quote.Strategy,
		"sim_mode", cfg.Simulation.Mode,
	)

	if err := run(ctx, cfg); err != nil {
		slog.Error("polymaker exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("polymaker stopped cleanly")
}

// app son los componentes compartidos por los modos live y dry-run.
type app struct {
	cfg       *config.Config
	registry  *markets.Registry
	books     *book.Mirror
	portfolio *portfolio.Portfolio
	inflight  *inflight.Tracker
	journal   *storage.AsyncJournal
	notifier  *notify.Console
	client    *polymarket.Client
}

func run(ctx context.Context, cfg *config.Config) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	journal := storage.NewAsyncJournal(store, cfg.Storage.QueueSize)
	defer journal.Close()

	cs, closeStore, err := configStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	a := &app{
		cfg:       cfg,
		registry:  markets.NewRegistry(cs),
		books:     book.NewMirror(),
		portfolio: portfolio.New(),
		inflight:  inflight.NewTracker(nil),
		journal:   journal,
		notifier:  notify.NewConsole(),
		client:    polymarket.NewClient(cfg.API.CLOBBase, cfg.API.DataBase),
	}

	if cfg.DryRun {
		return runDryRun(ctx, a)
	}
	return runLive(ctx, a)
}

// serve arranca el servidor de estado si http.addr está definido.
func serve(ctx context.Context, a *app, deps httpapi.Deps) {
	if a.cfg.HTTP.Addr == "" {
		return
	}
	deps.Portfolio = a.portfolio
	deps.InFlight = a.inflight
	deps.Books = a.books
	deps.DryRun = a.cfg.DryRun
	go func() {
		if err := httpapi.Serve(ctx, a.cfg.HTTP.Addr, httpapi.NewRouter(deps)); err != nil {
			slog.Error("httpapi: server stopped", "err", err)
		}
	}()
}

func quoteConfig(cfg *config.Config) quote.Config {
	return quote.Config{
		Cooldown:        cfg.Cooldown(),
		ThinAskSize:     cfg.Quote.ThinAskSize,
		SizeTolerance:   cfg.Quote.SizeTolerance,
		MergeMinSize:    cfg.Quote.MergeMinSize,
		DefaultStrategy: domain.Strategy(cfg.Quote.Strategy),
		DryRun:          cfg.DryRun,
	}
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		PositionsInterval: cfg.PositionsInterval(),
		ConfigInterval:    cfg.ConfigInterval(),
		SnapshotInterval:  cfg.SnapshotInterval(),
		StaleAfter:        cfg.StaleAfter(),
	}
}

func marketConn(a *app, h *stream.MarketHandler) *stream.Conn {
	return stream.NewConn(stream.Config{
		URL:          a.cfg.API.MarketWSURL,
		Channel:      stream.ChannelMarket,
		Hello:        stream.MarketHello(a.registry),
		PingInterval: a.cfg.PingInterval(),
		MaxRetries:   a.cfg.Stream.MaxRetries,
	}, h)
}

func openStore(cfg *config.Config) (*storage.SQLiteStorage, error) {
	s := cfg.Storage
	store, err := storage.NewSQLiteStorage(s.DSN, storage.Retention{
		Trades:          config.Days(s.TradesDays),
		RewardSnapshots: config.Days(s.RewardSnapshotsDays),
		PositionHistory: config.Days(s.PositionHistoryDays),
		Alerts:          config.Days(s.AlertsDays),
		FinishedOrders:  config.Days(s.FinishedOrdersDays),
	})
	if err != nil {
		return nil, fmt.Errorf("open storage %q: %w", s.DSN, err)
	}
	return store, nil
}

func configStore(ctx context.Context, cfg *config.Config) (ports.ConfigStore, func(), error) {
	switch cfg.Markets.Source {
	case "file":
		return configstore.NewFile(cfg.Markets.File), func() {}, nil
	case "redis":
		r, err := configstore.NewRedis(cfg.Secrets.RedisURL, cfg.Markets.RedisKey)
		if err != nil {
			return nil, nil, err
		}
		if err := r.Ping(ctx); err != nil {
			r.Close()
			return nil, nil, err
		}
		return r, func() { r.Close() }, nil
	default:
		return configstore.Static(cfg.Markets.List), func() {}, nil
	}
}

func printReport(ctx context.Context, cfg *config.Config) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runID, err := store.LatestRunID(ctx)
	if err != nil {
		return err
	}
	hist, err := store.SimulationHistory(ctx, runID)
	if err != nil {
		return err
	}
	fills, err := store.SimulatedTrades(ctx)
	if err != nil {
		return err
	}
	c := notify.NewConsole()
	c.PrintBalanceHistory(runID, hist)
	fmt.Printf("  Simulated fills recorded: %d\n\n", fills)
	return nil
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
