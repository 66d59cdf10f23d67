package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/polymaker/internal/adapters/httpapi"
	"github.com/alejandrodnm/polymaker/internal/adapters/onchain"
	"github.com/alejandrodnm/polymaker/internal/adapters/polymarket"
	"github.com/alejandrodnm/polymaker/internal/ports"
	"github.com/alejandrodnm/polymaker/internal/quote"
	"github.com/alejandrodnm/polymaker/internal/scheduler"
	"github.com/alejandrodnm/polymaker/internal/stream"
)

func runLive(ctx context.Context, a *app) error {
	sec := a.cfg.Secrets
	slog.Info("=== LIVE TRADING MODE (REAL MONEY) ===", "strategy", a.cfg.Quote.Strategy)

	fmt.Printf("\n⚠️  LIVE TRADING MODE — REAL MONEY WILL BE SPENT\n")
	fmt.Printf("   Press Ctrl+C within 5 seconds to abort...\n\n")
	abortTimer := time.NewTimer(5 * time.Second)
	select {
	case <-abortTimer.C:
	case <-ctx.Done():
		slog.Info("live trading aborted by user")
		return nil
	}

	auth, err := polymarket.NewAuthClient(polymarket.AuthConfig{
		CLOBBase:      a.cfg.API.CLOBBase,
		DataBase:      a.cfg.API.DataBase,
		PrivateKey:    sec.PrivateKey,
		Funder:        sec.FunderAddress(),
		SignatureType: polymarket.SignatureType(a.cfg.API.SignatureType),
	})
	if err != nil {
		return fmt.Errorf("auth client: %w", err)
	}
	if sec.HasAPICreds() {
		auth.SetCreds(polymarket.APICredentials{APIKey: sec.APIKey, Secret: sec.APISecret, Passphrase: sec.APIPassphrase})
	} else if err := auth.EnsureCreds(ctx); err != nil {
		return fmt.Errorf("derive API credentials (check PK): %w", err)
	}
	slog.Info("live: authenticated with Polymarket CLOB", "address", auth.Address(), "funder", auth.Funder())

	trading, err := polymarket.NewTradingClient(auth, sec.RPCURL)
	if err != nil {
		return fmt.Errorf("trading client: %w", err)
	}
	defer trading.Close()

	// sin RPC no hay merges: el inventario complementario queda en cartera
	var merger ports.Merger
	if sec.RPCURL != "" {
		mc, err := onchain.NewMergeClient(sec.RPCURL, sec.PrivateKey, a.cfg.API.POLPriceUSD)
		if err != nil {
			return fmt.Errorf("merge client: %w", err)
		}
		defer mc.Close()
		slog.Info("live: checking on-chain approvals...")
		if err := mc.EnsureApprovals(ctx); err != nil {
			return fmt.Errorf("on-chain approvals: %w", err)
		}
		merger = mc
	} else {
		slog.Warn("live: RPC_URL not set, position merging disabled")
	}

	if bal, err := trading.Balance(ctx); err != nil {
		slog.Warn("live: balance check failed", "err", err)
	} else {
		slog.Info("live: USDC balance", "usdc", fmt.Sprintf("$%.2f", bal))
	}

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
		Exchange:  trading,
		Merger:    merger,
		Journal:   a.journal,
		Notifier:  a.notifier,
	}, quote.WithAuthFailureHook(refresh))

	market := marketConn(a, &stream.MarketHandler{
		Books:     a.books,
		Markets:   a.registry,
		Quotes:    quotes,
		AcceptAll: a.cfg.Stream.AcceptAllAssets,
	})
	user := stream.NewConn(stream.Config{
		URL:     a.cfg.API.UserWSURL,
		Channel: stream.ChannelUser,
		Hello: stream.UserHello(func() (stream.Credentials, error) {
			c, err := auth.Creds(ctx)
			if err != nil {
				return stream.Credentials{}, err
			}
			return stream.Credentials{APIKey: c.APIKey, Secret: c.Secret, Passphrase: c.Passphrase}, nil
		}),
		PingInterval: a.cfg.PingInterval(),
		MaxRetries:   a.cfg.Stream.MaxRetries,
	}, &stream.UserHandler{
		Markets:          a.registry,
		Portfolio:        a.portfolio,
		InFlight:         a.inflight,
		Quotes:           quotes,
		Journal:          a.journal,
		Notifier:         a.notifier,
		Funder:           auth.Funder(),
		RefreshPositions: refresh,
	})

	sched = scheduler.New(schedulerConfig(a.cfg), scheduler.Deps{
		Market:      market,
		User:        user,
		Quotes:      quotes,
		Exchange:    trading,
		BookFetcher: a.client,
		Markets:     a.registry,
		Books:       a.books,
		Portfolio:   a.portfolio,
		InFlight:    a.inflight,
		Journal:     a.journal,
		Notifier:    a.notifier,
		Closer:      a.journal,
	})

	if err := sched.Bootstrap(ctx); err != nil {
		return err
	}

	serve(ctx, a, httpapi.Deps{
		Streams: map[string]httpapi.StreamState{
			"market": func() string { return string(market.State()) },
			"user":   func() string { return string(user.State()) },
		},
	})

	return sched.Run(ctx)
}
