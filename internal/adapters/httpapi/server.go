// Package httpapi expone el estado del bot por HTTP: /health, /metrics y
// /status. Es sólo lectura.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/alejandrodnm/polymaker/internal/domain"
	"github.com/alejandrodnm/polymaker/internal/inflight"
	"github.com/alejandrodnm/polymaker/internal/metrics"
)

// Positions devuelve las posiciones locales.
type Positions interface {
	Positions() map[string]domain.Position
	OpenOrders() []domain.OpenOrder
}

// InFlight devuelve los trades pendientes de confirmación.
type InFlight interface {
	Snapshot() []inflight.Entry
}

// Marks devuelve el mid de cada libro.
type Marks interface {
	Marks() map[string]float64
}

// Reporter es el motor de simulación en dry-run.
type Reporter interface {
	Report() domain.SimulationReport
}

// StreamState devuelve el estado de una conexión.
type StreamState func() string

// Deps de la API. Sim y Streams son opcionales.
type Deps struct {
	Portfolio Positions
	InFlight  InFlight
	Books     Marks
	Sim       Reporter
	Streams   map[string]StreamState
	DryRun    bool
}

// NewRouter monta las rutas.
func NewRouter(d Deps) http.Handler {
	started := time.Now()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"uptime": time.Since(started).Truncate(time.Second).String(),
		})
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, buildStatus(d))
	})
	return r
}

type positionView struct {
	Asset       string  `json:"asset"`
	Size        float64 `json:"size"`
	AvgPrice    float64 `json:"avg_price"`
	RealizedPnL float64 `json:"realized_pnl"`
	Mark        float64 `json:"mark,omitempty"`
}

type inflightView struct {
	Asset   string      `json:"asset"`
	Side    domain.Side `json:"side"`
	TradeID string      `json:"trade_id"`
	AgeSecs float64     `json:"age_seconds"`
}

type simView struct {
	RunID       string  `json:"run_id"`
	USDC        float64 `json:"usdc"`
	TotalValue  float64 `json:"total_value"`
	ReturnPct   float64 `json:"return_pct"`
	RealizedPnL float64 `json:"realized_pnl"`
	Fills       int     `json:"fills"`
	OpenOrders  int     `json:"open_orders"`
	MaxDrawdown float64 `json:"max_drawdown"`
}

type statusView struct {
	DryRun     bool               `json:"dry_run"`
	Streams    map[string]string  `json:"streams,omitempty"`
	Positions  []positionView     `json:"positions"`
	Orders     []domain.OpenOrder `json:"orders"`
	InFlight   []inflightView     `json:"in_flight"`
	Simulation *simView           `json:"simulation,omitempty"`
}

func buildStatus(d Deps) statusView {
	out := statusView{
		DryRun:    d.DryRun,
		Positions: []positionView{},
		Orders:    []domain.OpenOrder{},
		InFlight:  []inflightView{},
	}

	var marks map[string]float64
	if d.Books != nil {
		marks = d.Books.Marks()
	}
	if d.Portfolio != nil {
		for asset, p := range d.Portfolio.Positions() {
			out.Positions = append(out.Positions, positionView{
				Asset: asset, Size: p.Size, AvgPrice: p.AvgPrice, RealizedPnL: p.RealizedPnL, Mark: marks[asset],
			})
		}
		sort.Slice(out.Positions, func(i, j int) bool { return out.Positions[i].Asset < out.Positions[j].Asset })
		if orders := d.Portfolio.OpenOrders(); orders != nil {
			out.Orders = orders
		}
	}
	if d.InFlight != nil {
		now := time.Now()
		for _, e := range d.InFlight.Snapshot() {
			out.InFlight = append(out.InFlight, inflightView{
				Asset: e.Key.Asset, Side: e.Key.Side, TradeID: e.TradeID,
				AgeSecs: now.Sub(e.Inserted).Seconds(),
			})
		}
	}
	if len(d.Streams) > 0 {
		out.Streams = make(map[string]string, len(d.Streams))
		for name, st := range d.Streams {
			out.Streams[name] = st()
		}
	}
	if d.Sim != nil {
		r := d.Sim.Report()
		out.Simulation = &simView{
			RunID: r.RunID, USDC: r.USDC, TotalValue: r.TotalValue, ReturnPct: r.ReturnPct(),
			RealizedPnL: r.RealizedPnL, Fills: r.Fills, OpenOrders: r.OpenOrders, MaxDrawdown: r.MaxDrawdown,
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("httpapi: encode response", "err", err)
	}
}

// Serve escucha en addr hasta que ctx se cancela.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		slog.Info("httpapi: listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
