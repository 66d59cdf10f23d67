package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

// Console implementa ports.Notifier e imprime los reportes de simulación.
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w}
}

// Alert imprime una alerta en una línea.
func (c *Console) Alert(_ context.Context, a domain.Alert) {
	at := a.At
	if at.IsZero() {
		at = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "[%s] %s %s: %s\n", at.Format("15:04:05"), alertTag(a.Level), a.Kind, a.Message)
}

func alertTag(l domain.AlertLevel) string {
	switch l {
	case domain.AlertCritical:
		return "!! CRITICAL"
	case domain.AlertWarning:
		return ">> WARNING"
	default:
		return "-- info"
	}
}

// PrintSimulationReport imprime el resumen de una corrida dry-run.
func (c *Console) PrintSimulationReport(r domain.SimulationReport, marks map[string]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "\n")
	fmt.Fprintf(c.out, "========================================================\n")
	fmt.Fprintf(c.out, "  SIMULATION REPORT  run %s\n", r.RunID)
	if !r.StartedAt.IsZero() {
		fmt.Fprintf(c.out, "  started %s (%s)\n", r.StartedAt.Format("2006-01-02 15:04:05"),
			time.Since(r.StartedAt).Truncate(time.Second))
	}
	fmt.Fprintf(c.out, "========================================================\n\n")

	fmt.Fprintf(c.out, "  Initial balance:   $%.2f\n", r.InitialBalance)
	fmt.Fprintf(c.out, "  USDC:              $%.2f\n", r.USDC)
	fmt.Fprintf(c.out, "  Total value:       $%.2f (%+.2f%%)\n", r.TotalValue, r.ReturnPct())
	fmt.Fprintf(c.out, "  Realized PnL:      $%.4f\n", r.RealizedPnL)
	fmt.Fprintf(c.out, "  Unrealized PnL:    $%.4f\n", r.UnrealizedPnL)
	fmt.Fprintf(c.out, "  Max drawdown:      %.2f%%\n", r.MaxDrawdown*100)

	fmt.Fprintf(c.out, "\n  --- ACTIVITY ---\n")
	fmt.Fprintf(c.out, "  Orders placed:     %d (%d open)\n", r.Orders, r.OpenOrders)
	fmt.Fprintf(c.out, "  Fills:             %d\n", r.Fills)
	if r.ClosingFills > 0 {
		fmt.Fprintf(c.out, "  Win rate:          %.1f%% (%d/%d closing fills)\n", r.WinRate*100, r.WinningFills, r.ClosingFills)
		fmt.Fprintf(c.out, "  Avg PnL / close:   $%.4f\n", r.AvgPnL)
	}

	if len(r.Positions) > 0 {
		fmt.Fprintf(c.out, "\n")
		assets := make([]string, 0, len(r.Positions))
		for a := range r.Positions {
			assets = append(assets, a)
		}
		sort.Strings(assets)

		tbl := tablewriter.NewWriter(c.out)
		tbl.Header("Asset", "Size", "Avg", "Mark", "Unrealized", "Realized")
		for _, a := range assets {
			p := r.Positions[a]
			mark, ok := marks[a]
			markCol, unrealCol := "-", "-"
			if ok {
				markCol = fmt.Sprintf("%.3f", mark)
				unrealCol = fmt.Sprintf("$%.4f", p.Size*(mark-p.AvgPrice))
			}
			tbl.Append(
				shortAsset(a),
				fmt.Sprintf("%.2f", p.Size),
				fmt.Sprintf("%.3f", p.AvgPrice),
				markCol,
				unrealCol,
				fmt.Sprintf("$%.4f", p.RealizedPnL),
			)
		}
		tbl.Render()
	}
	fmt.Fprintln(c.out)
}

// PrintBalanceHistory imprime el histórico de saldo persistido de una corrida.
func (c *Console) PrintBalanceHistory(runID string, hist []domain.SimulationBalance) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(hist) == 0 {
		fmt.Fprintln(c.out, "\n  No simulation data yet. Run with -dry-run first.")
		return
	}

	first, last := hist[0], hist[len(hist)-1]
	totals := make([]float64, len(hist))
	for i, b := range hist {
		totals[i] = b.Total()
	}

	fmt.Fprintf(c.out, "\n  Simulation run %s: %s to %s (%d points)\n\n", runID,
		first.At.Format("2006-01-02 15:04"), last.At.Format("2006-01-02 15:04"), len(hist))

	tbl := tablewriter.NewWriter(c.out)
	tbl.Header("Time", "USDC", "Positions", "Total", "Realized", "Unrealized")
	for _, b := range sample(hist, 24) {
		tbl.Append(
			b.At.Format("01-02 15:04"),
			fmt.Sprintf("$%.2f", b.USDC),
			fmt.Sprintf("$%.2f", b.PositionValue),
			fmt.Sprintf("$%.2f", b.Total()),
			fmt.Sprintf("$%.4f", b.RealizedPnL),
			fmt.Sprintf("$%.4f", b.UnrealizedPnL),
		)
	}
	tbl.Render()

	change := last.Total() - first.Total()
	pct := 0.0
	if first.Total() > 0 {
		pct = change / first.Total() * 100
	}
	fmt.Fprintf(c.out, "\n  Change:        $%+.2f (%+.2f%%)\n", change, pct)
	fmt.Fprintf(c.out, "  Max drawdown:  %.2f%%\n\n", domain.MaxDrawdown(totals)*100)
}

// sample reduce la serie a como mucho n puntos, conservando el primero y el último.
func sample(hist []domain.SimulationBalance, n int) []domain.SimulationBalance {
	if len(hist) <= n || n < 2 {
		return hist
	}
	out := make([]domain.SimulationBalance, 0, n)
	step := float64(len(hist)-1) / float64(n-1)
	for i := 0; i < n; i++ {
		out = append(out, hist[int(float64(i)*step+0.5)])
	}
	return out
}

func shortAsset(a string) string {
	if len(a) <= 14 {
		return a
	}
	return a[:6] + "…" + a[len(a)-6:]
}
