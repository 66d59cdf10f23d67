package httpapi_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polymaker/internal/adapters/httpapi"
	"github.com/alejandrodnm/polymaker/internal/book"
	"github.com/alejandrodnm/polymaker/internal/domain"
	"github.com/alejandrodnm/polymaker/internal/inflight"
	"github.com/alejandrodnm/polymaker/internal/portfolio"
)

type fakeSim struct{}

func (fakeSim) Report() domain.SimulationReport {
	return domain.SimulationReport{RunID: "r1", InitialBalance: 100, USDC: 90, TotalValue: 110, Fills: 3}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRouter_Health(t *testing.T) {
	h := httpapi.NewRouter(httpapi.Deps{})
	rec := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestRouter_Metrics(t *testing.T) {
	rec := get(t, httpapi.NewRouter(httpapi.Deps{}), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRouter_Status(t *testing.T) {
	books := book.NewMirror()
	books.ApplySnapshot("tokA", []domain.Level{{Price: 0.40, Size: 100}}, []domain.Level{{Price: 0.44, Size: 100}})

	pf := portfolio.New()
	pf.SetPosition("tokA", 50, 0.41)
	pf.UpsertOrder(domain.OpenOrder{ID: "o1", Asset: "tokA", Side: domain.Sell, Price: 0.45, Size: 50, Placed: time.Now()})

	tr := inflight.NewTracker(nil)
	tr.Add(inflight.Key{Asset: "tokA", Side: domain.Buy}, "trade-1")

	h := httpapi.NewRouter(httpapi.Deps{
		Portfolio: pf,
		InFlight:  tr,
		Books:     books,
		Sim:       fakeSim{},
		Streams:   map[string]httpapi.StreamState{"market": func() string { return "STREAMING" }},
		DryRun:    true,
	})

	rec := get(t, h, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		DryRun    bool              `json:"dry_run"`
		Streams   map[string]string `json:"streams"`
		Positions []struct {
			Asset string  `json:"asset"`
			Size  float64 `json:"size"`
			Mark  float64 `json:"mark"`
		} `json:"positions"`
		Orders   []json.RawMessage `json:"orders"`
		InFlight []struct {
			TradeID string `json:"trade_id"`
		} `json:"in_flight"`
		Simulation struct {
			RunID     string  `json:"run_id"`
			ReturnPct float64 `json:"return_pct"`
		} `json:"simulation"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.True(t, body.DryRun)
	assert.Equal(t, "STREAMING", body.Streams["market"])
	require.Len(t, body.Positions, 1)
	assert.InDelta(t, 50, body.Positions[0].Size, 1e-9)
	assert.InDelta(t, 0.42, body.Positions[0].Mark, 1e-9)
	assert.Len(t, body.Orders, 1)
	require.Len(t, body.InFlight, 1)
	assert.Equal(t, "trade-1", body.InFlight[0].TradeID)
	assert.Equal(t, "r1", body.Simulation.RunID)
	assert.InDelta(t, 10, body.Simulation.ReturnPct, 1e-9)
}

func TestRouter_StatusEmpty(t *testing.T) {
	rec := get(t, httpapi.NewRouter(httpapi.Deps{}), "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"positions":[]`)
	assert.NotContains(t, rec.Body.String(), "simulation")
}
