package quote_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alejandrodnm/polymaker/internal/book"
	"github.com/alejandrodnm/polymaker/internal/domain"
	"github.com/alejandrodnm/polymaker/internal/inflight"
	"github.com/alejandrodnm/polymaker/internal/markets"
	"github.com/alejandrodnm/polymaker/internal/portfolio"
	"github.com/alejandrodnm/polymaker/internal/quote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeExchange struct {
	mu        sync.Mutex
	seq       int
	placed    []domain.OrderRequest
	cancelled []string
	placeErr  error

	// block, si no es nil, retiene el primer PlaceOrder hasta que se cierre.
	block   chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if f.block != nil {
		first := false
		f.once.Do(func() { first = true })
		if first {
			close(f.entered)
			<-f.block
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return domain.OrderResult{}, f.placeErr
	}
	f.seq++
	f.placed = append(f.placed, req)
	return domain.OrderResult{OrderID: fmt.Sprintf("o-%d", f.seq), Status: domain.StatusOpen}, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeExchange) CancelAsset(context.Context, string) error { return nil }

func (f *fakeExchange) OpenOrders(context.Context) ([]domain.OpenOrder, error) { return nil, nil }

func (f *fakeExchange) Positions(context.Context) (map[string]domain.Position, error) {
	return nil, nil
}

func (f *fakeExchange) Balance(context.Context) (float64, error) { return 0, nil }

func (f *fakeExchange) Placed() []domain.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.OrderRequest(nil), f.placed...)
}

func (f *fakeExchange) Cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

type fakeMerger struct {
	calls atomic.Int32
	last  float64
}

func (m *fakeMerger) MergePositions(_ context.Context, conditionID string, amount float64, _ bool) (domain.MergeResult, error) {
	m.calls.Add(1)
	m.last = amount
	return domain.MergeResult{ConditionID: conditionID, Amount: amount, Success: true, Simulated: true}, nil
}

// --- setup ---

var testMarket = domain.MarketConfig{
	ConditionID:     "0xcond",
	Token1:          "yes",
	Token2:          "no",
	TickSize:        0.01,
	MinSize:         50,
	MaxSpread:       5,
	DailyRewardRate: 10,
	TradeSize:       100,
	MaxSize:         500,
}

type harness struct {
	engine *quote.Engine
	books  *book.Mirror
	port   *portfolio.Portfolio
	infl   *inflight.Tracker
	ex     *fakeExchange
	clock  *fakeClock
}

func newHarness(t *testing.T, ex *fakeExchange, deps func(*quote.Deps), opts ...quote.Option) *harness {
	t.Helper()
	idx, err := domain.NewMarketIndex([]domain.MarketConfig{testMarket})
	require.NoError(t, err)
	reg := markets.NewRegistry(nil)
	reg.Set(idx)

	h := &harness{
		books: book.NewMirror(),
		port:  portfolio.New(),
		ex:    ex,
		clock: &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.infl = inflight.NewTracker(h.clock.Now)
	h.books.ApplySnapshot("yes",
		[]domain.Level{{Price: 0.48, Size: 500}, {Price: 0.47, Size: 1000}},
		[]domain.Level{{Price: 0.52, Size: 500}, {Price: 0.53, Size: 1000}},
	)

	d := quote.Deps{
		Books:     h.books,
		Markets:   reg,
		Portfolio: h.port,
		InFlight:  h.infl,
		Exchange:  ex,
	}
	if deps != nil {
		deps(&d)
	}
	opts = append([]quote.Option{quote.WithClock(h.clock.Now)}, opts...)
	h.engine = quote.New(quote.Config{}, d, opts...)
	return h
}

func countSide(reqs []domain.OrderRequest, asset string, side domain.Side) int {
	n := 0
	for _, r := range reqs {
		if r.Asset == asset && r.Side == side {
			n++
		}
	}
	return n
}

// --- tests ---

func TestEngine_DeltaCooldown(t *testing.T) {
	h := newHarness(t, &fakeExchange{}, nil)

	assert.True(t, h.engine.OnDelta("yes"))
	h.clock.Advance(10 * time.Second)
	assert.False(t, h.engine.OnDelta("no"), "mismo mercado dentro del cooldown")
	h.engine.Wait()

	assert.Equal(t, int64(1), h.engine.Evaluations())

	h.clock.Advance(20 * time.Second)
	assert.True(t, h.engine.OnDelta("yes"), "30s después se acepta")
	h.engine.Wait()
	assert.Equal(t, int64(2), h.engine.Evaluations())
}

func TestEngine_SnapshotAndConfirmationBypassCooldown(t *testing.T) {
	h := newHarness(t, &fakeExchange{}, nil)

	require.True(t, h.engine.OnDelta("yes"))
	h.engine.Wait()
	assert.True(t, h.engine.OnSnapshot("yes"))
	h.engine.Wait()
	assert.True(t, h.engine.OnConfirmation("no"))
	h.engine.Wait()
	assert.Equal(t, int64(3), h.engine.Evaluations())

	// el trigger aceptado reinicia el cooldown
	assert.False(t, h.engine.OnDelta("yes"))
}

func TestEngine_UnknownAssetIgnored(t *testing.T) {
	h := newHarness(t, &fakeExchange{}, nil)
	assert.False(t, h.engine.OnSnapshot("other"))
	h.engine.Wait()
	assert.Zero(t, h.engine.Evaluations())
}

func TestEngine_SingleFlightCoalesces(t *testing.T) {
	ex := &fakeExchange{block: make(chan struct{}), entered: make(chan struct{})}
	h := newHarness(t, ex, nil)

	require.True(t, h.engine.OnSnapshot("yes"))
	<-ex.entered

	for i := 0; i < 5; i++ {
		assert.True(t, h.engine.OnSnapshot("yes"))
	}
	close(ex.block)
	h.engine.Wait()

	assert.Equal(t, int64(2), h.engine.Evaluations(), "una evaluación en curso más una re-evaluación")
}

func TestEngine_PlacesBothAssets(t *testing.T) {
	ex := &fakeExchange{}
	h := newHarness(t, ex, nil)

	h.engine.OnSnapshot("yes")
	h.engine.Wait()

	placed := ex.Placed()
	require.Len(t, placed, 2, "buy en yes y en no (sin inventario no hay sell)")
	for _, r := range placed {
		assert.Equal(t, domain.Buy, r.Side)
		assert.InDelta(t, 0.49, r.Price, 1e-9)
		assert.InDelta(t, 100, r.Size, 1e-9)
		assert.Equal(t, "0xcond", r.ConditionID)
	}

	r, ok := h.port.Resting("no", domain.Buy)
	require.True(t, ok, "el token sin libro usa el libro invertido del complementario")
	assert.InDelta(t, 100, r.Size, 1e-9)
}

func TestEngine_InFlightSuppressesSide(t *testing.T) {
	ex := &fakeExchange{}
	h := newHarness(t, ex, nil)
	h.infl.Add(inflight.Key{Asset: "yes", Side: domain.Buy}, "t1")

	h.engine.OnSnapshot("yes")
	h.engine.Wait()

	placed := ex.Placed()
	assert.Zero(t, countSide(placed, "yes", domain.Buy))
	assert.Equal(t, 1, countSide(placed, "no", domain.Buy))
}

func TestEngine_KeepsMatchingOrderAndReplacesStale(t *testing.T) {
	ex := &fakeExchange{}
	h := newHarness(t, ex, nil)

	h.engine.OnSnapshot("yes")
	h.engine.Wait()
	require.Len(t, ex.Placed(), 2)
	first, ok := h.port.Resting("yes", domain.Buy)
	require.True(t, ok)

	// mismo objetivo: no se toca nada
	h.engine.OnSnapshot("yes")
	h.engine.Wait()
	assert.Len(t, ex.Placed(), 2)
	assert.Empty(t, ex.Cancelled())

	// el libro se abre: el objetivo baja a 0.48
	h.books.ApplySnapshot("yes",
		[]domain.Level{{Price: 0.40, Size: 500}},
		[]domain.Level{{Price: 0.60, Size: 500}},
	)
	h.engine.OnSnapshot("yes")
	h.engine.Wait()

	assert.Contains(t, ex.Cancelled(), first.IDs[0])
	r, ok := h.port.Resting("yes", domain.Buy)
	require.True(t, ok)
	assert.InDelta(t, 0.48, r.Price, 1e-9)
	assert.NotEqual(t, first.IDs, r.IDs)
}

func TestEngine_CancelsWhenTargetIsZero(t *testing.T) {
	ex := &fakeExchange{}
	h := newHarness(t, ex, nil)
	h.port.UpsertOrder(domain.OpenOrder{ID: "old-sell", Asset: "yes", Side: domain.Sell, Price: 0.55, Size: 100})

	h.engine.OnSnapshot("yes")
	h.engine.Wait()

	assert.Contains(t, ex.Cancelled(), "old-sell", "sin posición el sell objetivo es 0")
	_, ok := h.port.Resting("yes", domain.Sell)
	assert.False(t, ok)
}

func TestEngine_SellsInventoryAboveAvgCost(t *testing.T) {
	ex := &fakeExchange{}
	h := newHarness(t, ex, nil)
	h.port.SetPosition("yes", 200, 0.55)

	h.engine.OnSnapshot("yes")
	h.engine.Wait()

	var sell *domain.OrderRequest
	for _, r := range ex.Placed() {
		if r.Asset == "yes" && r.Side == domain.Sell {
			r := r
			sell = &r
		}
	}
	require.NotNil(t, sell)
	assert.InDelta(t, 0.55, sell.Price, 1e-9, "el ask nunca por debajo del coste medio")
	assert.InDelta(t, 100, sell.Size, 1e-9)
}

func TestEngine_AuthErrorInvokesHook(t *testing.T) {
	ex := &fakeExchange{placeErr: fmt.Errorf("polymarket.PlaceOrder: %w", domain.ErrAuth)}
	var hooked atomic.Int32
	h := newHarness(t, ex, nil, quote.WithAuthFailureHook(func() { hooked.Add(1) }))

	h.engine.OnSnapshot("yes")
	h.engine.Wait()

	assert.Positive(t, hooked.Load())
	assert.Equal(t, int64(1), h.engine.Evaluations(), "el error no aborta el engine")
	_, ok := h.port.Resting("yes", domain.Buy)
	assert.False(t, ok)
}

func TestEngine_MergesPairedPositions(t *testing.T) {
	merger := &fakeMerger{}
	h := newHarness(t, &fakeExchange{}, func(d *quote.Deps) { d.Merger = merger })
	h.port.SetPosition("yes", 60, 0.45)
	h.port.SetPosition("no", 40, 0.50)

	h.engine.OnSnapshot("yes")
	h.engine.Wait()

	assert.Equal(t, int32(1), merger.calls.Load())
	assert.InDelta(t, 40, merger.last, 1e-9)
	assert.InDelta(t, 20, h.port.Position("yes").Size, 1e-9)
	assert.Zero(t, h.port.Position("no").Size)
}

func TestEngine_DrainRejectsNewTriggers(t *testing.T) {
	h := newHarness(t, &fakeExchange{}, nil)
	h.engine.OnSnapshot("yes")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.engine.Drain(ctx))

	assert.False(t, h.engine.OnSnapshot("yes"))
	assert.Equal(t, int64(1), h.engine.Evaluations())
}
