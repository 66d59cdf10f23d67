package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polymaker/internal/book"
	"github.com/alejandrodnm/polymaker/internal/domain"
	"github.com/alejandrodnm/polymaker/internal/inflight"
	"github.com/alejandrodnm/polymaker/internal/markets"
	"github.com/alejandrodnm/polymaker/internal/portfolio"
	"github.com/alejandrodnm/polymaker/internal/quote"
	"github.com/alejandrodnm/polymaker/internal/stream"
)

// recorder anota el orden de las llamadas entre componentes.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeStream struct {
	name     string
	rec      *recorder
	mu       sync.Mutex
	runs     int
	failOnce error
	restarts int
}

func (f *fakeStream) Run(ctx context.Context) error {
	f.mu.Lock()
	f.runs++
	fail := f.failOnce
	f.failOnce = nil
	f.mu.Unlock()
	if fail != nil {
		return fail
	}
	<-ctx.Done()
	f.rec.add("%s stopped", f.name)
	return ctx.Err()
}

func (f *fakeStream) Restart() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
}

func (f *fakeStream) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

type fakeQuoter struct {
	rec      *recorder
	mu       sync.Mutex
	triggers []string
}

func (q *fakeQuoter) TriggerMarket(cond string, reason quote.Reason) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.triggers = append(q.triggers, cond+":"+string(reason))
	return true
}

func (q *fakeQuoter) Drain(context.Context) error {
	if q.rec != nil {
		q.rec.add("drain")
	}
	return nil
}

type fakeExchange struct {
	positions map[string]domain.Position
	orders    []domain.OpenOrder
	err       error
	cancelled []string
}

func (x *fakeExchange) PlaceOrder(context.Context, domain.OrderRequest) (domain.OrderResult, error) {
	return domain.OrderResult{}, nil
}
func (x *fakeExchange) CancelOrder(context.Context, string) error { return nil }
func (x *fakeExchange) CancelAsset(_ context.Context, asset string) error {
	x.cancelled = append(x.cancelled, asset)
	return nil
}
func (x *fakeExchange) OpenOrders(context.Context) ([]domain.OpenOrder, error) {
	return x.orders, x.err
}
func (x *fakeExchange) Positions(context.Context) (map[string]domain.Position, error) {
	return x.positions, x.err
}
func (x *fakeExchange) Balance(context.Context) (float64, error) { return 0, x.err }

type fakeFetcher struct{ asked [][]string }

func (f *fakeFetcher) FetchOrderBooks(_ context.Context, assets []string) (map[string]domain.BookSnapshot, error) {
	f.asked = append(f.asked, assets)
	out := make(map[string]domain.BookSnapshot, len(assets))
	for _, a := range assets {
		out[a] = domain.BookSnapshot{
			Bids: []domain.Level{{Price: 0.48, Size: 100}},
			Asks: []domain.Level{{Price: 0.52, Size: 100}},
		}
	}
	return out, nil
}

type stubStore struct {
	mu      sync.Mutex
	markets []domain.MarketConfig
	err     error
}

func (s *stubStore) LoadMarkets(context.Context) ([]domain.MarketConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markets, s.err
}

type memJournal struct {
	mu        sync.Mutex
	rewards   []domain.RewardSnapshot
	positions []domain.PositionSnapshot
	alerts    []domain.Alert
	cleanups  int
}

func (j *memJournal) LogTrade(context.Context, domain.TradeRecord) error { return nil }
func (j *memJournal) LogOrderLifecycle(context.Context, domain.OrderLifecycle) error {
	return nil
}
func (j *memJournal) LogPosition(_ context.Context, p domain.PositionSnapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.positions = append(j.positions, p)
	return nil
}
func (j *memJournal) LogRewardSnapshot(_ context.Context, r domain.RewardSnapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rewards = append(j.rewards, r)
	return nil
}
func (j *memJournal) LogAlert(_ context.Context, a domain.Alert) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.alerts = append(j.alerts, a)
	return nil
}
func (j *memJournal) LogSimulationBalance(context.Context, domain.SimulationBalance) error {
	return nil
}
func (j *memJournal) Cleanup(context.Context, time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cleanups++
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

type fakeSim struct {
	calls int
	rec   *recorder
}

func (f *fakeSim) Snapshot(context.Context, map[string]float64) domain.SimulationBalance {
	f.calls++
	if f.rec != nil {
		f.rec.add("sim snapshot")
	}
	return domain.SimulationBalance{USDC: 100}
}

func market(cond, t1, t2 string) domain.MarketConfig {
	return domain.MarketConfig{
		ConditionID: cond, Token1: t1, Token2: t2, Answer1: "Yes", Answer2: "No",
		TickSize: 0.01, MinSize: 50, MaxSpread: 5, TradeSize: 100, MaxSize: 500,
		DailyRewardRate: 24,
	}
}

type fixture struct {
	s       *Scheduler
	store   *stubStore
	x       *fakeExchange
	q       *fakeQuoter
	j       *memJournal
	fetch   *fakeFetcher
	market  *fakeStream
	port    *portfolio.Portfolio
	books   *book.Mirror
	tracker *inflight.Tracker
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rec := &recorder{}
	f := &fixture{
		store:  &stubStore{markets: []domain.MarketConfig{market("0xa", "a1", "a2")}},
		x:      &fakeExchange{},
		q:      &fakeQuoter{rec: rec},
		j:      &memJournal{},
		fetch:  &fakeFetcher{},
		market: &fakeStream{name: "market", rec: rec},
		port:   portfolio.New(),
		books:  book.NewMirror(),
		now:    time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	f.tracker = inflight.NewTracker(func() time.Time { return f.now })
	f.s = New(Config{}, Deps{
		Market:      f.market,
		Quotes:      f.q,
		Exchange:    f.x,
		BookFetcher: f.fetch,
		Markets:     markets.NewRegistry(f.store),
		Books:       f.books,
		Portfolio:   f.port,
		InFlight:    f.tracker,
		Journal:     f.j,
	})
	f.s.now = func() time.Time { return f.now }
	return f
}

func TestBootstrap(t *testing.T) {
	f := newFixture(t)
	f.x.positions = map[string]domain.Position{"a1": {Size: 20, AvgPrice: 0.4}}

	require.NoError(t, f.s.Bootstrap(context.Background()))

	assert.Equal(t, 1, f.j.cleanups)
	assert.InDelta(t, 20, f.port.Position("a1").Size, 1e-9)
	require.Len(t, f.fetch.asked, 1)
	assert.Equal(t, []string{"a1", "a2"}, f.fetch.asked[0])
	assert.True(t, f.books.Has("a1"))
	assert.Equal(t, []string{"0xa:snapshot"}, f.q.triggers)
}

func TestBootstrap_InvalidConfigIsFatal(t *testing.T) {
	f := newFixture(t)
	bad := market("0xa", "a1", "a1")
	f.store.markets = []domain.MarketConfig{bad}

	err := f.s.Bootstrap(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestRefreshPositions(t *testing.T) {
	f := newFixture(t)
	f.x.positions = map[string]domain.Position{"a1": {Size: 0.5, AvgPrice: 0.4}, "a2": {Size: 30, AvgPrice: 0.5}}
	f.x.orders = []domain.OpenOrder{{ID: "o1", Asset: "a2", Side: domain.Sell, Price: 0.55, Size: 30}}

	f.s.RefreshPositions(context.Background())

	assert.Zero(t, f.port.Position("a1").Size, "polvo bajo 1 share se trata como 0")
	assert.InDelta(t, 30, f.port.Position("a2").Size, 1e-9)
	r, ok := f.port.Resting("a2", domain.Sell)
	require.True(t, ok)
	assert.InDelta(t, 0.55, r.Price, 1e-9)
}

func TestRefreshPositions_KeepsInFlightFills(t *testing.T) {
	f := newFixture(t)
	f.tracker.Add(inflight.Key{Asset: "a1", Side: domain.Buy}, "t1")
	f.port.ApplyFill("a1", domain.Buy, 100, 0.5)
	f.port.ApplyFill("a2", domain.Buy, 20, 0.5)

	// el exchange aún no refleja el match
	f.s.RefreshPositions(context.Background())

	assert.InDelta(t, 100, f.port.Position("a1").Size, 1e-9)
	assert.Zero(t, f.port.Position("a2").Size, "sin trades en vuelo manda el exchange")

	// una vez confirmado, el refresco vuelve a ser autoritativo
	f.tracker.Remove(inflight.Key{Asset: "a1", Side: domain.Buy}, "t1")
	f.x.positions = map[string]domain.Position{"a1": {Size: 100, AvgPrice: 0.5}}
	f.s.RefreshPositions(context.Background())
	assert.InDelta(t, 100, f.port.Position("a1").Size, 1e-9)
}

func TestRefreshPositions_AuthErrorAlerts(t *testing.T) {
	f := newFixture(t)
	f.port.ApplyFill("a1", domain.Buy, 10, 0.5)
	f.x.err = fmt.Errorf("polymarket: %w", domain.ErrAuth)

	f.s.RefreshPositions(context.Background())

	assert.InDelta(t, 10, f.port.Position("a1").Size, 1e-9, "el estado local se conserva")
	require.NotEmpty(t, f.j.alerts)
	assert.Equal(t, domain.AlertCritical, f.j.alerts[0].Level)
}

func TestSweepStale(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.s.Bootstrap(context.Background()))
	f.q.triggers = nil

	key := inflight.Key{Asset: "a1", Side: domain.Buy}
	f.tracker.Add(key, "t1")

	f.now = f.now.Add(10 * time.Second)
	f.s.SweepStale()
	assert.True(t, f.tracker.Busy(key))
	assert.Empty(t, f.q.triggers)

	f.now = f.now.Add(6 * time.Second)
	f.s.SweepStale()
	assert.False(t, f.tracker.Busy(key))
	assert.Equal(t, []string{"0xa:refresh"}, f.q.triggers)
}

func TestRefreshConfig_SubscriptionChange(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.s.Bootstrap(context.Background()))
	f.q.triggers = nil
	f.port.UpsertOrder(domain.OpenOrder{ID: "o1", Asset: "a1", Side: domain.Buy, Price: 0.48, Size: 100})

	f.store.mu.Lock()
	f.store.markets = []domain.MarketConfig{market("0xb", "b1", "b2")}
	f.store.mu.Unlock()

	f.s.RefreshConfig(context.Background())

	assert.ElementsMatch(t, []string{"a1", "a2"}, f.x.cancelled)
	_, ok := f.port.Resting("a1", domain.Buy)
	assert.False(t, ok)
	require.Len(t, f.fetch.asked, 2)
	assert.Equal(t, []string{"b1", "b2"}, f.fetch.asked[1])
	assert.Equal(t, 1, f.market.restarts)
	assert.Equal(t, []string{"0xb:snapshot"}, f.q.triggers)
}

func TestRefreshConfig_Unchanged(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.s.Bootstrap(context.Background()))

	f.s.RefreshConfig(context.Background())
	assert.Zero(t, f.market.restarts)
	assert.Empty(t, f.x.cancelled)
}

func TestRefreshConfig_ErrorKeepsPrevious(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.s.Bootstrap(context.Background()))

	f.store.mu.Lock()
	f.store.err = errors.New("redis down")
	f.store.mu.Unlock()

	f.s.RefreshConfig(context.Background())
	assert.Equal(t, []string{"a1", "a2"}, f.s.deps.Markets.Load().Assets())
	assert.Zero(t, f.market.restarts)
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t)
	sim := &fakeSim{}
	f.s.deps.Sim = sim
	require.NoError(t, f.s.Bootstrap(context.Background()))

	f.port.UpsertOrder(domain.OpenOrder{ID: "o1", Asset: "a1", Side: domain.Buy, Price: 0.49, Size: 100})
	f.port.ApplyFill("a2", domain.Buy, 40, 0.5)

	f.s.Snapshot(context.Background())

	require.Len(t, f.j.rewards, 1)
	r := f.j.rewards[0]
	assert.Equal(t, "a1", r.Asset)
	assert.InDelta(t, 0.50, r.Mid, 1e-9)
	// s=0.01, v=0.05: S=0.64, Q=64, 64/1064 * 24/24
	assert.InDelta(t, 64.0/1064.0, r.HourlyReward, 1e-9)

	require.Len(t, f.j.positions, 1)
	assert.Equal(t, "a2", f.j.positions[0].Asset)
	assert.InDelta(t, 0.50, f.j.positions[0].Mark, 1e-9)
	assert.Equal(t, 1, sim.calls)
}

func TestRun_ShutdownOrder(t *testing.T) {
	f := newFixture(t)
	rec := f.q.rec
	user := &fakeStream{name: "user", rec: rec}
	f.s.deps.User = user
	f.s.deps.Closer = closerFunc(func() error { rec.add("journal closed"); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.s.Run(ctx) }()

	require.Eventually(t, func() bool { return f.market.runCount() == 1 && user.runCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	events := rec.list()
	require.Len(t, events, 4)
	assert.Equal(t, "drain", events[0])
	assert.ElementsMatch(t, []string{"market stopped", "user stopped"}, events[1:3])
	assert.Equal(t, "journal closed", events[3])
}

func TestRun_FinalSimulationSnapshotBeforeJournalCloses(t *testing.T) {
	f := newFixture(t)
	rec := f.q.rec
	f.s.deps.Sim = &fakeSim{rec: rec}
	f.s.deps.Closer = closerFunc(func() error { rec.add("journal closed"); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.s.Run(ctx) }()

	require.Eventually(t, func() bool { return f.market.runCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	events := rec.list()
	require.Len(t, events, 4)
	assert.Equal(t, []string{"drain", "market stopped", "sim snapshot", "journal closed"}, events)
}

func TestRun_RestartsAfterComponentFailure(t *testing.T) {
	f := newFixture(t)
	f.s.now = time.Now
	f.s.cfg.Backoff = stream.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, StableAfter: time.Minute}
	f.market.failOnce = fmt.Errorf("%w after 5 attempts", stream.ErrRetriesExhausted)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.s.Run(ctx) }()

	require.Eventually(t, func() bool { return f.market.runCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	f.j.mu.Lock()
	defer f.j.mu.Unlock()
	require.NotEmpty(t, f.j.alerts)
	assert.Equal(t, "component_restart", f.j.alerts[0].Kind)
}
