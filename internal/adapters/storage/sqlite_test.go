package storage_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polymaker/internal/adapters/storage"
	"github.com/alejandrodnm/polymaker/internal/domain"
)

func openTestDB(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:", storage.Retention{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteStorage_LogTradeIsIdempotentPerStatus(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tr := domain.TradeRecord{
		ID: "t1", Asset: "tok", Side: domain.Buy, Price: 0.5, Size: 10,
		Status: domain.TradeConfirmed, Simulated: true, At: time.Now(),
	}
	require.NoError(t, db.LogTrade(ctx, tr))
	require.NoError(t, db.LogTrade(ctx, tr))

	tr.Status = domain.TradeMined
	require.NoError(t, db.LogTrade(ctx, tr))

	n, err := db.SimulatedTrades(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSQLiteStorage_SimulationHistory(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	runID, err := db.LatestRunID(ctx)
	require.NoError(t, err)
	assert.Empty(t, runID)

	for i, usdc := range []float64{10_000, 9_950, 10_020} {
		require.NoError(t, db.LogSimulationBalance(ctx, domain.SimulationBalance{
			RunID: "old", USDC: usdc, At: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, db.LogSimulationBalance(ctx, domain.SimulationBalance{
		RunID: "new", USDC: 10_000, PositionValue: 12.5, At: base.Add(time.Hour),
	}))

	runID, err = db.LatestRunID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", runID)

	hist, err := db.SimulationHistory(ctx, "old")
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.InDelta(t, 9_950.0, hist[1].USDC, 1e-9)
	assert.True(t, hist[2].At.Equal(base.Add(2*time.Minute)))
}

func TestSQLiteStorage_Cleanup(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	old := now.Add(-40 * 24 * time.Hour)
	require.NoError(t, db.LogTrade(ctx, domain.TradeRecord{ID: "old", Asset: "a", Side: domain.Buy, Status: domain.TradeConfirmed, Simulated: true, At: old}))
	require.NoError(t, db.LogTrade(ctx, domain.TradeRecord{ID: "new", Asset: "a", Side: domain.Buy, Status: domain.TradeConfirmed, Simulated: true, At: now}))
	require.NoError(t, db.LogAlert(ctx, domain.Alert{Level: domain.AlertWarning, Kind: "x", Message: "m", At: old}))
	require.NoError(t, db.LogRewardSnapshot(ctx, domain.RewardSnapshot{ConditionID: "c", Asset: "a", At: now.Add(-8 * 24 * time.Hour)}))
	require.NoError(t, db.LogPosition(ctx, domain.PositionSnapshot{Asset: "a", At: now}))
	require.NoError(t, db.LogOrderLifecycle(ctx, domain.OrderLifecycle{OrderID: "o1", Asset: "a", Side: domain.Buy, Status: domain.StatusOpen, At: old}))
	require.NoError(t, db.LogOrderLifecycle(ctx, domain.OrderLifecycle{OrderID: "o2", Asset: "a", Side: domain.Buy, Status: domain.StatusCancelled, At: old}))

	require.NoError(t, db.Cleanup(ctx, now))

	n, err := db.SimulatedTrades(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteStorage_OrderLifecycleUpsert(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	at := time.Now()

	o := domain.OrderLifecycle{OrderID: "SIM-000001", Asset: "a", Side: domain.Buy, Price: 0.5, Size: 100, Status: domain.StatusOpen, At: at}
	require.NoError(t, db.LogOrderLifecycle(ctx, o))
	o.Filled, o.Status = 40, domain.StatusPartiallyFilled
	require.NoError(t, db.LogOrderLifecycle(ctx, o))
	o.Filled, o.Status = 0, domain.StatusCancelled
	assert.NoError(t, db.LogOrderLifecycle(ctx, o))
}

type recordingJournal struct {
	mu     sync.Mutex
	kinds  []string
	fail   bool
	closed bool
	block  chan struct{}
}

func (r *recordingJournal) record(kind string) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	if r.fail {
		return errors.New("disk full")
	}
	return nil
}

func (r *recordingJournal) LogTrade(context.Context, domain.TradeRecord) error {
	return r.record("trade")
}
func (r *recordingJournal) LogOrderLifecycle(context.Context, domain.OrderLifecycle) error {
	return r.record("order")
}
func (r *recordingJournal) LogPosition(context.Context, domain.PositionSnapshot) error {
	return r.record("position")
}
func (r *recordingJournal) LogRewardSnapshot(context.Context, domain.RewardSnapshot) error {
	return r.record("reward")
}
func (r *recordingJournal) LogAlert(context.Context, domain.Alert) error { return r.record("alert") }
func (r *recordingJournal) LogSimulationBalance(context.Context, domain.SimulationBalance) error {
	return r.record("balance")
}
func (r *recordingJournal) Cleanup(context.Context, time.Time) error { return r.record("cleanup") }
func (r *recordingJournal) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestAsyncJournal_WritesInOrderAndDrainsOnClose(t *testing.T) {
	inner := &recordingJournal{}
	j := storage.NewAsyncJournal(inner, 16)
	ctx := context.Background()

	assert.NoError(t, j.LogTrade(ctx, domain.TradeRecord{}))
	assert.NoError(t, j.LogAlert(ctx, domain.Alert{}))
	assert.NoError(t, j.LogSimulationBalance(ctx, domain.SimulationBalance{}))
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	assert.Equal(t, []string{"trade", "alert", "balance"}, inner.kinds)
	assert.True(t, inner.closed)
	assert.NoError(t, j.LogTrade(ctx, domain.TradeRecord{}), "writes after close are dropped silently")
}

func TestAsyncJournal_FailuresAreNotPropagated(t *testing.T) {
	inner := &recordingJournal{fail: true}
	j := storage.NewAsyncJournal(inner, 4)

	assert.NoError(t, j.LogPosition(context.Background(), domain.PositionSnapshot{}))
	require.NoError(t, j.Close())
	assert.Equal(t, []string{"position"}, inner.kinds)
}

func TestAsyncJournal_DropsWhenFull(t *testing.T) {
	inner := &recordingJournal{block: make(chan struct{})}
	j := storage.NewAsyncJournal(inner, 1)
	ctx := context.Background()

	// el worker queda bloqueado en la primera escritura; el resto desborda
	require.NoError(t, j.LogTrade(ctx, domain.TradeRecord{}))
	for i := 0; i < 5; i++ {
		assert.NoError(t, j.LogAlert(ctx, domain.Alert{}))
	}
	close(inner.block)
	require.NoError(t, j.Close())

	assert.LessOrEqual(t, len(inner.kinds), 3)
	assert.Equal(t, "trade", inner.kinds[0])
}
