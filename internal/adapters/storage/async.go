package storage

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/polymaker/internal/domain"
	"github.com/alejandrodnm/polymaker/internal/ports"
)

// DefaultQueueSize es la capacidad del buffer de escrituras pendientes.
const DefaultQueueSize = 1024

const writeTimeout = 5 * time.Second

type write struct {
	kind string
	fn   func(ctx context.Context) error
}

// AsyncJournal envuelve un ports.Journal para que ninguna escritura bloquee el
// camino de trading: las llamadas encolan y devuelven nil. Un único worker
// escribe en orden; los fallos y el desborde del buffer sólo se loguean.
type AsyncJournal struct {
	inner ports.Journal
	queue chan write
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewAsyncJournal arranca el worker. size <= 0 usa DefaultQueueSize.
func NewAsyncJournal(inner ports.Journal, size int) *AsyncJournal {
	if size <= 0 {
		size = DefaultQueueSize
	}
	j := &AsyncJournal{
		inner: inner,
		queue: make(chan write, size),
		done:  make(chan struct{}),
	}
	go j.loop()
	return j
}

func (j *AsyncJournal) loop() {
	defer close(j.done)
	for w := range j.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := w.fn(ctx); err != nil {
			slog.Warn("journal: write failed", "kind", w.kind, "err", err)
		}
		cancel()
	}
}

func (j *AsyncJournal) enqueue(kind string, fn func(ctx context.Context) error) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		slog.Debug("journal: write after close dropped", "kind", kind)
		return nil
	}
	select {
	case j.queue <- write{kind: kind, fn: fn}:
	default:
		slog.Warn("journal: queue full, dropping write", "kind", kind)
	}
	return nil
}

func (j *AsyncJournal) LogTrade(_ context.Context, t domain.TradeRecord) error {
	return j.enqueue("trade", func(ctx context.Context) error { return j.inner.LogTrade(ctx, t) })
}

func (j *AsyncJournal) LogOrderLifecycle(_ context.Context, o domain.OrderLifecycle) error {
	return j.enqueue("order_lifecycle", func(ctx context.Context) error { return j.inner.LogOrderLifecycle(ctx, o) })
}

func (j *AsyncJournal) LogPosition(_ context.Context, p domain.PositionSnapshot) error {
	return j.enqueue("position", func(ctx context.Context) error { return j.inner.LogPosition(ctx, p) })
}

func (j *AsyncJournal) LogRewardSnapshot(_ context.Context, r domain.RewardSnapshot) error {
	return j.enqueue("reward", func(ctx context.Context) error { return j.inner.LogRewardSnapshot(ctx, r) })
}

func (j *AsyncJournal) LogAlert(_ context.Context, a domain.Alert) error {
	return j.enqueue("alert", func(ctx context.Context) error { return j.inner.LogAlert(ctx, a) })
}

func (j *AsyncJournal) LogSimulationBalance(_ context.Context, b domain.SimulationBalance) error {
	return j.enqueue("simulation_balance", func(ctx context.Context) error { return j.inner.LogSimulationBalance(ctx, b) })
}

func (j *AsyncJournal) Cleanup(_ context.Context, now time.Time) error {
	return j.enqueue("cleanup", func(ctx context.Context) error { return j.inner.Cleanup(ctx, now) })
}

// Close deja de aceptar escrituras, vacía la cola y cierra el journal interno
// si es un io.Closer. Es idempotente.
func (j *AsyncJournal) Close() error {
	var err error
	j.once.Do(func() {
		j.mu.Lock()
		j.closed = true
		close(j.queue)
		j.mu.Unlock()
		<-j.done

		if c, ok := j.inner.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}
