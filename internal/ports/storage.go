package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

// Journal es el log durable de la actividad del bot. Las escrituras son
// best-effort: un fallo se loguea y nunca detiene el trading.
type Journal interface {
	LogTrade(ctx context.Context, t domain.TradeRecord) error
	LogOrderLifecycle(ctx context.Context, o domain.OrderLifecycle) error
	LogPosition(ctx context.Context, p domain.PositionSnapshot) error
	LogRewardSnapshot(ctx context.Context, r domain.RewardSnapshot) error
	LogAlert(ctx context.Context, a domain.Alert) error
	LogSimulationBalance(ctx context.Context, b domain.SimulationBalance) error

	// Cleanup borra las filas fuera de la ventana de retención.
	Cleanup(ctx context.Context, now time.Time) error
}
