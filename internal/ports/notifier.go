package ports

import (
	"context"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

// Notifier presenta alertas operacionales al operador.
type Notifier interface {
	Alert(ctx context.Context, a domain.Alert)
}
