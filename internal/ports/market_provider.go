package ports

import (
	"context"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

// ConfigStore devuelve la configuración de los mercados a operar.
type ConfigStore interface {
	LoadMarkets(ctx context.Context) ([]domain.MarketConfig, error)
}
