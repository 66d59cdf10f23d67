package ports

import (
	"context"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

// Exchange places, cancels and inspects orders. It is implemented by the
// Polymarket CLOB client (live) and by the simulation engine (dry-run); both
// return the same domain.OrderResult shape.
type Exchange interface {
	// PlaceOrder submits a GTC limit order. Auth and balance failures wrap
	// domain.ErrAuth and domain.ErrInsufficientBalance.
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error)

	// CancelOrder cancels a single order by id.
	CancelOrder(ctx context.Context, orderID string) error

	// CancelAsset cancels every open order on asset.
	CancelAsset(ctx context.Context, asset string) error

	// OpenOrders returns the currently resting orders.
	OpenOrders(ctx context.Context) ([]domain.OpenOrder, error)

	// Positions returns the authoritative position per asset.
	Positions(ctx context.Context) (map[string]domain.Position, error)

	// Balance returns the available USDC balance.
	Balance(ctx context.Context) (float64, error)
}

// Merger converts equal YES+NO holdings back into collateral.
type Merger interface {
	// MergePositions merges amount token sets of conditionID.
	MergePositions(ctx context.Context, conditionID string, amount float64, negRisk bool) (domain.MergeResult, error)
}
