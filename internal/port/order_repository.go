package port

import (
	"context"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type OrderRepository interface {
	// Get returns nil when the order was never seen
	Get(ctx context.Context, marketplace, marketplaceOrderID string) (*domain.Order, error)

	// Save upserts the order by (marketplace, marketplace order id)
	Save(ctx context.Context, order domain.Order) error
}

type ProductMapper interface {
	// Resolve maps a marketplace sku to an internal product id
	Resolve(ctx context.Context, marketplace, sku string) (string, bool, error)
}
