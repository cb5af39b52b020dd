package port

import (
	"context"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type LedgerRepository interface {
	// WithinTx runs fn in one database transaction. A non-nil error from fn rolls it back.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error

	// GetProduct returns nil when the product does not exist
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)

	// CreateProduct inserts a product with zero stock, domain.ErrProductExists on conflict
	CreateProduct(ctx context.Context, product domain.Product) error

	// History returns ledger entries newest first
	History(ctx context.Context, productID string, limit, offset int) ([]domain.StockLogEntry, error)

	// Entries returns the full ledger of a product in commit order
	Entries(ctx context.Context, productID string) ([]domain.StockLogEntry, error)
}

// LedgerTx is the set of writes allowed inside a stock transaction.
type LedgerTx interface {
	// GetProductForUpdate reads and row-locks the product, nil when missing
	GetProductForUpdate(ctx context.Context, productID string) (*domain.Product, error)

	UpdateStock(ctx context.Context, productID string, quantity int) error

	InsertLog(ctx context.Context, entry domain.StockLogEntry) error

	// FindOrderEntry looks up an entry by its natural key (product, order, delta)
	FindOrderEntry(ctx context.Context, productID, orderID string, delta int) (*domain.StockLogEntry, error)

	InsertAudit(ctx context.Context, entry domain.AuditEntry) error
}
