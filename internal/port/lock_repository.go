package port

import (
	"context"
	"time"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type LockRepository interface {
	// TryInsert creates the lock row, returns false if a live row already exists.
	// Rows expired at now are replaced.
	TryInsert(ctx context.Context, lock domain.StockLock, now time.Time) (bool, error)

	// Delete removes the row only if it is held by holder
	Delete(ctx context.Context, productID, holder string) error

	// DeleteExpired removes rows whose expiry is not after now
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// Get returns the live lock row, nil if none
	Get(ctx context.Context, productID string, now time.Time) (*domain.StockLock, error)
}
