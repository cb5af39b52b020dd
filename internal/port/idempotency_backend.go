package port

import (
	"context"
	"time"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type IdempotencyBackend interface {
	// Get returns the live record for key, nil if absent or expired
	Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error)

	// PutIfAbsent stores the record, returns false if a live record already exists
	PutIfAbsent(ctx context.Context, record domain.IdempotencyRecord) (bool, error)
}

// DurableIdempotencyBackend is the ground truth backend.
type DurableIdempotencyBackend interface {
	IdempotencyBackend

	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
