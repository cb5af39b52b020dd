package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds a stock mutation can end with. Callers branch on them with errors.Is.
var (
	ErrLockContention    = errors.New("lock contention")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrDuplicateEvent    = errors.New("duplicate event")
	ErrProductNotFound   = errors.New("product not found")
	ErrProductExists     = errors.New("product already exists")
	ErrPersistence       = errors.New("persistence failure")
	ErrInvalidDelta      = errors.New("invalid delta")
)

// StockError describes a rejected mutation on one product.
type StockError struct {
	Kind      error
	ProductID string
	Current   int
	Delta     int
}

func (e *StockError) Error() string {
	switch e.Kind {
	case ErrInsufficientStock:
		return fmt.Sprintf("%s: product %s has %d, delta %d", e.Kind, e.ProductID, e.Current, e.Delta)
	default:
		return fmt.Sprintf("%s: product %s", e.Kind, e.ProductID)
	}
}

func (e *StockError) Unwrap() error { return e.Kind }

type persistenceError struct {
	cause error
}

func (e *persistenceError) Error() string        { return "persistence failure: " + e.cause.Error() }
func (e *persistenceError) Unwrap() error        { return e.cause }
func (e *persistenceError) Is(target error) bool { return target == ErrPersistence }

// Persistence marks err as a storage failure while keeping the cause reachable.
func Persistence(err error) error {
	if err == nil || errors.Is(err, ErrPersistence) {
		return err
	}
	return &persistenceError{cause: err}
}

// IsKnown reports whether err already carries one of the taxonomy kinds.
func IsKnown(err error) bool {
	for _, kind := range []error{
		ErrLockContention, ErrInsufficientStock, ErrDuplicateEvent,
		ErrProductNotFound, ErrProductExists, ErrPersistence, ErrInvalidDelta,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// ErrorCode is the stable code written to the audit trail.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLockContention):
		return "LOCK_CONTENTION"
	case errors.Is(err, ErrInsufficientStock):
		return "INSUFFICIENT_STOCK"
	case errors.Is(err, ErrDuplicateEvent):
		return "DUPLICATE_EVENT"
	case errors.Is(err, ErrProductNotFound):
		return "PRODUCT_NOT_FOUND"
	case errors.Is(err, ErrProductExists):
		return "PRODUCT_EXISTS"
	case errors.Is(err, ErrInvalidDelta):
		return "INVALID_DELTA"
	default:
		return "PERSISTENCE_FAILURE"
	}
}
