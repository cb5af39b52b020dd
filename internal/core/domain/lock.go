package domain

import "time"

// StockLock is the advisory lock row for one resource (normally a product id).
type StockLock struct {
	ProductID string
	LockedBy  string
	ExpiresAt time.Time
}

func (l StockLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

type LockStatus struct {
	ProductID   string
	IsLocked    bool
	LockedBy    string
	LockedUntil *time.Time
}
