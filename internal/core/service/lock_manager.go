package service

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/logger"
	"github.com/rl1809/stock-ledger/internal/metrics"
	"github.com/rl1809/stock-ledger/internal/port"
)

// LockManager grants short-lived exclusive locks keyed by product id.
// Locks are not reentrant and Acquire never retries on its own.
type LockManager struct {
	repo port.LockRepository
	now  func() time.Time
}

func NewLockManager(repo port.LockRepository) *LockManager {
	return &LockManager{repo: repo, now: time.Now}
}

// NewHolderToken returns an opaque holder token.
func NewHolderToken(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + ":" + uuid.NewString()
}

// Acquire returns false when another holder owns a live lock on productID.
func (m *LockManager) Acquire(ctx context.Context, productID, holder string, ttl time.Duration) (bool, error) {
	if productID == "" || holder == "" {
		return false, errors.New("lock: product id and holder are required")
	}
	if ttl <= 0 {
		return false, errors.Errorf("lock: ttl must be positive, got %s", ttl)
	}

	now := m.now()
	ok, err := m.repo.TryInsert(ctx, domain.StockLock{
		ProductID: productID,
		LockedBy:  holder,
		ExpiresAt: now.Add(ttl),
	}, now)
	if err != nil {
		metrics.LockAcquisitions.WithLabelValues("error").Inc()
		return false, errors.Wrapf(err, "acquire lock %s", productID)
	}
	if !ok {
		metrics.LockAcquisitions.WithLabelValues("contended").Inc()
		return false, nil
	}
	metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
	return true, nil
}

func (m *LockManager) Release(ctx context.Context, productID, holder string) error {
	if err := m.repo.Delete(ctx, productID, holder); err != nil {
		return errors.Wrapf(err, "release lock %s", productID)
	}
	return nil
}

// SweepExpired deletes lock rows past their expiry.
func (m *LockManager) SweepExpired(ctx context.Context) (int64, error) {
	n, err := m.repo.DeleteExpired(ctx, m.now())
	if err != nil {
		return 0, errors.Wrap(err, "sweep expired locks")
	}
	return n, nil
}

func (m *LockManager) Status(ctx context.Context, productID string) (domain.LockStatus, error) {
	st := domain.LockStatus{ProductID: productID}
	lock, err := m.repo.Get(ctx, productID, m.now())
	if err != nil {
		return st, errors.Wrapf(err, "lock status %s", productID)
	}
	if lock != nil {
		until := lock.ExpiresAt
		st.IsLocked = true
		st.LockedBy = lock.LockedBy
		st.LockedUntil = &until
	}
	return st, nil
}

const maxBackoffShift = 6

// acquireWithBackoff makes up to attempts tries with exponential backoff and jitter,
// then reports domain.ErrLockContention.
func acquireWithBackoff(ctx context.Context, m *LockManager, key, holder string, ttl time.Duration, attempts int, base time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		ok, err := m.Acquire(ctx, key, holder, ttl)
		if err != nil {
			return domain.Persistence(err)
		}
		if ok {
			return nil
		}
		if i == attempts-1 {
			break
		}

		wait := base << min(i, maxBackoffShift)
		if base > 0 {
			wait += rand.N(base)
		}
		logger.Ctx(ctx).Debug().Str("key", key).Int("attempt", i+1).Dur("wait", wait).Msg("lock busy, backing off")

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for lock")
		case <-time.After(wait):
		}
	}
	return &domain.StockError{Kind: domain.ErrLockContention, ProductID: key}
}

// releaseDetached releases a lock even when ctx is already cancelled.
func releaseDetached(ctx context.Context, m *LockManager, key, holder string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.Release(rctx, key, holder); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("key", key).Str("holder", holder).Msg("lock release failed, sweeper will reclaim it")
	}
}
