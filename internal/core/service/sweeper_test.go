package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

func TestSweeper_RunOnce(t *testing.T) {
	locks, durable := newMockLocks(), newMockIdem()
	lm := NewLockManager(locks)
	idem := NewIdempotencyStore(newMockIdem(), durable)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	locks.rows["P"] = domain.StockLock{ProductID: "P", LockedBy: "dead", ExpiresAt: past}
	locks.rows["Q"] = domain.StockLock{ProductID: "Q", LockedBy: "alive", ExpiresAt: time.Now().Add(time.Hour)}
	durable.records["old"] = domain.IdempotencyRecord{Key: "old", ExpiresAt: past}
	durable.records["new"] = domain.IdempotencyRecord{Key: "new", ExpiresAt: time.Now().Add(time.Hour)}

	sw := NewSweeper(lm, idem)
	nLocks, nRecords := sw.RunOnce(ctx)
	assert.Equal(t, int64(1), nLocks)
	assert.Equal(t, int64(1), nRecords)
	assert.Equal(t, 1, locks.held())
	assert.True(t, durable.has("new"))
}

func TestSweeper_StartStop(t *testing.T) {
	locks := newMockLocks()
	sw := NewSweeper(NewLockManager(locks), NewIdempotencyStore(newMockIdem(), newMockIdem()))

	locks.rows["P"] = domain.StockLock{ProductID: "P", LockedBy: "dead", ExpiresAt: time.Now().Add(-time.Second)}

	sw.Start(time.Millisecond)
	sw.Start(time.Millisecond)

	require.Eventually(t, func() bool { return locks.held() == 0 }, time.Second, time.Millisecond)

	sw.Stop()
	sw.Stop()
}
