package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

func getMySQLDB(t *testing.T) *sql.DB {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/stockledger?parseTime=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testProductID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
}

func TestMySQLLedger_CreateAndUpdate(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	ledger := NewMySQLLedgerAdapter(db)
	id := testProductID("ledger")
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, ledger.CreateProduct(ctx, domain.Product{ID: id, Location: "A-1", CreatedAt: now, UpdatedAt: now}))
	err := ledger.CreateProduct(ctx, domain.Product{ID: id, CreatedAt: now, UpdatedAt: now})
	assert.True(t, errors.Is(err, domain.ErrProductExists))

	err = ledger.WithinTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		p, err := tx.GetProductForUpdate(ctx, id)
		if err != nil {
			return err
		}
		e := domain.NewStockLogEntry(id, domain.MovementEntry, p.StockQuantity, 10, now)
		e.OrderID = "ord-1"
		if err := tx.UpdateStock(ctx, id, e.NewStock); err != nil {
			return err
		}
		if err := tx.InsertLog(ctx, e); err != nil {
			return err
		}
		return tx.InsertAudit(ctx, domain.AuditEntry{
			Action: domain.AuditActionApplyDelta, Resource: domain.AuditResourceProduct, ResourceID: id,
			Details: map[string]any{"delta": 10}, Success: true, CreatedAt: now,
		})
	})
	require.NoError(t, err)

	p, err := ledger.GetProduct(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 10, p.StockQuantity)
	assert.Equal(t, "A-1", p.Location)

	entries, err := ledger.Entries(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ord-1", entries[0].OrderID)

	err = ledger.WithinTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		prior, err := tx.FindOrderEntry(ctx, id, "ord-1", 10)
		require.NoError(t, err)
		require.NotNil(t, prior)
		assert.Equal(t, entries[0].ID, prior.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestMySQLLedger_RollbackLeavesNoTrace(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	ledger := NewMySQLLedgerAdapter(db)
	id := testProductID("rollback")
	now := time.Now()
	require.NoError(t, ledger.CreateProduct(ctx, domain.Product{ID: id, CreatedAt: now, UpdatedAt: now}))

	boom := errors.New("boom")
	err := ledger.WithinTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		if err := tx.UpdateStock(ctx, id, 99); err != nil {
			return err
		}
		if err := tx.InsertLog(ctx, domain.NewStockLogEntry(id, domain.MovementEntry, 0, 99, now)); err != nil {
			return err
		}
		return boom
	})
	assert.Equal(t, boom, err)

	p, err := ledger.GetProduct(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, p.StockQuantity)
	entries, err := ledger.Entries(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMySQLLedger_DuplicateOrderEntry(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	ledger := NewMySQLLedgerAdapter(db)
	id := testProductID("dup")
	now := time.Now()
	require.NoError(t, ledger.CreateProduct(ctx, domain.Product{ID: id, CreatedAt: now, UpdatedAt: now}))

	insert := func() error {
		return ledger.WithinTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
			e := domain.NewStockLogEntry(id, domain.MovementEntry, 0, 5, now)
			e.OrderID = "ord-dup"
			return tx.InsertLog(ctx, e)
		})
	}
	require.NoError(t, insert())
	err := insert()
	assert.True(t, errors.Is(err, domain.ErrDuplicateEvent))

	// manual movements without an order never collide
	for i := 0; i < 2; i++ {
		err := ledger.WithinTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
			return tx.InsertLog(ctx, domain.NewStockLogEntry(id, domain.MovementAdjustment, 0, 5, now))
		})
		require.NoError(t, err)
	}
}

func TestMySQLLedger_LongestOrderReference(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	ledger := NewMySQLLedgerAdapter(db)
	idem := NewMySQLIdempotencyAdapter(db)
	locks := NewMySQLLockAdapter(db)
	id := testProductID("long")
	now := time.Now()
	require.NoError(t, ledger.CreateProduct(ctx, domain.Product{ID: id, CreatedAt: now, UpdatedAt: now}))

	order := domain.Order{
		Marketplace:        strings.Repeat("m", 32),
		MarketplaceOrderID: uuid.NewString() + strings.Repeat("o", domain.MaxMarketplaceOrderIDLength-36),
	}
	err := ledger.WithinTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		e := domain.NewStockLogEntry(id, domain.MovementEntry, 0, 5, now)
		e.OrderID = order.Reference()
		return tx.InsertLog(ctx, e)
	})
	require.NoError(t, err)

	entries, err := ledger.Entries(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, order.Reference(), entries[0].OrderID)

	for _, key := range []string{
		domain.StockKey(id+strings.Repeat("p", 64-len(id)), order.Reference(), -2147483648),
		domain.OrderStatusKey(order.Marketplace, order.MarketplaceOrderID, domain.OrderStatusCancelled),
	} {
		ok, err := idem.PutIfAbsent(ctx, domain.IdempotencyRecord{Key: key, ExpiresAt: now.Add(time.Hour)})
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := locks.TryInsert(ctx, domain.StockLock{ProductID: "order:" + order.Reference(), LockedBy: "h", ExpiresAt: now.Add(time.Minute)}, now)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, locks.Delete(ctx, "order:"+order.Reference(), "h"))
}

func TestMySQLLedger_HistoryNewestFirst(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	ledger := NewMySQLLedgerAdapter(db)
	id := testProductID("history")
	now := time.Now()
	require.NoError(t, ledger.CreateProduct(ctx, domain.Product{ID: id, CreatedAt: now, UpdatedAt: now}))

	stock := 0
	for i := 1; i <= 3; i++ {
		err := ledger.WithinTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
			e := domain.NewStockLogEntry(id, domain.MovementEntry, stock, i, now)
			stock = e.NewStock
			return tx.InsertLog(ctx, e)
		})
		require.NoError(t, err)
	}

	entries, err := ledger.History(ctx, id, 2, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 3, entries[0].Quantity)
	assert.Equal(t, 2, entries[1].Quantity)
}

func TestMySQLLock_TryInsert(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	locks := NewMySQLLockAdapter(db)
	id := testProductID("lock")
	now := time.Now()

	ok, err := locks.TryInsert(ctx, domain.StockLock{ProductID: id, LockedBy: "h1", ExpiresAt: now.Add(time.Minute)}, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = locks.TryInsert(ctx, domain.StockLock{ProductID: id, LockedBy: "h2", ExpiresAt: now.Add(time.Minute)}, now)
	require.NoError(t, err)
	assert.False(t, ok)

	later := now.Add(2 * time.Minute)
	ok, err = locks.TryInsert(ctx, domain.StockLock{ProductID: id, LockedBy: "h2", ExpiresAt: later.Add(time.Minute)}, later)
	require.NoError(t, err)
	assert.True(t, ok)

	l, err := locks.Get(ctx, id, later)
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "h2", l.LockedBy)

	require.NoError(t, locks.Delete(ctx, id, "h1"))
	l, _ = locks.Get(ctx, id, later)
	assert.NotNil(t, l)
	require.NoError(t, locks.Delete(ctx, id, "h2"))
	l, _ = locks.Get(ctx, id, later)
	assert.Nil(t, l)
}

func TestMySQLIdempotency(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	idem := NewMySQLIdempotencyAdapter(db)
	key := "test:" + uuid.NewString()

	ok, err := idem.PutIfAbsent(ctx, domain.IdempotencyRecord{Key: key, Result: []byte("r"), ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = idem.PutIfAbsent(ctx, domain.IdempotencyRecord{Key: key, Result: []byte("x"), ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := idem.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "r", string(rec.Result))

	n, err := idem.DeleteExpired(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
	rec, err = idem.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestMySQLOrder_SaveAndGet(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	orders := NewMySQLOrderAdapter(db)
	orderID := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)

	o := domain.Order{
		Marketplace: "n11", MarketplaceOrderID: orderID, Status: domain.OrderStatusProcessing,
		Items: []domain.OrderItem{{SKU: "S1", Quantity: 2}}, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, orders.Save(ctx, o))

	first, err := orders.Get(ctx, "n11", orderID)
	require.NoError(t, err)
	assert.Empty(t, first.Booked)

	o.Booked = []domain.BookedLine{{ProductID: "P1", Quantity: 2}}
	o.Status = domain.OrderStatusCancelled
	o.StockDebited = true
	o.StockCredited = true
	require.NoError(t, orders.Save(ctx, o))

	got, err := orders.Get(ctx, "n11", orderID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.OrderStatusCancelled, got.Status)
	assert.True(t, got.StockCredited)
	assert.Equal(t, o.Booked, got.Booked)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "S1", got.Items[0].SKU)

	missing, err := orders.Get(ctx, "n11", "missing-"+orderID)
	require.NoError(t, err)
	assert.Nil(t, missing)
}
