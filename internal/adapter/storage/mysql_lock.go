package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// MySQLLockAdapter keeps advisory locks as rows keyed by product id; the primary
// key makes the insert the atomic test-and-set.
type MySQLLockAdapter struct {
	db *sql.DB
}

func NewMySQLLockAdapter(db *sql.DB) *MySQLLockAdapter {
	return &MySQLLockAdapter{db: db}
}

func (m *MySQLLockAdapter) TryInsert(ctx context.Context, lock domain.StockLock, now time.Time) (bool, error) {
	if _, err := m.db.ExecContext(ctx,
		`DELETE FROM stock_locks WHERE product_id = ? AND expires_at <= ?`, lock.ProductID, now,
	); err != nil {
		return false, errors.Wrap(err, "clear expired lock")
	}

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO stock_locks (product_id, locked_by, expires_at)
		VALUES (?, ?, ?)`, lock.ProductID, lock.LockedBy, lock.ExpiresAt,
	)
	if isDuplicateKey(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "insert lock")
	}
	return true, nil
}

func (m *MySQLLockAdapter) Delete(ctx context.Context, productID, holder string) error {
	_, err := m.db.ExecContext(ctx,
		`DELETE FROM stock_locks WHERE product_id = ? AND locked_by = ?`, productID, holder,
	)
	return errors.Wrap(err, "delete lock")
}

func (m *MySQLLockAdapter) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := m.db.ExecContext(ctx, `DELETE FROM stock_locks WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, errors.Wrap(err, "delete expired locks")
	}
	return rowsAffected(result, "delete expired locks")
}

func (m *MySQLLockAdapter) Get(ctx context.Context, productID string, now time.Time) (*domain.StockLock, error) {
	var l domain.StockLock
	err := m.db.QueryRowContext(ctx, `
		SELECT product_id, locked_by, expires_at FROM stock_locks
		WHERE product_id = ? AND expires_at > ?`, productID, now,
	).Scan(&l.ProductID, &l.LockedBy, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query lock")
	}
	return &l, nil
}
