package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// MySQLIdempotencyAdapter is the durable idempotency backend.
type MySQLIdempotencyAdapter struct {
	db  *sql.DB
	now func() time.Time
}

func NewMySQLIdempotencyAdapter(db *sql.DB) *MySQLIdempotencyAdapter {
	return &MySQLIdempotencyAdapter{db: db, now: time.Now}
}

func (m *MySQLIdempotencyAdapter) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	rec := domain.IdempotencyRecord{Key: key}
	err := m.db.QueryRowContext(ctx, `
		SELECT result, expires_at FROM idempotency
		WHERE idem_key = ? AND expires_at > ?`, key, m.now(),
	).Scan(&rec.Result, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query idempotency record")
	}
	return &rec, nil
}

func (m *MySQLIdempotencyAdapter) PutIfAbsent(ctx context.Context, rec domain.IdempotencyRecord) (bool, error) {
	now := m.now()
	if _, err := m.db.ExecContext(ctx,
		`DELETE FROM idempotency WHERE idem_key = ? AND expires_at <= ?`, rec.Key, now,
	); err != nil {
		return false, errors.Wrap(err, "clear expired idempotency record")
	}

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO idempotency (idem_key, result, expires_at, created_at)
		VALUES (?, ?, ?, ?)`, rec.Key, rec.Result, rec.ExpiresAt, now,
	)
	if isDuplicateKey(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "insert idempotency record")
	}
	return true, nil
}

func (m *MySQLIdempotencyAdapter) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := m.db.ExecContext(ctx, `DELETE FROM idempotency WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, errors.Wrap(err, "delete expired idempotency records")
	}
	return rowsAffected(result, "delete expired idempotency records")
}
