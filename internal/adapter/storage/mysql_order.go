package storage

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type MySQLOrderAdapter struct {
	db *sql.DB
}

func NewMySQLOrderAdapter(db *sql.DB) *MySQLOrderAdapter {
	return &MySQLOrderAdapter{db: db}
}

func (m *MySQLOrderAdapter) Get(ctx context.Context, marketplace, marketplaceOrderID string) (*domain.Order, error) {
	var (
		o         domain.Order
		status    string
		orderDate sql.NullTime
		items     []byte
		booked    []byte
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT marketplace, marketplace_order_id, status, order_date, items,
		       stock_debited, stock_credited, booked, created_at, updated_at
		FROM orders WHERE marketplace = ? AND marketplace_order_id = ?`,
		marketplace, marketplaceOrderID,
	).Scan(&o.Marketplace, &o.MarketplaceOrderID, &status, &orderDate, &items,
		&o.StockDebited, &o.StockCredited, &booked, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query order")
	}

	o.Status = domain.OrderStatus(status)
	o.OrderDate = orderDate.Time
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, errors.Wrap(err, "decode order items")
	}
	if len(booked) > 0 {
		if err := json.Unmarshal(booked, &o.Booked); err != nil {
			return nil, errors.Wrap(err, "decode booked lines")
		}
	}
	return &o, nil
}

func (m *MySQLOrderAdapter) Save(ctx context.Context, o domain.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return errors.Wrap(err, "encode order items")
	}
	if o.Items == nil {
		items = []byte("[]")
	}

	var booked any
	if len(o.Booked) > 0 {
		raw, err := json.Marshal(o.Booked)
		if err != nil {
			return errors.Wrap(err, "encode booked lines")
		}
		booked = string(raw)
	}

	orderDate := sql.NullTime{Time: o.OrderDate, Valid: !o.OrderDate.IsZero()}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO orders (marketplace, marketplace_order_id, status, order_date, items,
		                    stock_debited, stock_credited, booked, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			order_date = VALUES(order_date),
			items = VALUES(items),
			stock_debited = VALUES(stock_debited),
			stock_credited = VALUES(stock_credited),
			booked = VALUES(booked),
			updated_at = VALUES(updated_at)`,
		o.Marketplace, o.MarketplaceOrderID, string(o.Status), orderDate, items,
		o.StockDebited, o.StockCredited, booked, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "upsert order")
	}
	return nil
}
