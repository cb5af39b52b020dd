package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

const mysqlDuplicateEntry = 1062

func rowsAffected(result sql.Result, op string) (int64, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrapf(err, "%s: rows affected", op)
	}
	return n, nil
}

func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const stockLogColumns = `id, product_id, order_id, type, quantity, old_stock, new_stock, reason, reference, created_by, created_at`

// MySQLLedgerAdapter stores products and their stock ledger.
type MySQLLedgerAdapter struct {
	db *sql.DB
}

func NewMySQLLedgerAdapter(db *sql.DB) *MySQLLedgerAdapter {
	return &MySQLLedgerAdapter{db: db}
}

func (m *MySQLLedgerAdapter) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.LedgerTx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	if err := fn(ctx, &mysqlLedgerTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

func (m *MySQLLedgerAdapter) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	return getProduct(ctx, m.db, productID, false)
}

func (m *MySQLLedgerAdapter) CreateProduct(ctx context.Context, p domain.Product) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO products (id, stock_quantity, location, created_at, updated_at)
		VALUES (?, 0, ?, ?, ?)`,
		p.ID, p.Location, p.CreatedAt, p.UpdatedAt,
	)
	if isDuplicateKey(err) {
		return domain.ErrProductExists
	}
	if err != nil {
		return errors.Wrap(err, "insert product")
	}
	return nil
}

func (m *MySQLLedgerAdapter) History(ctx context.Context, productID string, limit, offset int) ([]domain.StockLogEntry, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+stockLogColumns+`
		FROM stock_log WHERE product_id = ?
		ORDER BY seq DESC LIMIT ? OFFSET ?`, productID, limit, offset,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query stock history")
	}
	return scanStockLog(rows)
}

func (m *MySQLLedgerAdapter) Entries(ctx context.Context, productID string) ([]domain.StockLogEntry, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+stockLogColumns+`
		FROM stock_log WHERE product_id = ?
		ORDER BY seq ASC`, productID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query stock ledger")
	}
	return scanStockLog(rows)
}

type mysqlLedgerTx struct {
	tx *sql.Tx
}

func (t *mysqlLedgerTx) GetProductForUpdate(ctx context.Context, productID string) (*domain.Product, error) {
	return getProduct(ctx, t.tx, productID, true)
}

func (t *mysqlLedgerTx) UpdateStock(ctx context.Context, productID string, quantity int) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE products SET stock_quantity = ?, updated_at = ?
		WHERE id = ?`, quantity, time.Now(), productID,
	)
	if err != nil {
		return errors.Wrap(err, "update stock")
	}
	rows, err := rowsAffected(result, "update stock")
	if err != nil {
		return err
	}
	if rows == 0 {
		return &domain.StockError{Kind: domain.ErrProductNotFound, ProductID: productID}
	}
	return nil
}

func (t *mysqlLedgerTx) InsertLog(ctx context.Context, e domain.StockLogEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_log (`+stockLogColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProductID, nullString(e.OrderID), string(e.Type), e.Quantity, e.OldStock, e.NewStock,
		e.Reason, e.Reference, e.CreatedBy, e.CreatedAt,
	)
	if isDuplicateKey(err) {
		return &domain.StockError{Kind: domain.ErrDuplicateEvent, ProductID: e.ProductID, Delta: e.Quantity}
	}
	if err != nil {
		return errors.Wrap(err, "insert stock log")
	}
	return nil
}

func (t *mysqlLedgerTx) FindOrderEntry(ctx context.Context, productID, orderID string, delta int) (*domain.StockLogEntry, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+stockLogColumns+`
		FROM stock_log WHERE product_id = ? AND order_id = ? AND quantity = ?`,
		productID, orderID, delta,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query order entry")
	}
	entries, err := scanStockLog(rows)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

func (t *mysqlLedgerTx) InsertAudit(ctx context.Context, entry domain.AuditEntry) error {
	return insertAudit(ctx, t.tx, entry)
}

func getProduct(ctx context.Context, q queryer, productID string, forUpdate bool) (*domain.Product, error) {
	query := `SELECT id, stock_quantity, location, created_at, updated_at FROM products WHERE id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var p domain.Product
	err := q.QueryRowContext(ctx, query, productID).
		Scan(&p.ID, &p.StockQuantity, &p.Location, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query product")
	}
	return &p, nil
}

func scanStockLog(rows *sql.Rows) ([]domain.StockLogEntry, error) {
	defer rows.Close()

	var out []domain.StockLogEntry
	for rows.Next() {
		var (
			e       domain.StockLogEntry
			orderID sql.NullString
			typ     string
		)
		if err := rows.Scan(&e.ID, &e.ProductID, &orderID, &typ, &e.Quantity, &e.OldStock, &e.NewStock,
			&e.Reason, &e.Reference, &e.CreatedBy, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan stock log")
		}
		e.OrderID = orderID.String
		e.Type = domain.MovementType(typ)
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate stock log")
}

func insertAudit(ctx context.Context, db execer, entry domain.AuditEntry) error {
	var details []byte
	if len(entry.Details) > 0 {
		raw, err := json.Marshal(entry.Details)
		if err != nil {
			return errors.Wrap(err, "encode audit details")
		}
		details = raw
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO audit_logs (user_id, action, resource, resource_id, details, ip_address, success, error_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.UserID, entry.Action, entry.Resource, entry.ResourceID, details,
		entry.IPAddress, entry.Success, entry.ErrorCode, entry.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert audit log")
	}
	return nil
}

// nullString keeps order_id NULL for manual movements so they never collide
// on the (product_id, order_id, quantity) key.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
