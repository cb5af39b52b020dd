package storage

import (
	"context"
	"database/sql"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// MySQLAuditAdapter writes audit rows outside any stock transaction, used for
// mutations that were rejected or rolled back.
type MySQLAuditAdapter struct {
	db *sql.DB
}

func NewMySQLAuditAdapter(db *sql.DB) *MySQLAuditAdapter {
	return &MySQLAuditAdapter{db: db}
}

func (m *MySQLAuditAdapter) Record(ctx context.Context, entry domain.AuditEntry) error {
	return insertAudit(ctx, m.db, entry)
}
