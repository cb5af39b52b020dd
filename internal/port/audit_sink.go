package port

import (
	"context"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type AuditSink interface {
	Record(ctx context.Context, entry domain.AuditEntry) error
}
