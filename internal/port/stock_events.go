package port

import (
	"context"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type StockEventPublisher interface {
	PublishStockChanged(ctx context.Context, events []domain.StockChanged) error
}
