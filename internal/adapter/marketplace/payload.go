package marketplace

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

var ErrInvalidPayload = errors.New("invalid order payload")

// OrderPayload is the normalized order snapshot carried by webhooks and the
// orders topic. Status is the marketplace's own vocabulary.
type OrderPayload struct {
	Marketplace string        `json:"marketplace"`
	OrderID     string        `json:"order_id"`
	Status      string        `json:"status"`
	OrderDate   time.Time     `json:"order_date"`
	Items       []ItemPayload `json:"items"`
}

type ItemPayload struct {
	SKU      string          `json:"sku"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

func DecodeOrder(raw []byte) (OrderPayload, error) {
	var p OrderPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, errors.Wrap(ErrInvalidPayload, err.Error())
	}
	return p, nil
}

// ToOrder validates the payload and maps its status. An unmapped status gives
// an order with status UNKNOWN, not an error.
func (p OrderPayload) ToOrder() (domain.Order, error) {
	mk := strings.ToLower(strings.TrimSpace(p.Marketplace))
	if !Supported(mk) {
		return domain.Order{}, errors.Wrapf(ErrInvalidPayload, "unsupported marketplace %q", p.Marketplace)
	}
	if strings.TrimSpace(p.OrderID) == "" {
		return domain.Order{}, errors.Wrap(ErrInvalidPayload, "order_id is required")
	}
	if len(p.OrderID) > domain.MaxMarketplaceOrderIDLength {
		return domain.Order{}, errors.Wrapf(ErrInvalidPayload, "order_id longer than %d bytes", domain.MaxMarketplaceOrderIDLength)
	}

	items := make([]domain.OrderItem, 0, len(p.Items))
	for _, it := range p.Items {
		if it.SKU == "" || it.Quantity < 0 {
			return domain.Order{}, errors.Wrapf(ErrInvalidPayload, "bad line item %q x %d", it.SKU, it.Quantity)
		}
		items = append(items, domain.OrderItem{SKU: it.SKU, Quantity: it.Quantity, Price: it.Price})
	}

	return domain.Order{
		Marketplace:        mk,
		MarketplaceOrderID: p.OrderID,
		Status:             MapStatus(mk, p.Status),
		OrderDate:          p.OrderDate,
		Items:              items,
	}, nil
}
