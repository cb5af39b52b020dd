package marketplace

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

func TestMapStatus(t *testing.T) {
	tests := []struct {
		marketplace string
		raw         string
		want        domain.OrderStatus
	}{
		{Trendyol, "Created", domain.OrderStatusProcessing},
		{Trendyol, "Picking", domain.OrderStatusProcessing},
		{Trendyol, "Cancelled", domain.OrderStatusCancelled},
		{Trendyol, "UnSupplied", domain.OrderStatusCancelled},
		{Hepsiburada, "CancelledByCustomer", domain.OrderStatusCancelled},
		{Hepsiburada, "InTransit", domain.OrderStatusShipped},
		{N11, "Completed", domain.OrderStatusDelivered},
		{N11, "Claimed", domain.OrderStatusReturned},
		{Amazon, "Canceled", domain.OrderStatusCancelled},
		{Amazon, " Unshipped ", domain.OrderStatusProcessing},
		{"AMAZON", "shipped", domain.OrderStatusShipped},
		{Trendyol, "SomethingNew", domain.OrderStatusUnknown},
		{"etsy", "Created", domain.OrderStatusUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MapStatus(tt.marketplace, tt.raw), "%s/%s", tt.marketplace, tt.raw)
	}
}

func TestTablesOnlyProduceKnownStatuses(t *testing.T) {
	for mk, table := range statusTables {
		for raw, st := range table {
			assert.NotEqual(t, domain.OrderStatusUnknown, st, "%s/%s", mk, raw)
		}
	}
	assert.Equal(t, []string{Amazon, Hepsiburada, N11, Trendyol}, Marketplaces())
}

func TestDecodeOrder(t *testing.T) {
	raw := []byte(`{
		"marketplace": "Trendyol",
		"order_id": "TY-1",
		"status": "Created",
		"order_date": "2026-05-04T10:00:00Z",
		"items": [{"sku": "SKU-1", "quantity": 2, "price": "149.90"}]
	}`)

	p, err := DecodeOrder(raw)
	require.NoError(t, err)
	order, err := p.ToOrder()
	require.NoError(t, err)

	assert.Equal(t, Trendyol, order.Marketplace)
	assert.Equal(t, "TY-1", order.MarketplaceOrderID)
	assert.Equal(t, domain.OrderStatusProcessing, order.Status)
	require.Len(t, order.Items, 1)
	assert.True(t, decimal.RequireFromString("149.90").Equal(order.Items[0].Price))
}

func TestToOrder_Invalid(t *testing.T) {
	_, err := DecodeOrder([]byte(`{not json`))
	assert.True(t, errors.Is(err, ErrInvalidPayload))

	cases := []OrderPayload{
		{Marketplace: "etsy", OrderID: "1"},
		{Marketplace: Trendyol},
		{Marketplace: Trendyol, OrderID: "1", Items: []ItemPayload{{SKU: "", Quantity: 1}}},
		{Marketplace: Trendyol, OrderID: "1", Items: []ItemPayload{{SKU: "A", Quantity: -1}}},
	}
	for _, p := range cases {
		_, err := p.ToOrder()
		assert.True(t, errors.Is(err, ErrInvalidPayload), "%+v", p)
	}
}

func TestToOrder_UnknownStatusIsNotAnError(t *testing.T) {
	order, err := OrderPayload{Marketplace: N11, OrderID: "9", Status: "Mystery"}.ToOrder()
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusUnknown, order.Status)
}

func TestToOrder_OrderIDLength(t *testing.T) {
	p := OrderPayload{Marketplace: Hepsiburada, OrderID: strings.Repeat("9", domain.MaxMarketplaceOrderIDLength), Status: "Open"}
	o, err := p.ToOrder()
	require.NoError(t, err)
	assert.Len(t, o.MarketplaceOrderID, domain.MaxMarketplaceOrderIDLength)

	p.OrderID += "9"
	_, err = p.ToOrder()
	assert.True(t, errors.Is(err, ErrInvalidPayload))
}
