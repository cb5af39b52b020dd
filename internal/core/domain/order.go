package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusUnknown    OrderStatus = "UNKNOWN"
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
	OrderStatusReturned   OrderStatus = "RETURNED"
)

// IsActive reports statuses that consume stock.
func (s OrderStatus) IsActive() bool {
	return s == OrderStatusProcessing || s == OrderStatusShipped || s == OrderStatusDelivered
}

// IsCompensating reports statuses that give stock back.
func (s OrderStatus) IsCompensating() bool {
	return s == OrderStatusCancelled || s == OrderStatusReturned
}

type OrderItem struct {
	SKU      string          `json:"sku"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// BookedLine is the quantity an order debit took from one product.
type BookedLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Order is the local copy of a marketplace order.
type Order struct {
	Marketplace        string
	MarketplaceOrderID string
	Status             OrderStatus
	OrderDate          time.Time
	Items              []OrderItem
	StockDebited       bool
	StockCredited      bool
	// Booked is what the debit took out of stock, per product.
	Booked             []BookedLine
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// MaxMarketplaceOrderIDLength bounds MarketplaceOrderID so that Reference and
// the idempotency keys built from it fit their columns.
const MaxMarketplaceOrderIDLength = 128

// Reference is the order id written to the stock ledger.
func (o Order) Reference() string {
	return o.Marketplace + ":" + o.MarketplaceOrderID
}

// OrderEvent is one observation of an order by an intake adapter.
type OrderEvent struct {
	Order      Order
	Source     string
	ReceivedAt time.Time
}
