package domain

import (
	"fmt"
	"time"
)

// IdempotencyRecord holds the outcome of the first successful processing of a key.
type IdempotencyRecord struct {
	Key       string
	Result    []byte
	ExpiresAt time.Time
}

func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

func OrderKey(marketplace, marketplaceOrderID string) string {
	return fmt.Sprintf("order:%s:%s", marketplace, marketplaceOrderID)
}

func OrderStatusKey(marketplace, marketplaceOrderID string, status OrderStatus) string {
	return fmt.Sprintf("order:%s:%s:%s", marketplace, marketplaceOrderID, status)
}

func WebhookKey(marketplace, deliveryID string) string {
	return fmt.Sprintf("webhook:%s:%s", marketplace, deliveryID)
}

func StockKey(productID, orderID string, delta int) string {
	return fmt.Sprintf("stock:%s:%s:%d", productID, orderID, delta)
}
