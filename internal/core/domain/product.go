package domain

import "time"

// Product is the owner of the stock counter. StockQuantity only changes through
// the stock service.
type Product struct {
	ID            string
	StockQuantity int
	Location      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type StockStatus struct {
	ProductID    string     `json:"product_id"`
	CurrentStock int        `json:"current_stock"`
	Location     string     `json:"location,omitempty"`
	IsLocked     bool       `json:"is_locked"`
	LockedUntil  *time.Time `json:"locked_until,omitempty"`
}
