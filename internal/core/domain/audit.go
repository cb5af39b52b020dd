package domain

import "time"

const (
	AuditActionApplyDelta    = "stock.apply_delta"
	AuditActionApplyBatch    = "stock.apply_batch"
	AuditActionCreateProduct = "product.create"

	AuditResourceProduct = "product"
)

// AuditEntry is write-only from the mutation path.
type AuditEntry struct {
	UserID     string
	Action     string
	Resource   string
	ResourceID string
	Details    map[string]any
	IPAddress  string
	Success    bool
	ErrorCode  string
	CreatedAt  time.Time
}
