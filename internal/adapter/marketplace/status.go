package marketplace

import (
	"sort"
	"strings"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

const (
	Trendyol    = "trendyol"
	Hepsiburada = "hepsiburada"
	N11         = "n11"
	Amazon      = "amazon"
)

// statusTables maps each marketplace vocabulary onto the internal status set.
// Keys are lower-cased. Anything missing from a table is UNKNOWN.
var statusTables = map[string]map[string]domain.OrderStatus{
	Trendyol: {
		"awaiting":          domain.OrderStatusPending,
		"created":           domain.OrderStatusProcessing,
		"picking":           domain.OrderStatusProcessing,
		"invoiced":          domain.OrderStatusProcessing,
		"shipped":           domain.OrderStatusShipped,
		"atcollectionpoint": domain.OrderStatusShipped,
		"undelivered":       domain.OrderStatusShipped,
		"delivered":         domain.OrderStatusDelivered,
		"cancelled":         domain.OrderStatusCancelled,
		"unsupplied":        domain.OrderStatusCancelled,
		"returned":          domain.OrderStatusReturned,
	},
	Hepsiburada: {
		"open":                domain.OrderStatusProcessing,
		"unpacked":            domain.OrderStatusProcessing,
		"packed":              domain.OrderStatusProcessing,
		"intransit":           domain.OrderStatusShipped,
		"shipped":             domain.OrderStatusShipped,
		"delivered":           domain.OrderStatusDelivered,
		"cancelledbymerchant": domain.OrderStatusCancelled,
		"cancelledbycustomer": domain.OrderStatusCancelled,
		"cancelledbysap":      domain.OrderStatusCancelled,
		"returned":            domain.OrderStatusReturned,
		"claimcreated":        domain.OrderStatusReturned,
	},
	N11: {
		"new":           domain.OrderStatusPending,
		"approved":      domain.OrderStatusProcessing,
		"late_shipment": domain.OrderStatusProcessing,
		"shipped":       domain.OrderStatusShipped,
		"delivered":     domain.OrderStatusDelivered,
		"completed":     domain.OrderStatusDelivered,
		"rejected":      domain.OrderStatusCancelled,
		"cancelled":     domain.OrderStatusCancelled,
		"claimed":       domain.OrderStatusReturned,
	},
	Amazon: {
		"pending":             domain.OrderStatusPending,
		"pendingavailability": domain.OrderStatusPending,
		"unshipped":           domain.OrderStatusProcessing,
		"partiallyshipped":    domain.OrderStatusProcessing,
		"invoiceunconfirmed":  domain.OrderStatusProcessing,
		"shipped":             domain.OrderStatusShipped,
		"delivered":           domain.OrderStatusDelivered,
		"canceled":            domain.OrderStatusCancelled,
		"unfulfillable":       domain.OrderStatusCancelled,
		"returned":            domain.OrderStatusReturned,
	},
}

// MapStatus returns the internal status for a marketplace status string.
func MapStatus(marketplace, raw string) domain.OrderStatus {
	table, ok := statusTables[strings.ToLower(marketplace)]
	if !ok {
		return domain.OrderStatusUnknown
	}
	if st, ok := table[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return st
	}
	return domain.OrderStatusUnknown
}

func Supported(marketplace string) bool {
	_, ok := statusTables[strings.ToLower(marketplace)]
	return ok
}

func Marketplaces() []string {
	out := make([]string, 0, len(statusTables))
	for name := range statusTables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
