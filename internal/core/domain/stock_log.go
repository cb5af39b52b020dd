package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type MovementType string

const (
	MovementEntry      MovementType = "ENTRY"
	MovementExit       MovementType = "EXIT"
	MovementSale       MovementType = "SALE"
	MovementReturn     MovementType = "RETURN"
	MovementCancel     MovementType = "CANCEL"
	MovementAdjustment MovementType = "ADJUSTMENT"
	MovementDamaged    MovementType = "DAMAGED"
	MovementTransfer   MovementType = "TRANSFER"
)

// ParseMovementType returns the movement type for s, or false for anything
// outside the closed set.
func ParseMovementType(s string) (MovementType, bool) {
	t := MovementType(s)
	switch t {
	case MovementEntry, MovementExit, MovementSale, MovementReturn, MovementCancel,
		MovementAdjustment, MovementDamaged, MovementTransfer:
		return t, true
	}
	return "", false
}

// ValidateDelta checks the delta sign against the movement type.
func (t MovementType) ValidateDelta(delta int) error {
	if delta == 0 {
		return errors.Wrap(ErrInvalidDelta, "delta must not be zero")
	}
	switch t {
	case MovementEntry, MovementReturn, MovementCancel:
		if delta < 0 {
			return errors.Wrapf(ErrInvalidDelta, "%s requires a positive delta, got %d", t, delta)
		}
	case MovementExit, MovementSale, MovementDamaged:
		if delta > 0 {
			return errors.Wrapf(ErrInvalidDelta, "%s requires a negative delta, got %d", t, delta)
		}
	case MovementAdjustment, MovementTransfer:
	default:
		return errors.Wrapf(ErrInvalidDelta, "unknown movement type %q", t)
	}
	return nil
}

// StockLogEntry is an immutable ledger row. NewStock == OldStock + Quantity.
type StockLogEntry struct {
	ID        string       `json:"id"`
	ProductID string       `json:"product_id"`
	OrderID   string       `json:"order_id,omitempty"`
	Type      MovementType `json:"type"`
	Quantity  int          `json:"quantity"`
	OldStock  int          `json:"old_stock"`
	NewStock  int          `json:"new_stock"`
	Reason    string       `json:"reason"`
	Reference string       `json:"reference,omitempty"`
	CreatedBy string       `json:"created_by,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

func NewStockLogEntry(productID string, t MovementType, oldStock, delta int, createdAt time.Time) StockLogEntry {
	return StockLogEntry{
		ID:        uuid.NewString(),
		ProductID: productID,
		Type:      t,
		Quantity:  delta,
		OldStock:  oldStock,
		NewStock:  oldStock + delta,
		CreatedAt: createdAt,
	}
}

// StockChanged is published after a mutation commits.
type StockChanged struct {
	ProductID  string       `json:"product_id"`
	OrderID    string       `json:"order_id,omitempty"`
	Type       MovementType `json:"type"`
	Delta      int          `json:"delta"`
	OldStock   int          `json:"old_stock"`
	NewStock   int          `json:"new_stock"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// LedgerReport is the outcome of replaying a product's ledger.
type LedgerReport struct {
	ProductID    string `json:"product_id"`
	Consistent   bool   `json:"consistent"`
	Entries      int    `json:"entries"`
	Expected     int    `json:"expected"`
	Actual       int    `json:"actual"`
	FirstBreakID string `json:"first_break_id,omitempty"`
}

// Replay walks entries in commit order. The first entry's OldStock is the baseline;
// every following entry must start where the previous one ended.
func Replay(productID string, entries []StockLogEntry, actual int) LedgerReport {
	report := LedgerReport{ProductID: productID, Entries: len(entries), Actual: actual}
	running := 0
	for i, e := range entries {
		if e.NewStock != e.OldStock+e.Quantity || (i > 0 && e.OldStock != running) || (i == 0 && e.OldStock != 0) {
			if report.FirstBreakID == "" {
				report.FirstBreakID = e.ID
			}
		}
		running = e.NewStock
	}
	report.Expected = running
	report.Consistent = report.FirstBreakID == "" && running == actual
	return report
}
