// Package ledger is the movement ledger (kardex): an append-only log of
// stock-affecting events, one running balance per product. It is the single
// writer of the product stock projection; purchases, sales and production all
// mutate stock through Record and nowhere else.
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Kind enumerates movement directions.
type Kind string

const (
	// KindIn represents an inbound movement.
	KindIn Kind = "IN"
	// KindOut represents an outbound movement.
	KindOut Kind = "OUT"
)

// Valid reports whether the kind is a known movement direction.
func (k Kind) Valid() bool {
	return k == KindIn || k == KindOut
}

// Entry is one kardex movement. Entries are immutable once created;
// corrections are recorded as new reversing entries, never edits.
type Entry struct {
	ID        int64           `json:"id"`
	ProductID int64           `json:"product_id"`
	Kind      Kind            `json:"kind"`
	Quantity  decimal.Decimal `json:"quantity"`
	Balance   decimal.Decimal `json:"balance"`
	Reference string          `json:"reference"`
	CreatedAt time.Time       `json:"created_at"`
}

// RecordInput describes a movement to apply.
type RecordInput struct {
	ProductID int64
	Kind      Kind
	Quantity  decimal.Decimal
	Reference string
	// NewUnitCost, when set, is persisted as the product's average cost in
	// the same update that writes the stock projection. Only the purchase
	// subsystem sets it; sales and production leave the average untouched.
	NewUnitCost *decimal.Decimal
}

// HistoryFilter selects kardex entries for one product.
type HistoryFilter struct {
	ProductID int64
	From      time.Time
	To        time.Time
	Limit     int
}

var (
	// ErrInvalidKind indicates a movement kind other than IN or OUT.
	ErrInvalidKind = errors.New("ledger: invalid movement kind")
	// ErrNilQuantity indicates an absent or zero quantity.
	ErrNilQuantity = errors.New("ledger: quantity required")
	// ErrUnknownProduct indicates the movement references no product row.
	ErrUnknownProduct = errors.New("ledger: unknown product")
)
