// Package sales records customer sales. Lines move stock out through the
// movement ledger after a sufficiency check; unit cost is never touched by a
// sale. Edits reverse by delta, deletes reverse in full.
package sales

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Seed for document numbers when no prior sale exists or the prior number is
// not numeric.
const documentNumberSeed = "1000001"

// Sale is the document header. Total is derived from line subtotals.
type Sale struct {
	ID             int64           `json:"id"`
	DocumentNumber string          `json:"document_number"`
	Customer       string          `json:"customer"`
	Notes          string          `json:"notes,omitempty"`
	Total          decimal.Decimal `json:"total"`
	CreatedAt      time.Time       `json:"created_at"`
	Lines          []Line          `json:"lines,omitempty"`
}

// Line is one sold item. Quantity is a whole number of units.
type Line struct {
	ID        int64           `json:"id"`
	SaleID    int64           `json:"sale_id"`
	ProductID int64           `json:"product_id"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

// CreateInput describes a new sale with its lines.
type CreateInput struct {
	Customer       string      `json:"customer" validate:"required,max=100"`
	Notes          string      `json:"notes"`
	Lines          []LineInput `json:"lines" validate:"required,min=1,dive"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
}

// LineInput describes one line.
type LineInput struct {
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	Quantity  int64           `json:"quantity" validate:"required,gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// ListFilter selects sales for listing.
type ListFilter struct {
	Customer string
	Page     int
	PerPage  int
}

// InsufficientStockError reports a stock shortfall for one product.
type InsufficientStockError struct {
	ProductID int64           `json:"product_id"`
	Available decimal.Decimal `json:"available"`
	Requested decimal.Decimal `json:"requested"`
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("sales: insufficient stock for product %d: available %s, requested %s",
		e.ProductID, e.Available, e.Requested)
}

var (
	// ErrNotFound indicates a missing sale or line.
	ErrNotFound = errors.New("sales: not found")
	// ErrUnknownProduct indicates a line references no product.
	ErrUnknownProduct = errors.New("sales: unknown product")
	// ErrNonPositiveQuantity indicates a zero or negative line quantity.
	ErrNonPositiveQuantity = errors.New("sales: quantity must be positive")
	// ErrNegativeUnitPrice indicates a negative unit price.
	ErrNegativeUnitPrice = errors.New("sales: unit price must not be negative")
	// ErrNoLines indicates a sale without lines.
	ErrNoLines = errors.New("sales: at least one line required")
)
