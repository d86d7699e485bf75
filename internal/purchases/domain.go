// Package purchases records supplier purchases. Every line applies an
// inbound movement and moves the product's weighted-average cost; editing or
// deleting a line reverses the previous effect before applying the new one.
package purchases

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Purchase is the document header. Total is derived from line subtotals.
type Purchase struct {
	ID            int64           `json:"id"`
	InvoiceNumber string          `json:"invoice_number"`
	Supplier      string          `json:"supplier"`
	Notes         string          `json:"notes,omitempty"`
	Total         decimal.Decimal `json:"total"`
	CreatedAt     time.Time       `json:"created_at"`
	Lines         []Line          `json:"lines,omitempty"`
}

// Line is one purchased item. Subtotal = Quantity x UnitCost, recomputed on
// every save.
type Line struct {
	ID         int64           `json:"id"`
	PurchaseID int64           `json:"purchase_id"`
	ProductID  int64           `json:"product_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	Subtotal   decimal.Decimal `json:"subtotal"`
}

// CreateInput describes a new purchase with its lines.
type CreateInput struct {
	InvoiceNumber  string      `json:"invoice_number" validate:"required,max=50"`
	Supplier       string      `json:"supplier" validate:"required,max=100"`
	Notes          string      `json:"notes"`
	Lines          []LineInput `json:"lines" validate:"required,min=1,dive"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
}

// LineInput describes one line.
type LineInput struct {
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
}

// ProductState is the locked (stock, cost) pair read inside a transaction.
type ProductState struct {
	Stock   decimal.Decimal
	AvgCost decimal.Decimal
}

// ListFilter selects purchases for listing.
type ListFilter struct {
	Supplier string
	Page     int
	PerPage  int
}

var (
	// ErrNotFound indicates a missing purchase or line.
	ErrNotFound = errors.New("purchases: not found")
	// ErrDuplicateInvoice indicates the invoice number is already taken.
	ErrDuplicateInvoice = errors.New("purchases: duplicate invoice number")
	// ErrUnknownProduct indicates a line references no product.
	ErrUnknownProduct = errors.New("purchases: unknown product")
	// ErrNonPositiveQuantity indicates a zero or negative line quantity.
	ErrNonPositiveQuantity = errors.New("purchases: quantity must be positive")
	// ErrNegativeUnitCost indicates a negative unit cost.
	ErrNegativeUnitCost = errors.New("purchases: unit cost must not be negative")
	// ErrNoLines indicates a purchase without lines.
	ErrNoLines = errors.New("purchases: at least one line required")
)
