// Package products holds the product registry. Catalog fields are editable
// here; the stock and average-cost projections are written exclusively by the
// movement ledger.
package products

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Product represents a catalog item with its projected inventory state.
type Product struct {
	ID          int64           `json:"id"`
	Code        string          `json:"code"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category,omitempty"`
	Unit        string          `json:"unit,omitempty"`
	Price       decimal.Decimal `json:"price"`
	MinStock    decimal.Decimal `json:"min_stock"`
	Active      bool            `json:"active"`
	// Stock and AvgCost are projections of the kardex; read-only here.
	Stock     decimal.Decimal `json:"stock"`
	AvgCost   decimal.Decimal `json:"avg_cost"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CreateInput describes a new product.
type CreateInput struct {
	Name        string          `json:"name" validate:"required,max=100"`
	Description string          `json:"description" validate:"max=2000"`
	Category    string          `json:"category" validate:"max=50"`
	Unit        string          `json:"unit" validate:"max=20"`
	Price       decimal.Decimal `json:"price"`
	MinStock    decimal.Decimal `json:"min_stock"`
}

// UpdateInput describes catalog field changes. Stock and cost are owned by
// the ledger and cannot be set here.
type UpdateInput struct {
	Name        *string          `json:"name,omitempty" validate:"omitempty,max=100"`
	Description *string          `json:"description,omitempty" validate:"omitempty,max=2000"`
	Category    *string          `json:"category,omitempty" validate:"omitempty,max=50"`
	Unit        *string          `json:"unit,omitempty" validate:"omitempty,max=20"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	MinStock    *decimal.Decimal `json:"min_stock,omitempty"`
	Active      *bool            `json:"active,omitempty"`
}

// ListFilter selects products for listing.
type ListFilter struct {
	Query      string
	ActiveOnly bool
	Page       int
	PerPage    int
}

var (
	// ErrNotFound indicates a missing product.
	ErrNotFound = errors.New("products: not found")
	// ErrProductInUse indicates the product is referenced by ledger entries,
	// document lines or recipes and cannot be deleted.
	ErrProductInUse = errors.New("products: referenced by other records")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("products: invalid input")
)
