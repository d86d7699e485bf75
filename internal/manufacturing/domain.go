// Package manufacturing holds the recipe (bill-of-materials) registry and
// the production order workflow. Confirming an order consumes BOM-scaled
// input quantities and produces the output; voiding reverses exactly what
// confirmation recorded.
package manufacturing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// State is the production order lifecycle state.
type State string

// Order states. Transitions are one-directional: DRAFT to CONFIRMED to VOID.
const (
	StateDraft     State = "DRAFT"
	StateConfirmed State = "CONFIRMED"
	StateVoid      State = "VOID"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateDraft, StateConfirmed, StateVoid:
		return true
	}
	return false
}

// Recipe maps one output product to the inputs needed per unit produced.
type Recipe struct {
	ID              int64        `json:"id"`
	Name            string       `json:"name"`
	OutputProductID int64        `json:"output_product_id"`
	Active          bool         `json:"active"`
	CreatedAt       time.Time    `json:"created_at"`
	Lines           []RecipeLine `json:"lines,omitempty"`
}

// RecipeLine is one input requirement per unit of output.
type RecipeLine struct {
	ID              int64           `json:"id"`
	RecipeID        int64           `json:"recipe_id"`
	InputProductID  int64           `json:"input_product_id"`
	QuantityPerUnit decimal.Decimal `json:"quantity_per_unit"`
}

// RecipeInput describes a new or replacement recipe definition.
type RecipeInput struct {
	Name            string            `json:"name" validate:"required,max=100"`
	OutputProductID int64             `json:"output_product_id" validate:"required,gt=0"`
	Active          *bool             `json:"active,omitempty"`
	Lines           []RecipeLineInput `json:"lines" validate:"required,min=1,dive"`
}

// RecipeLineInput describes one input requirement.
type RecipeLineInput struct {
	InputProductID  int64           `json:"input_product_id" validate:"required,gt=0"`
	QuantityPerUnit decimal.Decimal `json:"quantity_per_unit"`
}

// ProductionOrder is a request to produce Quantity units of a recipe's
// output.
type ProductionOrder struct {
	ID          int64           `json:"id"`
	RecipeID    int64           `json:"recipe_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	State       State           `json:"state"`
	Notes       string          `json:"notes,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ConfirmedAt *time.Time      `json:"confirmed_at,omitempty"`
	VoidedAt    *time.Time      `json:"voided_at,omitempty"`
}

// OrderInput describes a new draft order.
type OrderInput struct {
	RecipeID int64           `json:"recipe_id" validate:"required,gt=0"`
	Quantity decimal.Decimal `json:"quantity"`
	Notes    string          `json:"notes"`
}

// Consumption is the per-product movement snapshot written when an order is
// confirmed. Voiding reverses these rows, not a recomputation from the
// recipe, so a later recipe edit cannot skew the reversal.
type Consumption struct {
	ID        int64           `json:"id"`
	OrderID   int64           `json:"order_id"`
	ProductID int64           `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	IsOutput  bool            `json:"is_output"`
}

// RequiredInput is one (product, quantity) pair an order needs to confirm.
type RequiredInput struct {
	ProductID int64           `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// Shortfall reports one product whose stock cannot cover an order.
type Shortfall struct {
	ProductID int64           `json:"product_id"`
	Required  decimal.Decimal `json:"required"`
	Available decimal.Decimal `json:"available"`
}

// InsufficientStockError carries every shortfall found while validating an
// order, so the caller sees the full picture in one failure.
type InsufficientStockError struct {
	Shortfalls []Shortfall `json:"shortfalls"`
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, len(e.Shortfalls))
	for i, s := range e.Shortfalls {
		parts[i] = fmt.Sprintf("product %d: required %s, available %s", s.ProductID, s.Required, s.Available)
	}
	return "manufacturing: insufficient stock: " + strings.Join(parts, "; ")
}

// ListFilter selects orders for listing.
type ListFilter struct {
	State   State
	Page    int
	PerPage int
}

var (
	// ErrNotFound indicates a missing order.
	ErrNotFound = errors.New("manufacturing: order not found")
	// ErrRecipeNotFound indicates a missing recipe.
	ErrRecipeNotFound = errors.New("manufacturing: recipe not found")
	// ErrDuplicateRecipeName indicates a name collision for the same output.
	ErrDuplicateRecipeName = errors.New("manufacturing: recipe name already used for this output")
	// ErrSelfReference indicates a recipe consuming its own output.
	ErrSelfReference = errors.New("manufacturing: recipe input must differ from output")
	// ErrInactiveRecipe indicates confirmation against an inactive recipe.
	ErrInactiveRecipe = errors.New("manufacturing: recipe is inactive")
	// ErrRecipeInUse indicates a recipe still referenced by orders.
	ErrRecipeInUse = errors.New("manufacturing: recipe is referenced by production orders")
	// ErrInvalidTransition indicates a confirm/void/delete out of sequence.
	ErrInvalidTransition = errors.New("manufacturing: invalid state transition")
	// ErrNonPositiveQuantity indicates a zero or negative quantity.
	ErrNonPositiveQuantity = errors.New("manufacturing: quantity must be positive")
	// ErrUnknownProduct indicates a reference to no product.
	ErrUnknownProduct = errors.New("manufacturing: unknown product")
	// ErrNoLines indicates a recipe without input lines.
	ErrNoLines = errors.New("manufacturing: at least one input line required")
)
