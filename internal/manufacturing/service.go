package manufacturing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/costing"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/platform/cache"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	CreateRecipe(ctx context.Context, recipe Recipe) (Recipe, error)
	UpdateRecipe(ctx context.Context, recipe Recipe) (Recipe, error)
	GetRecipe(ctx context.Context, id int64) (Recipe, error)
	ListRecipes(ctx context.Context) ([]Recipe, error)
	DeleteRecipe(ctx context.Context, id int64) error
	CreateOrder(ctx context.Context, order ProductionOrder) (ProductionOrder, error)
	GetOrder(ctx context.Context, id int64) (ProductionOrder, error)
	ListOrders(ctx context.Context, filter ListFilter) ([]ProductionOrder, int, error)
	OrderConsumptions(ctx context.Context, orderID int64) ([]Consumption, error)
}

// Service coordinates recipes and the production order workflow.
type Service struct {
	repo         RepositoryPort
	audit        shared.AuditPort
	availability *cache.Availability
	logger       *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit shared.AuditPort, availability *cache.Availability, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, availability: availability, logger: logger}
}

// CreateRecipe validates and stores a recipe definition.
func (s *Service) CreateRecipe(ctx context.Context, input RecipeInput) (Recipe, error) {
	recipe, err := recipeFromInput(input)
	if err != nil {
		return Recipe{}, err
	}
	created, err := s.repo.CreateRecipe(ctx, recipe)
	if err != nil {
		return Recipe{}, err
	}
	s.recordAudit(ctx, "RECIPE_CREATE", "recipe", created.ID, map[string]any{"name": created.Name})
	return created, nil
}

// UpdateRecipe replaces a recipe's definition.
func (s *Service) UpdateRecipe(ctx context.Context, id int64, input RecipeInput) (Recipe, error) {
	recipe, err := recipeFromInput(input)
	if err != nil {
		return Recipe{}, err
	}
	recipe.ID = id
	updated, err := s.repo.UpdateRecipe(ctx, recipe)
	if err != nil {
		return Recipe{}, err
	}
	s.recordAudit(ctx, "RECIPE_UPDATE", "recipe", id, map[string]any{"name": updated.Name})
	return updated, nil
}

// GetRecipe fetches a recipe with lines.
func (s *Service) GetRecipe(ctx context.Context, id int64) (Recipe, error) {
	return s.repo.GetRecipe(ctx, id)
}

// ListRecipes returns all recipes.
func (s *Service) ListRecipes(ctx context.Context) ([]Recipe, error) {
	return s.repo.ListRecipes(ctx)
}

// DeleteRecipe removes a recipe not referenced by any order.
func (s *Service) DeleteRecipe(ctx context.Context, id int64) error {
	if err := s.repo.DeleteRecipe(ctx, id); err != nil {
		return err
	}
	s.recordAudit(ctx, "RECIPE_DELETE", "recipe", id, nil)
	return nil
}

// CreateOrder stores a draft order for an existing recipe.
func (s *Service) CreateOrder(ctx context.Context, input OrderInput) (ProductionOrder, error) {
	if input.Quantity.Sign() <= 0 {
		return ProductionOrder{}, ErrNonPositiveQuantity
	}
	if _, err := s.repo.GetRecipe(ctx, input.RecipeID); err != nil {
		return ProductionOrder{}, err
	}
	order, err := s.repo.CreateOrder(ctx, ProductionOrder{
		RecipeID: input.RecipeID,
		Quantity: costing.RoundQty(input.Quantity),
		State:    StateDraft,
		Notes:    input.Notes,
	})
	if err != nil {
		return ProductionOrder{}, err
	}
	s.recordAudit(ctx, "ORDER_CREATE", "production_order", order.ID, map[string]any{"recipe_id": input.RecipeID})
	return order, nil
}

// GetOrder fetches one order.
func (s *Service) GetOrder(ctx context.Context, id int64) (ProductionOrder, error) {
	return s.repo.GetOrder(ctx, id)
}

// ListOrders returns orders matching the filter.
func (s *Service) ListOrders(ctx context.Context, filter ListFilter) ([]ProductionOrder, shared.Pagination, error) {
	items, total, err := s.repo.ListOrders(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// RequiredInputs previews the per-product quantities an order would consume
// if confirmed now.
func (s *Service) RequiredInputs(ctx context.Context, orderID int64) ([]RequiredInput, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	recipe, err := s.repo.GetRecipe(ctx, order.RecipeID)
	if err != nil {
		return nil, err
	}
	return requiredInputs(recipe, order.Quantity), nil
}

// Confirm consumes the BOM-scaled inputs and produces the output, all under
// ascending product locks in one transaction. Shortfalls are collected
// across every input before failing, so the caller sees the full list.
func (s *Service) Confirm(ctx context.Context, orderID int64) (ProductionOrder, error) {
	var touched []int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.State != StateDraft {
			return ErrInvalidTransition
		}
		if order.Quantity.Sign() <= 0 {
			return ErrNonPositiveQuantity
		}
		recipe, err := tx.GetRecipe(ctx, order.RecipeID)
		if err != nil {
			return err
		}
		if !recipe.Active {
			return ErrInactiveRecipe
		}
		if len(recipe.Lines) == 0 {
			return ErrNoLines
		}

		required := requiredInputs(recipe, order.Quantity)
		ids := lockOrder(required, recipe.OutputProductID)
		stocks, err := tx.LockProducts(ctx, ids)
		if err != nil {
			return err
		}

		var shortfalls []Shortfall
		for _, req := range required {
			if req.Quantity.GreaterThan(stocks[req.ProductID]) {
				shortfalls = append(shortfalls, Shortfall{
					ProductID: req.ProductID,
					Required:  req.Quantity,
					Available: stocks[req.ProductID],
				})
			}
		}
		if len(shortfalls) > 0 {
			return &InsufficientStockError{Shortfalls: shortfalls}
		}

		snapshot := make([]Consumption, 0, len(required)+1)
		for _, req := range required {
			if _, err := tx.RecordMovement(ctx, ledger.RecordInput{
				ProductID: req.ProductID,
				Kind:      ledger.KindOut,
				Quantity:  req.Quantity,
				Reference: orderRef(order.ID),
			}); err != nil {
				return err
			}
			snapshot = append(snapshot, Consumption{OrderID: order.ID, ProductID: req.ProductID, Quantity: req.Quantity})
			touched = append(touched, req.ProductID)
		}
		if _, err := tx.RecordMovement(ctx, ledger.RecordInput{
			ProductID: recipe.OutputProductID,
			Kind:      ledger.KindIn,
			Quantity:  order.Quantity,
			Reference: orderRef(order.ID),
		}); err != nil {
			return err
		}
		snapshot = append(snapshot, Consumption{OrderID: order.ID, ProductID: recipe.OutputProductID, Quantity: order.Quantity, IsOutput: true})
		touched = append(touched, recipe.OutputProductID)

		if err := tx.InsertConsumptions(ctx, order.ID, snapshot); err != nil {
			return err
		}
		return tx.MarkConfirmed(ctx, order.ID)
	})
	if err != nil {
		return ProductionOrder{}, err
	}

	s.invalidate(ctx, touched...)
	s.recordAudit(ctx, "ORDER_CONFIRM", "production_order", orderID, nil)
	return s.repo.GetOrder(ctx, orderID)
}

// Void reverses exactly the movements recorded at confirm time, from the
// order's consumption snapshot, and marks the order VOID.
func (s *Service) Void(ctx context.Context, orderID int64) (ProductionOrder, error) {
	var touched []int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.State != StateConfirmed {
			return ErrInvalidTransition
		}
		rows, err := tx.Consumptions(ctx, order.ID)
		if err != nil {
			return err
		}

		ids := make([]int64, 0, len(rows))
		for _, c := range rows {
			ids = append(ids, c.ProductID)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		if _, err := tx.LockProducts(ctx, ids); err != nil {
			return err
		}

		for _, c := range rows {
			kind := ledger.KindIn
			if c.IsOutput {
				kind = ledger.KindOut
			}
			if _, err := tx.RecordMovement(ctx, ledger.RecordInput{
				ProductID: c.ProductID,
				Kind:      kind,
				Quantity:  c.Quantity,
				Reference: voidRef(order.ID),
			}); err != nil {
				return err
			}
			touched = append(touched, c.ProductID)
		}
		return tx.MarkVoided(ctx, order.ID)
	})
	if err != nil {
		return ProductionOrder{}, err
	}

	s.invalidate(ctx, touched...)
	s.recordAudit(ctx, "ORDER_VOID", "production_order", orderID, nil)
	return s.repo.GetOrder(ctx, orderID)
}

// DeleteOrder removes a draft order. Confirmed and void orders stay for the
// record.
func (s *Service) DeleteOrder(ctx context.Context, orderID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.State != StateDraft {
			return ErrInvalidTransition
		}
		return tx.DeleteOrder(ctx, orderID)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "ORDER_DELETE", "production_order", orderID, nil)
	return nil
}

// requiredInputs scales the recipe's per-unit quantities by the order
// quantity, aggregating repeated input products.
func requiredInputs(recipe Recipe, quantity decimal.Decimal) []RequiredInput {
	index := make(map[int64]int)
	var out []RequiredInput
	for _, line := range recipe.Lines {
		needed := costing.RoundQty(line.QuantityPerUnit.Mul(quantity))
		if i, ok := index[line.InputProductID]; ok {
			out[i].Quantity = out[i].Quantity.Add(needed)
			continue
		}
		index[line.InputProductID] = len(out)
		out = append(out, RequiredInput{ProductID: line.InputProductID, Quantity: needed})
	}
	return out
}

// lockOrder returns the ascending set of product ids an order touches.
func lockOrder(required []RequiredInput, outputProductID int64) []int64 {
	seen := map[int64]bool{outputProductID: true}
	ids := []int64{outputProductID}
	for _, req := range required {
		if !seen[req.ProductID] {
			seen[req.ProductID] = true
			ids = append(ids, req.ProductID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func recipeFromInput(input RecipeInput) (Recipe, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Recipe{}, fmt.Errorf("manufacturing: recipe name required")
	}
	if len(input.Lines) == 0 {
		return Recipe{}, ErrNoLines
	}
	active := true
	if input.Active != nil {
		active = *input.Active
	}
	recipe := Recipe{Name: name, OutputProductID: input.OutputProductID, Active: active}
	for _, li := range input.Lines {
		if li.InputProductID == input.OutputProductID {
			return Recipe{}, ErrSelfReference
		}
		if li.QuantityPerUnit.Sign() <= 0 {
			return Recipe{}, ErrNonPositiveQuantity
		}
		recipe.Lines = append(recipe.Lines, RecipeLine{
			InputProductID:  li.InputProductID,
			QuantityPerUnit: costing.RoundQty(li.QuantityPerUnit),
		})
	}
	return recipe, nil
}

func orderRef(id int64) string {
	return fmt.Sprintf("Production order #%d", id)
}

func voidRef(id int64) string {
	return fmt.Sprintf("Production order #%d (void)", id)
}

func (s *Service) invalidate(ctx context.Context, productIDs ...int64) {
	if err := s.availability.Invalidate(ctx, productIDs...); err != nil {
		s.logger.Warn("availability invalidate", slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, action, entity string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		Action:   action,
		Entity:   entity,
		EntityID: fmt.Sprintf("%d", id),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}
