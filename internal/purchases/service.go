package purchases

import (
	"context"
	"fmt"
	"log/slog"
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
	Get(ctx context.Context, id int64) (Purchase, error)
	GetLine(ctx context.Context, lineID int64) (Line, error)
	List(ctx context.Context, filter ListFilter) ([]Purchase, int, error)
}

// Service coordinates purchase operations.
type Service struct {
	repo         RepositoryPort
	audit        shared.AuditPort
	idempotency  *shared.IdempotencyStore
	availability *cache.Availability
	logger       *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit shared.AuditPort, idem *shared.IdempotencyStore, availability *cache.Availability, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, idempotency: idem, availability: availability, logger: logger}
}

// Create persists a purchase with its lines, applying each line's inbound
// movement and cost effect in creation order, all in one transaction.
func (s *Service) Create(ctx context.Context, input CreateInput) (Purchase, error) {
	invoice := strings.TrimSpace(input.InvoiceNumber)
	if invoice == "" {
		return Purchase{}, fmt.Errorf("purchases: invoice number required")
	}
	if strings.TrimSpace(input.Supplier) == "" {
		return Purchase{}, fmt.Errorf("purchases: supplier required")
	}
	if len(input.Lines) == 0 {
		return Purchase{}, ErrNoLines
	}
	for _, line := range input.Lines {
		if err := validateLine(line); err != nil {
			return Purchase{}, err
		}
	}

	insertedKey := false
	if input.IdempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, input.IdempotencyKey, "purchases"); err != nil {
			return Purchase{}, err
		}
		insertedKey = true
	}

	var created Purchase
	touched := make([]int64, 0, len(input.Lines))
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		purchaseID, err := tx.InsertPurchase(ctx, Purchase{
			InvoiceNumber: invoice,
			Supplier:      strings.TrimSpace(input.Supplier),
			Notes:         input.Notes,
		})
		if err != nil {
			return err
		}
		total := decimal.Zero
		for _, li := range input.Lines {
			line, err := s.applyNewLine(ctx, tx, purchaseID, invoice, li)
			if err != nil {
				return err
			}
			total = total.Add(line.Subtotal)
			touched = append(touched, li.ProductID)
		}
		if err := tx.UpdateTotal(ctx, purchaseID, total); err != nil {
			return err
		}
		created = Purchase{ID: purchaseID, InvoiceNumber: invoice, Supplier: strings.TrimSpace(input.Supplier), Notes: input.Notes, Total: total}
		return nil
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, input.IdempotencyKey)
		}
		return Purchase{}, err
	}

	s.invalidate(ctx, touched...)
	s.recordAudit(ctx, "PURCHASE_CREATE", created.ID, map[string]any{"invoice": invoice, "total": created.Total.String()})
	return s.repo.Get(ctx, created.ID)
}

// AddLine appends a line to an existing purchase.
func (s *Service) AddLine(ctx context.Context, purchaseID int64, input LineInput) (Purchase, error) {
	if err := validateLine(input); err != nil {
		return Purchase{}, err
	}
	p, err := s.repo.Get(ctx, purchaseID)
	if err != nil {
		return Purchase{}, err
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := s.applyNewLine(ctx, tx, p.ID, p.InvoiceNumber, input); err != nil {
			return err
		}
		return s.recomputeTotal(ctx, tx, p.ID)
	})
	if err != nil {
		return Purchase{}, err
	}

	s.invalidate(ctx, input.ProductID)
	s.recordAudit(ctx, "PURCHASE_LINE_ADD", p.ID, map[string]any{"invoice": p.InvoiceNumber, "product_id": input.ProductID})
	return s.repo.Get(ctx, p.ID)
}

// UpdateLine replaces a line's (product, quantity, unit cost) tuple. The old
// tuple is reversed at its original unit cost before the new one is applied,
// so the average cost tracks what the edit claims happened.
func (s *Service) UpdateLine(ctx context.Context, lineID int64, input LineInput) (Purchase, error) {
	if err := validateLine(input); err != nil {
		return Purchase{}, err
	}
	old, err := s.repo.GetLine(ctx, lineID)
	if err != nil {
		return Purchase{}, err
	}
	p, err := s.repo.Get(ctx, old.PurchaseID)
	if err != nil {
		return Purchase{}, err
	}

	prevProductID := old.ProductID
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// Revert what the locked row says, not the earlier pool read: a
		// concurrent edit may have replaced the tuple in between.
		current, err := tx.GetLineForUpdate(ctx, lineID)
		if err != nil {
			return err
		}
		prevProductID = current.ProductID
		if err := s.revertLineEffect(ctx, tx, current, p.InvoiceNumber); err != nil {
			return err
		}
		if err := s.applyLineEffect(ctx, tx, input.ProductID, input.Quantity, input.UnitCost, purchaseRef(p.InvoiceNumber)); err != nil {
			return err
		}
		qty := costing.RoundQty(input.Quantity)
		unitCost := costing.RoundCost(input.UnitCost)
		if err := tx.UpdateLine(ctx, Line{
			ID:         old.ID,
			PurchaseID: old.PurchaseID,
			ProductID:  input.ProductID,
			Quantity:   qty,
			UnitCost:   unitCost,
			Subtotal:   costing.RoundCost(qty.Mul(unitCost)),
		}); err != nil {
			return err
		}
		return s.recomputeTotal(ctx, tx, p.ID)
	})
	if err != nil {
		return Purchase{}, err
	}

	s.invalidate(ctx, prevProductID, input.ProductID)
	s.recordAudit(ctx, "PURCHASE_LINE_UPDATE", p.ID, map[string]any{"invoice": p.InvoiceNumber, "line_id": lineID})
	return s.repo.Get(ctx, p.ID)
}

// DeleteLine reverses a line's effect and removes it.
func (s *Service) DeleteLine(ctx context.Context, lineID int64) (Purchase, error) {
	old, err := s.repo.GetLine(ctx, lineID)
	if err != nil {
		return Purchase{}, err
	}
	p, err := s.repo.Get(ctx, old.PurchaseID)
	if err != nil {
		return Purchase{}, err
	}

	prevProductID := old.ProductID
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetLineForUpdate(ctx, lineID)
		if err != nil {
			return err
		}
		prevProductID = current.ProductID
		if err := s.revertLineEffect(ctx, tx, current, p.InvoiceNumber); err != nil {
			return err
		}
		if err := tx.DeleteLine(ctx, lineID); err != nil {
			return err
		}
		return s.recomputeTotal(ctx, tx, p.ID)
	})
	if err != nil {
		return Purchase{}, err
	}

	s.invalidate(ctx, prevProductID)
	s.recordAudit(ctx, "PURCHASE_LINE_DELETE", p.ID, map[string]any{"invoice": p.InvoiceNumber, "line_id": lineID})
	return s.repo.Get(ctx, p.ID)
}

// Delete reverses every line's effect, then removes the purchase and its
// lines.
func (s *Service) Delete(ctx context.Context, purchaseID int64) error {
	p, err := s.repo.Get(ctx, purchaseID)
	if err != nil {
		return err
	}

	var touched []int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lines, err := tx.LockLines(ctx, purchaseID)
		if err != nil {
			return err
		}
		for _, line := range lines {
			if err := s.revertLineEffect(ctx, tx, line, p.InvoiceNumber); err != nil {
				return err
			}
			touched = append(touched, line.ProductID)
		}
		if err := tx.DeleteLines(ctx, purchaseID); err != nil {
			return err
		}
		return tx.DeletePurchase(ctx, purchaseID)
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, touched...)
	s.recordAudit(ctx, "PURCHASE_DELETE", purchaseID, map[string]any{"invoice": p.InvoiceNumber})
	return nil
}

// Get fetches a purchase with lines.
func (s *Service) Get(ctx context.Context, id int64) (Purchase, error) {
	return s.repo.Get(ctx, id)
}

// List returns purchases matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Purchase, shared.Pagination, error) {
	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// applyNewLine persists a line and applies its stock and cost effect.
func (s *Service) applyNewLine(ctx context.Context, tx TxRepository, purchaseID int64, invoice string, input LineInput) (Line, error) {
	if err := s.applyLineEffect(ctx, tx, input.ProductID, input.Quantity, input.UnitCost, purchaseRef(invoice)); err != nil {
		return Line{}, err
	}
	qty := costing.RoundQty(input.Quantity)
	unitCost := costing.RoundCost(input.UnitCost)
	line := Line{
		PurchaseID: purchaseID,
		ProductID:  input.ProductID,
		Quantity:   qty,
		UnitCost:   unitCost,
		Subtotal:   costing.RoundCost(qty.Mul(unitCost)),
	}
	id, err := tx.InsertLine(ctx, line)
	if err != nil {
		return Line{}, err
	}
	line.ID = id
	return line, nil
}

// applyLineEffect folds an incoming (qty, unitCost) into the product's
// average and records the inbound movement.
func (s *Service) applyLineEffect(ctx context.Context, tx TxRepository, productID int64, qty, unitCost decimal.Decimal, ref string) error {
	state, err := tx.GetProductForUpdate(ctx, productID)
	if err != nil {
		return err
	}
	_, newCost := costing.Apply(state.Stock, state.AvgCost, qty, unitCost)
	_, err = tx.RecordMovement(ctx, ledger.RecordInput{
		ProductID:   productID,
		Kind:        ledger.KindIn,
		Quantity:    qty,
		Reference:   ref,
		NewUnitCost: &newCost,
	})
	return err
}

// revertLineEffect undoes a previously applied line at its original unit
// cost, recording the reversing outbound movement.
func (s *Service) revertLineEffect(ctx context.Context, tx TxRepository, line Line, invoice string) error {
	state, err := tx.GetProductForUpdate(ctx, line.ProductID)
	if err != nil {
		return err
	}
	_, newCost := costing.Revert(state.Stock, state.AvgCost, line.Quantity, line.UnitCost)
	_, err = tx.RecordMovement(ctx, ledger.RecordInput{
		ProductID:   line.ProductID,
		Kind:        ledger.KindOut,
		Quantity:    line.Quantity,
		Reference:   reversalRef(invoice),
		NewUnitCost: &newCost,
	})
	return err
}

func (s *Service) recomputeTotal(ctx context.Context, tx TxRepository, purchaseID int64) error {
	total, err := tx.SumSubtotals(ctx, purchaseID)
	if err != nil {
		return err
	}
	return tx.UpdateTotal(ctx, purchaseID, total)
}

func (s *Service) invalidate(ctx context.Context, productIDs ...int64) {
	if err := s.availability.Invalidate(ctx, productIDs...); err != nil {
		s.logger.Warn("availability invalidate", slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		Action:   action,
		Entity:   "purchase",
		EntityID: fmt.Sprintf("%d", id),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}

func validateLine(input LineInput) error {
	if input.ProductID == 0 {
		return ErrUnknownProduct
	}
	if input.Quantity.Sign() <= 0 {
		return ErrNonPositiveQuantity
	}
	if input.UnitCost.Sign() < 0 {
		return ErrNegativeUnitCost
	}
	return nil
}

func purchaseRef(invoice string) string {
	return fmt.Sprintf("Purchase %s", invoice)
}

func reversalRef(invoice string) string {
	return fmt.Sprintf("Purchase %s (reversal)", invoice)
}
