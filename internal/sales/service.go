package sales

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
	Get(ctx context.Context, id int64) (Sale, error)
	GetLine(ctx context.Context, lineID int64) (Line, error)
	List(ctx context.Context, filter ListFilter) ([]Sale, int, error)
}

// Service coordinates sale operations.
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

// Create persists a sale with its lines. Each line's stock is checked under
// the product lock before the outbound movement is recorded; any shortfall
// rolls the whole sale back.
func (s *Service) Create(ctx context.Context, input CreateInput) (Sale, error) {
	if strings.TrimSpace(input.Customer) == "" {
		return Sale{}, fmt.Errorf("sales: customer required")
	}
	if len(input.Lines) == 0 {
		return Sale{}, ErrNoLines
	}
	for _, line := range input.Lines {
		if err := validateLine(line); err != nil {
			return Sale{}, err
		}
	}

	insertedKey := false
	if input.IdempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, input.IdempotencyKey, "sales"); err != nil {
			return Sale{}, err
		}
		insertedKey = true
	}

	var saleID int64
	touched := make([]int64, 0, len(input.Lines))
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.NextDocumentNumber(ctx)
		if err != nil {
			return err
		}
		saleID, err = tx.InsertSale(ctx, Sale{
			DocumentNumber: doc,
			Customer:       strings.TrimSpace(input.Customer),
			Notes:          input.Notes,
		})
		if err != nil {
			return err
		}
		total := decimal.Zero
		for _, li := range input.Lines {
			line, err := s.applyNewLine(ctx, tx, saleID, doc, li)
			if err != nil {
				return err
			}
			total = total.Add(line.Subtotal)
			touched = append(touched, li.ProductID)
		}
		return tx.UpdateTotal(ctx, saleID, total)
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, input.IdempotencyKey)
		}
		return Sale{}, err
	}

	s.invalidate(ctx, touched...)
	created, err := s.repo.Get(ctx, saleID)
	if err != nil {
		return Sale{}, err
	}
	s.recordAudit(ctx, "SALE_CREATE", saleID, map[string]any{"document": created.DocumentNumber, "total": created.Total.String()})
	return created, nil
}

// AddLine appends a line to an existing sale.
func (s *Service) AddLine(ctx context.Context, saleID int64, input LineInput) (Sale, error) {
	if err := validateLine(input); err != nil {
		return Sale{}, err
	}
	sale, err := s.repo.Get(ctx, saleID)
	if err != nil {
		return Sale{}, err
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := s.applyNewLine(ctx, tx, sale.ID, sale.DocumentNumber, input); err != nil {
			return err
		}
		return s.recomputeTotal(ctx, tx, sale.ID)
	})
	if err != nil {
		return Sale{}, err
	}

	s.invalidate(ctx, input.ProductID)
	s.recordAudit(ctx, "SALE_LINE_ADD", sale.ID, map[string]any{"document": sale.DocumentNumber, "product_id": input.ProductID})
	return s.repo.Get(ctx, sale.ID)
}

// UpdateLine replaces a line's (product, quantity, unit price) tuple. When
// the product is unchanged only the quantity delta moves stock; a product
// swap reverses the old product in full and applies the new one in full.
func (s *Service) UpdateLine(ctx context.Context, lineID int64, input LineInput) (Sale, error) {
	if err := validateLine(input); err != nil {
		return Sale{}, err
	}
	old, err := s.repo.GetLine(ctx, lineID)
	if err != nil {
		return Sale{}, err
	}
	sale, err := s.repo.Get(ctx, old.SaleID)
	if err != nil {
		return Sale{}, err
	}

	prevProductID := old.ProductID
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// Work from the locked row, not the earlier pool read: a concurrent
		// edit may have replaced the tuple in between.
		current, err := tx.GetLineForUpdate(ctx, lineID)
		if err != nil {
			return err
		}
		prevProductID = current.ProductID
		if current.ProductID == input.ProductID {
			if err := s.applyDelta(ctx, tx, sale.DocumentNumber, input.ProductID, input.Quantity-current.Quantity); err != nil {
				return err
			}
		} else {
			if err := s.recordReturn(ctx, tx, sale.DocumentNumber, current.ProductID, current.Quantity); err != nil {
				return err
			}
			if err := s.recordIssue(ctx, tx, sale.DocumentNumber, input.ProductID, input.Quantity); err != nil {
				return err
			}
		}
		price := costing.RoundCost(input.UnitPrice)
		if err := tx.UpdateLine(ctx, Line{
			ID:        old.ID,
			SaleID:    old.SaleID,
			ProductID: input.ProductID,
			Quantity:  input.Quantity,
			UnitPrice: price,
			Subtotal:  costing.RoundCost(price.Mul(decimal.NewFromInt(input.Quantity))),
		}); err != nil {
			return err
		}
		return s.recomputeTotal(ctx, tx, sale.ID)
	})
	if err != nil {
		return Sale{}, err
	}

	s.invalidate(ctx, prevProductID, input.ProductID)
	s.recordAudit(ctx, "SALE_LINE_UPDATE", sale.ID, map[string]any{"document": sale.DocumentNumber, "line_id": lineID})
	return s.repo.Get(ctx, sale.ID)
}

// DeleteLine returns the line's quantity to stock and removes it.
func (s *Service) DeleteLine(ctx context.Context, lineID int64) (Sale, error) {
	old, err := s.repo.GetLine(ctx, lineID)
	if err != nil {
		return Sale{}, err
	}
	sale, err := s.repo.Get(ctx, old.SaleID)
	if err != nil {
		return Sale{}, err
	}

	prevProductID := old.ProductID
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetLineForUpdate(ctx, lineID)
		if err != nil {
			return err
		}
		prevProductID = current.ProductID
		if err := s.recordReturn(ctx, tx, sale.DocumentNumber, current.ProductID, current.Quantity); err != nil {
			return err
		}
		if err := tx.DeleteLine(ctx, lineID); err != nil {
			return err
		}
		return s.recomputeTotal(ctx, tx, sale.ID)
	})
	if err != nil {
		return Sale{}, err
	}

	s.invalidate(ctx, prevProductID)
	s.recordAudit(ctx, "SALE_LINE_DELETE", sale.ID, map[string]any{"document": sale.DocumentNumber, "line_id": lineID})
	return s.repo.Get(ctx, sale.ID)
}

// Delete returns every line's quantity to stock, then removes the sale and
// its lines.
func (s *Service) Delete(ctx context.Context, saleID int64) error {
	sale, err := s.repo.Get(ctx, saleID)
	if err != nil {
		return err
	}

	var touched []int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lines, err := tx.LockLines(ctx, saleID)
		if err != nil {
			return err
		}
		for _, line := range lines {
			if err := s.recordReturn(ctx, tx, sale.DocumentNumber, line.ProductID, line.Quantity); err != nil {
				return err
			}
			touched = append(touched, line.ProductID)
		}
		if err := tx.DeleteLines(ctx, saleID); err != nil {
			return err
		}
		return tx.DeleteSale(ctx, saleID)
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, touched...)
	s.recordAudit(ctx, "SALE_DELETE", saleID, map[string]any{"document": sale.DocumentNumber})
	return nil
}

// Get fetches a sale with lines.
func (s *Service) Get(ctx context.Context, id int64) (Sale, error) {
	return s.repo.Get(ctx, id)
}

// List returns sales matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Sale, shared.Pagination, error) {
	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// applyNewLine records the outbound movement and persists the line.
func (s *Service) applyNewLine(ctx context.Context, tx TxRepository, saleID int64, doc string, input LineInput) (Line, error) {
	if err := s.recordIssue(ctx, tx, doc, input.ProductID, input.Quantity); err != nil {
		return Line{}, err
	}
	price := costing.RoundCost(input.UnitPrice)
	line := Line{
		SaleID:    saleID,
		ProductID: input.ProductID,
		Quantity:  input.Quantity,
		UnitPrice: price,
		Subtotal:  costing.RoundCost(price.Mul(decimal.NewFromInt(input.Quantity))),
	}
	id, err := tx.InsertLine(ctx, line)
	if err != nil {
		return Line{}, err
	}
	line.ID = id
	return line, nil
}

// applyDelta moves only the quantity difference: extra units go out after a
// sufficiency check, returned units come back in.
func (s *Service) applyDelta(ctx context.Context, tx TxRepository, doc string, productID, delta int64) error {
	switch {
	case delta > 0:
		return s.recordIssue(ctx, tx, doc, productID, delta)
	case delta < 0:
		return s.recordReturn(ctx, tx, doc, productID, -delta)
	default:
		return nil
	}
}

// recordIssue checks availability under the product lock and records an OUT
// movement. Unit cost is left untouched.
func (s *Service) recordIssue(ctx context.Context, tx TxRepository, doc string, productID, quantity int64) error {
	available, err := tx.AvailableStock(ctx, productID)
	if err != nil {
		return err
	}
	requested := decimal.NewFromInt(quantity)
	if requested.GreaterThan(available) {
		return &InsufficientStockError{ProductID: productID, Available: available, Requested: requested}
	}
	_, err = tx.RecordMovement(ctx, ledger.RecordInput{
		ProductID: productID,
		Kind:      ledger.KindOut,
		Quantity:  requested,
		Reference: saleRef(doc),
	})
	return err
}

// recordReturn records an IN movement restoring previously sold units.
func (s *Service) recordReturn(ctx context.Context, tx TxRepository, doc string, productID, quantity int64) error {
	_, err := tx.RecordMovement(ctx, ledger.RecordInput{
		ProductID: productID,
		Kind:      ledger.KindIn,
		Quantity:  decimal.NewFromInt(quantity),
		Reference: reversalRef(doc),
	})
	return err
}

func (s *Service) recomputeTotal(ctx context.Context, tx TxRepository, saleID int64) error {
	total, err := tx.SumSubtotals(ctx, saleID)
	if err != nil {
		return err
	}
	return tx.UpdateTotal(ctx, saleID, total)
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
		Entity:   "sale",
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
	if input.Quantity <= 0 {
		return ErrNonPositiveQuantity
	}
	if input.UnitPrice.Sign() < 0 {
		return ErrNegativeUnitPrice
	}
	return nil
}

func saleRef(doc string) string {
	return fmt.Sprintf("Sale %s", doc)
}

func reversalRef(doc string) string {
	return fmt.Sprintf("Sale %s (reversal)", doc)
}
