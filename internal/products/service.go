package products

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/platform/cache"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort abstracts persistence for the service.
type RepositoryPort interface {
	Create(ctx context.Context, p Product) (Product, error)
	Get(ctx context.Context, id int64) (Product, error)
	GetByCode(ctx context.Context, code string) (Product, error)
	Update(ctx context.Context, p Product) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, filter ListFilter) ([]Product, int, error)
	LowStock(ctx context.Context) ([]Product, error)
	GetStock(ctx context.Context, id int64) (decimal.Decimal, error)
}

// Service coordinates product catalog operations.
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

// Create registers a new product with a generated code and zero stock.
func (s *Service) Create(ctx context.Context, input CreateInput) (Product, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Product{}, fmt.Errorf("%w: name required", ErrValidation)
	}
	if input.Price.Sign() < 0 {
		return Product{}, fmt.Errorf("%w: price must not be negative", ErrValidation)
	}
	if input.MinStock.Sign() < 0 {
		return Product{}, fmt.Errorf("%w: minimum stock must not be negative", ErrValidation)
	}

	created, err := s.repo.Create(ctx, Product{
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		Category:    strings.TrimSpace(input.Category),
		Unit:        strings.TrimSpace(input.Unit),
		Price:       input.Price,
		MinStock:    input.MinStock,
	})
	if err != nil {
		return Product{}, err
	}
	s.recordAudit(ctx, "PRODUCT_CREATE", created.ID, map[string]any{"code": created.Code, "name": created.Name})
	return created, nil
}

// Update changes catalog fields. The stock and cost projections are owned by
// the ledger and cannot be written here.
func (s *Service) Update(ctx context.Context, id int64, input UpdateInput) (Product, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return Product{}, err
	}
	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return Product{}, fmt.Errorf("%w: name required", ErrValidation)
		}
		p.Name = name
	}
	if input.Description != nil {
		p.Description = strings.TrimSpace(*input.Description)
	}
	if input.Category != nil {
		p.Category = strings.TrimSpace(*input.Category)
	}
	if input.Unit != nil {
		p.Unit = strings.TrimSpace(*input.Unit)
	}
	if input.Price != nil {
		if input.Price.Sign() < 0 {
			return Product{}, fmt.Errorf("%w: price must not be negative", ErrValidation)
		}
		p.Price = *input.Price
	}
	if input.MinStock != nil {
		if input.MinStock.Sign() < 0 {
			return Product{}, fmt.Errorf("%w: minimum stock must not be negative", ErrValidation)
		}
		p.MinStock = *input.MinStock
	}
	if input.Active != nil {
		p.Active = *input.Active
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return Product{}, err
	}
	s.recordAudit(ctx, "PRODUCT_UPDATE", p.ID, map[string]any{"code": p.Code})
	return p, nil
}

// Delete removes an unreferenced product.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.availability.Invalidate(ctx, id); err != nil {
		s.logger.Warn("availability invalidate", slog.Int64("product_id", id), slog.Any("error", err))
	}
	s.recordAudit(ctx, "PRODUCT_DELETE", id, nil)
	return nil
}

// Get fetches one product.
func (s *Service) Get(ctx context.Context, id int64) (Product, error) {
	return s.repo.Get(ctx, id)
}

// List returns products matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Product, shared.Pagination, error) {
	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// LowStock lists active products at or below their minimum stock.
func (s *Service) LowStock(ctx context.Context) ([]Product, error) {
	return s.repo.LowStock(ctx)
}

// AvailableStock returns the on-hand quantity for one product, served from
// the read cache when warm. Transactions never use this; they read the locked
// row.
func (s *Service) AvailableStock(ctx context.Context, id int64) (decimal.Decimal, error) {
	if stock, ok := s.availability.Get(ctx, id); ok {
		return stock, nil
	}
	stock, err := s.repo.GetStock(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	if err := s.availability.Set(ctx, id, stock); err != nil {
		s.logger.Warn("availability cache set", slog.Int64("product_id", id), slog.Any("error", err))
	}
	return stock, nil
}

func (s *Service) recordAudit(ctx context.Context, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		Action:   action,
		Entity:   "product",
		EntityID: fmt.Sprintf("%d", id),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}
