package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-erp/meridian-erp/internal/platform/cache"
	"github.com/meridian-erp/meridian-erp/internal/products"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// IdempotencyCleanupJob prunes idempotency keys past their retention window.
type IdempotencyCleanupJob struct {
	store  *shared.IdempotencyStore
	logger *slog.Logger
}

// NewIdempotencyCleanupJob constructs the job.
func NewIdempotencyCleanupJob(store *shared.IdempotencyStore, logger *slog.Logger) *IdempotencyCleanupJob {
	return &IdempotencyCleanupJob{store: store, logger: logger}
}

// Handle processes TaskIdempotencyCleanup tasks.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	retention := time.Duration(payload.RetentionHours) * time.Hour
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if err := j.store.Cleanup(ctx, retention); err != nil {
		return err
	}
	j.logger.Info("idempotency cleanup complete", slog.Duration("retention", retention))
	return nil
}

// LowStockScanJob reports products at or below their minimum stock and warms
// their availability cache entries. Read-only with respect to stock.
type LowStockScanJob struct {
	repo         *products.Repository
	availability *cache.Availability
	logger       *slog.Logger
}

// NewLowStockScanJob constructs the job.
func NewLowStockScanJob(repo *products.Repository, availability *cache.Availability, logger *slog.Logger) *LowStockScanJob {
	return &LowStockScanJob{repo: repo, availability: availability, logger: logger}
}

// Handle processes TaskLowStockScan tasks.
func (j *LowStockScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	low, err := j.repo.LowStock(ctx)
	if err != nil {
		return err
	}
	for _, p := range low {
		j.logger.Warn("low stock",
			slog.String("code", p.Code),
			slog.String("name", p.Name),
			slog.String("stock", p.Stock.String()),
			slog.String("min_stock", p.MinStock.String()))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, p := range low {
		p := p
		g.Go(func() error {
			return j.availability.Set(ctx, p.ID, p.Stock)
		})
	}
	if err := g.Wait(); err != nil {
		j.logger.Warn("availability warmup", slog.Any("error", err))
	}
	j.logger.Info("low stock scan complete", slog.Int("flagged", len(low)))
	return nil
}
