package ledger

import (
	"context"
	"errors"
	"time"
)

// HistoryPort abstracts the repository for the service.
type HistoryPort interface {
	History(ctx context.Context, filter HistoryFilter) ([]Entry, error)
}

// Service serves kardex reads.
type Service struct {
	repo HistoryPort
}

// NewService builds Service.
func NewService(repo HistoryPort) *Service {
	return &Service{repo: repo}
}

// History lists movements for a product, newest first, optionally bounded by
// creation date.
func (s *Service) History(ctx context.Context, productID int64, from, to time.Time, limit int) ([]Entry, error) {
	if productID == 0 {
		return nil, errors.New("ledger: product required")
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, errors.New("ledger: invalid date range")
	}
	return s.repo.History(ctx, HistoryFilter{ProductID: productID, From: from, To: to, Limit: limit})
}
