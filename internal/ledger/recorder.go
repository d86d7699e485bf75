package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/costing"
)

// Recorder is the narrow capability injected into the purchase, sale and
// production subsystems. Implementations run inside the caller's transaction
// so the entry, the stock projection and the caller's own rows commit as one.
type Recorder interface {
	Record(ctx context.Context, tx pgx.Tx, input RecordInput) (Entry, error)
}

// PgRecorder persists movements in PostgreSQL.
type PgRecorder struct{}

// NewPgRecorder constructs the recorder.
func NewPgRecorder() *PgRecorder {
	return &PgRecorder{}
}

// Record applies one movement: locks the product row, computes the running
// balance, appends the kardex entry and updates the stock projection. An
// outbound movement that would go negative clamps the balance at zero. A zero
// balance always collapses the average cost to zero.
func (r *PgRecorder) Record(ctx context.Context, tx pgx.Tx, input RecordInput) (Entry, error) {
	if !input.Kind.Valid() {
		return Entry{}, ErrInvalidKind
	}
	if input.Quantity.Sign() <= 0 {
		return Entry{}, ErrNilQuantity
	}

	qty := costing.RoundQty(input.Quantity)
	if qty.IsZero() {
		return Entry{}, ErrNilQuantity
	}

	var stock, avgCost decimal.Decimal
	err := tx.QueryRow(ctx, `SELECT stock, avg_cost FROM products WHERE id=$1 FOR UPDATE`, input.ProductID).
		Scan(&stock, &avgCost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrUnknownProduct
		}
		return Entry{}, fmt.Errorf("ledger: lock product: %w", err)
	}

	var balance decimal.Decimal
	switch input.Kind {
	case KindIn:
		balance = stock.Add(qty)
	case KindOut:
		balance = stock.Sub(qty)
		if balance.Sign() < 0 {
			balance = decimal.Zero
		}
	}
	balance = costing.RoundQty(balance)

	cost := avgCost
	if input.NewUnitCost != nil {
		cost = costing.RoundCost(*input.NewUnitCost)
	}
	if balance.IsZero() {
		cost = decimal.Zero
	}

	createdAt, err := r.entryTimestamp(ctx, tx, input.ProductID)
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		ProductID: input.ProductID,
		Kind:      input.Kind,
		Quantity:  qty,
		Balance:   balance,
		Reference: input.Reference,
		CreatedAt: createdAt,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO kardex_entries (product_id, kind, quantity, balance, reference, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		entry.ProductID, string(entry.Kind), entry.Quantity, entry.Balance, entry.Reference, entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: insert entry: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE products SET stock=$1, avg_cost=$2, updated_at=NOW() WHERE id=$3`,
		balance, cost, input.ProductID)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: update projection: %w", err)
	}

	return entry, nil
}

// entryTimestamp keeps per-product timestamps monotonically non-decreasing
// even if the wall clock steps backwards between requests.
func (r *PgRecorder) entryTimestamp(ctx context.Context, tx pgx.Tx, productID int64) (time.Time, error) {
	now := time.Now().UTC()
	var last time.Time
	err := tx.QueryRow(ctx,
		`SELECT created_at FROM kardex_entries WHERE product_id=$1 ORDER BY id DESC LIMIT 1`,
		productID).Scan(&last)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return now, nil
		}
		return time.Time{}, fmt.Errorf("ledger: read last entry: %w", err)
	}
	if now.Before(last) {
		return last, nil
	}
	return now, nil
}
