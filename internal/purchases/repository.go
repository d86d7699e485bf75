package purchases

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Repository persists purchases in PostgreSQL.
type Repository struct {
	pool     *pgxpool.Pool
	recorder ledger.Recorder
}

// NewRepository constructs the repository with the ledger recorder it binds
// into each transaction.
func NewRepository(pool *pgxpool.Pool, recorder ledger.Recorder) *Repository {
	return &Repository{pool: pool, recorder: recorder}
}

// TxRepository exposes the transactional operations used by the service.
// RecordMovement is the ledger capability: the only way any purchase code
// path touches product stock.
type TxRepository interface {
	InsertPurchase(ctx context.Context, p Purchase) (int64, error)
	DeletePurchase(ctx context.Context, id int64) error
	UpdateTotal(ctx context.Context, purchaseID int64, total decimal.Decimal) error
	InsertLine(ctx context.Context, line Line) (int64, error)
	UpdateLine(ctx context.Context, line Line) error
	DeleteLine(ctx context.Context, lineID int64) error
	DeleteLines(ctx context.Context, purchaseID int64) error
	SumSubtotals(ctx context.Context, purchaseID int64) (decimal.Decimal, error)
	LockLines(ctx context.Context, purchaseID int64) ([]Line, error)
	GetLineForUpdate(ctx context.Context, lineID int64) (Line, error)
	GetProductForUpdate(ctx context.Context, productID int64) (ProductState, error)
	RecordMovement(ctx context.Context, input ledger.RecordInput) (ledger.Entry, error)
}

type txRepo struct {
	tx       pgx.Tx
	recorder ledger.Recorder
}

// WithTx wraps fn in a RepeatableRead transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx, recorder: r.recorder})
	})
}

// Get returns a purchase with its lines.
func (r *Repository) Get(ctx context.Context, id int64) (Purchase, error) {
	var p Purchase
	err := r.pool.QueryRow(ctx,
		`SELECT id, invoice_number, supplier, COALESCE(notes,''), total, created_at FROM purchases WHERE id=$1`, id).
		Scan(&p.ID, &p.InvoiceNumber, &p.Supplier, &p.Notes, &p.Total, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Purchase{}, ErrNotFound
		}
		return Purchase{}, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, purchase_id, product_id, quantity, unit_cost, subtotal FROM purchase_lines WHERE purchase_id=$1 ORDER BY id`, id)
	if err != nil {
		return Purchase{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.PurchaseID, &line.ProductID, &line.Quantity, &line.UnitCost, &line.Subtotal); err != nil {
			return Purchase{}, err
		}
		p.Lines = append(p.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return Purchase{}, err
	}
	return p, nil
}

// GetLine returns one line.
func (r *Repository) GetLine(ctx context.Context, lineID int64) (Line, error) {
	var line Line
	err := r.pool.QueryRow(ctx,
		`SELECT id, purchase_id, product_id, quantity, unit_cost, subtotal FROM purchase_lines WHERE id=$1`, lineID).
		Scan(&line.ID, &line.PurchaseID, &line.ProductID, &line.Quantity, &line.UnitCost, &line.Subtotal)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Line{}, ErrNotFound
		}
		return Line{}, err
	}
	return line, nil
}

// List returns purchases, newest first, plus the total count.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Purchase, int, error) {
	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 50
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	pattern := "%" + filter.Supplier + "%"

	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM purchases WHERE supplier ILIKE $1`, pattern).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, invoice_number, supplier, COALESCE(notes,''), total, created_at
		 FROM purchases WHERE supplier ILIKE $1
		 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		pattern, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []Purchase
	for rows.Next() {
		var p Purchase
		if err := rows.Scan(&p.ID, &p.InvoiceNumber, &p.Supplier, &p.Notes, &p.Total, &p.CreatedAt); err != nil {
			return nil, 0, err
		}
		result = append(result, p)
	}
	return result, total, rows.Err()
}

func (r *txRepo) InsertPurchase(ctx context.Context, p Purchase) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx,
		`INSERT INTO purchases (invoice_number, supplier, notes, total) VALUES ($1, $2, $3, 0) RETURNING id`,
		p.InvoiceNumber, p.Supplier, p.Notes).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err, "purchases_invoice_number_key") {
			return 0, ErrDuplicateInvoice
		}
		return 0, fmt.Errorf("purchases: insert header: %w", err)
	}
	return id, nil
}

func (r *txRepo) DeletePurchase(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM purchases WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepo) UpdateTotal(ctx context.Context, purchaseID int64, total decimal.Decimal) error {
	_, err := r.tx.Exec(ctx, `UPDATE purchases SET total=$1 WHERE id=$2`, total, purchaseID)
	return err
}

func (r *txRepo) InsertLine(ctx context.Context, line Line) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx,
		`INSERT INTO purchase_lines (purchase_id, product_id, quantity, unit_cost, subtotal)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		line.PurchaseID, line.ProductID, line.Quantity, line.UnitCost, line.Subtotal).Scan(&id)
	return id, err
}

func (r *txRepo) UpdateLine(ctx context.Context, line Line) error {
	tag, err := r.tx.Exec(ctx,
		`UPDATE purchase_lines SET product_id=$1, quantity=$2, unit_cost=$3, subtotal=$4 WHERE id=$5`,
		line.ProductID, line.Quantity, line.UnitCost, line.Subtotal, line.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepo) DeleteLine(ctx context.Context, lineID int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM purchase_lines WHERE id=$1`, lineID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepo) DeleteLines(ctx context.Context, purchaseID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM purchase_lines WHERE purchase_id=$1`, purchaseID)
	return err
}

func (r *txRepo) SumSubtotals(ctx context.Context, purchaseID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(subtotal), 0) FROM purchase_lines WHERE purchase_id=$1`, purchaseID).Scan(&total)
	return total, err
}

// LockLines returns a purchase's lines in creation order, locked for the
// duration of the transaction.
func (r *txRepo) LockLines(ctx context.Context, purchaseID int64) ([]Line, error) {
	rows, err := r.tx.Query(ctx,
		`SELECT id, purchase_id, product_id, quantity, unit_cost, subtotal
		 FROM purchase_lines WHERE purchase_id=$1 ORDER BY id FOR UPDATE`, purchaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.PurchaseID, &line.ProductID, &line.Quantity, &line.UnitCost, &line.Subtotal); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// GetLineForUpdate re-reads one line under a row lock. Line edits revert the
// locked tuple, not whatever an earlier pool read captured, so two concurrent
// edits of the same line cannot both reverse the original quantities.
func (r *txRepo) GetLineForUpdate(ctx context.Context, lineID int64) (Line, error) {
	var line Line
	err := r.tx.QueryRow(ctx,
		`SELECT id, purchase_id, product_id, quantity, unit_cost, subtotal FROM purchase_lines WHERE id=$1 FOR UPDATE`, lineID).
		Scan(&line.ID, &line.PurchaseID, &line.ProductID, &line.Quantity, &line.UnitCost, &line.Subtotal)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Line{}, ErrNotFound
		}
		return Line{}, err
	}
	return line, nil
}

func (r *txRepo) GetProductForUpdate(ctx context.Context, productID int64) (ProductState, error) {
	var state ProductState
	err := r.tx.QueryRow(ctx, `SELECT stock, avg_cost FROM products WHERE id=$1 FOR UPDATE`, productID).
		Scan(&state.Stock, &state.AvgCost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ProductState{}, ErrUnknownProduct
		}
		return ProductState{}, err
	}
	return state, nil
}

func (r *txRepo) RecordMovement(ctx context.Context, input ledger.RecordInput) (ledger.Entry, error) {
	return r.recorder.Record(ctx, r.tx, input)
}
