package sales

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Repository persists sales in PostgreSQL.
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
// All stock effects flow through RecordMovement.
type TxRepository interface {
	NextDocumentNumber(ctx context.Context) (string, error)
	InsertSale(ctx context.Context, s Sale) (int64, error)
	DeleteSale(ctx context.Context, id int64) error
	UpdateTotal(ctx context.Context, saleID int64, total decimal.Decimal) error
	InsertLine(ctx context.Context, line Line) (int64, error)
	UpdateLine(ctx context.Context, line Line) error
	DeleteLine(ctx context.Context, lineID int64) error
	DeleteLines(ctx context.Context, saleID int64) error
	SumSubtotals(ctx context.Context, saleID int64) (decimal.Decimal, error)
	LockLines(ctx context.Context, saleID int64) ([]Line, error)
	GetLineForUpdate(ctx context.Context, lineID int64) (Line, error)
	AvailableStock(ctx context.Context, productID int64) (decimal.Decimal, error)
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

// Get returns a sale with its lines.
func (r *Repository) Get(ctx context.Context, id int64) (Sale, error) {
	var s Sale
	err := r.pool.QueryRow(ctx,
		`SELECT id, document_number, customer, COALESCE(notes,''), total, created_at FROM sales WHERE id=$1`, id).
		Scan(&s.ID, &s.DocumentNumber, &s.Customer, &s.Notes, &s.Total, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Sale{}, ErrNotFound
		}
		return Sale{}, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, sale_id, product_id, quantity, unit_price, subtotal FROM sale_lines WHERE sale_id=$1 ORDER BY id`, id)
	if err != nil {
		return Sale{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.SaleID, &line.ProductID, &line.Quantity, &line.UnitPrice, &line.Subtotal); err != nil {
			return Sale{}, err
		}
		s.Lines = append(s.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return Sale{}, err
	}
	return s, nil
}

// GetLine returns one line.
func (r *Repository) GetLine(ctx context.Context, lineID int64) (Line, error) {
	var line Line
	err := r.pool.QueryRow(ctx,
		`SELECT id, sale_id, product_id, quantity, unit_price, subtotal FROM sale_lines WHERE id=$1`, lineID).
		Scan(&line.ID, &line.SaleID, &line.ProductID, &line.Quantity, &line.UnitPrice, &line.Subtotal)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Line{}, ErrNotFound
		}
		return Line{}, err
	}
	return line, nil
}

// List returns sales, newest first, plus the total count.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Sale, int, error) {
	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 50
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	pattern := "%" + filter.Customer + "%"

	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sales WHERE customer ILIKE $1`, pattern).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, document_number, customer, COALESCE(notes,''), total, created_at
		 FROM sales WHERE customer ILIKE $1
		 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		pattern, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []Sale
	for rows.Next() {
		var s Sale
		if err := rows.Scan(&s.ID, &s.DocumentNumber, &s.Customer, &s.Notes, &s.Total, &s.CreatedAt); err != nil {
			return nil, 0, err
		}
		result = append(result, s)
	}
	return result, total, rows.Err()
}

// NextDocumentNumber serialises concurrent creators on an advisory lock, then
// derives the next number from the most recent sale.
func (r *txRepo) NextDocumentNumber(ctx context.Context) (string, error) {
	if _, err := r.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('sales:document_number'))`); err != nil {
		return "", err
	}
	var last string
	err := r.tx.QueryRow(ctx, `SELECT document_number FROM sales ORDER BY id DESC LIMIT 1`).Scan(&last)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}
	return nextDocumentNumber(last), nil
}

// nextDocumentNumber increments the prior number, or restarts at the seed
// when there is no prior number or it is not numeric.
func nextDocumentNumber(last string) string {
	n, err := strconv.ParseInt(last, 10, 64)
	if err != nil || n <= 0 {
		return documentNumberSeed
	}
	return strconv.FormatInt(n+1, 10)
}

func (r *txRepo) InsertSale(ctx context.Context, s Sale) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx,
		`INSERT INTO sales (document_number, customer, notes, total) VALUES ($1, $2, $3, 0) RETURNING id`,
		s.DocumentNumber, s.Customer, s.Notes).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("sales: insert header: %w", err)
	}
	return id, nil
}

func (r *txRepo) DeleteSale(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM sales WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepo) UpdateTotal(ctx context.Context, saleID int64, total decimal.Decimal) error {
	_, err := r.tx.Exec(ctx, `UPDATE sales SET total=$1 WHERE id=$2`, total, saleID)
	return err
}

func (r *txRepo) InsertLine(ctx context.Context, line Line) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx,
		`INSERT INTO sale_lines (sale_id, product_id, quantity, unit_price, subtotal)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		line.SaleID, line.ProductID, line.Quantity, line.UnitPrice, line.Subtotal).Scan(&id)
	return id, err
}

func (r *txRepo) UpdateLine(ctx context.Context, line Line) error {
	tag, err := r.tx.Exec(ctx,
		`UPDATE sale_lines SET product_id=$1, quantity=$2, unit_price=$3, subtotal=$4 WHERE id=$5`,
		line.ProductID, line.Quantity, line.UnitPrice, line.Subtotal, line.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepo) DeleteLine(ctx context.Context, lineID int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM sale_lines WHERE id=$1`, lineID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepo) DeleteLines(ctx context.Context, saleID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM sale_lines WHERE sale_id=$1`, saleID)
	return err
}

func (r *txRepo) SumSubtotals(ctx context.Context, saleID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(subtotal), 0) FROM sale_lines WHERE sale_id=$1`, saleID).Scan(&total)
	return total, err
}

// LockLines returns a sale's lines in creation order, locked for the
// duration of the transaction.
func (r *txRepo) LockLines(ctx context.Context, saleID int64) ([]Line, error) {
	rows, err := r.tx.Query(ctx,
		`SELECT id, sale_id, product_id, quantity, unit_price, subtotal
		 FROM sale_lines WHERE sale_id=$1 ORDER BY id FOR UPDATE`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.SaleID, &line.ProductID, &line.Quantity, &line.UnitPrice, &line.Subtotal); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// GetLineForUpdate re-reads one line under a row lock. Line edits work from
// the locked tuple so two concurrent edits of the same line cannot both move
// stock for the original quantity.
func (r *txRepo) GetLineForUpdate(ctx context.Context, lineID int64) (Line, error) {
	var line Line
	err := r.tx.QueryRow(ctx,
		`SELECT id, sale_id, product_id, quantity, unit_price, subtotal FROM sale_lines WHERE id=$1 FOR UPDATE`, lineID).
		Scan(&line.ID, &line.SaleID, &line.ProductID, &line.Quantity, &line.UnitPrice, &line.Subtotal)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Line{}, ErrNotFound
		}
		return Line{}, err
	}
	return line, nil
}

// AvailableStock locks the product row and returns its stock.
func (r *txRepo) AvailableStock(ctx context.Context, productID int64) (decimal.Decimal, error) {
	var stock decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT stock FROM products WHERE id=$1 FOR UPDATE`, productID).Scan(&stock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Decimal{}, ErrUnknownProduct
		}
		return decimal.Decimal{}, err
	}
	return stock, nil
}

func (r *txRepo) RecordMovement(ctx context.Context, input ledger.RecordInput) (ledger.Entry, error) {
	return r.recorder.Record(ctx, r.tx, input)
}
