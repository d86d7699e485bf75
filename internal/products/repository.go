package products

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// codeSeed starts the A-%05d sequence.
const codeSeed = 1

// Repository persists products in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const productColumns = `id, code, name, COALESCE(description,''), COALESCE(category,''), COALESCE(unit,''),
	price, min_stock, active, stock, avg_cost, created_at, updated_at`

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Description, &p.Category, &p.Unit,
		&p.Price, &p.MinStock, &p.Active, &p.Stock, &p.AvgCost, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, err
	}
	return p, nil
}

// Create inserts the product, assigning the next A-%05d code. The advisory
// lock serialises code generation across concurrent creates.
func (r *Repository) Create(ctx context.Context, p Product) (Product, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('products:code'))`); err != nil {
			return fmt.Errorf("products: code lock: %w", err)
		}
		var lastCode string
		err := tx.QueryRow(ctx, `SELECT code FROM products ORDER BY id DESC LIMIT 1`).Scan(&lastCode)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("products: last code: %w", err)
		}
		p.Code = nextCode(lastCode)
		return tx.QueryRow(ctx,
			`INSERT INTO products (code, name, description, category, unit, price, min_stock, active, stock, avg_cost)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, 0, 0)
			 RETURNING id, created_at, updated_at`,
			p.Code, p.Name, p.Description, p.Category, p.Unit, p.Price, p.MinStock,
		).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	})
	if err != nil {
		return Product{}, err
	}
	p.Active = true
	p.Stock = decimal.Zero
	p.AvgCost = decimal.Zero
	return p, nil
}

// nextCode continues the A-%05d sequence from the prior code, seeding when
// there is no prior record or the prior code does not match the scheme.
func nextCode(lastCode string) string {
	n := codeSeed
	if strings.HasPrefix(lastCode, "A-") {
		if parsed, err := strconv.Atoi(strings.TrimPrefix(lastCode, "A-")); err == nil {
			n = parsed + 1
		}
	}
	return fmt.Sprintf("A-%05d", n)
}

// Get fetches one product.
func (r *Repository) Get(ctx context.Context, id int64) (Product, error) {
	return scanProduct(r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1`, id))
}

// GetByCode fetches one product by its stable code.
func (r *Repository) GetByCode(ctx context.Context, code string) (Product, error) {
	return scanProduct(r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE code=$1`, code))
}

// Update writes catalog fields.
func (r *Repository) Update(ctx context.Context, p Product) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE products SET name=$1, description=$2, category=$3, unit=$4, price=$5, min_stock=$6, active=$7, updated_at=NOW()
		 WHERE id=$8`,
		p.Name, p.Description, p.Category, p.Unit, p.Price, p.MinStock, p.Active, p.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a product. Foreign keys from kardex entries, document lines
// and recipe lines are RESTRICT, so deletion of a referenced product fails.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM products WHERE id=$1`, id)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return ErrProductInUse
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns products matching the filter plus the total count.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Product, int, error) {
	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 50
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	pattern := "%" + strings.TrimSpace(filter.Query) + "%"

	var total int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM products
		 WHERE (name ILIKE $1 OR code ILIKE $1) AND (NOT $2 OR active)`,
		pattern, filter.ActiveOnly).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+productColumns+` FROM products
		 WHERE (name ILIKE $1 OR code ILIKE $1) AND (NOT $2 OR active)
		 ORDER BY name, id
		 LIMIT $3 OFFSET $4`,
		pattern, filter.ActiveOnly, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

// LowStock returns active products at or below their minimum stock.
func (r *Repository) LowStock(ctx context.Context) ([]Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+productColumns+` FROM products WHERE active AND stock <= min_stock ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// GetStock reads the current stock projection for one product.
func (r *Repository) GetStock(ctx context.Context, id int64) (decimal.Decimal, error) {
	var stock decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT stock FROM products WHERE id=$1`, id).Scan(&stock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrNotFound
		}
		return decimal.Zero, err
	}
	return stock, nil
}
