package manufacturing

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

// Repository persists recipes and production orders in PostgreSQL.
type Repository struct {
	pool     *pgxpool.Pool
	recorder ledger.Recorder
}

// NewRepository constructs the repository with the ledger recorder it binds
// into each transaction.
func NewRepository(pool *pgxpool.Pool, recorder ledger.Recorder) *Repository {
	return &Repository{pool: pool, recorder: recorder}
}

// TxRepository exposes the transactional operations behind confirm, void and
// draft deletion. All stock effects flow through RecordMovement.
type TxRepository interface {
	GetOrderForUpdate(ctx context.Context, id int64) (ProductionOrder, error)
	GetRecipe(ctx context.Context, id int64) (Recipe, error)
	LockProducts(ctx context.Context, ids []int64) (map[int64]decimal.Decimal, error)
	MarkConfirmed(ctx context.Context, id int64) error
	MarkVoided(ctx context.Context, id int64) error
	DeleteOrder(ctx context.Context, id int64) error
	InsertConsumptions(ctx context.Context, orderID int64, rows []Consumption) error
	Consumptions(ctx context.Context, orderID int64) ([]Consumption, error)
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

// CreateRecipe inserts a recipe with its lines.
func (r *Repository) CreateRecipe(ctx context.Context, recipe Recipe) (Recipe, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO recipes (name, output_product_id, active) VALUES ($1, $2, $3) RETURNING id, created_at`,
			recipe.Name, recipe.OutputProductID, recipe.Active).Scan(&recipe.ID, &recipe.CreatedAt)
		if err != nil {
			if db.IsUniqueViolation(err, "recipes_output_product_id_name_key") {
				return ErrDuplicateRecipeName
			}
			if db.IsForeignKeyViolation(err) {
				return ErrUnknownProduct
			}
			return fmt.Errorf("manufacturing: insert recipe: %w", err)
		}
		return insertRecipeLines(ctx, tx, recipe.ID, recipe.Lines)
	})
	if err != nil {
		return Recipe{}, err
	}
	return r.GetRecipe(ctx, recipe.ID)
}

// UpdateRecipe replaces a recipe's header fields and lines.
func (r *Repository) UpdateRecipe(ctx context.Context, recipe Recipe) (Recipe, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE recipes SET name=$1, output_product_id=$2, active=$3 WHERE id=$4`,
			recipe.Name, recipe.OutputProductID, recipe.Active, recipe.ID)
		if err != nil {
			if db.IsUniqueViolation(err, "recipes_output_product_id_name_key") {
				return ErrDuplicateRecipeName
			}
			if db.IsForeignKeyViolation(err) {
				return ErrUnknownProduct
			}
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrRecipeNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM recipe_lines WHERE recipe_id=$1`, recipe.ID); err != nil {
			return err
		}
		return insertRecipeLines(ctx, tx, recipe.ID, recipe.Lines)
	})
	if err != nil {
		return Recipe{}, err
	}
	return r.GetRecipe(ctx, recipe.ID)
}

func insertRecipeLines(ctx context.Context, tx pgx.Tx, recipeID int64, lines []RecipeLine) error {
	for _, line := range lines {
		_, err := tx.Exec(ctx,
			`INSERT INTO recipe_lines (recipe_id, input_product_id, quantity_per_unit) VALUES ($1, $2, $3)`,
			recipeID, line.InputProductID, line.QuantityPerUnit)
		if err != nil {
			if db.IsForeignKeyViolation(err) {
				return ErrUnknownProduct
			}
			return err
		}
	}
	return nil
}

// GetRecipe returns a recipe with its lines.
func (r *Repository) GetRecipe(ctx context.Context, id int64) (Recipe, error) {
	recipe, err := scanRecipe(r.pool.QueryRow(ctx,
		`SELECT id, name, output_product_id, active, created_at FROM recipes WHERE id=$1`, id))
	if err != nil {
		return Recipe{}, err
	}
	recipe.Lines, err = recipeLines(ctx, r.pool, id)
	if err != nil {
		return Recipe{}, err
	}
	return recipe, nil
}

// ListRecipes returns all recipes with lines, newest first.
func (r *Repository) ListRecipes(ctx context.Context) ([]Recipe, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, output_product_id, active, created_at FROM recipes ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipes []Recipe
	for rows.Next() {
		var rec Recipe
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.OutputProductID, &rec.Active, &rec.CreatedAt); err != nil {
			return nil, err
		}
		recipes = append(recipes, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range recipes {
		recipes[i].Lines, err = recipeLines(ctx, r.pool, recipes[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return recipes, nil
}

// DeleteRecipe removes a recipe unless production orders reference it.
func (r *Repository) DeleteRecipe(ctx context.Context, id int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM recipe_lines WHERE recipe_id=$1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM recipes WHERE id=$1`, id)
		if err != nil {
			if db.IsForeignKeyViolation(err) {
				return ErrRecipeInUse
			}
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrRecipeNotFound
		}
		return nil
	})
}

// CreateOrder inserts a draft order.
func (r *Repository) CreateOrder(ctx context.Context, order ProductionOrder) (ProductionOrder, error) {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO production_orders (recipe_id, quantity, state, notes) VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		order.RecipeID, order.Quantity, order.State, order.Notes).Scan(&order.ID, &order.CreatedAt)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return ProductionOrder{}, ErrRecipeNotFound
		}
		return ProductionOrder{}, fmt.Errorf("manufacturing: insert order: %w", err)
	}
	return order, nil
}

// GetOrder returns one order.
func (r *Repository) GetOrder(ctx context.Context, id int64) (ProductionOrder, error) {
	return scanOrder(r.pool.QueryRow(ctx,
		`SELECT id, recipe_id, quantity, state, COALESCE(notes,''), created_at, confirmed_at, voided_at
		 FROM production_orders WHERE id=$1`, id))
}

// ListOrders returns orders, newest first, plus the total count.
func (r *Repository) ListOrders(ctx context.Context, filter ListFilter) ([]ProductionOrder, int, error) {
	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 50
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	state := string(filter.State)

	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM production_orders WHERE ($1 = '' OR state = $1)`, state).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, recipe_id, quantity, state, COALESCE(notes,''), created_at, confirmed_at, voided_at
		 FROM production_orders WHERE ($1 = '' OR state = $1)
		 ORDER BY id DESC LIMIT $2 OFFSET $3`,
		state, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var orders []ProductionOrder
	for rows.Next() {
		var o ProductionOrder
		if err := rows.Scan(&o.ID, &o.RecipeID, &o.Quantity, &o.State, &o.Notes, &o.CreatedAt, &o.ConfirmedAt, &o.VoidedAt); err != nil {
			return nil, 0, err
		}
		orders = append(orders, o)
	}
	return orders, total, rows.Err()
}

// OrderConsumptions returns the movement snapshot of a confirmed order.
func (r *Repository) OrderConsumptions(ctx context.Context, orderID int64) ([]Consumption, error) {
	return queryConsumptions(ctx, r.pool, orderID)
}

func (r *txRepo) GetOrderForUpdate(ctx context.Context, id int64) (ProductionOrder, error) {
	return scanOrder(r.tx.QueryRow(ctx,
		`SELECT id, recipe_id, quantity, state, COALESCE(notes,''), created_at, confirmed_at, voided_at
		 FROM production_orders WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepo) GetRecipe(ctx context.Context, id int64) (Recipe, error) {
	recipe, err := scanRecipe(r.tx.QueryRow(ctx,
		`SELECT id, name, output_product_id, active, created_at FROM recipes WHERE id=$1`, id))
	if err != nil {
		return Recipe{}, err
	}
	recipe.Lines, err = recipeLines(ctx, r.tx, id)
	if err != nil {
		return Recipe{}, err
	}
	return recipe, nil
}

// LockProducts locks the given product rows in ascending id order and
// returns their stock. Ascending order keeps concurrent orders from
// deadlocking on overlapping product sets.
func (r *txRepo) LockProducts(ctx context.Context, ids []int64) (map[int64]decimal.Decimal, error) {
	rows, err := r.tx.Query(ctx,
		`SELECT id, stock FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stocks := make(map[int64]decimal.Decimal, len(ids))
	for rows.Next() {
		var id int64
		var stock decimal.Decimal
		if err := rows.Scan(&id, &stock); err != nil {
			return nil, err
		}
		stocks[id] = stock
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := stocks[id]; !ok {
			return nil, ErrUnknownProduct
		}
	}
	return stocks, nil
}

func (r *txRepo) MarkConfirmed(ctx context.Context, id int64) error {
	_, err := r.tx.Exec(ctx,
		`UPDATE production_orders SET state=$1, confirmed_at=NOW() WHERE id=$2`, StateConfirmed, id)
	return err
}

func (r *txRepo) MarkVoided(ctx context.Context, id int64) error {
	_, err := r.tx.Exec(ctx,
		`UPDATE production_orders SET state=$1, voided_at=NOW() WHERE id=$2`, StateVoid, id)
	return err
}

func (r *txRepo) DeleteOrder(ctx context.Context, id int64) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM production_order_consumptions WHERE order_id=$1`, id); err != nil {
		return err
	}
	tag, err := r.tx.Exec(ctx, `DELETE FROM production_orders WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepo) InsertConsumptions(ctx context.Context, orderID int64, rows []Consumption) error {
	for _, c := range rows {
		_, err := r.tx.Exec(ctx,
			`INSERT INTO production_order_consumptions (order_id, product_id, quantity, is_output) VALUES ($1, $2, $3, $4)`,
			orderID, c.ProductID, c.Quantity, c.IsOutput)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepo) Consumptions(ctx context.Context, orderID int64) ([]Consumption, error) {
	return queryConsumptions(ctx, r.tx, orderID)
}

func (r *txRepo) RecordMovement(ctx context.Context, input ledger.RecordInput) (ledger.Entry, error) {
	return r.recorder.Record(ctx, r.tx, input)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func recipeLines(ctx context.Context, q querier, recipeID int64) ([]RecipeLine, error) {
	rows, err := q.Query(ctx,
		`SELECT id, recipe_id, input_product_id, quantity_per_unit FROM recipe_lines WHERE recipe_id=$1 ORDER BY id`, recipeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []RecipeLine
	for rows.Next() {
		var line RecipeLine
		if err := rows.Scan(&line.ID, &line.RecipeID, &line.InputProductID, &line.QuantityPerUnit); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func queryConsumptions(ctx context.Context, q querier, orderID int64) ([]Consumption, error) {
	rows, err := q.Query(ctx,
		`SELECT id, order_id, product_id, quantity, is_output FROM production_order_consumptions WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Consumption
	for rows.Next() {
		var c Consumption
		if err := rows.Scan(&c.ID, &c.OrderID, &c.ProductID, &c.Quantity, &c.IsOutput); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func scanRecipe(row pgx.Row) (Recipe, error) {
	var rec Recipe
	err := row.Scan(&rec.ID, &rec.Name, &rec.OutputProductID, &rec.Active, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Recipe{}, ErrRecipeNotFound
		}
		return Recipe{}, err
	}
	return rec, nil
}

func scanOrder(row pgx.Row) (ProductionOrder, error) {
	var o ProductionOrder
	err := row.Scan(&o.ID, &o.RecipeID, &o.Quantity, &o.State, &o.Notes, &o.CreatedAt, &o.ConfirmedAt, &o.VoidedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ProductionOrder{}, ErrNotFound
		}
		return ProductionOrder{}, err
	}
	return o, nil
}
