package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"dropshop/internal/models"

	"github.com/jmoiron/sqlx"
)

const productColumns = `id, name, description, price, available_stock, stock_version, available, created_at, updated_at`

func getProduct(ctx context.Context, q sqlx.ExtContext, id int64, suffix string) (*models.Product, error) {
	var product models.Product
	err := sqlx.GetContext(ctx, q, &product,
		q.Rebind("SELECT "+productColumns+" FROM products WHERE id = ?"+suffix), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", models.ErrProductNotFound, id)
	}
	if err != nil {
		return nil, classify(err)
	}
	return &product, nil
}

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	return getProduct(ctx, s.db, id, "")
}

// ListProducts retrieves all products
func (s *Store) ListProducts(ctx context.Context) ([]models.Product, error) {
	products := []models.Product{}
	err := s.db.SelectContext(ctx, &products, "SELECT "+productColumns+" FROM products ORDER BY id")
	if err != nil {
		return nil, classify(err)
	}
	return products, nil
}

// ListAvailableProducts retrieves listed products, newest first
func (s *Store) ListAvailableProducts(ctx context.Context) ([]models.Product, error) {
	products := []models.Product{}
	err := s.db.SelectContext(ctx, &products,
		"SELECT "+productColumns+" FROM products WHERE available = TRUE ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, classify(err)
	}
	return products, nil
}

// CreateProduct inserts a product with an empty pool
func (s *Store) CreateProduct(ctx context.Context, product *models.Product) error {
	ts := now()
	product.AvailableStock = 0
	product.StockVersion = 0
	product.CreatedAt = ts
	product.UpdatedAt = ts

	query := s.db.Rebind(`
		INSERT INTO products (name, description, price, available_stock, stock_version, available, created_at, updated_at)
		VALUES (?, ?, ?, 0, 0, ?, ?, ?)
		RETURNING id`)

	err := s.db.GetContext(ctx, &product.ID, query,
		product.Name, product.Description, product.Price.String(), product.Available, ts, ts)
	if err != nil {
		return classify(fmt.Errorf("failed to create product: %w", err))
	}
	return nil
}

// SetProductAvailable toggles the listing flag. Stock is not touched.
func (s *Store) SetProductAvailable(ctx context.Context, id int64, available bool) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind("UPDATE products SET available = ?, updated_at = ? WHERE id = ?"),
		available, now(), id)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", models.ErrProductNotFound, id)
	}
	return nil
}

// GetProduct reads a product inside the transaction
func (t *Tx) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	return getProduct(ctx, t.tx, id, "")
}

// GetProductForUpdate locks the product row for the rest of the transaction
func (t *Tx) GetProductForUpdate(ctx context.Context, id int64) (*models.Product, error) {
	return getProduct(ctx, t.tx, id, t.dialect.forUpdate())
}

func (t *Tx) updateStock(ctx context.Context, productID int64, expr string, args ...interface{}) (*models.StockLevel, error) {
	query := t.tx.Rebind(`
		UPDATE products
		SET available_stock = ` + expr + `, stock_version = stock_version + 1, updated_at = ?
		WHERE id = ?
		RETURNING id, available_stock, stock_version`)

	args = append(args, now(), productID)

	var level models.StockLevel
	err := t.tx.GetContext(ctx, &level, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", models.ErrProductNotFound, productID)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to update stock: %w", err))
	}
	return &level, nil
}

// IncrementStock adds one unit to the counter
func (t *Tx) IncrementStock(ctx context.Context, productID int64) (*models.StockLevel, error) {
	return t.updateStock(ctx, productID, "available_stock + 1")
}

// DecrementStock removes one unit from the counter, floored at zero
func (t *Tx) DecrementStock(ctx context.Context, productID int64) (*models.StockLevel, error) {
	return t.updateStock(ctx, productID,
		"CASE WHEN available_stock > 0 THEN available_stock - 1 ELSE 0 END")
}

// SetStock overwrites the counter
func (t *Tx) SetStock(ctx context.Context, productID int64, available int) (*models.StockLevel, error) {
	if available < 0 {
		return nil, fmt.Errorf("%w: stock cannot be negative", models.ErrValidation)
	}
	return t.updateStock(ctx, productID, "?", available)
}
