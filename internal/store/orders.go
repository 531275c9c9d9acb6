package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dropshop/internal/models"

	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, product_id, product_name, price, customer_name, customer_email, customer_contact,
	payment_method, payment_ref, receipt_url, status, drop_payload, idempotency_key,
	created_at, updated_at, completed_at`

func getOrder(ctx context.Context, q sqlx.ExtContext, id int64, suffix string) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, q, &order,
		q.Rebind("SELECT "+orderColumns+" FROM orders WHERE id = ?"+suffix), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", models.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, classify(err)
	}
	return &order, nil
}

// InsertOrder creates a new pending order
func (t *Tx) InsertOrder(ctx context.Context, order *models.Order) error {
	ts := now()
	order.Status = models.OrderStatusPending
	order.DropPayload = nil
	order.CompletedAt = nil
	order.CreatedAt = ts
	order.UpdatedAt = ts

	query := t.tx.Rebind(`
		INSERT INTO orders (product_id, product_name, price, customer_name, customer_email, customer_contact,
			payment_method, payment_ref, receipt_url, status, idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)

	err := t.tx.GetContext(ctx, &order.ID, query,
		order.ProductID, order.ProductName, order.Price.String(), order.CustomerName, order.CustomerEmail,
		order.CustomerContact, order.PaymentMethod, order.PaymentRef, order.ReceiptURL,
		string(order.Status), nullString(order.IdempotencyKey), ts, ts)
	if err != nil {
		return classify(fmt.Errorf("failed to insert order: %w", err))
	}
	return nil
}

// GetOrderForUpdate locks and loads the order row
func (t *Tx) GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	return getOrder(ctx, t.tx, id, t.dialect.forUpdate())
}

// UpdateOrderStatus moves the order from one status to another. It is a
// compare-and-set: if the stored status is no longer from, nothing is written
// and ErrConcurrencyConflict is returned.
func (t *Tx) UpdateOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) error {
	res, err := t.tx.ExecContext(ctx,
		t.tx.Rebind("UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?"),
		string(to), now(), orderID, string(from))
	if err != nil {
		return classify(fmt.Errorf("failed to update order status: %w", err))
	}
	return expectOneRow(res, orderID, from)
}

// CompleteOrder stores the drop payload and marks a paid order completed.
// It returns the completion time it wrote.
func (t *Tx) CompleteOrder(ctx context.Context, orderID int64, payload models.DropPayload) (time.Time, error) {
	encoded, err := payload.Value()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to encode drop payload: %w", err)
	}

	ts := now()
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(`
		UPDATE orders
		SET status = ?, drop_payload = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(models.OrderStatusCompleted), encoded, ts, ts, orderID, string(models.OrderStatusPaid))
	if err != nil {
		return time.Time{}, classify(fmt.Errorf("failed to complete order: %w", err))
	}
	if err := expectOneRow(res, orderID, models.OrderStatusPaid); err != nil {
		return time.Time{}, err
	}
	return ts, nil
}

func expectOneRow(res sql.Result, orderID int64, from models.OrderStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return fmt.Errorf("%w: order %d is no longer %s", models.ErrConcurrencyConflict, orderID, from)
	}
	return nil
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	return getOrder(ctx, s.db, id, "")
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		s.db.Rebind("SELECT "+orderColumns+" FROM orders WHERE idempotency_key = ?"), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return &order, nil
}

// ListOrders returns orders newest first, optionally filtered by status
func (s *Store) ListOrders(ctx context.Context, status models.OrderStatus, limit int) ([]models.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders"
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	orders := []models.Order{}
	if err := s.db.SelectContext(ctx, &orders, s.db.Rebind(query), args...); err != nil {
		return nil, classify(err)
	}
	return orders, nil
}

// SalesSummary counts paid and completed orders per product name
func (s *Store) SalesSummary(ctx context.Context) ([]models.SalesSummaryRow, error) {
	rows := []models.SalesSummaryRow{}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT product_name, COUNT(*) AS sold
		FROM orders
		WHERE status IN (?, ?)
		GROUP BY product_name
		ORDER BY sold DESC, product_name`),
		string(models.OrderStatusPaid), string(models.OrderStatusCompleted))
	if err != nil {
		return nil, classify(err)
	}
	return rows, nil
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}
