package service

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"dropshop/internal/auth"
	"dropshop/internal/models"
	"dropshop/internal/store"
	"dropshop/internal/util"

	"go.uber.org/zap"
)

// OrderService handles order business logic
type OrderService struct {
	store  *store.Store
	logger *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(store *store.Store) *OrderService {
	return &OrderService{
		store:  store,
		logger: util.GetLogger(),
	}
}

// CreateOrderRequest represents a checkout submission
type CreateOrderRequest struct {
	ProductID       int64  `json:"product_id" binding:"required"`
	CustomerName    string `json:"customer_name" binding:"required"`
	CustomerEmail   string `json:"customer_email" binding:"required"`
	CustomerContact string `json:"customer_contact"`
	PaymentMethod   string `json:"payment_method" binding:"required"`
	PaymentRef      string `json:"payment_ref"`
	ReceiptURL      string `json:"receipt_url"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
}

func (r *CreateOrderRequest) validate() error {
	if r.ProductID <= 0 {
		return fmt.Errorf("%w: product_id is required", models.ErrValidation)
	}
	if strings.TrimSpace(r.CustomerName) == "" {
		return fmt.Errorf("%w: customer_name is required", models.ErrValidation)
	}
	if _, err := mail.ParseAddress(r.CustomerEmail); err != nil {
		return fmt.Errorf("%w: customer_email is invalid", models.ErrValidation)
	}
	if strings.TrimSpace(r.PaymentMethod) == "" {
		return fmt.Errorf("%w: payment_method is required", models.ErrValidation)
	}
	return nil
}

// CreateOrder places a pending order for a listed product. A repeated
// idempotency key returns the order created first; created is false then.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (order *models.Order, created bool, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer func() { util.EndSpan(span, err) }()

	if err := req.validate(); err != nil {
		return nil, false, err
	}

	var key *string
	if k := strings.TrimSpace(req.IdempotencyKey); k != "" {
		key = &k

		existing, err := s.store.GetOrderByIdempotencyKey(ctx, k)
		if err != nil {
			return nil, false, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			s.logger.Info("Duplicate order request detected",
				zap.String("idempotency_key", k),
				zap.Int64("order_id", existing.ID))
			return existing, false, nil
		}
	}

	order = &models.Order{
		ProductID:       req.ProductID,
		CustomerName:    strings.TrimSpace(req.CustomerName),
		CustomerEmail:   strings.TrimSpace(req.CustomerEmail),
		CustomerContact: req.CustomerContact,
		PaymentMethod:   req.PaymentMethod,
		PaymentRef:      req.PaymentRef,
		ReceiptURL:      req.ReceiptURL,
		IdempotencyKey:  key,
	}

	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		product, err := tx.GetProduct(ctx, req.ProductID)
		if err != nil {
			return err
		}
		if !product.Available {
			return fmt.Errorf("%w: product %d is not listed", models.ErrProductUnavailable, product.ID)
		}

		order.ProductName = product.Name
		order.Price = product.Price
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}

		event := &models.OrderCreatedEvent{
			BaseEvent: models.NewBaseEvent(models.EventTypeOrderCreated),
			OrderID:   order.ID,
			ProductID: order.ProductID,
			Price:     order.Price.StringFixed(2),
		}
		return recordEvent(ctx, tx, models.OrderKey(order.ID), event)
	})
	if err != nil {
		if key != nil && store.IsUniqueViolation(err) {
			existing, lookupErr := s.store.GetOrderByIdempotencyKey(ctx, *key)
			if lookupErr == nil && existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("product_id", order.ProductID))
	return order, true, nil
}

// GetOrder retrieves an order by ID. Delivered secrets are shown only to
// operators who may mutate orders.
func (s *OrderService) GetOrder(ctx context.Context, op auth.Operator, orderID int64) (*models.Order, error) {
	if err := op.AuthorizeRead(); err != nil {
		return nil, err
	}
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !op.CanMutate() {
		order.RedactSecret()
	}
	return order, nil
}

// ListOrders returns orders newest first. An empty status lists all.
func (s *OrderService) ListOrders(ctx context.Context, op auth.Operator, status models.OrderStatus, limit int) ([]models.Order, error) {
	if err := op.AuthorizeRead(); err != nil {
		return nil, err
	}
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown order status %q", models.ErrValidation, status)
	}
	orders, err := s.store.ListOrders(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	if !op.CanMutate() {
		for i := range orders {
			orders[i].RedactSecret()
		}
	}
	return orders, nil
}

// SetOrderStatus applies a direct status edit. Completion is not reachable
// this way; use fulfillment. Requesting the current status changes nothing.
func (s *OrderService) SetOrderStatus(ctx context.Context, op auth.Operator, orderID int64, to models.OrderStatus) (order *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.SetOrderStatus")
	defer func() { util.EndSpan(span, err) }()

	if err := op.Authorize(); err != nil {
		return nil, err
	}

	var from models.OrderStatus
	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		current, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		from = current.Status
		order = current

		if err := models.CheckStatusEdit(from, to); err != nil {
			return err
		}
		if from == to {
			return nil
		}

		if err := tx.UpdateOrderStatus(ctx, orderID, from, to); err != nil {
			return err
		}
		event := &models.OrderStatusChangedEvent{
			BaseEvent:  models.NewBaseEvent(models.EventTypeOrderStatusChanged),
			OrderID:    orderID,
			ProductID:  current.ProductID,
			From:       from,
			To:         to,
			OperatorID: op.ID,
		}
		if err := recordEvent(ctx, tx, models.OrderKey(orderID), event); err != nil {
			return err
		}
		order.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}

	if from != to {
		util.OrderStatusTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		s.logger.Info("Order status changed",
			zap.Int64("order_id", orderID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("operator", op.ID))
	}
	return order, nil
}

// SalesSummary counts paid and completed orders per product name
func (s *OrderService) SalesSummary(ctx context.Context, op auth.Operator) ([]models.SalesSummaryRow, error) {
	if err := op.AuthorizeRead(); err != nil {
		return nil, err
	}
	return s.store.SalesSummary(ctx)
}
