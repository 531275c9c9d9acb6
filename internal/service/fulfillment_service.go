package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dropshop/internal/auth"
	"dropshop/internal/models"
	"dropshop/internal/store"
	"dropshop/internal/util"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// RetryPolicy bounds the automatic retry of conflicted fulfillments
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when no policy is configured
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:      3,
	InitialInterval: 20 * time.Millisecond,
	MaxInterval:     500 * time.Millisecond,
}

func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// FulfillmentResult is the outcome of delivering a credential for an order
type FulfillmentResult struct {
	Order            *models.Order      `json:"order"`
	Payload          models.DropPayload `json:"drop_payload"`
	AlreadyCompleted bool               `json:"already_completed"`
}

// FulfillmentService allocates credentials to paid orders
type FulfillmentService struct {
	store  *store.Store
	cache  StockCache
	retry  RetryPolicy
	logger *zap.Logger
}

// NewFulfillmentService creates a new fulfillment service
func NewFulfillmentService(store *store.Store, cache StockCache, retry RetryPolicy) *FulfillmentService {
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if retry.MaxInterval < retry.InitialInterval {
		retry.MaxInterval = retry.InitialInterval * 16
	}
	return &FulfillmentService{
		store:  store,
		cache:  cache,
		retry:  retry,
		logger: util.GetLogger(),
	}
}

// Fulfill delivers one credential to a paid order: the claim, the stock
// decrement and the order completion commit together or not at all.
// Fulfilling a completed order returns its stored payload and allocates nothing.
func (s *FulfillmentService) Fulfill(ctx context.Context, op auth.Operator, orderID int64) (*FulfillmentResult, error) {
	return s.run(ctx, op, orderID, false)
}

// ConfirmAndFulfill marks a pending order paid and fulfills it in one transaction.
// When the pool is empty the payment confirmation is still committed and
// ErrOutOfStock is returned; the order can be fulfilled later.
func (s *FulfillmentService) ConfirmAndFulfill(ctx context.Context, op auth.Operator, orderID int64) (*FulfillmentResult, error) {
	return s.run(ctx, op, orderID, true)
}

func (s *FulfillmentService) run(ctx context.Context, op auth.Operator, orderID int64, confirm bool) (*FulfillmentResult, error) {
	name := "FulfillmentService.Fulfill"
	if confirm {
		name = "FulfillmentService.ConfirmAndFulfill"
	}
	ctx, span := util.StartSpan(ctx, name, attribute.Int64("order_id", orderID))
	var err error
	defer func() { util.EndSpan(span, err) }()

	if err = op.Authorize(); err != nil {
		util.FulfillmentsTotal.WithLabelValues(util.OutcomeRejected).Inc()
		return nil, err
	}

	var result *FulfillmentResult
	operation := func() error {
		res, opErr := s.fulfillOnce(ctx, op, orderID, confirm)
		if opErr == nil {
			result = res
			return nil
		}
		if errors.Is(opErr, models.ErrConcurrencyConflict) {
			return opErr
		}
		return backoff.Permanent(opErr)
	}
	notify := func(opErr error, wait time.Duration) {
		util.FulfillmentConflictRetries.Inc()
		s.logger.Warn("Fulfillment conflicted, retrying",
			zap.Int64("order_id", orderID),
			zap.Duration("backoff", wait),
			zap.Error(opErr))
	}

	err = backoff.RetryNotify(operation, s.retry.newBackOff(ctx), notify)
	s.observe(orderID, result, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *FulfillmentService) observe(orderID int64, result *FulfillmentResult, err error) {
	switch {
	case err == nil && result.AlreadyCompleted:
		util.FulfillmentsTotal.WithLabelValues(util.OutcomeAlreadyCompleted).Inc()
	case err == nil:
		util.FulfillmentsTotal.WithLabelValues(util.OutcomeCompleted).Inc()
	case errors.Is(err, models.ErrOutOfStock):
		util.FulfillmentsTotal.WithLabelValues(util.OutcomeOutOfStock).Inc()
		s.logger.Warn("Fulfillment out of stock", zap.Int64("order_id", orderID))
	case errors.Is(err, models.ErrConcurrencyConflict):
		util.FulfillmentsTotal.WithLabelValues(util.OutcomeConflict).Inc()
		s.logger.Error("Fulfillment gave up after conflicts", zap.Int64("order_id", orderID), zap.Error(err))
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrOrderNotFound):
		util.FulfillmentsTotal.WithLabelValues(util.OutcomeRejected).Inc()
	default:
		util.FulfillmentsTotal.WithLabelValues(util.OutcomeError).Inc()
		s.logger.Error("Fulfillment failed", zap.Int64("order_id", orderID), zap.Error(err))
	}
}

// fulfillOnce is one fulfillment transaction. Locks are taken in the order
// order row, credential row, product row.
func (s *FulfillmentService) fulfillOnce(ctx context.Context, op auth.Operator, orderID int64, confirm bool) (*FulfillmentResult, error) {
	start := time.Now()
	defer func() {
		util.AllocationLatency.Observe(time.Since(start).Seconds())
	}()

	var (
		result     *FulfillmentResult
		level      *models.StockLevel
		outOfStock error
	)

	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}

		if order.Status == models.OrderStatusCompleted {
			if order.DropPayload == nil {
				return fmt.Errorf("%w: completed order %d has no drop payload", models.ErrPersistence, orderID)
			}
			result = &FulfillmentResult{Order: order, Payload: *order.DropPayload, AlreadyCompleted: true}
			return nil
		}

		confirmed := false
		if confirm && order.Status == models.OrderStatusPending {
			if err := s.confirmPaymentTx(ctx, tx, op, order); err != nil {
				return err
			}
			confirmed = true
		}

		if order.Status != models.OrderStatusPaid {
			return fmt.Errorf("%w: order %d is %s, fulfillment requires %s",
				models.ErrInvalidTransition, orderID, order.Status, models.OrderStatusPaid)
		}

		cred, err := tx.ClaimCredential(ctx, order.ProductID, order.ID)
		if err != nil {
			if confirmed && errors.Is(err, models.ErrOutOfStock) {
				outOfStock = err
				return nil
			}
			return err
		}

		level, err = tx.DecrementStock(ctx, order.ProductID)
		if err != nil {
			return err
		}

		payload := models.NewDropPayload(cred)
		completedAt, err := tx.CompleteOrder(ctx, order.ID, payload)
		if err != nil {
			return err
		}

		event := &models.OrderFulfilledEvent{
			BaseEvent:      models.NewBaseEvent(models.EventTypeOrderFulfilled),
			OrderID:        order.ID,
			ProductID:      order.ProductID,
			CredentialID:   cred.ID,
			AvailableStock: level.AvailableStock,
			OperatorID:     op.ID,
		}
		if err := recordEvent(ctx, tx, models.OrderKey(order.ID), event); err != nil {
			return err
		}

		order.Status = models.OrderStatusCompleted
		order.DropPayload = &payload
		order.CompletedAt = &completedAt
		order.UpdatedAt = completedAt
		result = &FulfillmentResult{Order: order, Payload: payload}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if outOfStock != nil {
		util.OrderStatusTransitionsTotal.WithLabelValues(string(models.OrderStatusPending), string(models.OrderStatusPaid)).Inc()
		s.logger.Info("Payment confirmed, order awaits stock",
			zap.Int64("order_id", orderID),
			zap.String("operator", op.ID))
		return nil, outOfStock
	}

	if !result.AlreadyCompleted {
		mirrorStock(ctx, s.cache, s.logger, level)
		if confirm {
			util.OrderStatusTransitionsTotal.WithLabelValues(string(models.OrderStatusPending), string(models.OrderStatusPaid)).Inc()
		}
		util.OrderStatusTransitionsTotal.WithLabelValues(string(models.OrderStatusPaid), string(models.OrderStatusCompleted)).Inc()
		s.logger.Info("Order fulfilled",
			zap.Int64("order_id", orderID),
			zap.Int64("product_id", result.Order.ProductID),
			zap.Int64("credential_id", result.Payload.CredentialID),
			zap.Int("available_stock", level.AvailableStock),
			zap.String("operator", op.ID))
	}
	return result, nil
}

func (s *FulfillmentService) confirmPaymentTx(ctx context.Context, tx *store.Tx, op auth.Operator, order *models.Order) error {
	if err := tx.UpdateOrderStatus(ctx, order.ID, models.OrderStatusPending, models.OrderStatusPaid); err != nil {
		return err
	}
	event := &models.OrderStatusChangedEvent{
		BaseEvent:  models.NewBaseEvent(models.EventTypeOrderStatusChanged),
		OrderID:    order.ID,
		ProductID:  order.ProductID,
		From:       models.OrderStatusPending,
		To:         models.OrderStatusPaid,
		OperatorID: op.ID,
	}
	if err := recordEvent(ctx, tx, models.OrderKey(order.ID), event); err != nil {
		return err
	}
	order.Status = models.OrderStatusPaid
	return nil
}
