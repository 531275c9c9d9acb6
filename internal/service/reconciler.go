package service

import (
	"context"
	"time"

	"dropshop/internal/auth"
	"dropshop/internal/models"
	"dropshop/internal/store"
	"dropshop/internal/util"

	"go.uber.org/zap"
)

// Reconciler rewrites stock counters from the credential pools
type Reconciler struct {
	store  *store.Store
	cache  StockCache
	logger *zap.Logger
}

// NewReconciler creates a new reconciler
func NewReconciler(store *store.Store, cache StockCache) *Reconciler {
	return &Reconciler{
		store:  store,
		cache:  cache,
		logger: util.GetLogger(),
	}
}

// Reconcile sets the product's counter to its number of unassigned credentials
func (r *Reconciler) Reconcile(ctx context.Context, op auth.Operator, productID int64) (*models.StockReconciliation, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.Reconcile")
	defer span.End()

	if err := op.Authorize(); err != nil {
		return nil, err
	}

	var (
		result models.StockReconciliation
		level  *models.StockLevel
	)
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		product, err := tx.GetProductForUpdate(ctx, productID)
		if err != nil {
			return err
		}
		count, err := tx.CountUnassigned(ctx, productID)
		if err != nil {
			return err
		}

		result = models.StockReconciliation{ProductID: productID, Before: product.AvailableStock, After: count}
		if result.Drift() == 0 {
			return nil
		}

		level, err = tx.SetStock(ctx, productID, count)
		if err != nil {
			return err
		}
		event := &models.StockReconciledEvent{
			BaseEvent:  models.NewBaseEvent(models.EventTypeStockReconciled),
			ProductID:  productID,
			Before:     result.Before,
			After:      result.After,
			OperatorID: op.ID,
		}
		return recordEvent(ctx, tx, models.ProductKey(productID), event)
	})
	if err != nil {
		return nil, err
	}

	if level != nil {
		mirrorStock(ctx, r.cache, r.logger, level)
		util.StockCorrectionsTotal.Inc()
		r.logger.Warn("Stock counter corrected",
			zap.Int64("product_id", productID),
			zap.Int("before", result.Before),
			zap.Int("after", result.After),
			zap.String("operator", op.ID))
	}
	return &result, nil
}

// ReconcileAll reconciles every product, one transaction each, and returns the corrections made
func (r *Reconciler) ReconcileAll(ctx context.Context, op auth.Operator) ([]models.StockReconciliation, error) {
	if err := op.Authorize(); err != nil {
		return nil, err
	}

	products, err := r.store.ListProducts(ctx)
	if err != nil {
		return nil, err
	}

	corrections := []models.StockReconciliation{}
	for _, product := range products {
		res, err := r.Reconcile(ctx, op, product.ID)
		if err != nil {
			return corrections, err
		}
		if res.Drift() != 0 {
			corrections = append(corrections, *res)
		}
	}
	return corrections, nil
}

// Start runs ReconcileAll every interval until ctx is cancelled
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	op := auth.System("reconciler")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("Stock reconciler started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stock reconciler stopped")
			return
		case <-ticker.C:
			corrections, err := r.ReconcileAll(ctx, op)
			if err != nil {
				r.logger.Error("Stock reconciliation failed", zap.Error(err))
				continue
			}
			if len(corrections) > 0 {
				r.logger.Info("Stock reconciliation corrected counters", zap.Int("count", len(corrections)))
			}
		}
	}
}
