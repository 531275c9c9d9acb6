package service

import (
	"context"
	"fmt"

	"dropshop/internal/models"
	"dropshop/internal/store"
	"dropshop/internal/util"

	"go.uber.org/zap"
)

// StockCache mirrors stock counters for display. A nil StockCache disables mirroring.
type StockCache interface {
	SetStock(ctx context.Context, productID int64, available int, version int64) (bool, error)
	GetStock(ctx context.Context, productID int64) (int, bool, error)
}

// recordEvent appends an event to the outbox inside tx
func recordEvent(ctx context.Context, tx *store.Tx, key string, event models.Event) error {
	outboxEvent, err := models.NewOutboxEvent(key, event)
	if err != nil {
		return err
	}
	if err := tx.InsertOutbox(ctx, outboxEvent); err != nil {
		return fmt.Errorf("failed to record %s event: %w", outboxEvent.EventType, err)
	}
	return nil
}

// mirrorStock pushes a committed counter to the cache. Failures are logged only;
// the database stays the source of truth.
func mirrorStock(ctx context.Context, cache StockCache, logger *zap.Logger, level *models.StockLevel) {
	if cache == nil || level == nil {
		return
	}
	if _, err := cache.SetStock(ctx, level.ProductID, level.AvailableStock, level.StockVersion); err != nil {
		util.StockCacheErrorsTotal.WithLabelValues("set").Inc()
		logger.Warn("Failed to mirror stock to cache",
			zap.Int64("product_id", level.ProductID),
			zap.Int("available_stock", level.AvailableStock),
			zap.Error(err))
	}
}
