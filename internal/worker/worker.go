package worker

import (
	"context"
	"time"

	"dropshop/internal/broker"
	"dropshop/internal/models"
	"dropshop/internal/util"

	"go.uber.org/zap"
)

// OutboxStore is the slice of the store the relay needs
type OutboxStore interface {
	FetchUnpublishedOutbox(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	MarkOutboxPublished(ctx context.Context, ids []string) error
	PurgePublishedOutbox(ctx context.Context, olderThan time.Time) (int64, error)
}

// OutboxPublisher sends one outbox row to the broker
type OutboxPublisher interface {
	PublishOutbox(ctx context.Context, event models.OutboxEvent) error
}

// OutboxRelay moves committed outbox rows to kafka, at least once and in
// creation order.
type OutboxRelay struct {
	store     OutboxStore
	publisher OutboxPublisher
	batchSize int
	retention time.Duration
	logger    *zap.Logger
}

// NewOutboxRelay creates a relay. A zero retention keeps published rows forever.
func NewOutboxRelay(store OutboxStore, publisher OutboxPublisher, batchSize int, retention time.Duration) *OutboxRelay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxRelay{
		store:     store,
		publisher: publisher,
		batchSize: batchSize,
		retention: retention,
		logger:    util.GetLogger(),
	}
}

// RelayOnce publishes one batch and returns how many rows were marked
// published. It stops at the first publish failure so a later event for the
// same key never overtakes an earlier one.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	events, err := r.store.FetchUnpublishedOutbox(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	published := make([]string, 0, len(events))
	var publishErr error
	for _, event := range events {
		if err := r.publisher.PublishOutbox(ctx, event); err != nil {
			util.OutboxPublishFailedTotal.Inc()
			r.logger.Warn("Failed to publish outbox event",
				zap.String("event_id", event.ID),
				zap.String("event_type", event.EventType),
				zap.Error(err))
			publishErr = err
			break
		}
		published = append(published, event.ID)
	}

	if len(published) > 0 {
		if err := r.store.MarkOutboxPublished(ctx, published); err != nil {
			return 0, err
		}
		util.OutboxPublishedTotal.Add(float64(len(published)))
	}
	return len(published), publishErr
}

// Purge deletes rows published before the retention window
func (r *OutboxRelay) Purge(ctx context.Context) (int64, error) {
	if r.retention <= 0 {
		return 0, nil
	}
	return r.store.PurgePublishedOutbox(ctx, time.Now().Add(-r.retention))
}

// Start relays every interval until ctx is cancelled
func (r *OutboxRelay) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("Outbox relay started",
		zap.Duration("interval", interval),
		zap.Int("batch_size", r.batchSize))

	lastPurge := time.Now()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Outbox relay stopped")
			return
		case <-ticker.C:
			// drain full batches before waiting for the next tick
			for {
				n, err := r.RelayOnce(ctx)
				if err != nil {
					if ctx.Err() == nil {
						r.logger.Error("Outbox relay failed", zap.Error(err))
					}
					break
				}
				if n < r.batchSize {
					break
				}
			}

			if r.retention > 0 && time.Since(lastPurge) >= r.retention {
				lastPurge = time.Now()
				if n, err := r.Purge(ctx); err != nil {
					r.logger.Error("Outbox purge failed", zap.Error(err))
				} else if n > 0 {
					r.logger.Info("Purged published outbox events", zap.Int64("count", n))
				}
			}
		}
	}
}

// IntakeHandler applies one intake event
type IntakeHandler func(ctx context.Context, event *models.CredentialIntakeEvent) error

// IntakeWorker consumes bulk credential intake from kafka
type IntakeWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewIntakeWorker creates a new intake worker
func NewIntakeWorker(consumer *broker.Consumer, handle IntakeHandler) *IntakeWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnCredentialIntake(handle)

	return &IntakeWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start starts the worker
func (w *IntakeWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting intake worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *IntakeWorker) Stop() error {
	w.logger.Info("Stopping intake worker")
	return w.consumer.Close()
}
