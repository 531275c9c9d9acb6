package store

import (
	"context"
	"fmt"
	"time"

	"dropshop/internal/models"

	"github.com/jmoiron/sqlx"
)

// InsertOutbox records events to be relayed once the transaction commits
func (t *Tx) InsertOutbox(ctx context.Context, events ...models.OutboxEvent) error {
	query := t.tx.Rebind(`
		INSERT INTO outbox_events (id, event_key, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`)

	for _, e := range events {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now()
		}
		if _, err := t.tx.ExecContext(ctx, query, e.ID, e.EventKey, e.EventType, e.Payload, e.CreatedAt.UTC()); err != nil {
			return classify(fmt.Errorf("failed to insert outbox event %s: %w", e.EventType, err))
		}
	}
	return nil
}

// FetchUnpublishedOutbox returns the oldest events not yet relayed
func (s *Store) FetchUnpublishedOutbox(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	events := []models.OutboxEvent{}
	err := s.db.SelectContext(ctx, &events, s.db.Rebind(`
		SELECT seq, id, event_key, event_type, payload, created_at, published_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY seq
		LIMIT ?`), limit)
	if err != nil {
		return nil, classify(err)
	}
	return events, nil
}

// MarkOutboxPublished stamps relayed events
func (s *Store) MarkOutboxPublished(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := sqlx.In("UPDATE outbox_events SET published_at = ? WHERE id IN (?)", now(), ids)
	if err != nil {
		return err
	}
	query = s.db.Rebind(query)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return classify(err)
	}
	return nil
}

// PurgePublishedOutbox deletes relayed events older than the cutoff
func (s *Store) PurgePublishedOutbox(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind("DELETE FROM outbox_events WHERE published_at IS NOT NULL AND published_at < ?"),
		olderThan.UTC())
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// IsEventProcessed checks if an event has been processed
func (t *Tx) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists,
		t.tx.Rebind("SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = ?)"), eventID)
	if err != nil {
		return false, classify(err)
	}
	return exists, nil
}

// MarkEventProcessed marks an event as processed
func (t *Tx) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := t.tx.ExecContext(ctx,
		t.tx.Rebind("INSERT INTO processed_events (event_id, event_type, processed_at) VALUES (?, ?, ?) ON CONFLICT (event_id) DO NOTHING"),
		eventID, eventType, now())
	if err != nil {
		return classify(err)
	}
	return nil
}
