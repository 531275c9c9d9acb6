package broker

import (
	"context"
	"encoding/json"

	"dropshop/internal/models"
	"dropshop/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// RawPublisher sends encoded events. *Producer implements it.
type RawPublisher interface {
	PublishRaw(ctx context.Context, key, eventType string, payload []byte) error
}

// EventPublisher publishes outbox rows as domain events
type EventPublisher struct {
	producer RawPublisher
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer RawPublisher) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishOutbox publishes one outbox row under its aggregate key
func (ep *EventPublisher) PublishOutbox(ctx context.Context, event models.OutboxEvent) error {
	return ep.producer.PublishRaw(ctx, event.EventKey, event.EventType, []byte(event.Payload))
}

// EventHandler routes incoming events
type EventHandler struct {
	onCredentialIntake func(context.Context, *models.CredentialIntakeEvent) error
	logger             *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnCredentialIntake registers a handler for CREDENTIAL_INTAKE events
func (eh *EventHandler) OnCredentialIntake(handler func(context.Context, *models.CredentialIntakeEvent) error) {
	eh.onCredentialIntake = handler
}

// HandleMessage routes messages to the registered handlers. Undecodable
// messages are logged and skipped; redelivering them cannot help.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	eventType := headerValue(msg, HeaderEventType)
	if eventType == "" {
		var base models.BaseEvent
		if err := json.Unmarshal(msg.Value, &base); err != nil {
			eh.logger.Warn("Skipping undecodable message",
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			return nil
		}
		eventType = base.EventType
	}

	switch eventType {
	case models.EventTypeCredentialIntake:
		if eh.onCredentialIntake == nil {
			return nil
		}
		var event models.CredentialIntakeEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			eh.logger.Warn("Skipping malformed CREDENTIAL_INTAKE event",
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			return nil
		}
		return eh.onCredentialIntake(ctx, &event)

	default:
		eh.logger.Debug("Unhandled event type", zap.String("event_type", eventType))
	}

	return nil
}

func headerValue(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
