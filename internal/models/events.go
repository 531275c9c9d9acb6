package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	EventTypeCredentialAdded    = "CREDENTIAL_ADDED"
	EventTypeCredentialIntake   = "CREDENTIAL_INTAKE"
	EventTypeOrderCreated       = "ORDER_CREATED"
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
	EventTypeOrderFulfilled     = "ORDER_FULFILLED"
	EventTypeStockReconciled    = "STOCK_RECONCILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent stamps a fresh event envelope
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// Envelope returns the common event fields; promoted to every event embedding BaseEvent
func (e BaseEvent) Envelope() BaseEvent {
	return e
}

// Event is anything carrying an envelope
type Event interface {
	Envelope() BaseEvent
}

// CredentialAddedEvent published when a credential enters a pool
type CredentialAddedEvent struct {
	BaseEvent
	CredentialID   int64  `json:"credential_id"`
	ProductID      int64  `json:"product_id"`
	AvailableStock int    `json:"available_stock"`
	OperatorID     string `json:"operator_id"`
}

// OrderCreatedEvent published when a pending order is placed
type OrderCreatedEvent struct {
	BaseEvent
	OrderID   int64  `json:"order_id"`
	ProductID int64  `json:"product_id"`
	Price     string `json:"price"`
}

// OrderStatusChangedEvent published on a direct status edit
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID    int64       `json:"order_id"`
	ProductID  int64       `json:"product_id"`
	From       OrderStatus `json:"from"`
	To         OrderStatus `json:"to"`
	OperatorID string      `json:"operator_id"`
}

// OrderFulfilledEvent published when a credential is delivered. It never carries secret fields.
type OrderFulfilledEvent struct {
	BaseEvent
	OrderID        int64  `json:"order_id"`
	ProductID      int64  `json:"product_id"`
	CredentialID   int64  `json:"credential_id"`
	AvailableStock int    `json:"available_stock"`
	OperatorID     string `json:"operator_id"`
}

// StockReconciledEvent published when the counter was corrected against the pool
type StockReconciledEvent struct {
	BaseEvent
	ProductID  int64  `json:"product_id"`
	Before     int    `json:"before"`
	After      int    `json:"after"`
	OperatorID string `json:"operator_id"`
}

// CredentialIntakeEvent is consumed from the intake topic to add inventory in bulk
type CredentialIntakeEvent struct {
	BaseEvent
	ProductID int64  `json:"product_id"`
	Username  string `json:"username"`
	Secret    string `json:"secret"`
	Notes     string `json:"notes,omitempty"`
}

// Fields returns the secret payload carried by the intake event
func (e *CredentialIntakeEvent) Fields() SecretFields {
	return SecretFields{Username: e.Username, Secret: e.Secret, Notes: e.Notes}
}

// OrderKey is the partition key for order-scoped events
func OrderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// ProductKey is the partition key for product-scoped events
func ProductKey(productID int64) string {
	return fmt.Sprintf("product-%d", productID)
}

// NewOutboxEvent serializes an event for the outbox table
func NewOutboxEvent(key string, event Event) (OutboxEvent, error) {
	env := event.Envelope()
	payload, err := json.Marshal(event)
	if err != nil {
		return OutboxEvent{}, fmt.Errorf("failed to marshal %s event: %w", env.EventType, err)
	}
	return OutboxEvent{
		ID:        env.EventID,
		EventKey:  key,
		EventType: env.EventType,
		Payload:   string(payload),
		CreatedAt: env.Timestamp,
	}, nil
}
