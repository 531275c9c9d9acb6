package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Product represents a listed product backed by a credential pool
type Product struct {
	ID             int64           `db:"id" json:"id"`
	Name           string          `db:"name" json:"name"`
	Description    string          `db:"description" json:"description,omitempty"`
	Price          decimal.Decimal `db:"price" json:"price"`
	AvailableStock int             `db:"available_stock" json:"available_stock"`
	StockVersion   int64           `db:"stock_version" json:"-"`
	Available      bool            `db:"available" json:"available"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// StockLevel is the counter state of a product after a stock change
type StockLevel struct {
	ProductID      int64 `db:"id" json:"product_id"`
	AvailableStock int   `db:"available_stock" json:"available_stock"`
	StockVersion   int64 `db:"stock_version" json:"-"`
}

// SecretFields is the opaque payload handed to a customer
type SecretFields struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
	Notes    string `json:"notes,omitempty"`
}

// Validate checks that the fields can be stored as a credential
func (f SecretFields) Validate() error {
	if strings.TrimSpace(f.Username) == "" {
		return fmt.Errorf("%w: username is required", ErrValidation)
	}
	if strings.TrimSpace(f.Secret) == "" {
		return fmt.Errorf("%w: secret is required", ErrValidation)
	}
	return nil
}

// Credential is a single-use account held in a product's pool.
// Secret fields are never modified after insert; Assigned, AssignedAt and
// OrderID are written exactly once, together, by allocation.
type Credential struct {
	ID         int64      `db:"id" json:"id"`
	ProductID  int64      `db:"product_id" json:"product_id"`
	Username   string     `db:"username" json:"username"`
	Secret     string     `db:"secret" json:"-"`
	Notes      string     `db:"notes" json:"notes,omitempty"`
	Assigned   bool       `db:"assigned" json:"assigned"`
	AssignedAt *time.Time `db:"assigned_at" json:"assigned_at,omitempty"`
	OrderID    *int64     `db:"order_id" json:"order_id,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// Fields returns the secret payload of the credential
func (c *Credential) Fields() SecretFields {
	return SecretFields{Username: c.Username, Secret: c.Secret, Notes: c.Notes}
}

// CredentialSummary is the admin inventory view of a credential, without the secret
type CredentialSummary struct {
	ID         int64      `db:"id" json:"id"`
	ProductID  int64      `db:"product_id" json:"product_id"`
	Username   string     `db:"username" json:"username"`
	Assigned   bool       `db:"assigned" json:"assigned"`
	AssignedAt *time.Time `db:"assigned_at" json:"assigned_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// DropPayload is the copy of an allocated credential stored on a completed order
type DropPayload struct {
	CredentialID int64  `json:"credential_id"`
	Username     string `json:"username"`
	Secret       string `json:"secret"`
	Notes        string `json:"notes,omitempty"`
}

// NewDropPayload copies the credential's fields into a payload
func NewDropPayload(c *Credential) DropPayload {
	return DropPayload{
		CredentialID: c.ID,
		Username:     c.Username,
		Secret:       c.Secret,
		Notes:        c.Notes,
	}
}

// Value encodes the payload as JSON text
func (p DropPayload) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan decodes a JSON payload column
func (p *DropPayload) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return fmt.Errorf("unsupported drop payload type %T", src)
	}
}

// Order represents a customer's purchase of one credential
type Order struct {
	ID              int64           `db:"id" json:"id"`
	ProductID       int64           `db:"product_id" json:"product_id"`
	ProductName     string          `db:"product_name" json:"product_name"`
	Price           decimal.Decimal `db:"price" json:"price"`
	CustomerName    string          `db:"customer_name" json:"customer_name"`
	CustomerEmail   string          `db:"customer_email" json:"customer_email"`
	CustomerContact string          `db:"customer_contact" json:"customer_contact,omitempty"`
	PaymentMethod   string          `db:"payment_method" json:"payment_method"`
	PaymentRef      string          `db:"payment_ref" json:"payment_ref,omitempty"`
	ReceiptURL      string          `db:"receipt_url" json:"receipt_url,omitempty"`
	Status          OrderStatus     `db:"status" json:"status"`
	DropPayload     *DropPayload    `db:"drop_payload" json:"drop_payload,omitempty"`
	IdempotencyKey  *string         `db:"idempotency_key" json:"-"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
	CompletedAt     *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// RedactSecret blanks the delivered secret, keeping the rest of the payload
func (o *Order) RedactSecret() {
	if o.DropPayload == nil {
		return
	}
	redacted := *o.DropPayload
	redacted.Secret = ""
	o.DropPayload = &redacted
}

// SalesSummaryRow counts paid and completed orders per product name
type SalesSummaryRow struct {
	ProductName string `db:"product_name" json:"product_name"`
	Sold        int    `db:"sold" json:"sold"`
}

// StockReconciliation reports the counter correction for one product
type StockReconciliation struct {
	ProductID int64 `json:"product_id"`
	Before    int   `json:"before"`
	After     int   `json:"after"`
}

// Drift returns the signed difference the reconciliation corrected
func (r StockReconciliation) Drift() int {
	return r.Before - r.After
}

// OutboxEvent is a domain event persisted with the transaction that produced it
type OutboxEvent struct {
	Seq         int64      `db:"seq"`
	ID          string     `db:"id"`
	EventKey    string     `db:"event_key"`
	EventType   string     `db:"event_type"`
	Payload     string     `db:"payload"`
	CreatedAt   time.Time  `db:"created_at"`
	PublishedAt *time.Time `db:"published_at"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
