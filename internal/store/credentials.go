package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"dropshop/internal/models"
)

const credentialColumns = `id, product_id, username, secret, notes, assigned, assigned_at, order_id, created_at`

// InsertCredential adds an unassigned credential to a product's pool
func (t *Tx) InsertCredential(ctx context.Context, cred *models.Credential) error {
	cred.Assigned = false
	cred.AssignedAt = nil
	cred.OrderID = nil
	cred.CreatedAt = now()

	query := t.tx.Rebind(`
		INSERT INTO credentials (product_id, username, secret, notes, assigned, created_at)
		VALUES (?, ?, ?, ?, FALSE, ?)
		RETURNING id`)

	err := t.tx.GetContext(ctx, &cred.ID, query,
		cred.ProductID, cred.Username, cred.Secret, cred.Notes, cred.CreatedAt)
	if err != nil {
		return classify(fmt.Errorf("failed to insert credential: %w", err))
	}
	return nil
}

// ClaimCredential marks the oldest unassigned credential of the product as
// assigned to orderID and returns it. The claim is a single conditional
// update, so a row can be claimed at most once no matter how many
// transactions race for it.
//
// When nothing could be claimed it returns ErrOutOfStock if the pool is
// empty, or ErrConcurrencyConflict if unassigned rows exist but are held by
// concurrent claimers.
func (t *Tx) ClaimCredential(ctx context.Context, productID, orderID int64) (*models.Credential, error) {
	claim := t.tx.Rebind(`
		UPDATE credentials
		SET assigned = TRUE, assigned_at = ?, order_id = ?
		WHERE assigned = FALSE AND id = (
			SELECT id FROM credentials
			WHERE product_id = ? AND assigned = FALSE
			ORDER BY created_at, id
			LIMIT 1` + t.dialect.skipLocked() + `
		)
		RETURNING id`)

	var id int64
	err := t.tx.GetContext(ctx, &id, claim, now(), orderID, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, t.noClaimReason(ctx, productID)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to claim credential: %w", err))
	}

	var cred models.Credential
	err = t.tx.GetContext(ctx, &cred,
		t.tx.Rebind("SELECT "+credentialColumns+" FROM credentials WHERE id = ?"), id)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to load claimed credential: %w", err))
	}
	return &cred, nil
}

func (t *Tx) noClaimReason(ctx context.Context, productID int64) error {
	var exists bool
	err := t.tx.GetContext(ctx, &exists, t.tx.Rebind(
		"SELECT EXISTS(SELECT 1 FROM credentials WHERE product_id = ? AND assigned = FALSE)"), productID)
	if err != nil {
		return classify(err)
	}
	if exists {
		return fmt.Errorf("%w: unassigned credentials of product %d are locked", models.ErrConcurrencyConflict, productID)
	}
	return fmt.Errorf("%w: product %d", models.ErrOutOfStock, productID)
}

// CountUnassigned counts the product's pool
func (t *Tx) CountUnassigned(ctx context.Context, productID int64) (int, error) {
	var n int
	err := t.tx.GetContext(ctx, &n, t.tx.Rebind(
		"SELECT COUNT(*) FROM credentials WHERE product_id = ? AND assigned = FALSE"), productID)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// ListCredentials returns the inventory view of a product's credentials, unassigned first
func (s *Store) ListCredentials(ctx context.Context, productID int64) ([]models.CredentialSummary, error) {
	creds := []models.CredentialSummary{}
	err := s.db.SelectContext(ctx, &creds, s.db.Rebind(`
		SELECT id, product_id, username, assigned, assigned_at, created_at
		FROM credentials
		WHERE product_id = ?
		ORDER BY assigned, created_at, id`), productID)
	if err != nil {
		return nil, classify(err)
	}
	return creds, nil
}

// GetCredentialByOrderID returns the credential allocated to an order, if any
func (s *Store) GetCredentialByOrderID(ctx context.Context, orderID int64) (*models.Credential, error) {
	var cred models.Credential
	err := s.db.GetContext(ctx, &cred,
		s.db.Rebind("SELECT "+credentialColumns+" FROM credentials WHERE order_id = ?"), orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return &cred, nil
}
