package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"dropshop/internal/models"
	"dropshop/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.New(sqlx.NewDb(db, "postgres"), store.DialectPostgres), mock
}

func TestPostgresClaimUsesSkipLocked(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE credentials SET assigned = TRUE, assigned_at = \$1, order_id = \$2 WHERE assigned = FALSE AND id = \( SELECT id FROM credentials WHERE product_id = \$3 AND assigned = FALSE ORDER BY created_at, id LIMIT 1 FOR UPDATE SKIP LOCKED \) RETURNING id`).
		WithArgs(sqlmock.AnyArg(), int64(10), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectQuery(`SELECT id, product_id, username, secret, notes, assigned, assigned_at, order_id, created_at FROM credentials WHERE id = \$1`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "product_id", "username", "secret", "notes", "assigned", "assigned_at", "order_id", "created_at"}).
			AddRow(int64(42), int64(3), "user", "pw", "", true, time.Now(), int64(10), time.Now()))
	mock.ExpectCommit()

	var cred *models.Credential
	err := s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		cred, err = tx.ClaimCredential(ctx, 3, 10)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), cred.ID)
	assert.Equal(t, "pw", cred.Secret)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimReportsConflictWhenRowsAreLocked(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE credentials SET assigned = TRUE`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM credentials WHERE product_id = \$1 AND assigned = FALSE\)`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.ClaimCredential(ctx, 3, 10)
		return err
	})
	assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimReportsOutOfStock(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE credentials SET assigned = TRUE`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	err := s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.ClaimCredential(ctx, 3, 10)
		return err
	})
	assert.ErrorIs(t, err, models.ErrOutOfStock)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOrderIsLockedForUpdate(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM orders WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err := s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.GetOrderForUpdate(ctx, 7)
		return err
	})
	assert.ErrorIs(t, err, models.ErrOrderNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLockErrorsMapToConflict(t *testing.T) {
	for _, code := range []pq.ErrorCode{"40001", "40P01", "55P03"} {
		t.Run(string(code), func(t *testing.T) {
			s, mock := newMockStore(t)
			ctx := context.Background()

			mock.ExpectBegin()
			mock.ExpectQuery(`UPDATE products SET available_stock = CASE WHEN available_stock > 0`).
				WillReturnError(&pq.Error{Code: code})
			mock.ExpectRollback()

			err := s.WithTx(ctx, func(tx *store.Tx) error {
				_, err := tx.DecrementStock(ctx, 1)
				return err
			})
			assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresOtherErrorsMapToPersistence(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO credentials`).
		WillReturnError(&pq.Error{Code: "23503", Message: "foreign key violation"})
	mock.ExpectRollback()

	err := s.WithTx(ctx, func(tx *store.Tx) error {
		return tx.InsertCredential(ctx, &models.Credential{ProductID: 1, Username: "u", Secret: "s"})
	})
	assert.ErrorIs(t, err, models.ErrPersistence)
	assert.False(t, store.IsUniqueViolation(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompleteOrderIsConditional(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE orders SET status = \$1, drop_payload = \$2, completed_at = \$3, updated_at = \$4 WHERE id = \$5 AND status = \$6`).
		WithArgs("completed", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), int64(5), "paid").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.CompleteOrder(ctx, 5, models.DropPayload{CredentialID: 1, Username: "u", Secret: "s"})
		return err
	})
	assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkOutboxPublishedExpandsIDs(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE outbox_events SET published_at = \$1 WHERE id IN \(\$2, \$3\)`).
		WithArgs(sqlmock.AnyArg(), "a", "b").
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, s.MarkOutboxPublished(context.Background(), []string{"a", "b"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}
