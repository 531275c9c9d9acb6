package service

import (
	"context"
	"errors"
	"sync"
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

func TestFulfillDeliversOldestCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, "Netflix")
	first := f.credential(t, p.ID, "first")
	f.credential(t, p.ID, "second")
	order := f.paidOrder(t, p.ID)

	res, err := f.fulfill.Fulfill(ctx, admin, order.ID)
	require.NoError(t, err)
	assert.False(t, res.AlreadyCompleted)
	assert.Equal(t, models.DropPayload{CredentialID: first.ID, Username: "first", Secret: "pw-first"}, res.Payload)
	assert.Equal(t, models.OrderStatusCompleted, res.Order.Status)

	stored := f.order(t, order.ID)
	assert.Equal(t, models.OrderStatusCompleted, stored.Status)
	require.NotNil(t, stored.DropPayload)
	assert.Equal(t, res.Payload, *stored.DropPayload)
	assert.NotNil(t, stored.CompletedAt)

	assert.Equal(t, 1, f.stock(t, p.ID))
	view, err := f.inventory.GetStock(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StockView{ProductID: p.ID, AvailableStock: 1, Source: StockSourceCache}, *view)
}

func TestFulfillIsIdempotentForCompletedOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, "Spotify")
	f.credential(t, p.ID, "a")
	f.credential(t, p.ID, "b")
	order := f.paidOrder(t, p.ID)

	first, err := f.fulfill.Fulfill(ctx, admin, order.ID)
	require.NoError(t, err)

	again, err := f.fulfill.Fulfill(ctx, admin, order.ID)
	require.NoError(t, err)
	assert.True(t, again.AlreadyCompleted)
	assert.Equal(t, first.Payload, again.Payload)
	assert.Equal(t, 1, f.stock(t, p.ID), "no second credential is allocated")

	creds, err := f.store.ListCredentials(ctx, p.ID)
	require.NoError(t, err)
	assigned := 0
	for _, c := range creds {
		if c.Assigned {
			assigned++
		}
	}
	assert.Equal(t, 1, assigned)
}

func TestFulfillEmptyPool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, "Empty")
	order := f.paidOrder(t, p.ID)

	_, err := f.fulfill.Fulfill(ctx, admin, order.ID)
	assert.ErrorIs(t, err, models.ErrOutOfStock)

	stored := f.order(t, order.ID)
	assert.Equal(t, models.OrderStatusPaid, stored.Status)
	assert.Nil(t, stored.DropPayload)
	assert.Equal(t, 0, f.stock(t, p.ID))
}

func TestFulfillRequiresPaidOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, "Gate")
	f.credential(t, p.ID, "x")

	pending := f.pendingOrder(t, p.ID)
	_, err := f.fulfill.Fulfill(ctx, admin, pending.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	cancelled := f.pendingOrder(t, p.ID)
	_, err = f.orders.SetOrderStatus(ctx, admin, cancelled.ID, models.OrderStatusCancelled)
	require.NoError(t, err)
	_, err = f.fulfill.Fulfill(ctx, admin, cancelled.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = f.fulfill.Fulfill(ctx, admin, 9999)
	assert.ErrorIs(t, err, models.ErrOrderNotFound)

	assert.Equal(t, 1, f.stock(t, p.ID))
}

func TestFulfillRequiresMutatingOperator(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "Auth")
	f.credential(t, p.ID, "x")
	order := f.paidOrder(t, p.ID)

	_, err := f.fulfill.Fulfill(context.Background(), viewer, order.ID)
	assert.ErrorIs(t, err, models.ErrUnauthorized)
	assert.Equal(t, models.OrderStatusPaid, f.order(t, order.ID).Status)
}

func TestConcurrentFulfillmentsNeverShareCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, "Race")

	const orders, credentials = 8, 3
	for i := 0; i < credentials; i++ {
		f.credential(t, p.ID, string(rune('a'+i)))
	}
	ids := make([]int64, orders)
	for i := range ids {
		ids[i] = f.paidOrder(t, p.ID).ID
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		payloads []models.DropPayload
		outOf    int
		other    []error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(orderID int64) {
			defer wg.Done()
			res, err := f.fulfill.Fulfill(ctx, admin, orderID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				payloads = append(payloads, res.Payload)
			case errors.Is(err, models.ErrOutOfStock):
				outOf++
			default:
				other = append(other, err)
			}
		}(id)
	}
	wg.Wait()

	require.Empty(t, other)
	assert.Len(t, payloads, credentials)
	assert.Equal(t, orders-credentials, outOf)

	seen := map[int64]bool{}
	for _, pl := range payloads {
		assert.False(t, seen[pl.CredentialID], "credential %d delivered twice", pl.CredentialID)
		seen[pl.CredentialID] = true
	}
	assert.Equal(t, 0, f.stock(t, p.ID))
}

func TestOneCredentialTwoOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, "Single")
	cred := f.credential(t, p.ID, "only")
	a := f.paidOrder(t, p.ID)
	b := f.paidOrder(t, p.ID)

	var wg sync.WaitGroup
	results := make([]*FulfillmentResult, 2)
	errs := make([]error, 2)
	for i, id := range []int64{a.ID, b.ID} {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			results[i], errs[i] = f.fulfill.Fulfill(ctx, admin, id)
		}(i, id)
	}
	wg.Wait()

	var winner *FulfillmentResult
	losers := 0
	for i := range errs {
		if errs[i] == nil {
			winner = results[i]
		} else {
			assert.ErrorIs(t, errs[i], models.ErrOutOfStock)
			losers++
		}
	}
	require.NotNil(t, winner)
	assert.Equal(t, 1, losers)
	assert.Equal(t, models.DropPayload{CredentialID: cred.ID, Username: "only", Secret: "pw-only"}, winner.Payload)
	assert.Equal(t, 0, f.stock(t, p.ID))
}

func TestFailureAfterClaimRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, "Fragile")
	f.credential(t, p.ID, "keep")
	order := f.paidOrder(t, p.ID)

	_, err := f.store.GetDB().ExecContext(ctx, `
		CREATE TRIGGER fail_completion BEFORE UPDATE OF status ON orders
		WHEN NEW.status = 'completed'
		BEGIN SELECT RAISE(ABORT, 'injected failure'); END`)
	require.NoError(t, err)

	_, err = f.fulfill.Fulfill(ctx, admin, order.ID)
	assert.ErrorIs(t, err, models.ErrPersistence)

	creds, err := f.store.ListCredentials(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.False(t, creds[0].Assigned)
	assert.Equal(t, 1, f.stock(t, p.ID))

	stored := f.order(t, order.ID)
	assert.Equal(t, models.OrderStatusPaid, stored.Status)
	assert.Nil(t, stored.DropPayload)

	events, err := f.store.FetchUnpublishedOutbox(ctx, 100)
	require.NoError(t, err)
	for _, e := range events {
		assert.NotEqual(t, models.EventTypeOrderFulfilled, e.EventType)
	}
}

func TestConfirmAndFulfill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, "Auto")
	cred := f.credential(t, p.ID, "auto")
	order := f.pendingOrder(t, p.ID)

	res, err := f.fulfill.ConfirmAndFulfill(ctx, admin, order.ID)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, res.Payload.CredentialID)
	assert.Equal(t, models.OrderStatusCompleted, f.order(t, order.ID).Status)

	again, err := f.fulfill.ConfirmAndFulfill(ctx, admin, order.ID)
	require.NoError(t, err)
	assert.True(t, again.AlreadyCompleted)
}

func TestConfirmAndFulfillOutOfStockKeepsPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, "Later")
	order := f.pendingOrder(t, p.ID)

	_, err := f.fulfill.ConfirmAndFulfill(ctx, admin, order.ID)
	assert.ErrorIs(t, err, models.ErrOutOfStock)

	stored := f.order(t, order.ID)
	assert.Equal(t, models.OrderStatusPaid, stored.Status)
	assert.Nil(t, stored.DropPayload)

	f.credential(t, p.ID, "restock")
	res, err := f.fulfill.Fulfill(ctx, admin, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "restock", res.Payload.Username)
}

func TestFulfillEventsCarryNoSecrets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, "Quiet")
	f.credential(t, p.ID, "hush")
	order := f.paidOrder(t, p.ID)

	_, err := f.fulfill.Fulfill(ctx, admin, order.ID)
	require.NoError(t, err)

	events, err := f.store.FetchUnpublishedOutbox(ctx, 100)
	require.NoError(t, err)
	var fulfilled int
	for _, e := range events {
		assert.NotContains(t, e.Payload, "pw-hush")
		if e.EventType == models.EventTypeOrderFulfilled {
			fulfilled++
		}
	}
	assert.Equal(t, 1, fulfilled)
}

var orderRowColumns = []string{
	"id", "product_id", "product_name", "price", "customer_name", "customer_email", "customer_contact",
	"payment_method", "payment_ref", "receipt_url", "status", "drop_payload", "idempotency_key",
	"created_at", "updated_at", "completed_at",
}

func TestFulfillRetriesConflicts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.New(sqlx.NewDb(db, "postgres"), store.DialectPostgres)
	svc := NewFulfillmentService(s, nil, RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond})

	now := time.Now()

	// first attempt: deadlock on the order lock
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM orders WHERE id = \$1 FOR UPDATE`).
		WillReturnError(&pq.Error{Code: "40P01"})
	mock.ExpectRollback()

	// second attempt succeeds
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM orders WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(orderRowColumns).AddRow(
			int64(5), int64(2), "Netflix", "4.50", "Jane", "jane@example.com", "",
			"bank", "", "", "paid", nil, nil, now, now, nil))
	mock.ExpectQuery(`UPDATE credentials SET assigned = TRUE`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectQuery(`SELECT .* FROM credentials WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "product_id", "username", "secret", "notes", "assigned", "assigned_at", "order_id", "created_at"}).
			AddRow(int64(11), int64(2), "u", "s", "", true, now, int64(5), now))
	mock.ExpectQuery(`UPDATE products SET available_stock = CASE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "available_stock", "stock_version"}).AddRow(int64(2), 0, int64(4)))
	mock.ExpectExec(`UPDATE orders SET status = \$1, drop_payload = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO outbox_events`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	res, err := svc.Fulfill(context.Background(), admin, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(11), res.Payload.CredentialID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFulfillGivesUpAfterMaxRetries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.New(sqlx.NewDb(db, "postgres"), store.DialectPostgres)
	svc := NewFulfillmentService(s, nil, RetryPolicy{MaxRetries: 1, InitialInterval: time.Millisecond})

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .* FROM orders`).WillReturnError(&pq.Error{Code: "40001"})
		mock.ExpectRollback()
	}

	_, err = svc.Fulfill(context.Background(), admin, 5)
	assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFulfillReportsStoredCompletionTime(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "Clock")
	f.credential(t, p.ID, "tick")
	order := f.paidOrder(t, p.ID)

	res, err := f.fulfill.Fulfill(context.Background(), admin, order.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Order.CompletedAt)

	stored := f.order(t, order.ID)
	require.NotNil(t, stored.CompletedAt)
	assert.True(t, res.Order.CompletedAt.Equal(*stored.CompletedAt),
		"returned %v, stored %v", *res.Order.CompletedAt, *stored.CompletedAt)
}
