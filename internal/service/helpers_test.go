package service

import (
	"context"
	"testing"

	"dropshop/internal/auth"
	"dropshop/internal/models"
	"dropshop/internal/redisclient"
	"dropshop/internal/store"
	"dropshop/internal/store/storetest"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	admin  = auth.Operator{ID: "alice", Role: auth.RoleAdmin}
	viewer = auth.Operator{ID: "bob", Role: auth.RoleViewer}
)

type fixture struct {
	store      *store.Store
	cache      *redisclient.Client
	redis      *miniredis.Miniredis
	inventory  *InventoryService
	orders     *OrderService
	fulfill    *FulfillmentService
	reconciler *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s := storetest.New(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cache := redisclient.NewFromRedis(rdb, 0)

	return &fixture{
		store:      s,
		cache:      cache,
		redis:      mr,
		inventory:  NewInventoryService(s, cache),
		orders:     NewOrderService(s),
		fulfill:    NewFulfillmentService(s, cache, DefaultRetryPolicy),
		reconciler: NewReconciler(s, cache),
	}
}

func (f *fixture) product(t *testing.T, name string) *models.Product {
	t.Helper()
	p, err := f.inventory.CreateProduct(context.Background(), admin, &CreateProductRequest{
		Name:  name,
		Price: decimal.RequireFromString("4.50"),
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) credential(t *testing.T, productID int64, username string) *models.Credential {
	t.Helper()
	cred, err := f.inventory.AddCredential(context.Background(), admin, productID, models.SecretFields{
		Username: username,
		Secret:   "pw-" + username,
	})
	require.NoError(t, err)
	return cred
}

func (f *fixture) pendingOrder(t *testing.T, productID int64) *models.Order {
	t.Helper()
	order, created, err := f.orders.CreateOrder(context.Background(), &CreateOrderRequest{
		ProductID:     productID,
		CustomerName:  "Jane",
		CustomerEmail: "jane@example.com",
		PaymentMethod: "bank",
	})
	require.NoError(t, err)
	require.True(t, created)
	return order
}

func (f *fixture) paidOrder(t *testing.T, productID int64) *models.Order {
	t.Helper()
	order := f.pendingOrder(t, productID)
	order, err := f.orders.SetOrderStatus(context.Background(), admin, order.ID, models.OrderStatusPaid)
	require.NoError(t, err)
	return order
}

func (f *fixture) stock(t *testing.T, productID int64) int {
	t.Helper()
	p, err := f.store.GetProductByID(context.Background(), productID)
	require.NoError(t, err)
	return p.AvailableStock
}

func (f *fixture) order(t *testing.T, orderID int64) *models.Order {
	t.Helper()
	o, err := f.store.GetOrderByID(context.Background(), orderID)
	require.NoError(t, err)
	return o
}
