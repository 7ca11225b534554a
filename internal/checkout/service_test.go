package checkout

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/greenbasket/greenbasket-backend/internal/inventory"
	"github.com/greenbasket/greenbasket-backend/internal/orders"
	"github.com/greenbasket/greenbasket-backend/internal/payments"
	"github.com/greenbasket/greenbasket-backend/internal/wallet"
	"github.com/greenbasket/greenbasket-backend/pkg/db/models"
	"github.com/greenbasket/greenbasket-backend/pkg/enums"
	pkgerrors "github.com/greenbasket/greenbasket-backend/pkg/errors"
	"github.com/greenbasket/greenbasket-backend/pkg/outbox"
	"github.com/greenbasket/greenbasket-backend/pkg/pagination"
)

type gormTxRunner struct {
	db *gorm.DB
}

func (r gormTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

type fakeOutbox struct {
	events []outbox.DomainEvent
}

func (f *fakeOutbox) Emit(_ context.Context, tx *gorm.DB, event outbox.DomainEvent) error {
	if tx == nil {
		return assert.AnError
	}
	f.events = append(f.events, event)
	return nil
}

type stubTransitioner struct {
	repo orders.Repository
}

func (s *stubTransitioner) TransitionTx(ctx context.Context, tx *gorm.DB, input orders.TransitionInput) (*models.Order, error) {
	repo := s.repo.WithTx(tx)
	moved, err := repo.UpdateStatusGuarded(ctx, input.OrderID, enums.OrderStatusPending, input.Target, nil)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order was updated concurrently")
	}
	return repo.FindByID(ctx, input.OrderID)
}

type fakeIntentCreator struct {
	intent *payments.Intent
	err    error
	calls  int
}

func (f *fakeIntentCreator) CreateIntent(_ context.Context, _ *models.Order) (*payments.Intent, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.intent, nil
}

func setupCheckoutTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	ddl := `
CREATE TABLE IF NOT EXISTS products (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  unit_price_cents INTEGER NOT NULL,
  active INTEGER NOT NULL DEFAULT 1,
  created_at DATETIME,
  updated_at DATETIME
);
CREATE TABLE IF NOT EXISTS stock_items (
  product_id TEXT PRIMARY KEY,
  qty INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL DEFAULT 'out_of_stock',
  updated_at DATETIME
);
CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  order_number TEXT NOT NULL UNIQUE,
  currency TEXT NOT NULL DEFAULT 'INR',
  total_cents INTEGER NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  payment_status TEXT NOT NULL DEFAULT 'pending',
  payment_method TEXT NOT NULL,
  gateway_order_id TEXT,
  gateway_payment_id TEXT,
  cancelled_at DATETIME,
  delivered_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);
CREATE TABLE IF NOT EXISTS order_items (
  id TEXT PRIMARY KEY,
  order_id TEXT NOT NULL,
  product_id TEXT NOT NULL,
  name TEXT NOT NULL,
  qty INTEGER NOT NULL,
  unit_price_cents INTEGER NOT NULL,
  total_cents INTEGER NOT NULL,
  created_at DATETIME
);
CREATE TABLE IF NOT EXISTS timeline_entries (
  id TEXT PRIMARY KEY,
  order_id TEXT NOT NULL,
  status TEXT NOT NULL,
  title TEXT NOT NULL,
  description TEXT NOT NULL,
  created_at DATETIME
);
CREATE TABLE IF NOT EXISTS wallets (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL UNIQUE,
  balance_cents INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME,
  updated_at DATETIME
);
CREATE TABLE IF NOT EXISTS wallet_transactions (
  id TEXT PRIMARY KEY,
  wallet_id TEXT NOT NULL,
  type TEXT NOT NULL,
  amount_cents INTEGER NOT NULL,
  description TEXT NOT NULL,
  reference TEXT NOT NULL,
  created_at DATETIME
);`
	require.NoError(t, db.Exec(ddl).Error)
	return db
}

type checkoutFixture struct {
	svc     Service
	db      *gorm.DB
	orders  orders.Repository
	wallet  wallet.Service
	outbox  *fakeOutbox
	intents *fakeIntentCreator
}

func newCheckoutFixture(t *testing.T) *checkoutFixture {
	t.Helper()

	db := setupCheckoutTestDB(t)
	sink := &fakeOutbox{}
	runner := gormTxRunner{db: db}

	ordersRepo := orders.NewRepository(db)
	adjuster := inventory.NewAdjuster()
	walletSvc, err := wallet.NewService(wallet.NewRepository(db), runner, sink)
	require.NoError(t, err)
	intents := &fakeIntentCreator{intent: &payments.Intent{GatewayOrderID: "order_gw_1", KeyID: "rzp_test_key"}}

	svc, err := NewService(
		NewProductRepository(db),
		ordersRepo,
		&stubTransitioner{repo: ordersRepo},
		adjuster,
		walletSvc,
		intents,
		runner,
		sink,
	)
	require.NoError(t, err)

	return &checkoutFixture{
		svc:     svc,
		db:      db,
		orders:  ordersRepo,
		wallet:  walletSvc,
		outbox:  sink,
		intents: intents,
	}
}

func seedProduct(t *testing.T, db *gorm.DB, priceCents, qty int) uuid.UUID {
	t.Helper()

	product := &models.Product{
		ID:             uuid.New(),
		Name:           "Alphonso Mangoes 1kg",
		UnitPriceCents: priceCents,
		Active:         true,
	}
	require.NoError(t, db.Create(product).Error)
	require.NoError(t, db.Create(&models.StockItem{
		ProductID: product.ID,
		Qty:       qty,
		Status:    enums.StockStatusForQty(qty),
	}).Error)
	return product.ID
}

func stockQty(t *testing.T, db *gorm.DB, productID uuid.UUID) int {
	t.Helper()
	var item models.StockItem
	require.NoError(t, db.Where("product_id = ?", productID).First(&item).Error)
	return item.Qty
}

func orderCount(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&models.Order{}).Count(&count).Error)
	return count
}

func TestPlaceOrderSnapshotsPricesAndReservesStock(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	productID := seedProduct(t, f.db, 450, 20)
	userID := uuid.New()

	placed, err := f.svc.PlaceOrder(ctx, PlaceOrderInput{
		UserID:        userID,
		PaymentMethod: enums.PaymentMethodRazorpay,
		Items:         []LineItem{{ProductID: productID, Qty: 3}},
	})
	require.NoError(t, err)

	order := placed.Order
	assert.Equal(t, enums.OrderStatusPending, order.Status)
	assert.Equal(t, enums.PaymentStatusPending, order.PaymentStatus)
	assert.Equal(t, 1350, order.TotalCents)
	assert.Contains(t, order.OrderNumber, "GB-")
	require.Len(t, order.Items, 1)
	assert.Equal(t, "Alphonso Mangoes 1kg", order.Items[0].Name)
	assert.Equal(t, 450, order.Items[0].UnitPriceCents)

	assert.Equal(t, 17, stockQty(t, f.db, productID))

	require.NotNil(t, placed.Payment)
	assert.Equal(t, "order_gw_1", placed.Payment.GatewayOrderID)
	reloaded, err := f.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.GatewayOrderID)
	assert.Equal(t, "order_gw_1", *reloaded.GatewayOrderID)

	require.Len(t, f.outbox.events, 1)
	assert.Equal(t, enums.EventOrderPlaced, f.outbox.events[0].EventType)

	entries, err := f.orders.ListTimeline(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Order placed", entries[0].Title)
}

func TestPlaceOrderWalletPaysAndConfirmsInOneTransaction(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	productID := seedProduct(t, f.db, 800, 10)
	userID := uuid.New()

	_, err := f.wallet.Bootstrap(ctx, userID)
	require.NoError(t, err)
	_, err = f.wallet.Credit(ctx, f.db, wallet.AdjustmentInput{
		UserID:      userID,
		AmountCents: 5000,
		Reference:   "topup",
		Description: "test top-up",
	})
	require.NoError(t, err)

	placed, err := f.svc.PlaceOrder(ctx, PlaceOrderInput{
		UserID:        userID,
		PaymentMethod: enums.PaymentMethodWallet,
		Items:         []LineItem{{ProductID: productID, Qty: 2}},
	})
	require.NoError(t, err)

	assert.Equal(t, enums.OrderStatusConfirmed, placed.Order.Status)
	assert.Equal(t, enums.PaymentStatusPaid, placed.Order.PaymentStatus)
	assert.Nil(t, placed.Payment)
	assert.Zero(t, f.intents.calls)

	view, err := f.wallet.Read(ctx, userID, paginationParams())
	require.NoError(t, err)
	assert.Equal(t, 3400, view.BalanceCents)
}

func TestPlaceOrderCODConfirmsWithPaymentPending(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	productID := seedProduct(t, f.db, 800, 10)

	placed, err := f.svc.PlaceOrder(ctx, PlaceOrderInput{
		UserID:        uuid.New(),
		PaymentMethod: enums.PaymentMethodCOD,
		Items:         []LineItem{{ProductID: productID, Qty: 1}},
	})
	require.NoError(t, err)

	assert.Equal(t, enums.OrderStatusConfirmed, placed.Order.Status)
	assert.Equal(t, enums.PaymentStatusPending, placed.Order.PaymentStatus)
	assert.Nil(t, placed.Payment)
	assert.Zero(t, f.intents.calls)

	reloaded, err := f.orders.FindByID(ctx, placed.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusConfirmed, reloaded.Status)
	assert.Equal(t, enums.PaymentStatusPending, reloaded.PaymentStatus)
}

func TestPlaceOrderInsufficientStockRollsBack(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	productID := seedProduct(t, f.db, 450, 2)

	_, err := f.svc.PlaceOrder(ctx, PlaceOrderInput{
		UserID:        uuid.New(),
		PaymentMethod: enums.PaymentMethodRazorpay,
		Items:         []LineItem{{ProductID: productID, Qty: 5}},
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInsufficientStock))

	assert.Equal(t, 2, stockQty(t, f.db, productID))
	assert.Zero(t, orderCount(t, f.db))
}

func TestPlaceOrderWalletInsufficientBalanceRollsBack(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	productID := seedProduct(t, f.db, 800, 10)
	userID := uuid.New()

	_, err := f.wallet.Bootstrap(ctx, userID)
	require.NoError(t, err)

	_, err = f.svc.PlaceOrder(ctx, PlaceOrderInput{
		UserID:        userID,
		PaymentMethod: enums.PaymentMethodWallet,
		Items:         []LineItem{{ProductID: productID, Qty: 2}},
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInsufficientBalance))

	// Stock reservation rolled back with the order.
	assert.Equal(t, 10, stockQty(t, f.db, productID))
	assert.Zero(t, orderCount(t, f.db))
}

func TestPlaceOrderUnknownProduct(t *testing.T) {
	f := newCheckoutFixture(t)

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderInput{
		UserID:        uuid.New(),
		PaymentMethod: enums.PaymentMethodCOD,
		Items:         []LineItem{{ProductID: uuid.New(), Qty: 1}},
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestPlaceOrderValidation(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	productID := uuid.New()

	cases := []struct {
		name  string
		input PlaceOrderInput
		code  pkgerrors.Code
	}{
		{
			name:  "missing user",
			input: PlaceOrderInput{PaymentMethod: enums.PaymentMethodCOD, Items: []LineItem{{ProductID: productID, Qty: 1}}},
			code:  pkgerrors.CodeUnauthorized,
		},
		{
			name:  "invalid method",
			input: PlaceOrderInput{UserID: uuid.New(), PaymentMethod: enums.PaymentMethod("upi"), Items: []LineItem{{ProductID: productID, Qty: 1}}},
			code:  pkgerrors.CodeValidation,
		},
		{
			name:  "no items",
			input: PlaceOrderInput{UserID: uuid.New(), PaymentMethod: enums.PaymentMethodCOD},
			code:  pkgerrors.CodeValidation,
		},
		{
			name:  "zero qty",
			input: PlaceOrderInput{UserID: uuid.New(), PaymentMethod: enums.PaymentMethodCOD, Items: []LineItem{{ProductID: productID, Qty: 0}}},
			code:  pkgerrors.CodeValidation,
		},
		{
			name: "duplicate product",
			input: PlaceOrderInput{UserID: uuid.New(), PaymentMethod: enums.PaymentMethodCOD, Items: []LineItem{
				{ProductID: productID, Qty: 1},
				{ProductID: productID, Qty: 2},
			}},
			code: pkgerrors.CodeValidation,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.PlaceOrder(ctx, tc.input)
			require.Error(t, err)
			assert.True(t, pkgerrors.IsCode(err, tc.code))
		})
	}
}

func TestPlaceOrderIntentFailureLeavesPendingOrder(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	productID := seedProduct(t, f.db, 450, 20)
	f.intents.err = pkgerrors.New(pkgerrors.CodeDependency, "gateway unavailable")

	_, err := f.svc.PlaceOrder(ctx, PlaceOrderInput{
		UserID:        uuid.New(),
		PaymentMethod: enums.PaymentMethodRazorpay,
		Items:         []LineItem{{ProductID: productID, Qty: 1}},
	})
	require.Error(t, err)

	// The order committed before the gateway call and stays pending without
	// a gateway order id.
	assert.Equal(t, int64(1), orderCount(t, f.db))
	var order models.Order
	require.NoError(t, f.db.First(&order).Error)
	assert.Equal(t, enums.OrderStatusPending, order.Status)
	assert.Nil(t, order.GatewayOrderID)
}

func paginationParams() pagination.Params {
	return pagination.Params{Limit: 10}
}
