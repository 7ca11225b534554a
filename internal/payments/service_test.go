package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/greenbasket/greenbasket-backend/internal/orders"
	"github.com/greenbasket/greenbasket-backend/pkg/config"
	"github.com/greenbasket/greenbasket-backend/pkg/db/models"
	"github.com/greenbasket/greenbasket-backend/pkg/enums"
	pkgerrors "github.com/greenbasket/greenbasket-backend/pkg/errors"
	"github.com/greenbasket/greenbasket-backend/pkg/outbox"
)

const testRazorpaySecret = "rzp_test_secret"

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

type fakeGuard struct {
	keys map[string]string
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{keys: map[string]string{}}
}

func (f *fakeGuard) Get(_ context.Context, key string) (string, error) {
	return f.keys[key], nil
}

func (f *fakeGuard) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, exists := f.keys[key]; exists {
		return false, nil
	}
	f.keys[key] = "1"
	return true, nil
}

func (f *fakeGuard) IdempotencyKey(scope, id string) string {
	return "greenbasket:idempotency:" + scope + ":" + id
}

func (f *fakeGuard) Del(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(f.keys, key)
	}
	return nil
}

type stubTransitioner struct {
	repo  orders.Repository
	calls int
	err   error
}

func (s *stubTransitioner) TransitionTx(ctx context.Context, tx *gorm.DB, input orders.TransitionInput) (*models.Order, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
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

type captureNotifier struct {
	confirmed []uuid.UUID
	failed    []string
}

func (c *captureNotifier) OrderConfirmed(_ context.Context, order *models.Order) {
	c.confirmed = append(c.confirmed, order.ID)
}

func (c *captureNotifier) PaymentFailed(_ context.Context, _ *models.Order, reason string) {
	c.failed = append(c.failed, reason)
}

func setupPaymentsTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	ddl := `
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
);`
	require.NoError(t, db.Exec(ddl).Error)
	return db
}

type reconcilerFixture struct {
	svc          Service
	db           *gorm.DB
	repo         orders.Repository
	outbox       *fakeOutbox
	guard        *fakeGuard
	transitioner *stubTransitioner
	notifier     *captureNotifier
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()

	db := setupPaymentsTestDB(t)
	repo := orders.NewRepository(db)
	sink := &fakeOutbox{}
	guard := newFakeGuard()
	transitioner := &stubTransitioner{repo: repo}
	notifier := &captureNotifier{}

	provider, err := NewRazorpayProvider(config.PaymentsConfig{
		RazorpayKeyID:     "rzp_test_key",
		RazorpayKeySecret: testRazorpaySecret,
	})
	require.NoError(t, err)

	registry, err := NewRegistry(provider)
	require.NoError(t, err)

	svc, err := NewService(registry, repo, transitioner, gormTxRunner{db: db}, sink, guard, time.Hour, notifier)
	require.NoError(t, err)

	return &reconcilerFixture{
		svc:          svc,
		db:           db,
		repo:         repo,
		outbox:       sink,
		guard:        guard,
		transitioner: transitioner,
		notifier:     notifier,
	}
}

func seedGatewayOrder(t *testing.T, db *gorm.DB, gatewayOrderID string) *models.Order {
	t.Helper()

	order := &models.Order{
		ID:             uuid.New(),
		UserID:         uuid.New(),
		OrderNumber:    "GB-20260820-" + uuid.NewString()[:6],
		Currency:       "INR",
		TotalCents:     3200,
		Status:         enums.OrderStatusPending,
		PaymentStatus:  enums.PaymentStatusPending,
		PaymentMethod:  enums.PaymentMethodRazorpay,
		GatewayOrderID: &gatewayOrderID,
	}
	require.NoError(t, db.Create(order).Error)
	return order
}

func signCallback(gatewayOrderID, gatewayPaymentID string) string {
	mac := hmac.New(sha256.New, []byte(testRazorpaySecret))
	mac.Write([]byte(gatewayOrderID + "|" + gatewayPaymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyConfirmsPendingOrder(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	order := seedGatewayOrder(t, f.db, "order_rzp_1")

	result, err := f.svc.Verify(ctx, Callback{
		GatewayOrderID:   "order_rzp_1",
		GatewayPaymentID: "pay_rzp_1",
		Signature:        signCallback("order_rzp_1", "pay_rzp_1"),
		Status:           CallbackStatusPaid,
	})
	require.NoError(t, err)
	assert.False(t, result.AlreadyProcessed)
	assert.Equal(t, enums.PaymentStatusPaid, result.Order.PaymentStatus)
	assert.Equal(t, enums.OrderStatusConfirmed, result.Order.Status)

	reloaded, err := f.repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusPaid, reloaded.PaymentStatus)
	assert.Equal(t, enums.OrderStatusConfirmed, reloaded.Status)
	require.NotNil(t, reloaded.GatewayPaymentID)
	assert.Equal(t, "pay_rzp_1", *reloaded.GatewayPaymentID)

	assert.Equal(t, 1, f.transitioner.calls)
	assert.Equal(t, []uuid.UUID{order.ID}, f.notifier.confirmed)
}

func TestVerifyCrossChecksMerchantOrderID(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	order := seedGatewayOrder(t, f.db, "order_rzp_10")

	_, err := f.svc.Verify(ctx, Callback{
		GatewayOrderID:   "order_rzp_10",
		GatewayPaymentID: "pay_rzp_10",
		OrderID:          uuid.New(),
		Signature:        signCallback("order_rzp_10", "pay_rzp_10"),
		Status:           CallbackStatusPaid,
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	reloaded, err := f.repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusPending, reloaded.PaymentStatus)

	result, err := f.svc.Verify(ctx, Callback{
		GatewayOrderID:   "order_rzp_10",
		GatewayPaymentID: "pay_rzp_10",
		OrderID:          order.ID,
		Signature:        signCallback("order_rzp_10", "pay_rzp_10"),
		Status:           CallbackStatusPaid,
	})
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusPaid, result.Order.PaymentStatus)
}

func TestVerifyRejectsInvalidSignature(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	order := seedGatewayOrder(t, f.db, "order_rzp_2")

	_, err := f.svc.Verify(ctx, Callback{
		GatewayOrderID:   "order_rzp_2",
		GatewayPaymentID: "pay_rzp_2",
		Signature:        "deadbeef",
		Status:           CallbackStatusPaid,
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignatureMismatch))

	reloaded, err := f.repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusPending, reloaded.PaymentStatus)
	assert.Equal(t, enums.OrderStatusPending, reloaded.Status)
	assert.Empty(t, f.guard.keys)
	assert.Zero(t, f.transitioner.calls)
}

func TestVerifyDuplicateCallbackShortCircuits(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	seedGatewayOrder(t, f.db, "order_rzp_3")

	callback := Callback{
		GatewayOrderID:   "order_rzp_3",
		GatewayPaymentID: "pay_rzp_3",
		Signature:        signCallback("order_rzp_3", "pay_rzp_3"),
		Status:           CallbackStatusPaid,
	}

	first, err := f.svc.Verify(ctx, callback)
	require.NoError(t, err)
	assert.False(t, first.AlreadyProcessed)

	second, err := f.svc.Verify(ctx, callback)
	require.NoError(t, err)
	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, 1, f.transitioner.calls)
	assert.Len(t, f.notifier.confirmed, 1)
}

func TestVerifyDuplicateAfterGuardExpiryIsStillIdempotent(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	seedGatewayOrder(t, f.db, "order_rzp_4")

	callback := Callback{
		GatewayOrderID:   "order_rzp_4",
		GatewayPaymentID: "pay_rzp_4",
		Signature:        signCallback("order_rzp_4", "pay_rzp_4"),
		Status:           CallbackStatusPaid,
	}

	_, err := f.svc.Verify(ctx, callback)
	require.NoError(t, err)

	// Simulate the redis key expiring. The in-transaction paid check is the
	// durable guard.
	f.guard.keys = map[string]string{}

	second, err := f.svc.Verify(ctx, callback)
	require.NoError(t, err)
	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, 1, f.transitioner.calls)
}

func TestVerifyClearsGuardWhenTransactionFails(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	order := seedGatewayOrder(t, f.db, "order_rzp_5")
	f.transitioner.err = pkgerrors.New(pkgerrors.CodeDependency, "outbox unavailable")

	_, err := f.svc.Verify(ctx, Callback{
		GatewayOrderID:   "order_rzp_5",
		GatewayPaymentID: "pay_rzp_5",
		Signature:        signCallback("order_rzp_5", "pay_rzp_5"),
		Status:           CallbackStatusPaid,
	})
	require.Error(t, err)

	// The whole transaction rolled back and the guard was released so the
	// gateway retry can land.
	reloaded, err := f.repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusPending, reloaded.PaymentStatus)
	assert.Empty(t, f.guard.keys)
	assert.Empty(t, f.notifier.confirmed)
}

func TestVerifyFailedCallbackMarksOrderFailed(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	order := seedGatewayOrder(t, f.db, "order_rzp_6")

	result, err := f.svc.Verify(ctx, Callback{
		GatewayOrderID:   "order_rzp_6",
		GatewayPaymentID: "pay_rzp_6",
		Signature:        signCallback("order_rzp_6", "pay_rzp_6"),
		Status:           CallbackStatusFailed,
		Reason:           "card declined",
	})
	require.NoError(t, err)
	assert.True(t, result.Failed)
	assert.Equal(t, enums.PaymentStatusFailed, result.Order.PaymentStatus)

	reloaded, err := f.repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusFailed, reloaded.PaymentStatus)
	assert.Equal(t, enums.OrderStatusPending, reloaded.Status)

	require.Len(t, f.outbox.events, 1)
	assert.Equal(t, enums.EventPaymentFailed, f.outbox.events[0].EventType)
	assert.Equal(t, []string{"card declined"}, f.notifier.failed)
}

func TestVerifyFailedCallbackAfterPaidIsIgnored(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	order := seedGatewayOrder(t, f.db, "order_rzp_7")

	_, err := f.svc.Verify(ctx, Callback{
		GatewayOrderID:   "order_rzp_7",
		GatewayPaymentID: "pay_rzp_7",
		Signature:        signCallback("order_rzp_7", "pay_rzp_7"),
		Status:           CallbackStatusPaid,
	})
	require.NoError(t, err)

	result, err := f.svc.Verify(ctx, Callback{
		GatewayOrderID:   "order_rzp_7",
		GatewayPaymentID: "pay_rzp_7",
		Signature:        signCallback("order_rzp_7", "pay_rzp_7"),
		Status:           CallbackStatusFailed,
	})
	require.NoError(t, err)
	assert.True(t, result.AlreadyProcessed)
	assert.False(t, result.Failed)

	reloaded, err := f.repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusPaid, reloaded.PaymentStatus)
}

func TestVerifyRejectsUnsignedFailureCallback(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	order := seedGatewayOrder(t, f.db, "order_rzp_8")

	_, err := f.svc.Verify(ctx, Callback{
		GatewayOrderID:   "order_rzp_8",
		GatewayPaymentID: "pay_rzp_8",
		Status:           CallbackStatusFailed,
		Reason:           "card declined",
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignatureMismatch))

	reloaded, err := f.repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusPending, reloaded.PaymentStatus)
	assert.Empty(t, f.outbox.events)
	assert.Empty(t, f.notifier.failed)
}

func TestVerifySuccessAfterFailureStillConfirms(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	order := seedGatewayOrder(t, f.db, "order_rzp_9")

	failed, err := f.svc.Verify(ctx, Callback{
		GatewayOrderID:   "order_rzp_9",
		GatewayPaymentID: "pay_rzp_9a",
		Signature:        signCallback("order_rzp_9", "pay_rzp_9a"),
		Status:           CallbackStatusFailed,
		Reason:           "card declined",
	})
	require.NoError(t, err)
	assert.True(t, failed.Failed)

	result, err := f.svc.Verify(ctx, Callback{
		GatewayOrderID:   "order_rzp_9",
		GatewayPaymentID: "pay_rzp_9b",
		Signature:        signCallback("order_rzp_9", "pay_rzp_9b"),
		Status:           CallbackStatusPaid,
	})
	require.NoError(t, err)
	assert.False(t, result.AlreadyProcessed)
	assert.Equal(t, enums.PaymentStatusPaid, result.Order.PaymentStatus)
	assert.Equal(t, enums.OrderStatusConfirmed, result.Order.Status)

	reloaded, err := f.repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusPaid, reloaded.PaymentStatus)
	assert.Equal(t, enums.OrderStatusConfirmed, reloaded.Status)
	require.NotNil(t, reloaded.GatewayPaymentID)
	assert.Equal(t, "pay_rzp_9b", *reloaded.GatewayPaymentID)
	assert.Equal(t, []uuid.UUID{order.ID}, f.notifier.confirmed)
}

func TestVerifyUnknownGatewayOrder(t *testing.T) {
	f := newReconcilerFixture(t)

	_, err := f.svc.Verify(context.Background(), Callback{
		GatewayOrderID:   "order_missing",
		GatewayPaymentID: "pay_missing",
		Signature:        signCallback("order_missing", "pay_missing"),
		Status:           CallbackStatusPaid,
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestRazorpaySignatureRoundTrip(t *testing.T) {
	provider, err := NewRazorpayProvider(config.PaymentsConfig{
		RazorpayKeyID:     "rzp_test_key",
		RazorpayKeySecret: testRazorpaySecret,
	})
	require.NoError(t, err)

	callback := Callback{
		GatewayOrderID:   "order_abc",
		GatewayPaymentID: "pay_abc",
		Signature:        signCallback("order_abc", "pay_abc"),
	}
	require.NoError(t, provider.VerifyCallback(callback))

	callback.Signature = signCallback("order_abc", "pay_other")
	err = provider.VerifyCallback(callback)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignatureMismatch))
}

func TestRegistryResolvesByMethod(t *testing.T) {
	provider, err := NewRazorpayProvider(config.PaymentsConfig{
		RazorpayKeyID:     "rzp_test_key",
		RazorpayKeySecret: testRazorpaySecret,
	})
	require.NoError(t, err)

	registry, err := NewRegistry(provider)
	require.NoError(t, err)

	resolved, err := registry.For(enums.PaymentMethodRazorpay)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentMethodRazorpay, resolved.Method())

	_, err = registry.For(enums.PaymentMethodStripe)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}
