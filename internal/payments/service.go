package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/greenbasket/greenbasket-backend/internal/orders"
	"github.com/greenbasket/greenbasket-backend/pkg/db/models"
	"github.com/greenbasket/greenbasket-backend/pkg/enums"
	pkgerrors "github.com/greenbasket/greenbasket-backend/pkg/errors"
	"github.com/greenbasket/greenbasket-backend/pkg/outbox"
	"github.com/greenbasket/greenbasket-backend/pkg/outbox/payloads"
	"github.com/greenbasket/greenbasket-backend/pkg/redis"
)

const callbackGuardScope = "payments:callback"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type orderTransitioner interface {
	TransitionTx(ctx context.Context, tx *gorm.DB, input orders.TransitionInput) (*models.Order, error)
}

// Notifier receives best-effort post-commit notifications.
type Notifier interface {
	OrderConfirmed(ctx context.Context, order *models.Order)
	PaymentFailed(ctx context.Context, order *models.Order, reason string)
}

// Result reports the reconciliation outcome. AlreadyProcessed marks a
// duplicate callback that changed nothing.
type Result struct {
	Order            *models.Order
	AlreadyProcessed bool
	Failed           bool
}

// Service reconciles gateway callbacks against orders. Verification is
// idempotent under redelivery and atomic with the order confirmation.
type Service interface {
	Verify(ctx context.Context, callback Callback) (*Result, error)
	CreateIntent(ctx context.Context, order *models.Order) (*Intent, error)
}

type service struct {
	providers *Registry
	repo      orders.Repository
	orders    orderTransitioner
	tx        txRunner
	outbox    outboxPublisher
	guard     redis.IdempotencyStore
	guardTTL  time.Duration
	notifier  Notifier
}

// NewService builds the payment reconciliation service.
func NewService(
	providers *Registry,
	repo orders.Repository,
	ordersSvc orderTransitioner,
	tx txRunner,
	outboxSvc outboxPublisher,
	guard redis.IdempotencyStore,
	guardTTL time.Duration,
	notifier Notifier,
) (Service, error) {
	if providers == nil {
		return nil, fmt.Errorf("payment provider registry required")
	}
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if ordersSvc == nil {
		return nil, fmt.Errorf("order transitioner required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if outboxSvc == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if guard == nil {
		return nil, fmt.Errorf("idempotency guard required")
	}
	if notifier == nil {
		return nil, fmt.Errorf("notifier required")
	}
	if guardTTL <= 0 {
		guardTTL = 24 * time.Hour
	}
	return &service{
		providers: providers,
		repo:      repo,
		orders:    ordersSvc,
		tx:        tx,
		outbox:    outboxSvc,
		guard:     guard,
		guardTTL:  guardTTL,
		notifier:  notifier,
	}, nil
}

// CreateIntent opens a gateway payment for the order with the provider
// matching its payment method.
func (s *service) CreateIntent(ctx context.Context, order *models.Order) (*Intent, error) {
	if order == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order required")
	}
	provider, err := s.providers.For(order.PaymentMethod)
	if err != nil {
		return nil, err
	}
	return provider.CreateIntent(ctx, order)
}

// Verify authenticates the callback, then marks the order paid and confirms
// it in one transaction. A duplicate callback short-circuits to the stored
// outcome without touching any state.
func (s *service) Verify(ctx context.Context, callback Callback) (*Result, error) {
	if callback.GatewayOrderID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "gateway order id required")
	}

	order, err := s.repo.FindByGatewayOrderID(ctx, callback.GatewayOrderID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found for gateway order id")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	if callback.OrderID != uuid.Nil && callback.OrderID != order.ID {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id does not match gateway order")
	}

	provider, err := s.providers.For(order.PaymentMethod)
	if err != nil {
		return nil, err
	}

	// Every callback authenticates, failure reports included. A signature
	// mismatch leaves the order untouched.
	if err := provider.VerifyCallback(callback); err != nil {
		return nil, err
	}

	if callback.Status == CallbackStatusFailed {
		return s.recordFailure(ctx, order, callback)
	}

	if callback.GatewayPaymentID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "gateway payment id required")
	}

	guardKey := s.guard.IdempotencyKey(callbackGuardScope, callback.GatewayPaymentID)
	fresh, err := s.guard.SetNX(ctx, guardKey, "1", s.guardTTL)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "set callback guard")
	}
	if !fresh {
		return &Result{Order: order, AlreadyProcessed: true}, nil
	}

	var result *Result
	txErr := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		current, err := repo.FindByID(ctx, order.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload order")
		}
		if current.PaymentStatus == enums.PaymentStatusPaid {
			result = &Result{Order: current, AlreadyProcessed: true}
			return nil
		}

		marked, err := repo.MarkPaidGuarded(ctx, current.ID, callback.GatewayPaymentID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark order paid")
		}
		if !marked {
			// Not pending, not failed, not paid: the order was refunded or
			// cancelled in the meantime. Never report that as processed.
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order is no longer awaiting payment")
		}
		current.PaymentStatus = enums.PaymentStatusPaid
		current.GatewayPaymentID = &callback.GatewayPaymentID

		confirmed, err := s.orders.TransitionTx(ctx, tx, orders.TransitionInput{
			OrderID: current.ID,
			Target:  enums.OrderStatusConfirmed,
		})
		if err != nil {
			return err
		}
		confirmed.PaymentStatus = current.PaymentStatus
		confirmed.GatewayPaymentID = current.GatewayPaymentID

		result = &Result{Order: confirmed}
		return nil
	})
	if txErr != nil {
		// Clear the guard so the gateway's retry can try again.
		_ = s.guard.Del(ctx, guardKey)
		return nil, txErr
	}

	if !result.AlreadyProcessed {
		s.notifier.OrderConfirmed(ctx, result.Order)
	}
	return result, nil
}

// recordFailure flags a pending order as failed and emits the failure event.
// The caller has already authenticated the callback. Orders already paid or
// failed are left as they are; a verified success arriving later still wins
// because the paid guard accepts the failed state.
func (s *service) recordFailure(ctx context.Context, order *models.Order, callback Callback) (*Result, error) {
	reason := callback.Reason
	if reason == "" {
		reason = "payment failed at gateway"
	}

	var result *Result
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		current, err := repo.FindByID(ctx, order.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload order")
		}
		if current.PaymentStatus != enums.PaymentStatusPending {
			result = &Result{
				Order:            current,
				AlreadyProcessed: true,
				Failed:           current.PaymentStatus == enums.PaymentStatusFailed,
			}
			return nil
		}

		if err := repo.Update(ctx, current.ID, map[string]any{
			"payment_status": enums.PaymentStatusFailed,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark payment failed")
		}
		current.PaymentStatus = enums.PaymentStatusFailed

		gatewayOrderID := ""
		if current.GatewayOrderID != nil {
			gatewayOrderID = *current.GatewayOrderID
		}
		event := outbox.DomainEvent{
			EventType:     enums.EventPaymentFailed,
			AggregateType: enums.AggregateOrder,
			AggregateID:   current.ID,
			Version:       1,
			Data: payloads.PaymentFailedEvent{
				OrderID:        current.ID,
				OrderNumber:    current.OrderNumber,
				UserID:         current.UserID,
				GatewayOrderID: gatewayOrderID,
				Reason:         reason,
				FailedAt:       time.Now(),
			},
		}
		if err := s.outbox.Emit(ctx, tx, event); err != nil {
			return err
		}

		result = &Result{Order: current, Failed: true}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.AlreadyProcessed {
		s.notifier.PaymentFailed(ctx, result.Order, reason)
	}
	return result, nil
}
