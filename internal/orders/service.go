package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/greenbasket/greenbasket-backend/internal/inventory"
	"github.com/greenbasket/greenbasket-backend/internal/wallet"
	"github.com/greenbasket/greenbasket-backend/pkg/db/models"
	"github.com/greenbasket/greenbasket-backend/pkg/enums"
	pkgerrors "github.com/greenbasket/greenbasket-backend/pkg/errors"
	"github.com/greenbasket/greenbasket-backend/pkg/outbox"
	"github.com/greenbasket/greenbasket-backend/pkg/outbox/payloads"
	"github.com/greenbasket/greenbasket-backend/pkg/pagination"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// StockRestorer returns reserved stock when an order is cancelled.
type StockRestorer interface {
	Restore(ctx context.Context, tx *gorm.DB, items []inventory.Adjustment) error
}

// WalletRefunder books the refund credit for a paid order.
type WalletRefunder interface {
	Credit(ctx context.Context, tx *gorm.DB, input wallet.AdjustmentInput) (*models.WalletTransaction, error)
}

// Notifier receives best-effort post-commit notifications. Implementations
// log failures and never propagate them.
type Notifier interface {
	OrderCancelled(ctx context.Context, order *models.Order)
}

// TransitionInput captures one requested status change.
type TransitionInput struct {
	OrderID uuid.UUID
	Target  enums.OrderStatus
	Actor   Actor
}

// Service is the single gate for order status writes. Every mutation runs the
// transition table, the guarded update, the timeline append and the outbox
// emit in one transaction.
type Service interface {
	Transition(ctx context.Context, input TransitionInput) (*models.Order, error)
	TransitionTx(ctx context.Context, tx *gorm.DB, input TransitionInput) (*models.Order, error)
	Cancel(ctx context.Context, orderID uuid.UUID, actor Actor, reason string) (*models.Order, error)
	MarkReturned(ctx context.Context, orderID uuid.UUID, actor Actor) (*models.Order, error)
	AdminUpdateStatus(ctx context.Context, orderID uuid.UUID, target enums.OrderStatus, actor Actor) (*models.Order, error)
	Get(ctx context.Context, orderID uuid.UUID, actor Actor) (*OrderDetail, error)
	List(ctx context.Context, userID uuid.UUID, params pagination.Params, filters ListFilters) (*OrderList, error)
	Timeline(ctx context.Context, orderID uuid.UUID, actor Actor) ([]TimelineEntryView, error)
}

type service struct {
	repo      Repository
	tx        txRunner
	outbox    outboxPublisher
	inventory StockRestorer
	wallet    WalletRefunder
	notifier  Notifier
}

// NewService builds an order service with the required dependencies.
func NewService(repo Repository, tx txRunner, outbox outboxPublisher, inventory StockRestorer, wallet WalletRefunder, notifier Notifier) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if inventory == nil {
		return nil, fmt.Errorf("stock restorer required")
	}
	if wallet == nil {
		return nil, fmt.Errorf("wallet refunder required")
	}
	if notifier == nil {
		return nil, fmt.Errorf("notifier required")
	}
	return &service{
		repo:      repo,
		tx:        tx,
		outbox:    outbox,
		inventory: inventory,
		wallet:    wallet,
		notifier:  notifier,
	}, nil
}

func (s *service) Transition(ctx context.Context, input TransitionInput) (*models.Order, error) {
	var order *models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var txErr error
		order, txErr = s.TransitionTx(ctx, tx, input)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// TransitionTx runs the transition inside the caller's transaction so other
// services (payment reconciliation, checkout) can compose with it atomically.
func (s *service) TransitionTx(ctx context.Context, tx *gorm.DB, input TransitionInput) (*models.Order, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "transaction required for order transition")
	}
	if input.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	if !input.Target.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid order status")
	}

	repo := s.repo.WithTx(tx)
	order, err := repo.FindByID(ctx, input.OrderID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}

	if !order.Status.CanTransitionTo(input.Target) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict,
			fmt.Sprintf("transition %s -> %s not allowed", order.Status, input.Target))
	}

	updates := map[string]any{}
	now := time.Now()
	switch input.Target {
	case enums.OrderStatusDelivered:
		updates["delivered_at"] = now
	case enums.OrderStatusCancelled:
		updates["cancelled_at"] = now
	}

	moved, err := repo.UpdateStatusGuarded(ctx, order.ID, order.Status, input.Target, updates)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order status")
	}
	if !moved {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order was updated concurrently")
	}

	from := order.Status
	order.Status = input.Target
	switch input.Target {
	case enums.OrderStatusDelivered:
		order.DeliveredAt = &now
	case enums.OrderStatusCancelled:
		order.CancelledAt = &now
	}

	title, description := timelineCopy(input.Target)
	entry := &models.TimelineEntry{
		ID:          uuid.New(),
		OrderID:     order.ID,
		Status:      input.Target,
		Title:       title,
		Description: description,
	}
	if err := repo.AppendTimeline(ctx, entry); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append timeline entry")
	}

	if err := s.emitTransition(ctx, tx, order, from, input.Actor); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *service) emitTransition(ctx context.Context, tx *gorm.DB, order *models.Order, from enums.OrderStatus, actor Actor) error {
	event := outbox.DomainEvent{
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Version:       1,
		Actor:         buildActor(actor),
	}

	switch order.Status {
	case enums.OrderStatusConfirmed:
		event.EventType = enums.EventOrderConfirmed
		gatewayPaymentID := ""
		if order.GatewayPaymentID != nil {
			gatewayPaymentID = *order.GatewayPaymentID
		}
		event.Data = payloads.OrderConfirmedEvent{
			OrderID:          order.ID,
			OrderNumber:      order.OrderNumber,
			UserID:           order.UserID,
			GatewayPaymentID: gatewayPaymentID,
			ConfirmedAt:      time.Now(),
		}
	default:
		event.EventType = enums.EventOrderStatusChanged
		event.Data = payloads.OrderStatusChangedEvent{
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			UserID:      order.UserID,
			FromStatus:  from,
			ToStatus:    order.Status,
			ChangedAt:   time.Now(),
		}
	}
	return s.outbox.Emit(ctx, tx, event)
}

// Cancel releases stock and refunds a paid order in the same transaction as
// the status flip. Only pending and confirmed orders qualify.
func (s *service) Cancel(ctx context.Context, orderID uuid.UUID, actor Actor, reason string) (*models.Order, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	if actor.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}

	var cancelled *models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := repo.FindByID(ctx, orderID)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
		}
		if actor.Role != enums.RoleAdmin && order.UserID != actor.UserID {
			return pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to user")
		}
		if !order.Status.CanTransitionTo(enums.OrderStatusCancelled) {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order can no longer be cancelled")
		}

		from := order.Status
		now := time.Now()
		moved, err := repo.UpdateStatusGuarded(ctx, order.ID, from, enums.OrderStatusCancelled, map[string]any{
			"cancelled_at": now,
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order status")
		}
		if !moved {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order was updated concurrently")
		}
		order.Status = enums.OrderStatusCancelled
		order.CancelledAt = &now

		entry := &models.TimelineEntry{
			ID:          uuid.New(),
			OrderID:     order.ID,
			Status:      enums.OrderStatusCancelled,
			Title:       "Order cancelled",
			Description: cancelDescription(reason),
		}
		if err := repo.AppendTimeline(ctx, entry); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append timeline entry")
		}

		adjustments := make([]inventory.Adjustment, 0, len(order.Items))
		for _, item := range order.Items {
			adjustments = append(adjustments, inventory.Adjustment{ProductID: item.ProductID, Qty: item.Qty})
		}
		if err := s.inventory.Restore(ctx, tx, adjustments); err != nil {
			return err
		}

		refunded := 0
		if order.PaymentStatus == enums.PaymentStatusPaid {
			if _, err := s.wallet.Credit(ctx, tx, wallet.AdjustmentInput{
				UserID:      order.UserID,
				AmountCents: order.TotalCents,
				Reference:   order.ID.String(),
				Description: fmt.Sprintf("Refund for order %s", order.OrderNumber),
			}); err != nil {
				return err
			}
			if err := repo.Update(ctx, order.ID, map[string]any{"payment_status": enums.PaymentStatusRefunded}); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark order refunded")
			}
			order.PaymentStatus = enums.PaymentStatusRefunded
			refunded = order.TotalCents
		}

		event := outbox.DomainEvent{
			EventType:     enums.EventOrderCancelled,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Version:       1,
			Actor:         buildActor(actor),
			Data: payloads.OrderCancelledEvent{
				OrderID:        order.ID,
				OrderNumber:    order.OrderNumber,
				UserID:         order.UserID,
				PreviousStatus: from,
				CancelledAt:    now,
				RefundedCents:  int64(refunded),
				Reason:         reason,
			},
		}
		if err := s.outbox.Emit(ctx, tx, event); err != nil {
			return err
		}

		cancelled = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifier.OrderCancelled(ctx, cancelled)
	return cancelled, nil
}

// AdminUpdateStatus is the admin-facing wrapper over the same transition
// gate. Cancellation routes through Cancel so refunds and stock restore
// still happen.
func (s *service) AdminUpdateStatus(ctx context.Context, orderID uuid.UUID, target enums.OrderStatus, actor Actor) (*models.Order, error) {
	if actor.Role != enums.RoleAdmin {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "admin role required")
	}
	if target == enums.OrderStatusCancelled {
		return s.Cancel(ctx, orderID, actor, "cancelled by support")
	}
	if target == enums.OrderStatusReturned {
		return s.MarkReturned(ctx, orderID, actor)
	}
	return s.Transition(ctx, TransitionInput{OrderID: orderID, Target: target, Actor: actor})
}

// MarkReturned moves a delivered order to returned, restores the stock and
// refunds a paid order to the customer's wallet, all in one transaction.
func (s *service) MarkReturned(ctx context.Context, orderID uuid.UUID, actor Actor) (*models.Order, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}

	var returned *models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := repo.FindByID(ctx, orderID)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
		}

		// The transition table only allows delivered -> returned, so the
		// guarded update inside TransitionTx rejects everything else.
		moved, err := s.TransitionTx(ctx, tx, TransitionInput{
			OrderID: orderID,
			Target:  enums.OrderStatusReturned,
			Actor:   actor,
		})
		if err != nil {
			return err
		}

		adjustments := make([]inventory.Adjustment, 0, len(order.Items))
		for _, item := range order.Items {
			adjustments = append(adjustments, inventory.Adjustment{ProductID: item.ProductID, Qty: item.Qty})
		}
		if err := s.inventory.Restore(ctx, tx, adjustments); err != nil {
			return err
		}

		if order.PaymentStatus == enums.PaymentStatusPaid {
			if _, err := s.wallet.Credit(ctx, tx, wallet.AdjustmentInput{
				UserID:      order.UserID,
				AmountCents: order.TotalCents,
				Reference:   order.ID.String(),
				Description: fmt.Sprintf("Refund for returned order %s", order.OrderNumber),
			}); err != nil {
				return err
			}
			if err := repo.Update(ctx, order.ID, map[string]any{"payment_status": enums.PaymentStatusRefunded}); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark order refunded")
			}
			moved.PaymentStatus = enums.PaymentStatusRefunded
		} else {
			moved.PaymentStatus = order.PaymentStatus
		}
		moved.Items = order.Items

		returned = moved
		return nil
	})
	if err != nil {
		return nil, err
	}
	return returned, nil
}

func (s *service) Get(ctx context.Context, orderID uuid.UUID, actor Actor) (*OrderDetail, error) {
	order, err := s.loadOwned(ctx, orderID, actor)
	if err != nil {
		return nil, err
	}

	items := make([]OrderItemView, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, OrderItemView{
			ProductID:      item.ProductID,
			Name:           item.Name,
			Qty:            item.Qty,
			UnitPriceCents: item.UnitPriceCents,
			TotalCents:     item.TotalCents,
		})
	}

	return &OrderDetail{
		ID:            order.ID,
		OrderNumber:   order.OrderNumber,
		Currency:      order.Currency,
		TotalCents:    order.TotalCents,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
		PaymentMethod: order.PaymentMethod,
		Items:         items,
		CreatedAt:     order.CreatedAt,
		CancelledAt:   order.CancelledAt,
		DeliveredAt:   order.DeliveredAt,
	}, nil
}

func (s *service) List(ctx context.Context, userID uuid.UUID, params pagination.Params, filters ListFilters) (*OrderList, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	list, err := s.repo.List(ctx, userID, params, filters)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list orders")
	}
	return list, nil
}

func (s *service) Timeline(ctx context.Context, orderID uuid.UUID, actor Actor) ([]TimelineEntryView, error) {
	if _, err := s.loadOwned(ctx, orderID, actor); err != nil {
		return nil, err
	}

	entries, err := s.repo.ListTimeline(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list timeline")
	}

	views := make([]TimelineEntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, TimelineEntryView{
			Status:      entry.Status,
			Title:       entry.Title,
			Description: entry.Description,
			CreatedAt:   entry.CreatedAt,
		})
	}
	return views, nil
}

func (s *service) loadOwned(ctx context.Context, orderID uuid.UUID, actor Actor) (*models.Order, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	if actor.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}

	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	if actor.Role != enums.RoleAdmin && order.UserID != actor.UserID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to user")
	}
	return order, nil
}

func timelineCopy(status enums.OrderStatus) (string, string) {
	switch status {
	case enums.OrderStatusPending:
		return "Order placed", "We received your order and are waiting for payment."
	case enums.OrderStatusConfirmed:
		return "Order confirmed", "Payment received and your order is confirmed."
	case enums.OrderStatusProcessing:
		return "Order processing", "Your items are being prepared."
	case enums.OrderStatusPacked:
		return "Order packed", "Your items are packed and ready for dispatch."
	case enums.OrderStatusShipped:
		return "Order shipped", "Your order left the fulfillment center."
	case enums.OrderStatusOutForDelivery:
		return "Out for delivery", "The courier is on the way."
	case enums.OrderStatusDelivered:
		return "Order delivered", "Your order was delivered."
	case enums.OrderStatusCancelled:
		return "Order cancelled", "The order was cancelled."
	case enums.OrderStatusReturned:
		return "Order returned", "The order was returned."
	default:
		return "Order updated", "Order status changed."
	}
}

func cancelDescription(reason string) string {
	if reason == "" {
		return "The order was cancelled."
	}
	return fmt.Sprintf("The order was cancelled: %s", reason)
}

func buildActor(actor Actor) *outbox.ActorRef {
	if actor.UserID == uuid.Nil {
		return nil
	}
	return &outbox.ActorRef{UserID: actor.UserID, Role: string(actor.Role)}
}
