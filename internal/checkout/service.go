package checkout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/greenbasket/greenbasket-backend/internal/inventory"
	"github.com/greenbasket/greenbasket-backend/internal/orders"
	"github.com/greenbasket/greenbasket-backend/internal/payments"
	"github.com/greenbasket/greenbasket-backend/internal/wallet"
	"github.com/greenbasket/greenbasket-backend/pkg/db/models"
	"github.com/greenbasket/greenbasket-backend/pkg/enums"
	pkgerrors "github.com/greenbasket/greenbasket-backend/pkg/errors"
	"github.com/greenbasket/greenbasket-backend/pkg/outbox"
	"github.com/greenbasket/greenbasket-backend/pkg/outbox/payloads"
)

const defaultCurrency = "INR"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// StockDecrementer reserves stock inside the checkout transaction.
type StockDecrementer interface {
	Decrement(ctx context.Context, tx *gorm.DB, items []inventory.Adjustment) error
}

// WalletDebitor pays wallet-funded orders inside the checkout transaction.
type WalletDebitor interface {
	Debit(ctx context.Context, tx *gorm.DB, input wallet.AdjustmentInput) (*models.WalletTransaction, error)
}

type orderTransitioner interface {
	TransitionTx(ctx context.Context, tx *gorm.DB, input orders.TransitionInput) (*models.Order, error)
}

// IntentCreator opens the gateway payment for an order after commit.
type IntentCreator interface {
	CreateIntent(ctx context.Context, order *models.Order) (*payments.Intent, error)
}

// LineItem is one requested product and quantity.
type LineItem struct {
	ProductID uuid.UUID
	Qty       int
}

// PlaceOrderInput is the checkout request.
type PlaceOrderInput struct {
	UserID        uuid.UUID
	PaymentMethod enums.PaymentMethod
	Items         []LineItem
	Currency      string
}

// PlacedOrder is the checkout outcome. Payment is set for gateway methods
// and carries what the client needs to open the payment sheet.
type PlacedOrder struct {
	Order   *models.Order
	Payment *payments.Intent
}

// Service creates orders with snapshot prices and reserved stock.
type Service interface {
	PlaceOrder(ctx context.Context, input PlaceOrderInput) (*PlacedOrder, error)
}

type service struct {
	products  ProductRepository
	orders    orders.Repository
	ordersSvc orderTransitioner
	inventory StockDecrementer
	wallet    WalletDebitor
	intents   IntentCreator
	tx        txRunner
	outbox    outboxPublisher
}

// NewService builds the checkout service.
func NewService(
	products ProductRepository,
	ordersRepo orders.Repository,
	ordersSvc orderTransitioner,
	stock StockDecrementer,
	walletSvc WalletDebitor,
	intents IntentCreator,
	tx txRunner,
	outboxSvc outboxPublisher,
) (Service, error) {
	if products == nil {
		return nil, fmt.Errorf("product repository required")
	}
	if ordersRepo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if ordersSvc == nil {
		return nil, fmt.Errorf("order transitioner required")
	}
	if stock == nil {
		return nil, fmt.Errorf("stock decrementer required")
	}
	if walletSvc == nil {
		return nil, fmt.Errorf("wallet debitor required")
	}
	if intents == nil {
		return nil, fmt.Errorf("intent creator required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if outboxSvc == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	return &service{
		products:  products,
		orders:    ordersRepo,
		ordersSvc: ordersSvc,
		inventory: stock,
		wallet:    walletSvc,
		intents:   intents,
		tx:        tx,
		outbox:    outboxSvc,
	}, nil
}

// PlaceOrder snapshots prices, reserves stock and creates the order in one
// transaction. Wallet orders are debited and confirmed in the same
// transaction, COD orders confirm with payment still pending, and gateway
// orders get their payment intent after commit.
func (s *service) PlaceOrder(ctx context.Context, input PlaceOrderInput) (*PlacedOrder, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}

	currency := strings.ToUpper(strings.TrimSpace(input.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	var placed *models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		products := s.products.WithTx(tx)
		ordersRepo := s.orders.WithTx(tx)

		ids := make([]uuid.UUID, 0, len(input.Items))
		for _, item := range input.Items {
			ids = append(ids, item.ProductID)
		}
		catalog, err := products.FindActiveByIDs(ctx, ids)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load products")
		}
		byID := make(map[uuid.UUID]models.Product, len(catalog))
		for _, product := range catalog {
			byID[product.ID] = product
		}

		order := &models.Order{
			ID:            uuid.New(),
			UserID:        input.UserID,
			OrderNumber:   newOrderNumber(),
			Currency:      currency,
			Status:        enums.OrderStatusPending,
			PaymentStatus: enums.PaymentStatusPending,
			PaymentMethod: input.PaymentMethod,
		}

		adjustments := make([]inventory.Adjustment, 0, len(input.Items))
		for _, item := range input.Items {
			product, ok := byID[item.ProductID]
			if !ok {
				return pkgerrors.New(pkgerrors.CodeNotFound,
					fmt.Sprintf("product %s not available", item.ProductID))
			}
			order.Items = append(order.Items, models.OrderItem{
				ID:             uuid.New(),
				ProductID:      product.ID,
				Name:           product.Name,
				Qty:            item.Qty,
				UnitPriceCents: product.UnitPriceCents,
				TotalCents:     product.UnitPriceCents * item.Qty,
			})
			order.TotalCents += product.UnitPriceCents * item.Qty
			adjustments = append(adjustments, inventory.Adjustment{ProductID: product.ID, Qty: item.Qty})
		}

		if err := s.inventory.Decrement(ctx, tx, adjustments); err != nil {
			return err
		}
		if err := ordersRepo.Create(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
		}

		entry := &models.TimelineEntry{
			ID:          uuid.New(),
			OrderID:     order.ID,
			Status:      enums.OrderStatusPending,
			Title:       "Order placed",
			Description: "We received your order and are waiting for payment.",
		}
		if err := ordersRepo.AppendTimeline(ctx, entry); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append timeline entry")
		}

		event := outbox.DomainEvent{
			EventType:     enums.EventOrderPlaced,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Version:       1,
			Actor:         &outbox.ActorRef{UserID: input.UserID, Role: string(enums.RoleCustomer)},
			Data: payloads.OrderPlacedEvent{
				OrderID:       order.ID,
				OrderNumber:   order.OrderNumber,
				UserID:        order.UserID,
				TotalCents:    int64(order.TotalCents),
				PaymentMethod: order.PaymentMethod,
				ItemCount:     len(order.Items),
			},
		}
		if err := s.outbox.Emit(ctx, tx, event); err != nil {
			return err
		}

		if input.PaymentMethod == enums.PaymentMethodWallet {
			if _, err := s.wallet.Debit(ctx, tx, wallet.AdjustmentInput{
				UserID:      input.UserID,
				AmountCents: order.TotalCents,
				Reference:   order.ID.String(),
				Description: fmt.Sprintf("Payment for order %s", order.OrderNumber),
			}); err != nil {
				return err
			}
			marked, err := ordersRepo.MarkPaidGuarded(ctx, order.ID, "")
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark order paid")
			}
			if !marked {
				return pkgerrors.New(pkgerrors.CodeStateConflict, "order was updated concurrently")
			}
			order.PaymentStatus = enums.PaymentStatusPaid

			confirmed, err := s.ordersSvc.TransitionTx(ctx, tx, orders.TransitionInput{
				OrderID: order.ID,
				Target:  enums.OrderStatusConfirmed,
				Actor:   orders.Actor{UserID: input.UserID, Role: enums.RoleCustomer},
			})
			if err != nil {
				return err
			}
			order.Status = confirmed.Status
		}

		// Cash on delivery needs no upfront payment: the order confirms at
		// placement and the payment stays pending until the courier collects.
		if input.PaymentMethod == enums.PaymentMethodCOD {
			confirmed, err := s.ordersSvc.TransitionTx(ctx, tx, orders.TransitionInput{
				OrderID: order.ID,
				Target:  enums.OrderStatusConfirmed,
				Actor:   orders.Actor{UserID: input.UserID, Role: enums.RoleCustomer},
			})
			if err != nil {
				return err
			}
			order.Status = confirmed.Status
		}

		placed = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &PlacedOrder{Order: placed}

	if input.PaymentMethod.IsGateway() {
		intent, err := s.intents.CreateIntent(ctx, placed)
		if err != nil {
			return nil, err
		}
		if err := s.orders.Update(ctx, placed.ID, map[string]any{
			"gateway_order_id": intent.GatewayOrderID,
		}); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store gateway order id")
		}
		placed.GatewayOrderID = &intent.GatewayOrderID
		result.Payment = intent
	}

	return result, nil
}

func validateInput(input PlaceOrderInput) error {
	if input.UserID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if !input.PaymentMethod.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid payment method")
	}
	if len(input.Items) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "order requires at least one item")
	}
	seen := make(map[uuid.UUID]bool, len(input.Items))
	for _, item := range input.Items {
		if item.ProductID == uuid.Nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "item product id required")
		}
		if item.Qty <= 0 {
			return pkgerrors.New(pkgerrors.CodeValidation, "item qty must be positive")
		}
		if seen[item.ProductID] {
			return pkgerrors.New(pkgerrors.CodeValidation, "duplicate product in order")
		}
		seen[item.ProductID] = true
	}
	return nil
}

func newOrderNumber() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("GB-%s-%s", time.Now().Format("20060102"), suffix)
}
