package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/greenbasket/greenbasket-backend/pkg/enums"
)

// OrderPlacedEvent signals a freshly checked-out order awaiting payment.
type OrderPlacedEvent struct {
	OrderID       uuid.UUID           `json:"order_id"`
	OrderNumber   string              `json:"order_number"`
	UserID        uuid.UUID           `json:"user_id"`
	TotalCents    int64               `json:"total_cents"`
	PaymentMethod enums.PaymentMethod `json:"payment_method"`
	ItemCount     int                 `json:"item_count"`
}

// OrderConfirmedEvent is emitted once payment reconciles successfully.
type OrderConfirmedEvent struct {
	OrderID          uuid.UUID `json:"order_id"`
	OrderNumber      string    `json:"order_number"`
	UserID           uuid.UUID `json:"user_id"`
	GatewayPaymentID string    `json:"gateway_payment_id,omitempty"`
	ConfirmedAt      time.Time `json:"confirmed_at"`
}

// OrderStatusChangedEvent covers every fulfillment transition after confirmation.
type OrderStatusChangedEvent struct {
	OrderID     uuid.UUID         `json:"order_id"`
	OrderNumber string            `json:"order_number"`
	UserID      uuid.UUID         `json:"user_id"`
	FromStatus  enums.OrderStatus `json:"from_status"`
	ToStatus    enums.OrderStatus `json:"to_status"`
	ChangedAt   time.Time         `json:"changed_at"`
}

// OrderCancelledEvent is emitted whenever a pre-processing order is cancelled.
type OrderCancelledEvent struct {
	OrderID        uuid.UUID         `json:"order_id"`
	OrderNumber    string            `json:"order_number"`
	UserID         uuid.UUID         `json:"user_id"`
	PreviousStatus enums.OrderStatus `json:"previous_status"`
	CancelledAt    time.Time         `json:"cancelled_at"`
	RefundedCents  int64             `json:"refunded_cents"`
	Reason         string            `json:"reason,omitempty"`
}

// PaymentFailedEvent reports a gateway callback that did not verify or
// arrived with a failure status.
type PaymentFailedEvent struct {
	OrderID        uuid.UUID `json:"order_id"`
	OrderNumber    string    `json:"order_number"`
	UserID         uuid.UUID `json:"user_id"`
	GatewayOrderID string    `json:"gateway_order_id,omitempty"`
	Reason         string    `json:"reason"`
	FailedAt       time.Time `json:"failed_at"`
}

// WalletCreditedEvent records a ledger credit (refunds, promotional top-ups).
type WalletCreditedEvent struct {
	WalletID     uuid.UUID `json:"wallet_id"`
	UserID       uuid.UUID `json:"user_id"`
	AmountCents  int64     `json:"amount_cents"`
	BalanceCents int64     `json:"balance_cents"`
	Reference    string    `json:"reference,omitempty"`
}

// WalletDebitedEvent records a ledger debit (wallet-funded checkouts).
type WalletDebitedEvent struct {
	WalletID     uuid.UUID `json:"wallet_id"`
	UserID       uuid.UUID `json:"user_id"`
	AmountCents  int64     `json:"amount_cents"`
	BalanceCents int64     `json:"balance_cents"`
	Reference    string    `json:"reference,omitempty"`
}

// UserCreatedEvent triggers wallet bootstrap for new accounts.
type UserCreatedEvent struct {
	UserID    uuid.UUID `json:"user_id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}
