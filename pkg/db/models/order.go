package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/greenbasket/greenbasket-backend/pkg/enums"
)

// Order is the customer-facing order aggregate. Status is only ever written
// through the order state machine.
type Order struct {
	ID               uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID           uuid.UUID           `gorm:"column:user_id;type:uuid;not null"`
	OrderNumber      string              `gorm:"column:order_number;not null;uniqueIndex:ux_orders_order_number"`
	Currency         string              `gorm:"column:currency;not null;default:'INR'"`
	TotalCents       int                 `gorm:"column:total_cents;not null"`
	Status           enums.OrderStatus   `gorm:"column:status;type:order_status;not null;default:'pending'"`
	PaymentStatus    enums.PaymentStatus `gorm:"column:payment_status;type:payment_status;not null;default:'pending'"`
	PaymentMethod    enums.PaymentMethod `gorm:"column:payment_method;type:payment_method;not null"`
	GatewayOrderID   *string             `gorm:"column:gateway_order_id"`
	GatewayPaymentID *string             `gorm:"column:gateway_payment_id"`
	CancelledAt      *time.Time          `gorm:"column:cancelled_at"`
	DeliveredAt      *time.Time          `gorm:"column:delivered_at"`
	Items            []OrderItem         `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	CreatedAt        time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}
