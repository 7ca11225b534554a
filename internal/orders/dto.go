package orders

import (
	"time"

	"github.com/google/uuid"

	"github.com/greenbasket/greenbasket-backend/pkg/enums"
)

// ListFilters describe the inputs supported by the user orders list.
type ListFilters struct {
	Status        *enums.OrderStatus
	PaymentStatus *enums.PaymentStatus
	DateFrom      *time.Time
	DateTo        *time.Time
}

// OrderItemView is the line-item shape returned by order reads.
type OrderItemView struct {
	ProductID      uuid.UUID `json:"product_id"`
	Name           string    `json:"name"`
	Qty            int       `json:"qty"`
	UnitPriceCents int       `json:"unit_price_cents"`
	TotalCents     int       `json:"total_cents"`
}

// OrderSummary exposes the aggregated fields returned in the list endpoint.
type OrderSummary struct {
	ID            uuid.UUID           `json:"id"`
	OrderNumber   string              `json:"order_number"`
	CreatedAt     time.Time           `json:"created_at"`
	TotalCents    int                 `json:"total_cents"`
	TotalItems    int                 `json:"total_items"`
	Status        enums.OrderStatus   `json:"status"`
	PaymentStatus enums.PaymentStatus `json:"payment_status"`
	PaymentMethod enums.PaymentMethod `json:"payment_method"`
}

// OrderList wraps the paginated orders plus the next page cursor.
type OrderList struct {
	Orders     []OrderSummary `json:"orders"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// OrderDetail is the full read model for a single order.
type OrderDetail struct {
	ID            uuid.UUID           `json:"id"`
	OrderNumber   string              `json:"order_number"`
	Currency      string              `json:"currency"`
	TotalCents    int                 `json:"total_cents"`
	Status        enums.OrderStatus   `json:"status"`
	PaymentStatus enums.PaymentStatus `json:"payment_status"`
	PaymentMethod enums.PaymentMethod `json:"payment_method"`
	Items         []OrderItemView     `json:"items"`
	CreatedAt     time.Time           `json:"created_at"`
	CancelledAt   *time.Time          `json:"cancelled_at,omitempty"`
	DeliveredAt   *time.Time          `json:"delivered_at,omitempty"`
}

// TimelineEntryView is one audit line of the order's status history.
type TimelineEntryView struct {
	Status      enums.OrderStatus `json:"status"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Actor identifies who requested a transition.
type Actor struct {
	UserID uuid.UUID
	Role   enums.Role
}
