package enums

import "fmt"

// OrderStatus tracks the lifecycle of a customer order.
type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusConfirmed      OrderStatus = "confirmed"
	OrderStatusProcessing     OrderStatus = "processing"
	OrderStatusPacked         OrderStatus = "packed"
	OrderStatusShipped        OrderStatus = "shipped"
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	OrderStatusDelivered      OrderStatus = "delivered"
	OrderStatusCancelled      OrderStatus = "cancelled"
	OrderStatusReturned       OrderStatus = "returned"
)

var validOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusProcessing,
	OrderStatusPacked,
	OrderStatusShipped,
	OrderStatusOutForDelivery,
	OrderStatusDelivered,
	OrderStatusCancelled,
	OrderStatusReturned,
}

// orderStatusEdges is the canonical transition table. Delivered, cancelled and
// returned are terminal except for the delivered -> returned branch.
var orderStatusEdges = map[OrderStatus][]OrderStatus{
	OrderStatusPending:        {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:      {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing:     {OrderStatusPacked},
	OrderStatusPacked:         {OrderStatusShipped},
	OrderStatusShipped:        {OrderStatusOutForDelivery},
	OrderStatusOutForDelivery: {OrderStatusDelivered},
	OrderStatusDelivered:      {OrderStatusReturned},
	OrderStatusCancelled:      {},
	OrderStatusReturned:       {},
}

// String implements fmt.Stringer.
func (o OrderStatus) String() string {
	return string(o)
}

// IsValid reports whether the value is a known OrderStatus.
func (o OrderStatus) IsValid() bool {
	for _, candidate := range validOrderStatuses {
		if candidate == o {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can leave the status.
func (o OrderStatus) IsTerminal() bool {
	return len(orderStatusEdges[o]) == 0
}

// CanTransitionTo reports whether the edge from o to target is legal.
func (o OrderStatus) CanTransitionTo(target OrderStatus) bool {
	for _, next := range orderStatusEdges[o] {
		if next == target {
			return true
		}
	}
	return false
}

// CancellableStatuses lists the source states from which an order may be cancelled.
func CancellableStatuses() []OrderStatus {
	return []OrderStatus{OrderStatusPending, OrderStatusConfirmed}
}

// ParseOrderStatus converts raw input into an OrderStatus.
func ParseOrderStatus(value string) (OrderStatus, error) {
	for _, candidate := range validOrderStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid order status %q", value)
}
