package models

import (
	"time"

	"github.com/google/uuid"
)

// OrderItem is the immutable price snapshot of one line within an order.
// Name and unit price are copied from the catalog at order time and never
// re-linked to the live product.
type OrderItem struct {
	ID             uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID        uuid.UUID `gorm:"column:order_id;type:uuid;not null"`
	ProductID      uuid.UUID `gorm:"column:product_id;type:uuid;not null"`
	Name           string    `gorm:"column:name;not null"`
	Qty            int       `gorm:"column:qty;not null"`
	UnitPriceCents int       `gorm:"column:unit_price_cents;not null"`
	TotalCents     int       `gorm:"column:total_cents;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
}
