package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/greenbasket/greenbasket-backend/pkg/enums"
)

// TimelineEntry is the append-only audit record of one order-status
// transition. Rows are never updated, reordered, or deleted.
type TimelineEntry struct {
	ID          uuid.UUID         `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID     uuid.UUID         `gorm:"column:order_id;type:uuid;not null;index"`
	Status      enums.OrderStatus `gorm:"column:status;type:order_status;not null"`
	Title       string            `gorm:"column:title;not null"`
	Description string            `gorm:"column:description;not null"`
	CreatedAt   time.Time         `gorm:"column:created_at;autoCreateTime"`
}
