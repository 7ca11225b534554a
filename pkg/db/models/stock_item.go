package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/greenbasket/greenbasket-backend/pkg/enums"
)

// StockItem tracks the remaining count per product. Status is derived from
// Qty via enums.StockStatusForQty whenever the count changes.
type StockItem struct {
	ProductID uuid.UUID         `gorm:"column:product_id;type:uuid;primaryKey"`
	Qty       int               `gorm:"column:qty;not null;default:0"`
	Status    enums.StockStatus `gorm:"column:status;type:stock_status;not null;default:'out_of_stock'"`
	UpdatedAt time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}
