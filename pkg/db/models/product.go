package models

import (
	"time"

	"github.com/google/uuid"
)

// Product is the catalog row checkout snapshots from. Browsing and search
// surfaces live elsewhere; the core only reads name/price at order time.
type Product struct {
	ID             uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Name           string    `gorm:"column:name;not null"`
	UnitPriceCents int       `gorm:"column:unit_price_cents;not null"`
	Active         bool      `gorm:"column:active;not null;default:true"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
