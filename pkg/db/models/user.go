package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/greenbasket/greenbasket-backend/pkg/enums"
)

// User is the minimal identity row the core needs for ownership checks and
// wallet bootstrap. Registration/profile surfaces live elsewhere.
type User struct {
	ID        uuid.UUID  `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Email     string     `gorm:"column:email;not null;uniqueIndex:ux_users_email"`
	Name      string     `gorm:"column:name;not null"`
	Role      enums.Role `gorm:"column:role;type:user_role;not null;default:'customer'"`
	CreatedAt time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}
