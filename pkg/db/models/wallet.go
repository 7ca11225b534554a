package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/greenbasket/greenbasket-backend/pkg/enums"
)

// Wallet holds the materialized balance for one user. The balance must equal
// the signed sum of the wallet's transactions after every commit.
type Wallet struct {
	ID           uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID       uuid.UUID `gorm:"column:user_id;type:uuid;not null;uniqueIndex:ux_wallets_user_id"`
	BalanceCents int       `gorm:"column:balance_cents;not null;default:0"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// WalletTransaction is one immutable ledger line. AmountCents is a positive
// magnitude; Type carries the sign. Reference points at the causing order id
// or external payment id.
type WalletTransaction struct {
	ID          uuid.UUID                   `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	WalletID    uuid.UUID                   `gorm:"column:wallet_id;type:uuid;not null;index"`
	Type        enums.WalletTransactionType `gorm:"column:type;type:wallet_transaction_type;not null"`
	AmountCents int                         `gorm:"column:amount_cents;not null"`
	Description string                      `gorm:"column:description;not null"`
	Reference   string                      `gorm:"column:reference;not null;index"`
	CreatedAt   time.Time                   `gorm:"column:created_at;autoCreateTime"`
}
