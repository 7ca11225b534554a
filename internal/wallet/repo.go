package wallet

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/greenbasket/greenbasket-backend/pkg/db/models"
	"github.com/greenbasket/greenbasket-backend/pkg/pagination"
)

// Repository manages persistence for wallets and their ledger lines.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateWallet(ctx context.Context, wallet *models.Wallet) error
	FindByUserID(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	CreateTransaction(ctx context.Context, txn *models.WalletTransaction) error
	ListTransactions(ctx context.Context, walletID uuid.UUID, params pagination.Params) ([]models.WalletTransaction, string, error)
	SumTransactions(ctx context.Context, walletID uuid.UUID) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a wallet repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateWallet(ctx context.Context, wallet *models.Wallet) error {
	return r.db.WithContext(ctx).Create(wallet).Error
}

func (r *repository) FindByUserID(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	var wallet models.Wallet
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&wallet).Error
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

func (r *repository) CreateTransaction(ctx context.Context, txn *models.WalletTransaction) error {
	return r.db.WithContext(ctx).Create(txn).Error
}

func (r *repository) ListTransactions(ctx context.Context, walletID uuid.UUID, params pagination.Params) ([]models.WalletTransaction, string, error) {
	limit := pagination.NormalizeLimit(params.Limit)

	query := r.db.WithContext(ctx).
		Where("wallet_id = ?", walletID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit + 1)

	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, "", err
	}
	if cursor != nil {
		query = query.Where(
			"(created_at < ?) OR (created_at = ? AND id < ?)",
			cursor.CreatedAt, cursor.CreatedAt, cursor.ID,
		)
	}

	var rows []models.WalletTransaction
	if err := query.Find(&rows).Error; err != nil {
		return nil, "", err
	}

	next := ""
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[len(rows)-1]
		next = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return rows, next, nil
}

// SumTransactions returns the signed sum of the wallet's ledger lines.
func (r *repository) SumTransactions(ctx context.Context, walletID uuid.UUID) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Raw(`
			SELECT COALESCE(SUM(CASE WHEN type = 'credit' THEN amount_cents ELSE -amount_cents END), 0)
			FROM wallet_transactions
			WHERE wallet_id = ?
		`, walletID).
		Scan(&total).Error
	return total, err
}
