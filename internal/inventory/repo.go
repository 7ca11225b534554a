package inventory

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/greenbasket/greenbasket-backend/pkg/db/models"
)

// Repository exposes read access to stock rows.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindByProduct(ctx context.Context, productID uuid.UUID) (*models.StockItem, error)
	FindByProducts(ctx context.Context, productIDs []uuid.UUID) ([]models.StockItem, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a stock repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindByProduct(ctx context.Context, productID uuid.UUID) (*models.StockItem, error) {
	var item models.StockItem
	err := r.db.WithContext(ctx).
		Where("product_id = ?", productID).
		First(&item).Error
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repository) FindByProducts(ctx context.Context, productIDs []uuid.UUID) ([]models.StockItem, error) {
	if len(productIDs) == 0 {
		return nil, nil
	}
	var items []models.StockItem
	err := r.db.WithContext(ctx).
		Where("product_id IN ?", productIDs).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
