package checkout

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/greenbasket/greenbasket-backend/pkg/db/models"
)

// ProductRepository reads the catalog rows checkout snapshots from.
type ProductRepository interface {
	WithTx(tx *gorm.DB) ProductRepository
	FindActiveByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Product, error)
}

type productRepository struct {
	db *gorm.DB
}

// NewProductRepository builds a product repository bound to the provided DB.
func NewProductRepository(db *gorm.DB) ProductRepository {
	return &productRepository{db: db}
}

func (r *productRepository) WithTx(tx *gorm.DB) ProductRepository {
	if tx == nil {
		return r
	}
	return &productRepository{db: tx}
}

func (r *productRepository) FindActiveByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Product, error) {
	var products []models.Product
	err := r.db.WithContext(ctx).
		Where("id IN ? AND active = ?", ids, true).
		Find(&products).Error
	if err != nil {
		return nil, err
	}
	return products, nil
}
