package inventory

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/greenbasket/greenbasket-backend/pkg/db/models"
	"github.com/greenbasket/greenbasket-backend/pkg/enums"
	pkgerrors "github.com/greenbasket/greenbasket-backend/pkg/errors"
)

func setupStockTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	stockItems := `
CREATE TABLE IF NOT EXISTS stock_items (
  product_id TEXT PRIMARY KEY,
  qty INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL DEFAULT 'out_of_stock',
  updated_at DATETIME
);`
	require.NoError(t, db.Exec(stockItems).Error)
	return db
}

func seedStock(t *testing.T, db *gorm.DB, productID uuid.UUID, qty int) {
	t.Helper()
	require.NoError(t, db.Create(&models.StockItem{
		ProductID: productID,
		Qty:       qty,
		Status:    enums.StockStatusForQty(qty),
	}).Error)
}

func loadStock(t *testing.T, db *gorm.DB, productID uuid.UUID) models.StockItem {
	t.Helper()
	var item models.StockItem
	require.NoError(t, db.Where("product_id = ?", productID).First(&item).Error)
	return item
}

func TestDecrementUpdatesQtyAndStatus(t *testing.T) {
	db := setupStockTestDB(t)
	adj := NewAdjuster()
	ctx := context.Background()

	productID := uuid.New()
	seedStock(t, db, productID, 12)

	require.NoError(t, adj.Decrement(ctx, db, []Adjustment{{ProductID: productID, Qty: 4}}))

	item := loadStock(t, db, productID)
	assert.Equal(t, 8, item.Qty)
	assert.Equal(t, enums.StockStatusLimited, item.Status)
}

func TestDecrementToZeroMarksOutOfStock(t *testing.T) {
	db := setupStockTestDB(t)
	adj := NewAdjuster()
	ctx := context.Background()

	productID := uuid.New()
	seedStock(t, db, productID, 3)

	require.NoError(t, adj.Decrement(ctx, db, []Adjustment{{ProductID: productID, Qty: 3}}))

	item := loadStock(t, db, productID)
	assert.Equal(t, 0, item.Qty)
	assert.Equal(t, enums.StockStatusOutOfStock, item.Status)
}

func TestDecrementInsufficientStock(t *testing.T) {
	db := setupStockTestDB(t)
	adj := NewAdjuster()
	ctx := context.Background()

	productID := uuid.New()
	seedStock(t, db, productID, 2)

	err := adj.Decrement(ctx, db, []Adjustment{{ProductID: productID, Qty: 5}})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInsufficientStock))

	// guard leaves the row untouched
	item := loadStock(t, db, productID)
	assert.Equal(t, 2, item.Qty)
}

func TestRestoreRecomputesStatus(t *testing.T) {
	db := setupStockTestDB(t)
	adj := NewAdjuster()
	ctx := context.Background()

	productID := uuid.New()
	seedStock(t, db, productID, 2)

	require.NoError(t, adj.Restore(ctx, db, []Adjustment{{ProductID: productID, Qty: 3}}))

	item := loadStock(t, db, productID)
	assert.Equal(t, 5, item.Qty)
	assert.Equal(t, enums.StockStatusLimited, item.Status)

	require.NoError(t, adj.Restore(ctx, db, []Adjustment{{ProductID: productID, Qty: 8}}))

	item = loadStock(t, db, productID)
	assert.Equal(t, 13, item.Qty)
	assert.Equal(t, enums.StockStatusInStock, item.Status)
}

func TestRestoreUnknownProduct(t *testing.T) {
	db := setupStockTestDB(t)
	adj := NewAdjuster()

	err := adj.Restore(context.Background(), db, []Adjustment{{ProductID: uuid.New(), Qty: 1}})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestAdjusterValidation(t *testing.T) {
	db := setupStockTestDB(t)
	adj := NewAdjuster()
	ctx := context.Background()

	err := adj.Decrement(ctx, db, []Adjustment{{ProductID: uuid.New(), Qty: 0}})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	err = adj.Restore(ctx, db, []Adjustment{{ProductID: uuid.Nil, Qty: 1}})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	err = adj.Decrement(ctx, nil, []Adjustment{{ProductID: uuid.New(), Qty: 1}})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))
}

func TestRepositoryFindByProduct(t *testing.T) {
	db := setupStockTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	first := uuid.New()
	second := uuid.New()
	seedStock(t, db, first, 20)
	seedStock(t, db, second, 1)

	item, err := repo.FindByProduct(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 20, item.Qty)
	assert.Equal(t, enums.StockStatusInStock, item.Status)

	items, err := repo.FindByProducts(ctx, []uuid.UUID{first, second})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	_, err = repo.FindByProduct(ctx, uuid.New())
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
