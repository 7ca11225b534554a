package inventory

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/greenbasket/greenbasket-backend/pkg/enums"
	pkgerrors "github.com/greenbasket/greenbasket-backend/pkg/errors"
)

// Adjustment is one product/quantity pair to apply against stock.
type Adjustment struct {
	ProductID uuid.UUID
	Qty       int
}

// Adjuster mutates stock levels inside the caller's transaction. Both
// operations recompute the derived stock status from the resulting quantity.
type Adjuster interface {
	Decrement(ctx context.Context, tx *gorm.DB, items []Adjustment) error
	Restore(ctx context.Context, tx *gorm.DB, items []Adjustment) error
}

type adjuster struct{}

// NewAdjuster exposes the default stock adjuster implementation.
func NewAdjuster() Adjuster {
	return adjuster{}
}

// Decrement subtracts each quantity with a guard so stock never goes
// negative. RowsAffected == 0 means another transaction drained the stock
// first; the enclosing checkout aborts with CodeInsufficientStock.
func (adjuster) Decrement(ctx context.Context, tx *gorm.DB, items []Adjustment) error {
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "transaction required for stock decrement")
	}
	for _, item := range items {
		if item.ProductID == uuid.Nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "product id required")
		}
		if item.Qty <= 0 {
			return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
		}

		res := tx.WithContext(ctx).Exec(`
			UPDATE stock_items
			SET qty = qty - ?,
				status = CASE
					WHEN qty - ? > ? THEN 'in_stock'
					WHEN qty - ? > 0 THEN 'limited'
					ELSE 'out_of_stock'
				END,
				updated_at = CURRENT_TIMESTAMP
			WHERE product_id = ? AND qty >= ?
		`, item.Qty, item.Qty, enums.LimitedStockThreshold, item.Qty, item.ProductID, item.Qty)
		if res.Error != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "decrement stock")
		}
		if res.RowsAffected == 0 {
			return pkgerrors.New(pkgerrors.CodeInsufficientStock, "insufficient stock").
				WithDetails(map[string]any{"product_id": item.ProductID, "requested_qty": item.Qty})
		}
	}
	return nil
}

// Restore adds each quantity back. Cancellation is the only caller and the
// cancelled state is terminal, so restore runs at most once per order.
func (adjuster) Restore(ctx context.Context, tx *gorm.DB, items []Adjustment) error {
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "transaction required for stock restore")
	}
	for _, item := range items {
		if item.ProductID == uuid.Nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "product id required")
		}
		if item.Qty <= 0 {
			return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
		}

		res := tx.WithContext(ctx).Exec(`
			UPDATE stock_items
			SET qty = qty + ?,
				status = CASE
					WHEN qty + ? > ? THEN 'in_stock'
					WHEN qty + ? > 0 THEN 'limited'
					ELSE 'out_of_stock'
				END,
				updated_at = CURRENT_TIMESTAMP
			WHERE product_id = ?
		`, item.Qty, item.Qty, enums.LimitedStockThreshold, item.Qty, item.ProductID)
		if res.Error != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "restore stock")
		}
		if res.RowsAffected == 0 {
			return pkgerrors.New(pkgerrors.CodeNotFound, "stock item not found").
				WithDetails(map[string]any{"product_id": item.ProductID})
		}
	}
	return nil
}
