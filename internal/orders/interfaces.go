package orders

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/greenbasket/greenbasket-backend/pkg/db/models"
	"github.com/greenbasket/greenbasket-backend/pkg/enums"
	"github.com/greenbasket/greenbasket-backend/pkg/pagination"
)

// Repository defines persistence operations for order tables.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, order *models.Order) error
	FindByID(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.Order, error)
	List(ctx context.Context, userID uuid.UUID, params pagination.Params, filters ListFilters) (*OrderList, error)
	UpdateStatusGuarded(ctx context.Context, orderID uuid.UUID, from, to enums.OrderStatus, updates map[string]any) (bool, error)
	MarkPaidGuarded(ctx context.Context, orderID uuid.UUID, gatewayPaymentID string) (bool, error)
	Update(ctx context.Context, orderID uuid.UUID, updates map[string]any) error
	AppendTimeline(ctx context.Context, entry *models.TimelineEntry) error
	ListTimeline(ctx context.Context, orderID uuid.UUID) ([]models.TimelineEntry, error)
}
