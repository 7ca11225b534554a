package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/greenbasket/greenbasket-backend/api/responses"
	"github.com/greenbasket/greenbasket-backend/api/validators"
	"github.com/greenbasket/greenbasket-backend/internal/checkout"
	internalorders "github.com/greenbasket/greenbasket-backend/internal/orders"
	"github.com/greenbasket/greenbasket-backend/internal/payments"
	"github.com/greenbasket/greenbasket-backend/pkg/db/models"
	"github.com/greenbasket/greenbasket-backend/pkg/enums"
	pkgerrors "github.com/greenbasket/greenbasket-backend/pkg/errors"
	"github.com/greenbasket/greenbasket-backend/pkg/logger"
	"github.com/greenbasket/greenbasket-backend/pkg/pagination"
)

type placeOrderRequest struct {
	PaymentMethod string                  `json:"payment_method" validate:"required"`
	Currency      string                  `json:"currency,omitempty" validate:"omitempty,len=3"`
	Items         []placeOrderItemRequest `json:"items" validate:"required,min=1,dive"`
}

type placeOrderItemRequest struct {
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	Qty       int       `json:"qty" validate:"required,min=1"`
}

type paymentIntentResponse struct {
	GatewayOrderID string `json:"gateway_order_id"`
	ClientSecret   string `json:"client_secret,omitempty"`
	KeyID          string `json:"key_id,omitempty"`
	AmountCents    int    `json:"amount_cents"`
	Currency       string `json:"currency"`
}

type placedOrderResponse struct {
	OrderID       uuid.UUID              `json:"order_id"`
	OrderNumber   string                 `json:"order_number"`
	Status        enums.OrderStatus      `json:"status"`
	PaymentStatus enums.PaymentStatus    `json:"payment_status"`
	PaymentMethod enums.PaymentMethod    `json:"payment_method"`
	TotalCents    int                    `json:"total_cents"`
	Currency      string                 `json:"currency"`
	Payment       *paymentIntentResponse `json:"payment,omitempty"`
}

// PlaceOrder submits the customer's basket and returns the created order
// plus, for gateway methods, the payment sheet details.
func PlaceOrder(svc checkout.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}

		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload placeOrderRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		method, err := enums.ParsePaymentMethod(payload.PaymentMethod)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid payment method"))
			return
		}

		items := make([]checkout.LineItem, 0, len(payload.Items))
		for _, item := range payload.Items {
			items = append(items, checkout.LineItem{ProductID: item.ProductID, Qty: item.Qty})
		}

		placed, err := svc.PlaceOrder(r.Context(), checkout.PlaceOrderInput{
			UserID:        actor.UserID,
			PaymentMethod: method,
			Items:         items,
			Currency:      payload.Currency,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, newPlacedOrderResponse(placed))
	}
}

func newPlacedOrderResponse(placed *checkout.PlacedOrder) placedOrderResponse {
	if placed == nil || placed.Order == nil {
		return placedOrderResponse{}
	}
	resp := placedOrderResponse{
		OrderID:       placed.Order.ID,
		OrderNumber:   placed.Order.OrderNumber,
		Status:        placed.Order.Status,
		PaymentStatus: placed.Order.PaymentStatus,
		PaymentMethod: placed.Order.PaymentMethod,
		TotalCents:    placed.Order.TotalCents,
		Currency:      placed.Order.Currency,
	}
	if placed.Payment != nil {
		resp.Payment = newPaymentIntentResponse(placed.Payment)
	}
	return resp
}

func newPaymentIntentResponse(intent *payments.Intent) *paymentIntentResponse {
	if intent == nil {
		return nil
	}
	return &paymentIntentResponse{
		GatewayOrderID: intent.GatewayOrderID,
		ClientSecret:   intent.ClientSecret,
		KeyID:          intent.KeyID,
		AmountCents:    intent.AmountCents,
		Currency:       intent.Currency,
	}
}

// ListOrders returns the customer's order history, newest first.
func ListOrders(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}

		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		params := pagination.Params{
			Limit:  limit,
			Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
		}

		filters, err := buildListFilters(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		list, err := svc.List(r.Context(), actor.UserID, params, filters)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, list)
	}
}

func buildListFilters(r *http.Request) (internalorders.ListFilters, error) {
	filters := internalorders.ListFilters{}

	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, err := enums.ParseOrderStatus(raw)
		if err != nil {
			return filters, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status filter")
		}
		filters.Status = &status
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("payment_status")); raw != "" {
		status, err := enums.ParsePaymentStatus(raw)
		if err != nil {
			return filters, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid payment_status filter")
		}
		filters.PaymentStatus = &status
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filters, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid from filter")
		}
		filters.DateFrom = &from
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("to")); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filters, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid to filter")
		}
		filters.DateTo = &to
	}
	return filters, nil
}

// OrderDetail returns the full read model for one of the customer's orders.
func OrderDetail(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}

		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		orderID, err := parseOrderID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		detail, err := svc.Get(r.Context(), orderID, actor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, detail)
	}
}

// OrderTimeline returns the status history for one of the customer's orders.
func OrderTimeline(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}

		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		orderID, err := parseOrderID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		timeline, err := svc.Timeline(r.Context(), orderID, actor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"timeline": timeline})
	}
}

type cancelOrderRequest struct {
	Reason string `json:"reason,omitempty" validate:"omitempty,max=500"`
}

type cancelOrderResponse struct {
	OrderID       uuid.UUID           `json:"order_id"`
	Status        enums.OrderStatus   `json:"status"`
	PaymentStatus enums.PaymentStatus `json:"payment_status"`
	RefundedCents int                 `json:"refunded_cents"`
}

// CancelOrder cancels one of the customer's orders, restoring stock and
// refunding the wallet when payment was already captured.
func CancelOrder(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}

		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		orderID, err := parseOrderID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload cancelOrderRequest
		if r.ContentLength > 0 {
			if err := validators.DecodeJSONBody(r, &payload); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}

		order, err := svc.Cancel(r.Context(), orderID, actor, payload.Reason)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newCancelOrderResponse(order))
	}
}

func newCancelOrderResponse(order *models.Order) cancelOrderResponse {
	if order == nil {
		return cancelOrderResponse{}
	}
	refunded := 0
	if order.PaymentStatus == enums.PaymentStatusRefunded {
		refunded = order.TotalCents
	}
	return cancelOrderResponse{
		OrderID:       order.ID,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
		RefundedCents: refunded,
	}
}

func parseOrderID(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	orderID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid order id")
	}
	return orderID, nil
}
