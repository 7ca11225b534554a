package controllers

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/greenbasket/greenbasket-backend/api/responses"
	"github.com/greenbasket/greenbasket-backend/api/validators"
	"github.com/greenbasket/greenbasket-backend/internal/payments"
	"github.com/greenbasket/greenbasket-backend/pkg/enums"
	pkgerrors "github.com/greenbasket/greenbasket-backend/pkg/errors"
	"github.com/greenbasket/greenbasket-backend/pkg/logger"
)

type paymentCallbackRequest struct {
	GatewayOrderID   string `json:"gateway_order_id" validate:"required"`
	GatewayPaymentID string `json:"gateway_payment_id,omitempty"`
	OrderID          string `json:"order_id,omitempty" validate:"omitempty,uuid"`
	Signature        string `json:"signature,omitempty"`
	Status           string `json:"status" validate:"required,oneof=paid failed"`
	Reason           string `json:"reason,omitempty" validate:"omitempty,max=500"`
}

type paymentCallbackResponse struct {
	Verified      bool                `json:"verified"`
	OrderID       uuid.UUID           `json:"order_id"`
	OrderNumber   string              `json:"order_number"`
	Status        enums.OrderStatus   `json:"status"`
	PaymentStatus enums.PaymentStatus `json:"payment_status"`
}

// PaymentCallback receives gateway webhooks and reconciles them against the
// order. The raw body is kept so providers that sign the full payload can
// verify it; the Stripe-Signature header wins over the body signature field.
func PaymentCallback(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}

		raw, err := io.ReadAll(r.Body)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(raw))

		var payload paymentCallbackRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		signature := strings.TrimSpace(r.Header.Get("Stripe-Signature"))
		if signature == "" {
			signature = payload.Signature
		}

		var orderID uuid.UUID
		if payload.OrderID != "" {
			orderID, err = uuid.Parse(payload.OrderID)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid order id"))
				return
			}
		}

		result, err := svc.Verify(r.Context(), payments.Callback{
			GatewayOrderID:   payload.GatewayOrderID,
			GatewayPaymentID: payload.GatewayPaymentID,
			OrderID:          orderID,
			Signature:        signature,
			Status:           payload.Status,
			Reason:           payload.Reason,
			RawBody:          raw,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newPaymentCallbackResponse(result))
	}
}

func newPaymentCallbackResponse(result *payments.Result) paymentCallbackResponse {
	if result == nil || result.Order == nil {
		return paymentCallbackResponse{}
	}
	return paymentCallbackResponse{
		Verified:      !result.Failed,
		OrderID:       result.Order.ID,
		OrderNumber:   result.Order.OrderNumber,
		Status:        result.Order.Status,
		PaymentStatus: result.Order.PaymentStatus,
	}
}
