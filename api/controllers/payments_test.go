package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/greenbasket/greenbasket-backend/internal/payments"
	"github.com/greenbasket/greenbasket-backend/pkg/db/models"
	"github.com/greenbasket/greenbasket-backend/pkg/enums"
	pkgerrors "github.com/greenbasket/greenbasket-backend/pkg/errors"
)

type stubPaymentsService struct {
	verify func(ctx context.Context, callback payments.Callback) (*payments.Result, error)
}

func (s *stubPaymentsService) Verify(ctx context.Context, callback payments.Callback) (*payments.Result, error) {
	return s.verify(ctx, callback)
}

func (s *stubPaymentsService) CreateIntent(ctx context.Context, order *models.Order) (*payments.Intent, error) {
	panic("not implemented")
}

func TestPaymentCallbackVerifiesAndResponds(t *testing.T) {
	orderID := uuid.New()

	svc := &stubPaymentsService{
		verify: func(_ context.Context, callback payments.Callback) (*payments.Result, error) {
			if callback.GatewayOrderID != "order_gw_9" {
				t.Fatalf("unexpected gateway order %q", callback.GatewayOrderID)
			}
			if callback.Signature != "sig-1" {
				t.Fatalf("unexpected signature %q", callback.Signature)
			}
			if len(callback.RawBody) == 0 {
				t.Fatal("expected raw body to be forwarded")
			}
			if callback.OrderID != orderID {
				t.Fatalf("expected order id %s got %s", orderID, callback.OrderID)
			}
			return &payments.Result{
				Order: &models.Order{
					ID:            orderID,
					OrderNumber:   "GB-20260831-BBBB2222",
					Status:        enums.OrderStatusConfirmed,
					PaymentStatus: enums.PaymentStatusPaid,
				},
			}, nil
		},
	}

	body := `{"gateway_order_id":"order_gw_9","gateway_payment_id":"pay_1","order_id":"` + orderID.String() + `","signature":"sig-1","status":"paid"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/callback", strings.NewReader(body))
	resp := httptest.NewRecorder()
	PaymentCallback(svc, nil).ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", resp.Code, resp.Body.String())
	}
	var payload struct {
		Data paymentCallbackResponse `json:"data"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if !payload.Data.Verified {
		t.Fatal("expected verified callback")
	}
	if payload.Data.OrderID != orderID {
		t.Fatalf("expected order %s got %s", orderID, payload.Data.OrderID)
	}
	if payload.Data.Status != enums.OrderStatusConfirmed {
		t.Fatalf("expected confirmed got %s", payload.Data.Status)
	}
}

func TestPaymentCallbackPrefersStripeSignatureHeader(t *testing.T) {
	svc := &stubPaymentsService{
		verify: func(_ context.Context, callback payments.Callback) (*payments.Result, error) {
			if callback.Signature != "t=1,v1=abc" {
				t.Fatalf("expected header signature, got %q", callback.Signature)
			}
			return &payments.Result{Order: &models.Order{ID: uuid.New()}}, nil
		},
	}

	body := `{"gateway_order_id":"pi_123","status":"paid","signature":"body-sig"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/callback", strings.NewReader(body))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	resp := httptest.NewRecorder()
	PaymentCallback(svc, nil).ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
}

func TestPaymentCallbackRejectsMissingFields(t *testing.T) {
	svc := &stubPaymentsService{
		verify: func(context.Context, payments.Callback) (*payments.Result, error) {
			t.Fatal("service should not run for invalid payload")
			return nil, nil
		},
	}

	body := `{"status":"paid"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/callback", strings.NewReader(body))
	resp := httptest.NewRecorder()
	PaymentCallback(svc, nil).ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", resp.Code)
	}
}

func TestPaymentCallbackSurfacesSignatureMismatch(t *testing.T) {
	svc := &stubPaymentsService{
		verify: func(context.Context, payments.Callback) (*payments.Result, error) {
			return nil, pkgerrors.New(pkgerrors.CodeSignatureMismatch, "callback signature mismatch")
		},
	}

	body := `{"gateway_order_id":"order_gw_9","status":"paid","signature":"bad"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/callback", strings.NewReader(body))
	resp := httptest.NewRecorder()
	PaymentCallback(svc, nil).ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.Code)
	}
}
