package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/greenbasket/greenbasket-backend/api/middleware"
	"github.com/greenbasket/greenbasket-backend/internal/checkout"
	internalorders "github.com/greenbasket/greenbasket-backend/internal/orders"
	"github.com/greenbasket/greenbasket-backend/internal/payments"
	"github.com/greenbasket/greenbasket-backend/pkg/db/models"
	"github.com/greenbasket/greenbasket-backend/pkg/enums"
	"github.com/greenbasket/greenbasket-backend/pkg/pagination"
)

type stubCheckoutService struct {
	placeOrder func(ctx context.Context, input checkout.PlaceOrderInput) (*checkout.PlacedOrder, error)
}

func (s *stubCheckoutService) PlaceOrder(ctx context.Context, input checkout.PlaceOrderInput) (*checkout.PlacedOrder, error) {
	return s.placeOrder(ctx, input)
}

type stubOrdersService struct {
	cancel   func(ctx context.Context, orderID uuid.UUID, actor internalorders.Actor, reason string) (*models.Order, error)
	list     func(ctx context.Context, userID uuid.UUID, params pagination.Params, filters internalorders.ListFilters) (*internalorders.OrderList, error)
	get      func(ctx context.Context, orderID uuid.UUID, actor internalorders.Actor) (*internalorders.OrderDetail, error)
	timeline func(ctx context.Context, orderID uuid.UUID, actor internalorders.Actor) ([]internalorders.TimelineEntryView, error)
}

func (s *stubOrdersService) Transition(ctx context.Context, input internalorders.TransitionInput) (*models.Order, error) {
	panic("not implemented")
}

func (s *stubOrdersService) TransitionTx(ctx context.Context, tx *gorm.DB, input internalorders.TransitionInput) (*models.Order, error) {
	panic("not implemented")
}

func (s *stubOrdersService) Cancel(ctx context.Context, orderID uuid.UUID, actor internalorders.Actor, reason string) (*models.Order, error) {
	return s.cancel(ctx, orderID, actor, reason)
}

func (s *stubOrdersService) MarkReturned(ctx context.Context, orderID uuid.UUID, actor internalorders.Actor) (*models.Order, error) {
	panic("not implemented")
}

func (s *stubOrdersService) AdminUpdateStatus(ctx context.Context, orderID uuid.UUID, target enums.OrderStatus, actor internalorders.Actor) (*models.Order, error) {
	panic("not implemented")
}

func (s *stubOrdersService) Get(ctx context.Context, orderID uuid.UUID, actor internalorders.Actor) (*internalorders.OrderDetail, error) {
	return s.get(ctx, orderID, actor)
}

func (s *stubOrdersService) List(ctx context.Context, userID uuid.UUID, params pagination.Params, filters internalorders.ListFilters) (*internalorders.OrderList, error) {
	return s.list(ctx, userID, params, filters)
}

func (s *stubOrdersService) Timeline(ctx context.Context, orderID uuid.UUID, actor internalorders.Actor) ([]internalorders.TimelineEntryView, error) {
	return s.timeline(ctx, orderID, actor)
}

func authedRequest(method, url string, body string, userID uuid.UUID, role enums.Role) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, url, nil)
	} else {
		req = httptest.NewRequest(method, url, strings.NewReader(body))
		req.ContentLength = int64(len(body))
	}
	ctx := middleware.WithUserID(req.Context(), userID.String())
	ctx = middleware.WithRole(ctx, string(role))
	return req.WithContext(ctx)
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	rc := chi.NewRouteContext()
	rc.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))
}

func TestPlaceOrderReturnsCreatedOrderWithIntent(t *testing.T) {
	userID := uuid.New()
	productID := uuid.New()
	orderID := uuid.New()

	svc := &stubCheckoutService{
		placeOrder: func(_ context.Context, input checkout.PlaceOrderInput) (*checkout.PlacedOrder, error) {
			if input.UserID != userID {
				t.Fatalf("expected user %s got %s", userID, input.UserID)
			}
			if len(input.Items) != 1 || input.Items[0].ProductID != productID || input.Items[0].Qty != 2 {
				t.Fatalf("unexpected items %+v", input.Items)
			}
			return &checkout.PlacedOrder{
				Order: &models.Order{
					ID:            orderID,
					OrderNumber:   "GB-20260831-AAAA1111",
					Status:        enums.OrderStatusPending,
					PaymentStatus: enums.PaymentStatusPending,
					PaymentMethod: enums.PaymentMethodRazorpay,
					TotalCents:    2000,
					Currency:      "INR",
				},
				Payment: &payments.Intent{
					GatewayOrderID: "order_gw_1",
					KeyID:          "rzp_test_key",
					AmountCents:    2000,
					Currency:       "INR",
				},
			}, nil
		},
	}

	body := `{"payment_method":"razorpay","items":[{"product_id":"` + productID.String() + `","qty":2}]}`
	req := authedRequest(http.MethodPost, "/api/v1/orders", body, userID, enums.RoleCustomer)
	resp := httptest.NewRecorder()
	PlaceOrder(svc, nil).ServeHTTP(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", resp.Code, resp.Body.String())
	}
	var payload struct {
		Data placedOrderResponse `json:"data"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload.Data.OrderID != orderID {
		t.Fatalf("expected order %s got %s", orderID, payload.Data.OrderID)
	}
	if payload.Data.Payment == nil || payload.Data.Payment.GatewayOrderID != "order_gw_1" {
		t.Fatalf("expected payment intent in response, got %+v", payload.Data.Payment)
	}
}

func TestPlaceOrderRejectsEmptyItems(t *testing.T) {
	called := false
	svc := &stubCheckoutService{
		placeOrder: func(context.Context, checkout.PlaceOrderInput) (*checkout.PlacedOrder, error) {
			called = true
			return nil, nil
		},
	}

	body := `{"payment_method":"razorpay","items":[]}`
	req := authedRequest(http.MethodPost, "/api/v1/orders", body, uuid.New(), enums.RoleCustomer)
	resp := httptest.NewRecorder()
	PlaceOrder(svc, nil).ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", resp.Code)
	}
	if called {
		t.Fatal("service should not run for invalid payload")
	}
}

func TestPlaceOrderRequiresAuth(t *testing.T) {
	svc := &stubCheckoutService{
		placeOrder: func(context.Context, checkout.PlaceOrderInput) (*checkout.PlacedOrder, error) {
			t.Fatal("service should not run without auth")
			return nil, nil
		},
	}

	body := `{"payment_method":"razorpay","items":[{"product_id":"` + uuid.NewString() + `","qty":1}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
	resp := httptest.NewRecorder()
	PlaceOrder(svc, nil).ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.Code)
	}
}

func TestCancelOrderReportsRefund(t *testing.T) {
	userID := uuid.New()
	orderID := uuid.New()

	svc := &stubOrdersService{
		cancel: func(_ context.Context, gotOrder uuid.UUID, actor internalorders.Actor, reason string) (*models.Order, error) {
			if gotOrder != orderID {
				t.Fatalf("expected order %s got %s", orderID, gotOrder)
			}
			if reason != "changed my mind" {
				t.Fatalf("unexpected reason %q", reason)
			}
			return &models.Order{
				ID:            orderID,
				Status:        enums.OrderStatusCancelled,
				PaymentStatus: enums.PaymentStatusRefunded,
				TotalCents:    2500,
			}, nil
		},
	}

	body := `{"reason":"changed my mind"}`
	req := authedRequest(http.MethodPost, "/api/v1/orders/"+orderID.String()+"/cancel", body, userID, enums.RoleCustomer)
	req = withURLParam(req, "orderId", orderID.String())
	resp := httptest.NewRecorder()
	CancelOrder(svc, nil).ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", resp.Code, resp.Body.String())
	}
	var payload struct {
		Data cancelOrderResponse `json:"data"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload.Data.RefundedCents != 2500 {
		t.Fatalf("expected refunded 2500 got %d", payload.Data.RefundedCents)
	}
	if payload.Data.Status != enums.OrderStatusCancelled {
		t.Fatalf("expected cancelled got %s", payload.Data.Status)
	}
}

func TestCancelOrderRejectsInvalidOrderID(t *testing.T) {
	svc := &stubOrdersService{
		cancel: func(context.Context, uuid.UUID, internalorders.Actor, string) (*models.Order, error) {
			t.Fatal("service should not run for invalid order id")
			return nil, nil
		},
	}

	req := authedRequest(http.MethodPost, "/api/v1/orders/not-a-uuid/cancel", "", uuid.New(), enums.RoleCustomer)
	req = withURLParam(req, "orderId", "not-a-uuid")
	resp := httptest.NewRecorder()
	CancelOrder(svc, nil).ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", resp.Code)
	}
}

func TestListOrdersParsesFilters(t *testing.T) {
	userID := uuid.New()

	svc := &stubOrdersService{
		list: func(_ context.Context, gotUser uuid.UUID, params pagination.Params, filters internalorders.ListFilters) (*internalorders.OrderList, error) {
			if gotUser != userID {
				t.Fatalf("expected user %s got %s", userID, gotUser)
			}
			if params.Limit != 5 {
				t.Fatalf("expected limit 5 got %d", params.Limit)
			}
			if filters.Status == nil || *filters.Status != enums.OrderStatusConfirmed {
				t.Fatalf("expected confirmed status filter, got %+v", filters.Status)
			}
			return &internalorders.OrderList{}, nil
		},
	}

	req := authedRequest(http.MethodGet, "/api/v1/orders?limit=5&status=confirmed", "", userID, enums.RoleCustomer)
	resp := httptest.NewRecorder()
	ListOrders(svc, nil).ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestListOrdersRejectsUnknownStatus(t *testing.T) {
	svc := &stubOrdersService{
		list: func(context.Context, uuid.UUID, pagination.Params, internalorders.ListFilters) (*internalorders.OrderList, error) {
			t.Fatal("service should not run for invalid filter")
			return nil, nil
		},
	}

	req := authedRequest(http.MethodGet, "/api/v1/orders?status=teleported", "", uuid.New(), enums.RoleCustomer)
	resp := httptest.NewRecorder()
	ListOrders(svc, nil).ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", resp.Code)
	}
}
