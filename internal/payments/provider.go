package payments

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/greenbasket/greenbasket-backend/pkg/db/models"
	"github.com/greenbasket/greenbasket-backend/pkg/enums"
	pkgerrors "github.com/greenbasket/greenbasket-backend/pkg/errors"
)

// Callback statuses the gateways report.
const (
	CallbackStatusPaid   = "paid"
	CallbackStatusFailed = "failed"
)

// Intent is the gateway-side payment handle created at checkout. The client
// uses it to open the gateway's payment sheet.
type Intent struct {
	GatewayOrderID string
	ClientSecret   string
	KeyID          string
	AmountCents    int
	Currency       string
}

// Callback is the parsed gateway callback. RawBody and Signature carry the
// untouched wire material so providers can verify over the exact payload.
type Callback struct {
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
	Status           string
	Reason           string
	RawBody          []byte

	// OrderID is the merchant-side order id echoed back by the gateway.
	// Optional; when present it must match the order the gateway order id
	// resolves to.
	OrderID uuid.UUID
}

// Provider is one payment gateway integration.
type Provider interface {
	Method() enums.PaymentMethod
	CreateIntent(ctx context.Context, order *models.Order) (*Intent, error)
	VerifyCallback(callback Callback) error
}

// Registry resolves the provider for an order's payment method.
type Registry struct {
	providers map[enums.PaymentMethod]Provider
}

// NewRegistry indexes the given providers by method.
func NewRegistry(providers ...Provider) (*Registry, error) {
	byMethod := make(map[enums.PaymentMethod]Provider, len(providers))
	for _, provider := range providers {
		if provider == nil {
			return nil, fmt.Errorf("nil payment provider")
		}
		method := provider.Method()
		if _, exists := byMethod[method]; exists {
			return nil, fmt.Errorf("duplicate payment provider for %s", method)
		}
		byMethod[method] = provider
	}
	return &Registry{providers: byMethod}, nil
}

// For returns the provider handling the given method.
func (r *Registry) For(method enums.PaymentMethod) (Provider, error) {
	provider, ok := r.providers[method]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation,
			fmt.Sprintf("no payment provider for method %s", method))
	}
	return provider, nil
}
