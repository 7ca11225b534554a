package payments

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/paymentintent"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/greenbasket/greenbasket-backend/pkg/config"
	"github.com/greenbasket/greenbasket-backend/pkg/db/models"
	"github.com/greenbasket/greenbasket-backend/pkg/enums"
	pkgerrors "github.com/greenbasket/greenbasket-backend/pkg/errors"
)

// StripeProvider creates PaymentIntents and verifies webhook signatures with
// the configured signing secret.
type StripeProvider struct {
	signingSecret string
}

// NewStripeProvider initializes Stripe once with the configured secrets.
func NewStripeProvider(cfg config.PaymentsConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.StripeAPIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("stripe api key is required")
	}
	signingSecret := strings.TrimSpace(cfg.StripeSecret)
	if signingSecret == "" {
		return nil, fmt.Errorf("stripe webhook secret is required")
	}
	if err := validateStripeKey(cfg.StripeEnvironment(), apiKey); err != nil {
		return nil, err
	}

	stripe.Key = apiKey

	return &StripeProvider{signingSecret: signingSecret}, nil
}

func (p *StripeProvider) Method() enums.PaymentMethod {
	return enums.PaymentMethodStripe
}

// CreateIntent opens a PaymentIntent for the order total. The intent id is
// stored as the gateway order id so callbacks can be matched back.
func (p *StripeProvider) CreateIntent(ctx context.Context, order *models.Order) (*Intent, error) {
	if order == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order required")
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(int64(order.TotalCents)),
		Currency: stripe.String(strings.ToLower(order.Currency)),
		Metadata: map[string]string{
			"order_id":     order.ID.String(),
			"order_number": order.OrderNumber,
		},
	}
	params.Context = ctx

	intent, err := paymentintent.New(params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create payment intent")
	}

	return &Intent{
		GatewayOrderID: intent.ID,
		ClientSecret:   intent.ClientSecret,
		AmountCents:    order.TotalCents,
		Currency:       order.Currency,
	}, nil
}

// VerifyCallback validates the Stripe-Signature header over the raw payload.
func (p *StripeProvider) VerifyCallback(callback Callback) error {
	if len(callback.RawBody) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "callback payload required")
	}
	if callback.Signature == "" {
		return pkgerrors.New(pkgerrors.CodeSignatureMismatch, "callback signature missing")
	}
	if _, err := webhook.ConstructEvent(callback.RawBody, callback.Signature, p.signingSecret); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeSignatureMismatch, err, "callback signature mismatch")
	}
	return nil
}

func validateStripeKey(env, key string) error {
	switch env {
	case "test":
		if strings.HasPrefix(key, "sk_test") || strings.HasPrefix(key, "rk_test") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a test secret key", env)
	case "live":
		if strings.HasPrefix(key, "sk_live") || strings.HasPrefix(key, "rk_live") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a live secret key", env)
	default:
		return fmt.Errorf("stripe environment must be \"test\" or \"live\"")
	}
}
