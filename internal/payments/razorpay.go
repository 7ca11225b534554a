package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/greenbasket/greenbasket-backend/pkg/config"
	"github.com/greenbasket/greenbasket-backend/pkg/db/models"
	"github.com/greenbasket/greenbasket-backend/pkg/enums"
	pkgerrors "github.com/greenbasket/greenbasket-backend/pkg/errors"
)

const razorpayBaseURL = "https://api.razorpay.com/v1"

// RazorpayProvider creates gateway orders over Razorpay's Orders API and
// verifies callback signatures with the shared key secret.
type RazorpayProvider struct {
	keyID      string
	keySecret  string
	baseURL    string
	httpClient *http.Client
}

// NewRazorpayProvider builds the provider from the payments config.
func NewRazorpayProvider(cfg config.PaymentsConfig) (*RazorpayProvider, error) {
	keyID := strings.TrimSpace(cfg.RazorpayKeyID)
	if keyID == "" {
		return nil, fmt.Errorf("razorpay key id is required")
	}
	keySecret := strings.TrimSpace(cfg.RazorpayKeySecret)
	if keySecret == "" {
		return nil, fmt.Errorf("razorpay key secret is required")
	}
	return &RazorpayProvider{
		keyID:     keyID,
		keySecret: keySecret,
		baseURL:   razorpayBaseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

func (p *RazorpayProvider) Method() enums.PaymentMethod {
	return enums.PaymentMethodRazorpay
}

type razorpayOrderRequest struct {
	Amount   int    `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
}

type razorpayOrderResponse struct {
	ID       string `json:"id"`
	Amount   int    `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

// CreateIntent registers the order with Razorpay so the client can open the
// checkout sheet against the returned gateway order id.
func (p *RazorpayProvider) CreateIntent(ctx context.Context, order *models.Order) (*Intent, error) {
	if order == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order required")
	}

	body, err := json.Marshal(razorpayOrderRequest{
		Amount:   order.TotalCents,
		Currency: order.Currency,
		Receipt:  order.OrderNumber,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode gateway order request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build gateway order request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(p.keyID, p.keySecret)

	res, err := p.httpClient.Do(req)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create gateway order")
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		return nil, pkgerrors.New(pkgerrors.CodeDependency,
			fmt.Sprintf("razorpay order create failed (%d): %s", res.StatusCode, string(payload)))
	}

	var gatewayOrder razorpayOrderResponse
	if err := json.NewDecoder(res.Body).Decode(&gatewayOrder); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode gateway order response")
	}
	if gatewayOrder.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "razorpay order response missing id")
	}

	return &Intent{
		GatewayOrderID: gatewayOrder.ID,
		KeyID:          p.keyID,
		AmountCents:    order.TotalCents,
		Currency:       order.Currency,
	}, nil
}

// VerifyCallback recomputes the HMAC-SHA256 signature over
// "<gateway_order_id>|<gateway_payment_id>" and compares it in constant time.
func (p *RazorpayProvider) VerifyCallback(callback Callback) error {
	if callback.GatewayOrderID == "" || callback.GatewayPaymentID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "gateway order id and payment id required")
	}
	if callback.Signature == "" {
		return pkgerrors.New(pkgerrors.CodeSignatureMismatch, "callback signature missing")
	}

	mac := hmac.New(sha256.New, []byte(p.keySecret))
	mac.Write([]byte(callback.GatewayOrderID + "|" + callback.GatewayPaymentID))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(callback.Signature)) {
		return pkgerrors.New(pkgerrors.CodeSignatureMismatch, "callback signature mismatch")
	}
	return nil
}
