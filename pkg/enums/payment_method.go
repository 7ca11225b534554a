package enums

import "fmt"

// PaymentMethod identifies the instrument used to pay for an order.
type PaymentMethod string

const (
	PaymentMethodRazorpay PaymentMethod = "razorpay"
	PaymentMethodStripe   PaymentMethod = "stripe"
	PaymentMethodWallet   PaymentMethod = "wallet"
	PaymentMethodCOD      PaymentMethod = "cod"
)

var validPaymentMethods = []PaymentMethod{
	PaymentMethodRazorpay,
	PaymentMethodStripe,
	PaymentMethodWallet,
	PaymentMethodCOD,
}

// IsGateway reports whether the method settles through an external gateway callback.
func (p PaymentMethod) IsGateway() bool {
	return p == PaymentMethodRazorpay || p == PaymentMethodStripe
}

// IsValid reports whether the value is a known PaymentMethod.
func (p PaymentMethod) IsValid() bool {
	for _, candidate := range validPaymentMethods {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePaymentMethod converts raw input into a PaymentMethod.
func ParsePaymentMethod(value string) (PaymentMethod, error) {
	for _, candidate := range validPaymentMethods {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment method %q", value)
}
