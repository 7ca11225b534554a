package notifications

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/greenbasket/greenbasket-backend/pkg/db/models"
	"github.com/greenbasket/greenbasket-backend/pkg/enums"
	"github.com/greenbasket/greenbasket-backend/pkg/logger"
)

type userFinder interface {
	FindByID(ctx context.Context, userID uuid.UUID) (*models.User, error)
}

// Service sends post-commit order emails. Every method is best effort:
// delivery failures are logged and swallowed, never propagated into the
// request path.
type Service struct {
	users  userFinder
	sender EmailSender
	logg   *logger.Logger
}

// NewService wires the notification dependencies.
func NewService(users userFinder, sender EmailSender, logg *logger.Logger) (*Service, error) {
	if users == nil {
		return nil, fmt.Errorf("user repository required")
	}
	if sender == nil {
		return nil, fmt.Errorf("email sender required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Service{users: users, sender: sender, logg: logg}, nil
}

// OrderConfirmed emails the customer after payment reconciles.
func (s *Service) OrderConfirmed(ctx context.Context, order *models.Order) {
	if order == nil {
		return
	}
	s.deliver(ctx, order.UserID, Email{
		Subject: fmt.Sprintf("Order %s confirmed", order.OrderNumber),
		Body: fmt.Sprintf("Hi, your order %s is confirmed and will be prepared shortly. Total: %s.",
			order.OrderNumber, formatAmount(order.TotalCents, order.Currency)),
	})
}

// OrderCancelled emails the customer after a cancellation commits.
func (s *Service) OrderCancelled(ctx context.Context, order *models.Order) {
	if order == nil {
		return
	}
	body := fmt.Sprintf("Hi, your order %s was cancelled.", order.OrderNumber)
	if order.PaymentStatus == enums.PaymentStatusRefunded {
		body = fmt.Sprintf("Hi, your order %s was cancelled and %s was refunded to your wallet.",
			order.OrderNumber, formatAmount(order.TotalCents, order.Currency))
	}
	s.deliver(ctx, order.UserID, Email{
		Subject: fmt.Sprintf("Order %s cancelled", order.OrderNumber),
		Body:    body,
	})
}

// PaymentFailed emails the customer when a gateway payment fails.
func (s *Service) PaymentFailed(ctx context.Context, order *models.Order, reason string) {
	if order == nil {
		return
	}
	s.deliver(ctx, order.UserID, Email{
		Subject: fmt.Sprintf("Payment for order %s failed", order.OrderNumber),
		Body: fmt.Sprintf("Hi, the payment for order %s did not go through (%s). You can retry from your orders page.",
			order.OrderNumber, reason),
	})
}

func (s *Service) deliver(ctx context.Context, userID uuid.UUID, email Email) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		s.logg.Error(ctx, "notification user lookup failed", err)
		return
	}
	email.To = user.Email
	if err := s.sender.Send(ctx, email); err != nil {
		s.logg.Error(ctx, "notification email delivery failed", err)
	}
}

func formatAmount(cents int, currency string) string {
	amount := decimal.NewFromInt(int64(cents)).Div(decimal.NewFromInt(100))
	return fmt.Sprintf("%s %s", currency, amount.StringFixed(2))
}
