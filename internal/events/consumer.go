package events

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/greenbasket/greenbasket-backend/pkg/db/models"
	"github.com/greenbasket/greenbasket-backend/pkg/enums"
	"github.com/greenbasket/greenbasket-backend/pkg/logger"
	"github.com/greenbasket/greenbasket-backend/pkg/outbox"
	"github.com/greenbasket/greenbasket-backend/pkg/outbox/idempotency"
	"github.com/greenbasket/greenbasket-backend/pkg/outbox/payloads"
	"github.com/greenbasket/greenbasket-backend/pkg/outbox/registry"
)

const walletBootstrapConsumer = "wallet-bootstrap"

type walletBootstrapper interface {
	Bootstrap(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
}

// Consumer watches domain events and opens a zero-balance wallet for every
// new account.
type Consumer struct {
	wallet       walletBootstrapper
	subscription *pubsub.Subscriber
	idempotency  *idempotency.Manager
	decoders     *registry.DecoderRegistry
	logg         *logger.Logger
}

// NewConsumer builds the wallet bootstrap consumer.
func NewConsumer(wallet walletBootstrapper, subscription *pubsub.Subscriber, manager *idempotency.Manager, logg *logger.Logger) (*Consumer, error) {
	if wallet == nil {
		return nil, fmt.Errorf("wallet service required")
	}
	if subscription == nil {
		return nil, fmt.Errorf("domain subscription required")
	}
	if manager == nil {
		return nil, fmt.Errorf("idempotency manager required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	decoders := registry.NewDecoderRegistry()
	decoders.Register(enums.EventUserCreated, 1, func(payload json.RawMessage) (interface{}, error) {
		var event payloads.UserCreatedEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, err
		}
		return &event, nil
	})

	return &Consumer{
		wallet:       wallet,
		subscription: subscription,
		idempotency:  manager,
		decoders:     decoders,
		logg:         logg,
	}, nil
}

// Run starts the consumer loop until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		result := c.process(ctx, msg)
		if result.nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	ack  bool
	nack bool
}

func (c *Consumer) process(ctx context.Context, msg *pubsub.Message) processResult {
	eventType := msg.Attributes["event_type"]
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": msg.ID,
		"event_type": eventType,
	})

	if eventType != string(enums.EventUserCreated) {
		return processResult{ack: true}
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		c.logg.Error(logCtx, "failed to decode envelope", err)
		return processResult{ack: true}
	}

	eventID, err := uuid.Parse(envelope.EventID)
	if err != nil {
		c.logg.Error(logCtx, "invalid event id", err)
		return processResult{ack: true}
	}

	already, err := c.idempotency.CheckAndMarkProcessed(ctx, walletBootstrapConsumer, eventID)
	if err != nil {
		c.logg.Error(logCtx, "idempotency check failed", err)
		return processResult{nack: true}
	}
	if already {
		c.logg.Info(logCtx, "event already processed")
		return processResult{ack: true}
	}

	decoded, err := c.decoders.Decode(enums.EventUserCreated, envelope.Version, envelope.Data)
	if err != nil {
		c.logg.Error(logCtx, "failed to decode payload", err)
		_ = c.idempotency.Delete(ctx, walletBootstrapConsumer, eventID)
		return processResult{nack: true}
	}
	payload, ok := decoded.(*payloads.UserCreatedEvent)
	if !ok {
		c.logg.Error(logCtx, "unexpected payload type", nil)
		_ = c.idempotency.Delete(ctx, walletBootstrapConsumer, eventID)
		return processResult{ack: true}
	}
	if payload.UserID == uuid.Nil {
		c.logg.Error(logCtx, "user id missing in payload", nil)
		_ = c.idempotency.Delete(ctx, walletBootstrapConsumer, eventID)
		return processResult{ack: true}
	}

	logCtx = c.logg.WithField(logCtx, "user_id", payload.UserID.String())
	if _, err := c.wallet.Bootstrap(ctx, payload.UserID); err != nil {
		c.logg.Error(logCtx, "wallet bootstrap failed", err)
		_ = c.idempotency.Delete(ctx, walletBootstrapConsumer, eventID)
		return processResult{nack: true}
	}

	c.logg.Info(logCtx, "wallet ready for new user")
	return processResult{ack: true}
}
