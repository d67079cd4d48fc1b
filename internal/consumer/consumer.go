// Package consumer closes carts when the checkout service reports a
// completed order on the checkout outbox topic.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fjod/go_cart/cart-core/internal/domain"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultTopic   = "checkout-outbox"
	DefaultGroupID = "cart-service-consumer"

	maxAttempts = 3
)

// CheckoutCompleted is the part of the outbox payload the cart needs.
type CheckoutCompleted struct {
	CheckoutID string `json:"checkout_id"`
	UserID     string `json:"user_id"`
	CartID     string `json:"cart_id"`
	OrderID    string `json:"order_id"`
}

// orderID falls back to the checkout id for producers that do not send one.
func (e CheckoutCompleted) orderID() string {
	if e.OrderID != "" {
		return e.OrderID
	}
	return e.CheckoutID
}

// CheckoutMarker is implemented by service.CartService.
type CheckoutMarker interface {
	MarkCheckedOut(ctx context.Context, cartID, userID, orderID string) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader  messageReader
	carts   CheckoutMarker
	logger  *slog.Logger
	backoff time.Duration
}

func NewConsumer(carts CheckoutMarker, logger *slog.Logger, topic, groupID string, brokers ...string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: reader, carts: carts, logger: logger, backoff: 200 * time.Millisecond}
}

func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.consumeOne(ctx)
	}
}

func (c *Consumer) Close() {
	if err := c.reader.Close(); err != nil {
		c.logger.Error("error closing reader", "error", err)
	}
}

func (c *Consumer) consumeOne(ctx context.Context) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.WarnContext(ctx, "error reading message", "error", err)
		}
		return
	}

	if err := c.handle(ctx, m.Value); err != nil {
		c.logger.ErrorContext(ctx, "checkout event not applied",
			"partition", m.Partition, "offset", m.Offset, "error", err)
	}

	if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
		c.logger.WarnContext(ctx, "error committing message", "offset", m.Offset, "error", err)
	}
}

// handle applies one outbox message. Messages that can never succeed are
// dropped; transient failures are retried a few times.
func (c *Consumer) handle(ctx context.Context, payload []byte) error {
	var ev CheckoutCompleted
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("parse message: %w", err)
	}
	if ev.UserID == "" && ev.CartID == "" {
		return errors.New("missing user_id and cart_id")
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = c.carts.MarkCheckedOut(ctx, ev.CartID, ev.UserID, ev.orderID())
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrCartNotFound):
			c.logger.InfoContext(ctx, "no cart to close", "checkout_id", ev.CheckoutID, "user_id", ev.UserID)
			return nil
		case domain.IsConflict(err), errors.Is(err, domain.ErrIdentityUnresolved):
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff * time.Duration(attempt)):
		}
	}
	return err
}
