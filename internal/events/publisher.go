// Package events publishes the purchase core's outbound domain events to
// RabbitMQ. Delivery is at-least-once; consumers are expected to be
// idempotent.
package events

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/NovaMarketLab/accountshop/pkg/purchase"
)

const exchangeName = "shop.events"

// Publisher implements purchase.EventPublisher over an AMQP channel.
type Publisher struct {
	channel *amqp.Channel
}

// New opens a channel and declares the topic exchange.
func New(conn *amqp.Connection) (*Publisher, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	err = channel.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil)
	if err != nil {
		_ = channel.Close()
		return nil, err
	}
	return &Publisher{channel: channel}, nil
}

// Close releases the channel.
func (publisher *Publisher) Close() error {
	return publisher.channel.Close()
}

func (publisher *Publisher) PublishPromoActivated(ctx context.Context, event purchase.PromoActivatedEvent) error {
	return publisher.publish(ctx, purchase.EventPromoActivated, event)
}

func (publisher *Publisher) PublishAccountPurchase(ctx context.Context, event purchase.AccountPurchaseEvent) error {
	return publisher.publish(ctx, purchase.EventAccountPurchase, event)
}

func (publisher *Publisher) publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return publisher.channel.PublishWithContext(ctx, exchangeName, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}
