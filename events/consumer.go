package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Consumer reads trigger messages from a durable queue bound to a direct exchange.
type Consumer struct {
	conn         *amqp091.Connection
	channel      *amqp091.Channel
	exchangeName string
	queueName    string
	log          zerolog.Logger
}

func NewConsumer(url, exchangeName, queueName string, logger zerolog.Logger) (*Consumer, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	c := &Consumer{
		conn:         conn,
		channel:      channel,
		exchangeName: exchangeName,
		queueName:    queueName,
		log:          logger.With().Str("component", "events").Str("queue", queueName).Logger(),
	}
	if err := c.setup(); err != nil {
		c.Close()
		return nil, fmt.Errorf("setup exchange and queue: %w", err)
	}
	return c, nil
}

func (c *Consumer) setup() error {
	err := c.channel.ExchangeDeclare(
		c.exchangeName, // name
		"direct",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	_, err = c.channel.QueueDeclare(
		c.queueName, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	// routing key equals the queue name
	err = c.channel.QueueBind(c.queueName, c.queueName, c.exchangeName, false, nil)
	if err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// Consume delivers messages to the handler until the context is done or the
// broker closes the channel.
func (c *Consumer) Consume(ctx context.Context, h Handler) error {
	deliveries, err := c.channel.Consume(
		c.queueName, // queue
		"",          // consumer
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}
	c.log.Info().Msg("Started consuming trigger messages")
	return consume(ctx, deliveries, h, c.log)
}

func consume(ctx context.Context, deliveries <-chan amqp091.Delivery, h Handler, log zerolog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			log.Info().Err(ctx.Err()).Msg("Stopping message consumption")
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("message channel closed")
			}
			handleDelivery(ctx, delivery, h, log)
		}
	}
}

// handleDelivery acknowledges handled messages, drops malformed ones and
// requeues those the handler failed on.
func handleDelivery(ctx context.Context, delivery amqp091.Delivery, h Handler, log zerolog.Logger) {
	msg, err := Decode(delivery.Body)
	if err != nil {
		log.Error().Err(err).Msg("Dropping message")
		delivery.Nack(false, false)
		return
	}
	log.Debug().Str("type", msg.Type).Str("tag", msg.Tag).Str("id", msg.ID).Msg("Processing message")
	if err := Dispatch(ctx, h, msg); err != nil {
		log.Error().Err(err).Str("type", msg.Type).Msg("Failed to handle message")
		delivery.Nack(false, true)
		return
	}
	delivery.Ack(false)
}

func (c *Consumer) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
