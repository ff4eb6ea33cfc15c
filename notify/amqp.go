package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	EventShow       = "notification.show"
	EventClose      = "notification.close"
	EventOpenWindow = "window.open"
)

// Event is the message published for every notification action.
type Event struct {
	Type         string        `json:"type"`
	Notification *Notification `json:"notification,omitempty"`
	ID           string        `json:"id,omitempty"`
	URL          string        `json:"url,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// AMQPNotifier publishes notification events to a direct exchange, from where
// client shells (push gateway, desktop app) pick them up.
type AMQPNotifier struct {
	conn         *amqp091.Connection
	channel      *amqp091.Channel
	exchangeName string
	routingKey   string
	log          zerolog.Logger
}

func NewAMQPNotifier(url, exchangeName, routingKey string, logger zerolog.Logger) (*AMQPNotifier, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	err = channel.ExchangeDeclare(
		exchangeName, // name
		"direct",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPNotifier{
		conn:         conn,
		channel:      channel,
		exchangeName: exchangeName,
		routingKey:   routingKey,
		log:          logger.With().Str("component", "notify").Str("exchange", exchangeName).Logger(),
	}, nil
}

func (a *AMQPNotifier) Show(ctx context.Context, n Notification) error {
	return a.publish(ctx, Event{Type: EventShow, Notification: &n, ID: n.ID})
}

func (a *AMQPNotifier) Close(ctx context.Context, id string) error {
	return a.publish(ctx, Event{Type: EventClose, ID: id})
}

func (a *AMQPNotifier) OpenWindow(ctx context.Context, url string) error {
	return a.publish(ctx, Event{Type: EventOpenWindow, URL: url})
}

func (a *AMQPNotifier) publish(ctx context.Context, e Event) error {
	e.Timestamp = time.Now()
	body, err := e.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = a.channel.PublishWithContext(
		ctx,
		a.exchangeName, // exchange
		a.routingKey,   // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    e.Timestamp,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	a.log.Debug().Str("type", e.Type).Str("id", e.ID).Msg("Published notification event")
	return nil
}

// Shutdown closes the broker channel and connection.
func (a *AMQPNotifier) Shutdown() error {
	if a.channel != nil {
		a.channel.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
