// Package bus publishes real-time notifications to a RabbitMQ topic exchange.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// Publisher delivers a payload to every subscriber of a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
	Close() error
}

// Envelope wraps every published payload with delivery metadata.
type Envelope struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

type rmqPublisher struct {
	conn     *amqp091.Connection
	exchange string
	log      *slog.Logger
}

// New connects to RabbitMQ, declares the topic exchange, and returns a Publisher.
func New(url, exchange string, log *slog.Logger) (Publisher, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(
		exchange, "topic", true, false, false, false, nil,
	); err != nil {
		conn.Close()
		return nil, err
	}
	return &rmqPublisher{
		conn:     conn,
		exchange: exchange,
		log:      log.With(slog.String("component", "bus")),
	}, nil
}

func (p *rmqPublisher) Publish(ctx context.Context, topic string, payload any) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	envelope := Envelope{
		ID:        uuid.NewString(),
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(
		ctx, p.exchange, topic, false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    envelope.ID,
			Timestamp:    envelope.Timestamp,
			Body:         body,
		},
	)
	if err == nil {
		p.log.Debug("published", slog.String("topic", topic))
	}
	return err
}

func (p *rmqPublisher) Close() error {
	return p.conn.Close()
}

// Nop is a Publisher that drops everything. Used when the bus is disabled
// and in tests.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }
func (Nop) Close() error                               { return nil }
