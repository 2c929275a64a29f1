// Package queue hands finalized structured requests to the downstream
// processing pipeline over RabbitMQ.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// Publisher is the narrow seam the request flow depends on; tests swap in
// an in-memory implementation.
type Publisher interface {
	Publish(ctx context.Context, key string, payload any) error
	Close() error
}

type rmqPublisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   *log.Logger
}

// NewPublisher connects to the broker and declares the topic exchange. The
// connection is confirmed-publish capable so a nil Publish error means the
// broker accepted the message.
func NewPublisher(url, exchange string, logger *log.Logger) (Publisher, error) {
	if logger == nil {
		logger = log.Default()
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	return &rmqPublisher{conn: conn, exchange: exchange, logger: logger}, nil
}

func (p *rmqPublisher) Publish(ctx context.Context, key string, payload any) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	defer ch.Close()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	err = ch.PublishWithContext(
		ctx, p.exchange, key, false, false,
		amqp091.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp091.Persistent,
			MessageId:     uuid.NewString(),
			CorrelationId: uuid.NewString(),
			Timestamp:     time.Now(),
			Body:          body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	p.logger.Printf("published key=%s exchange=%s bytes=%d", key, p.exchange, len(body))
	return nil
}

func (p *rmqPublisher) Close() error {
	return p.conn.Close()
}
