package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Publisher fans inbox events out to a RabbitMQ queue. Downstream consumers
// (notification workers, analytics) attach to the declared queue.
type Publisher struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	queue   string
}

// envelope is the wire shape of one published event.
type envelope struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewPublisher dials the broker and declares the durable event queue, named
// prefix_queue.
func NewPublisher(url, queue, prefix string) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	queueName := prefix + "_" + queue
	if _, err := channel.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queueName, err)
	}

	log.Info().Str("queue", queueName).Msg("RabbitMQ publisher connected")
	return &Publisher{conn: conn, channel: channel, queue: queueName}, nil
}

// PublishJSON publishes one event with persistent delivery.
func (p *Publisher) PublishJSON(ctx context.Context, eventType string, payload interface{}) error {
	body, err := json.Marshal(envelope{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      payload,
	})
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", eventType, err)
	}

	err = p.channel.PublishWithContext(ctx, "", p.queue, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish event %s: %w", eventType, err)
	}
	log.Debug().Str("type", eventType).Str("queue", p.queue).Msg("Event published")
	return nil
}

// Close shuts the channel and connection down.
func (p *Publisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
