package queue

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQ struct {
	Conn    *amqp.Connection
	Channel *amqp.Channel

	// amqp channels must not be shared by concurrent publishers
	mu sync.Mutex
}

func NewRabbitMQ(url string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open a RabbitMQ channel: %w", err)
	}

	return &RabbitMQ{
		Conn:    conn,
		Channel: channel,
	}, nil
}

func (r *RabbitMQ) DeclareQueue(name string, durable bool, args amqp.Table) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.Channel.QueueDeclare(name, durable, false, false, false, args)
	if err != nil {
		return fmt.Errorf("failed to declare a %s queue: %w", name, err)
	}
	return nil
}

func (r *RabbitMQ) Publish(ctx context.Context, queueName string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.Channel.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp.Persistent,
	})
	if err != nil {
		return fmt.Errorf("failed to publish message in queue: %w", err)
	}
	return nil
}

func (r *RabbitMQ) Close() error {
	if err := r.Channel.Close(); err != nil {
		return fmt.Errorf("failed to close channel: %w", err)
	}
	if err := r.Conn.Close(); err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}
