package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pbzweihander/ommrema/internal/types"
)

type Broker interface {
	DeclareQueue(name string, durable bool, args amqp.Table) error
	Publish(ctx context.Context, queueName string, data []byte) error
}

// EventProducer publishes reindex completion events to a durable queue
// with a dead-letter companion.
type EventProducer struct {
	broker    Broker
	queueName string
	logger    *slog.Logger
}

func NewEventProducer(broker Broker, queueName string, logger *slog.Logger) (*EventProducer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queueName + "_dlq",
	}

	if err := broker.DeclareQueue(queueName, true, dlqArgs); err != nil {
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := broker.DeclareQueue(queueName+"_dlq", true, nil); err != nil {
		return nil, fmt.Errorf("failed to declare DLQ: %w", err)
	}

	logger.Info("event queues declared", "queue", queueName, "dlq", queueName+"_dlq")

	return &EventProducer{
		broker:    broker,
		queueName: queueName,
		logger:    logger,
	}, nil
}

func (p *EventProducer) Notify(ctx context.Context, event types.IndexEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.broker.Publish(ctx, p.queueName, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("index event published", "job_id", event.JobID, "status", event.Status)
	return nil
}
