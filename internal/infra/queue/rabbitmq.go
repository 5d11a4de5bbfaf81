package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"heard-backend/internal/domain"
	"heard-backend/internal/infra/metrics"
)

// AMQPDeliveryQueue реализует очередь задач доставки через RabbitMQ.
type AMQPDeliveryQueue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
}

// NewAMQPDeliveryQueue подключается к брокеру и объявляет устойчивую очередь.
func NewAMQPDeliveryQueue(amqpURL, queue string) (*AMQPDeliveryQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	return &AMQPDeliveryQueue{conn: conn, channel: channel, queue: queue}, nil
}

// Enqueue публикует задачу в очередь.
func (q *AMQPDeliveryQueue) Enqueue(ctx context.Context, job domain.DeliveryJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.channel.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    job.RequestedAt,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Pop блокирующе читает задачу из очереди.
func (q *AMQPDeliveryQueue) Pop(ctx context.Context) (domain.DeliveryJob, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.DeliveryJob{}, err
		}

		start := time.Now()
		msg, ok, err := q.channel.Get(q.queue, false)
		metrics.ObserveNetworkRequest("rabbitmq", "get", q.queue, start, err)
		if err != nil {
			return domain.DeliveryJob{}, fmt.Errorf("get message: %w", err)
		}
		if !ok {
			select {
			case <-ctx.Done():
				return domain.DeliveryJob{}, ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		var job domain.DeliveryJob
		if err := json.Unmarshal(msg.Body, &job); err != nil {
			// Нечитаемое сообщение не возвращаем в очередь, иначе оно зациклится.
			_ = msg.Nack(false, false)
			return domain.DeliveryJob{}, fmt.Errorf("decode job: %w", err)
		}
		if err := msg.Ack(false); err != nil {
			return domain.DeliveryJob{}, fmt.Errorf("ack message: %w", err)
		}
		return job, nil
	}
}

// Close закрывает канал и подключение.
func (q *AMQPDeliveryQueue) Close() error {
	if err := q.channel.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}
