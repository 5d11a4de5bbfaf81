package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"heard-backend/internal/domain"
	"heard-backend/internal/infra/metrics"
)

// RedisDeliveryQueue реализует очередь задач доставки на базе Redis lists.
type RedisDeliveryQueue struct {
	client *redis.Client
	key    string
}

// NewRedisDeliveryQueue создаёт очередь по указанному ключу.
func NewRedisDeliveryQueue(client *redis.Client, key string) *RedisDeliveryQueue {
	return &RedisDeliveryQueue{client: client, key: key}
}

// Enqueue публикует задачу в очередь.
func (q *RedisDeliveryQueue) Enqueue(ctx context.Context, job domain.DeliveryJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.client.LPush(ctx, q.key, payload).Err()
	metrics.ObserveNetworkRequest("redis", "lpush", q.key, start, err)
	if err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Pop блокирующе читает задачу из очереди.
func (q *RedisDeliveryQueue) Pop(ctx context.Context) (domain.DeliveryJob, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.DeliveryJob{}, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.DeliveryJob{}, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.DeliveryJob{}, err
		}
		if len(res) != 2 {
			return domain.DeliveryJob{}, errors.New("redis queue: unexpected response")
		}
		var job domain.DeliveryJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return domain.DeliveryJob{}, fmt.Errorf("decode job: %w", err)
		}
		return job, nil
	}
}
