package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"heard-backend/internal/adapters/repo"
	"heard-backend/internal/domain"
	"heard-backend/internal/infra/config"
	"heard-backend/internal/infra/db"
	logs "heard-backend/internal/infra/log"
	"heard-backend/internal/infra/metrics"
	"heard-backend/internal/infra/queue"
	"heard-backend/internal/usecase/window"
)

const pollInterval = 30 * time.Second

func main() {
	cfg := config.Load()
	log := logs.NewLogger(cfg.AppEnv, "scheduler")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()

	calc, err := window.NewCalculator(window.Schedule{
		MorningHour:   cfg.Window.MorningHour,
		MorningMinute: cfg.Window.MorningMinute,
		EveningHour:   cfg.Window.EveningHour,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler: некорректное расписание окон")
	}

	repoAdapter := repo.NewPostgres(pool)
	deliveryQueue, err := newDeliveryQueue(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler: нет подключения к очереди")
	}

	metrics.StartServer(ctx, log.With().Str("component", "metrics").Logger(), ":9090")

	var lastWindow time.Time
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler: остановка")
			return
		case now := <-ticker.C:
			win := calc.Current(now)
			if !win.IsNew || win.Start.Equal(lastWindow) {
				continue
			}
			lastWindow = win.Start
			metrics.WindowTransitionsTotal.Inc()
			log.Info().Time("window_start", win.Start).Msg("scheduler: переход окна, постановка доставок")

			userIDs, err := repoAdapter.ListUserIDs(ctx)
			if err != nil {
				log.Error().Err(err).Msg("scheduler: выборка пользователей")
				// Окно ещё в льготном периоде, попробуем на следующем тике.
				lastWindow = time.Time{}
				continue
			}

			enqueued := 0
			for _, userID := range userIDs {
				acquired, err := repoAdapter.AcquireDeliveryTask(ctx, userID, win.Start)
				if err != nil {
					log.Error().Err(err).Str("user_id", userID.String()).Msg("scheduler: постановка задачи")
					continue
				}
				if !acquired {
					continue
				}
				job := domain.DeliveryJob{
					ID:          fmt.Sprintf("%s:%d", userID, win.Start.Unix()),
					UserID:      userID,
					WindowStart: win.Start,
					RequestedAt: now,
					Cause:       domain.DeliveryCauseScheduled,
				}
				if err := deliveryQueue.Enqueue(ctx, job); err != nil {
					log.Error().Err(err).Str("user_id", userID.String()).Msg("scheduler: публикация задачи")
					continue
				}
				enqueued++
			}
			log.Info().Int("users", len(userIDs)).Int("enqueued", enqueued).Msg("scheduler: задачи поставлены")
		}
	}
}

func newDeliveryQueue(cfg config.AppConfig) (domain.DeliveryQueue, error) {
	if cfg.Delivery.QueueBackend == "amqp" {
		return queue.NewAMQPDeliveryQueue(cfg.AMQPURL, cfg.Queues.Delivery)
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return queue.NewRedisDeliveryQueue(client, cfg.Queues.Delivery), nil
}
