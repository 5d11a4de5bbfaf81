package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"heard-backend/internal/adapters/repo"
	"heard-backend/internal/domain"
	"heard-backend/internal/infra/cache"
	"heard-backend/internal/infra/config"
	"heard-backend/internal/infra/db"
	logs "heard-backend/internal/infra/log"
	"heard-backend/internal/infra/metrics"
	"heard-backend/internal/infra/queue"
	"heard-backend/internal/usecase/allocation"
	"heard-backend/internal/usecase/window"
)

const maxDeliveryAttempts = 5

func main() {
	cfg := config.Load()
	logger := logs.NewLogger(cfg.AppEnv, "deliverer")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("deliverer: нет подключения к БД")
	}
	defer pool.Close()

	calc, err := window.NewCalculator(window.Schedule{
		MorningHour:   cfg.Window.MorningHour,
		MorningMinute: cfg.Window.MorningMinute,
		EveningHour:   cfg.Window.EveningHour,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("deliverer: некорректное расписание окон")
	}

	repoAdapter := repo.NewPostgres(pool)
	var batchCache domain.Cache
	if cfg.RedisAddr != "" {
		batchCache = cache.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	}
	allocService := allocation.NewService(
		repoAdapter, repoAdapter, repoAdapter, repoAdapter, repoAdapter,
		batchCache,
		logger.With().Str("component", "allocation").Logger(),
		cfg.Delivery.InitialBatchSize,
	)

	deliveryQueue, err := newDeliveryQueue(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("deliverer: нет подключения к очереди")
	}

	worker := &jobWorker{
		log:       logger,
		queue:     deliveryQueue,
		statuses:  repoAdapter,
		analytics: repoAdapter,
		service:   allocService,
		calc:      calc,
	}

	logger.Info().Msg("deliverer: запуск обработки очереди")
	worker.Run(ctx)
	logger.Info().Msg("deliverer: остановлен")
}

func newDeliveryQueue(cfg config.AppConfig) (domain.DeliveryQueue, error) {
	if cfg.Delivery.QueueBackend == "amqp" {
		return queue.NewAMQPDeliveryQueue(cfg.AMQPURL, cfg.Queues.Delivery)
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return queue.NewRedisDeliveryQueue(client, cfg.Queues.Delivery), nil
}

type jobWorker struct {
	log       zerolog.Logger
	queue     domain.DeliveryQueue
	statuses  domain.DeliveryJobStatusRepo
	analytics domain.BusinessMetricRepo
	service   *allocation.Service
	calc      *window.Calculator
}

type jobOutcome int

const (
	jobOutcomeCompleted jobOutcome = iota
	jobOutcomeRetry
)

func (w *jobWorker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.log.Error().Err(err).Msg("deliverer: ошибка чтения очереди")
			time.Sleep(time.Second)
			continue
		}

		jobLog := w.log.With().
			Str("job_id", job.ID).
			Str("user", job.UserID.String()).
			Str("cause", string(job.Cause)).
			Time("window_start", job.WindowStart).
			Logger()

		if job.ID == "" {
			jobLog.Error().Msg("deliverer: задача без идентификатора, пропускаем")
			continue
		}

		done, attempt, err := w.statuses.EnsureDeliveryJob(ctx, job.ID)
		if err != nil {
			jobLog.Error().Err(err).Msg("deliverer: не удалось зарегистрировать задачу")
			w.requeue(ctx, job, jobLog)
			continue
		}
		jobLog = jobLog.With().Int("attempt", attempt).Logger()

		if done {
			jobLog.Info().Msg("deliverer: задача уже выполнена, пропускаем")
			continue
		}

		outcome := w.handleJob(ctx, job, jobLog)

		if outcome == jobOutcomeRetry && attempt < maxDeliveryAttempts {
			jobLog.Warn().Msg("deliverer: задача завершилась ошибкой, повторим позже")
			w.requeue(ctx, job, jobLog)
			continue
		}
		if outcome == jobOutcomeRetry {
			jobLog.Error().Msg("deliverer: достигнут предел попыток, помечаем задачу выполненной")
		}

		if err := w.statuses.MarkDeliveryJobDone(ctx, job.ID); err != nil {
			jobLog.Error().Err(err).Msg("deliverer: не удалось пометить задачу выполненной")
		}
	}
}

func (w *jobWorker) handleJob(ctx context.Context, job domain.DeliveryJob, jobLog zerolog.Logger) jobOutcome {
	win := w.calc.Current(time.Now())
	if !win.Start.Equal(job.WindowStart) {
		// Окно задачи уже закрыто: выдавать пачку задним числом нельзя.
		jobLog.Warn().Time("current_window", win.Start).Msg("deliverer: задача из прошлого окна, пропускаем")
		return jobOutcomeCompleted
	}

	// Задача ставится ровно один раз на переход окна, поэтому для воркера
	// окно всегда новое, даже если льготный период на часах уже истёк.
	win.IsNew = true

	batch, err := w.service.GetForWindow(ctx, job.UserID, win)
	if err != nil {
		jobLog.Error().Err(err).Msg("deliverer: ошибка выдачи пачки")
		return jobOutcomeRetry
	}
	jobLog.Info().Int("letters", len(batch)).Msg("deliverer: пачка выдана")

	w.observeDelivery(ctx, job, len(batch))
	return jobOutcomeCompleted
}

func (w *jobWorker) observeDelivery(ctx context.Context, job domain.DeliveryJob, letters int) {
	if w.analytics == nil {
		return
	}
	userID := job.UserID
	metric := domain.BusinessMetric{
		Event:  domain.BusinessMetricEventBatchDelivered,
		UserID: &userID,
		Metadata: map[string]any{
			"job_id":       job.ID,
			"cause":        string(job.Cause),
			"letters":      letters,
			"window_start": job.WindowStart,
			"requested_at": job.RequestedAt,
		},
	}
	if err := w.analytics.RecordBusinessMetric(ctx, metric); err != nil {
		w.log.Error().Err(err).Str("event", domain.BusinessMetricEventBatchDelivered).Msg("deliverer: не удалось сохранить бизнес-метрику")
	}
}

func (w *jobWorker) requeue(ctx context.Context, job domain.DeliveryJob, jobLog zerolog.Logger) {
	if err := w.queue.Enqueue(ctx, job); err != nil {
		jobLog.Error().Err(err).Msg("deliverer: не удалось вернуть задачу в очередь")
	}
	time.Sleep(time.Second)
}
