package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"heard-backend/internal/adapters/repo"
	"heard-backend/internal/domain"
	"heard-backend/internal/infra/cache"
	"heard-backend/internal/infra/config"
	"heard-backend/internal/infra/db"
	httpinfra "heard-backend/internal/infra/http"
	logs "heard-backend/internal/infra/log"
	"heard-backend/internal/infra/metrics"
	"heard-backend/internal/usecase/allocation"
	"heard-backend/internal/usecase/window"
)

func main() {
	cfg := config.Load()
	log := logs.NewLogger(cfg.AppEnv, "api")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	calc, err := window.NewCalculator(window.Schedule{
		MorningHour:   cfg.Window.MorningHour,
		MorningMinute: cfg.Window.MorningMinute,
		EveningHour:   cfg.Window.EveningHour,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("api: некорректное расписание окон")
	}

	repoAdapter := repo.NewPostgres(pool)
	var batchCache domain.Cache
	if cfg.RedisAddr != "" {
		batchCache = cache.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	}
	allocService := allocation.NewService(
		repoAdapter, repoAdapter, repoAdapter, repoAdapter, repoAdapter,
		batchCache,
		log.With().Str("component", "allocation").Logger(),
		cfg.Delivery.InitialBatchSize,
	)

	server := httpinfra.NewServer(log)

	server.Router.Group(func(protected chi.Router) {
		protected.Use(httpinfra.UserAuthMiddleware(cfg.Auth.TokenSecret))

		protected.Get("/api/v1/window/current", func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			win := calc.Current(now)
			httpinfra.WriteJSON(w, map[string]any{
				"start":     win.Start,
				"end":       win.End,
				"is_new":    win.IsNew,
				"label":     window.FormatWindow(win.Start, win.End),
				"countdown": calc.UntilNext(now),
			})
		})

		protected.Get("/api/v1/letters/batch", func(w http.ResponseWriter, r *http.Request) {
			userID, ok := httpinfra.UserID(r)
			if !ok {
				httpinfra.WriteError(w, http.StatusUnauthorized, "пользователь не определён")
				return
			}
			win := calc.Current(time.Now())

			reqCtx, cancel := context.WithTimeout(r.Context(), cfg.Delivery.RequestTimeout)
			defer cancel()
			batch, err := allocService.GetForWindow(reqCtx, userID, win)
			if err != nil {
				// По таймауту отдаём упрощённую подборку вместо ошибки.
				if errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil {
					log.Warn().Err(err).Str("user_id", userID.String()).Msg("api: таймаут выдачи, упрощённый подбор")
					batch, err = allocService.AllocateDegraded(r.Context(), userID, cfg.Delivery.InitialBatchSize)
				}
				if err != nil {
					log.Error().Err(err).Str("user_id", userID.String()).Msg("api: выдача пачки")
					httpinfra.WriteError(w, http.StatusInternalServerError, "не удалось получить письма")
					return
				}
			}
			httpinfra.WriteJSON(w, map[string]any{"letters": letters(batch)})
		})

		protected.Post("/api/v1/letters/more", func(w http.ResponseWriter, r *http.Request) {
			userID, ok := httpinfra.UserID(r)
			if !ok {
				httpinfra.WriteError(w, http.StatusUnauthorized, "пользователь не определён")
				return
			}
			batch, err := allocService.DeliverMore(r.Context(), userID)
			switch {
			case errors.Is(err, domain.ErrNotEnoughStars):
				httpinfra.WriteError(w, http.StatusPaymentRequired, "недостаточно звёзд")
				return
			case errors.Is(err, allocation.ErrNoLettersAvailable):
				httpinfra.WriteError(w, http.StatusConflict, "нет доступных писем")
				return
			case err != nil:
				log.Error().Err(err).Str("user_id", userID.String()).Msg("api: ручная доставка")
				httpinfra.WriteError(w, http.StatusInternalServerError, "не удалось доставить письмо")
				return
			}
			httpinfra.WriteJSON(w, map[string]any{"letters": letters(batch)})
		})

		protected.Get("/api/v1/profile/stars", func(w http.ResponseWriter, r *http.Request) {
			userID, ok := httpinfra.UserID(r)
			if !ok {
				httpinfra.WriteError(w, http.StatusUnauthorized, "пользователь не определён")
				return
			}
			balance, err := repoAdapter.GetStarBalance(r.Context(), userID)
			if err != nil {
				log.Error().Err(err).Str("user_id", userID.String()).Msg("api: баланс звёзд")
				httpinfra.WriteError(w, http.StatusInternalServerError, "не удалось получить баланс")
				return
			}
			httpinfra.WriteJSON(w, map[string]any{"stars": balance})
		})

		protected.Get("/api/v1/categories", func(w http.ResponseWriter, r *http.Request) {
			categories, err := repoAdapter.ListCategories(r.Context())
			if err != nil {
				log.Error().Err(err).Msg("api: список категорий")
				httpinfra.WriteError(w, http.StatusInternalServerError, "не удалось получить категории")
				return
			}
			out := make([]map[string]any, 0, len(categories))
			for _, category := range categories {
				out = append(out, map[string]any{"id": category.ID, "name": category.Name})
			}
			httpinfra.WriteJSON(w, out)
		})
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: server.Router}
	metrics.StartServer(ctx, log.With().Str("component", "metrics").Logger(), ":9090")
	go func() {
		log.Info().Int("port", cfg.Port).Msg("api: старт")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()
	<-ctx.Done()
	log.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func letters(batch []domain.DeliveredLetter) []domain.DeliveredLetter {
	if batch == nil {
		return []domain.DeliveredLetter{}
	}
	return batch
}
