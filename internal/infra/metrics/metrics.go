package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	AllocationBuildSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "allocation_build_seconds",
		Help:    "Время подбора пачки писем",
		Buckets: prometheus.DefBuckets,
	})

	AllocationStrategyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "allocation_strategy_total",
		Help: "Письма, выданные каждой стратегией подбора",
	}, []string{"strategy"})

	AllocationDegradedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "allocation_degraded_total",
		Help: "Количество срабатываний упрощённого подбора по таймауту",
	})

	ManualDeliveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "manual_deliveries_total",
		Help: "Количество ручных доставок за звёзды",
	})

	ManualDeliveriesDeclined = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "manual_deliveries_declined_total",
		Help: "Отклонённые ручные доставки по причинам",
	}, []string{"reason"})

	WindowTransitionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "window_transitions_total",
		Help: "Обнаруженные планировщиком переходы окон доставки",
	})

	CachedBatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cached_batch_total",
		Help: "Обращения к кэшированной пачке писем",
	}, []string{"outcome"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 60},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		AllocationBuildSeconds,
		AllocationStrategyTotal,
		AllocationDegradedTotal,
		ManualDeliveriesTotal,
		ManualDeliveriesDeclined,
		WindowTransitionsTotal,
		CachedBatchTotal,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// IncStrategy увеличивает счётчик писем, выданных стратегией.
func IncStrategy(strategy string, count int) {
	if count <= 0 {
		return
	}
	AllocationStrategyTotal.WithLabelValues(strategy).Add(float64(count))
}

// IncManualDeclined фиксирует отклонённую ручную доставку.
func IncManualDeclined(reason string) {
	ManualDeliveriesDeclined.WithLabelValues(reason).Inc()
}

// IncCachedBatch фиксирует результат обращения к кэшу пачки.
func IncCachedBatch(outcome string) {
	CachedBatchTotal.WithLabelValues(outcome).Inc()
}
