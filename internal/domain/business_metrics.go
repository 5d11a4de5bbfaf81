package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// BusinessMetric описывает бизнесовое событие, которое сохраняется для последующего анализа.
type BusinessMetric struct {
	Event      string
	UserID     *uuid.UUID
	LetterID   *uuid.UUID
	Metadata   map[string]any
	OccurredAt time.Time
}

const (
	// BusinessMetricEventBatchDelivered фиксирует выдачу пачки писем пользователю.
	BusinessMetricEventBatchDelivered = "batch_delivered"
	// BusinessMetricEventManualDelivery фиксирует ручную доставку письма за звезду.
	BusinessMetricEventManualDelivery = "manual_delivery"
	// BusinessMetricEventStarsSpent фиксирует списание звёзд с баланса.
	BusinessMetricEventStarsSpent = "stars_spent"
	// BusinessMetricEventLettersSeeded фиксирует массовую загрузку писем.
	BusinessMetricEventLettersSeeded = "letters_seeded"
)

// BusinessMetricRepo сохраняет бизнесовые события.
type BusinessMetricRepo interface {
	RecordBusinessMetric(ctx context.Context, metric BusinessMetric) error
}
