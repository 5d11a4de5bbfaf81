package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DeliveryJobCause описывает источник задачи на доставку.
type DeliveryJobCause string

const (
	// DeliveryCauseScheduled — доставка по переходу окна.
	DeliveryCauseScheduled DeliveryJobCause = "scheduled"
	// DeliveryCauseManual — пользователь запросил письмо вручную.
	DeliveryCauseManual DeliveryJobCause = "manual"
)

// DeliveryJob содержит информацию о задаче доставки пачки писем.
type DeliveryJob struct {
	ID          string           `json:"job_id"`
	UserID      uuid.UUID        `json:"user_id"`
	WindowStart time.Time        `json:"window_start"`
	RequestedAt time.Time        `json:"requested_at"`
	Cause       DeliveryJobCause `json:"cause"`
}

// DeliveryQueue описывает очередь задач на доставку.
type DeliveryQueue interface {
	Enqueue(ctx context.Context, job DeliveryJob) error
	Pop(ctx context.Context) (DeliveryJob, error)
}

// DeliveryTaskRepo отвечает за идемпотентную постановку задач доставки.
// Запись по (user_id, window_start) служит штампом перехода окна: кто первым
// создал её, тот и ставит задачу, остальные процессы получают false.
type DeliveryTaskRepo interface {
	AcquireDeliveryTask(ctx context.Context, userID uuid.UUID, windowStart time.Time) (bool, error)
}

// DeliveryJobStatusRepo отвечает за отслеживание статуса выполнения задач.
type DeliveryJobStatusRepo interface {
	// EnsureDeliveryJob регистрирует попытку обработки и возвращает признак
	// завершённой доставки и номер текущей попытки.
	EnsureDeliveryJob(ctx context.Context, jobID string) (done bool, attempt int, err error)
	// MarkDeliveryJobDone помечает задачу как окончательно выполненную.
	MarkDeliveryJobDone(ctx context.Context, jobID string) error
}
