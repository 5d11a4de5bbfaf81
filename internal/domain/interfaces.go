package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotEnoughStars возвращается, когда списание звёзд опустило бы баланс ниже нуля.
// Это ожидаемый отказ, а не ошибка хранилища.
var ErrNotEnoughStars = errors.New("недостаточно звёзд")

// LetterRepo управляет письмами.
type LetterRepo interface {
	FindLettersByID(ctx context.Context, ids []uuid.UUID) ([]Letter, error)
	FindCandidateLetters(ctx context.Context, filter CandidateFilter, limit int) ([]Letter, error)
	SaveLetters(ctx context.Context, letters []Letter) error
	ListCategories(ctx context.Context) ([]Category, error)
}

// AllocationRepo управляет записями о доставке писем.
type AllocationRepo interface {
	// FindAllocations возвращает доставки пользователя с ReceivedAt в [since, until),
	// упорядоченные по убыванию DisplayOrder.
	FindAllocations(ctx context.Context, userID uuid.UUID, since, until time.Time) ([]LetterAllocation, error)
	MaxDisplayOrder(ctx context.Context, userID uuid.UUID) (int, error)
	// UpsertAllocations идемпотентно сохраняет записи: конфликт по (user_id, letter_id)
	// обновляет received_at и display_order. Это единственный механизм защиты от
	// дублей при конкурентных или повторных вызовах.
	UpsertAllocations(ctx context.Context, records []LetterAllocation) error
}

// ReadMarkRepo возвращает отметки о прочтении. Запись отметок — зона ответственности
// клиентского приложения и сюда не входит.
type ReadMarkRepo interface {
	FindReadMarks(ctx context.Context, userID uuid.UUID, letterIDs []uuid.UUID) (map[uuid.UUID]bool, error)
}

// PreferenceRepo возвращает выбранные пользователем категории.
type PreferenceRepo interface {
	FindCategoryPreferences(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// ProfileRepo управляет профилями и балансом звёзд.
type ProfileRepo interface {
	ListUserIDs(ctx context.Context) ([]uuid.UUID, error)
	GetStarBalance(ctx context.Context, userID uuid.UUID) (int, error)
	// AdjustStarBalance атомарно меняет баланс на delta и возвращает новый баланс.
	// Если итог был бы отрицательным, возвращает ErrNotEnoughStars без изменений.
	AdjustStarBalance(ctx context.Context, userID uuid.UUID, delta int) (int, error)
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
	Del(key string) error
}
