package domain

import (
	"time"

	"github.com/google/uuid"
)

// UserProfile описывает профиль пользователя приложения.
type UserProfile struct {
	ID          uuid.UUID
	DisplayName string
	Stars       int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Category описывает категорию писем.
type Category struct {
	ID   uuid.UUID
	Name string
}

// Letter представляет анонимное письмо. После создания письмо не меняется.
type Letter struct {
	ID          uuid.UUID
	AuthorID    uuid.UUID
	DisplayName string
	Title       string
	Content     string
	CategoryID  uuid.UUID
	MoodEmoji   string
	CreatedAt   time.Time
}

// DeliveryWindow описывает полуоткрытый интервал [Start, End), в котором
// действует один раунд доставки. Окна покрывают сутки без зазоров и пересечений.
type DeliveryWindow struct {
	Start time.Time
	End   time.Time
	// IsNew выставляется только в течение короткого льготного периода после Start.
	// Флаг вычисляется от часов устройства, поэтому возле перехода он может быть
	// true в нескольких последовательных опросах.
	IsNew bool
}

// Contains сообщает, попадает ли момент t в окно.
func (w DeliveryWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Countdown описывает оставшееся время до следующего перехода окна.
type Countdown struct {
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
	Seconds int `json:"seconds"`
}

// LetterAllocation фиксирует факт доставки письма пользователю.
// Уникальна по паре (UserID, LetterID): повторная доставка обновляет
// ReceivedAt и DisplayOrder, а не создаёт дубликат.
type LetterAllocation struct {
	UserID       uuid.UUID
	LetterID     uuid.UUID
	ReceivedAt   time.Time
	DisplayOrder int
}

// DeliveredLetter объединяет письмо с его состоянием в ленте пользователя.
type DeliveredLetter struct {
	Letter       Letter    `json:"letter"`
	Read         bool      `json:"read"`
	ReceivedAt   time.Time `json:"received_at"`
	DisplayOrder int       `json:"display_order"`
}

// CachedBatch хранит последнюю выданную пачку писем для пользователя.
// Пачка валидна, только если ReceivedAt попадает в активное окно доставки;
// протухшая пачка отбрасывается целиком, слияние не выполняется.
type CachedBatch struct {
	Letters    []DeliveredLetter `json:"letters"`
	ReceivedAt time.Time         `json:"received_at"`
}

// CandidateFilter описывает условия выборки писем-кандидатов.
// Выборка всегда упорядочена по убыванию CreatedAt.
type CandidateFilter struct {
	ExcludeAuthor uuid.UUID
	CategoryIn    []uuid.UUID
	ExcludeIDs    []uuid.UUID
}
