package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"heard-backend/internal/domain"
	"heard-backend/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.LetterRepo            = (*Postgres)(nil)
	_ domain.AllocationRepo        = (*Postgres)(nil)
	_ domain.ReadMarkRepo          = (*Postgres)(nil)
	_ domain.PreferenceRepo        = (*Postgres)(nil)
	_ domain.ProfileRepo           = (*Postgres)(nil)
	_ domain.DeliveryTaskRepo      = (*Postgres)(nil)
	_ domain.DeliveryJobStatusRepo = (*Postgres)(nil)
	_ domain.BusinessMetricRepo    = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

const letterColumns = "id, author_id, display_name, title, content, category_id, mood_emoji, created_at"

func scanLetter(row pgx.Rows, letter *domain.Letter) error {
	var displayName, moodEmoji sql.NullString
	if err := row.Scan(&letter.ID, &letter.AuthorID, &displayName, &letter.Title, &letter.Content, &letter.CategoryID, &moodEmoji, &letter.CreatedAt); err != nil {
		return err
	}
	if displayName.Valid {
		letter.DisplayName = displayName.String
	}
	if moodEmoji.Valid {
		letter.MoodEmoji = moodEmoji.String
	}
	return nil
}

// FindLettersByID возвращает письма по идентификаторам.
func (p *Postgres) FindLettersByID(ctx context.Context, ids []uuid.UUID) ([]domain.Letter, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+letterColumns+`
FROM letters WHERE id = ANY($1::uuid[])
`, uuidStrings(ids))
	metrics.ObserveNetworkRequest("postgres", "letters_find_by_id", "letters", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var letters []domain.Letter
	for rows.Next() {
		var letter domain.Letter
		if err := scanLetter(rows, &letter); err != nil {
			return nil, err
		}
		letters = append(letters, letter)
	}
	return letters, rows.Err()
}

// FindCandidateLetters возвращает письма-кандидаты по фильтру, свежие сначала.
func (p *Postgres) FindCandidateLetters(ctx context.Context, filter domain.CandidateFilter, limit int) ([]domain.Letter, error) {
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	conditions := []string{"author_id <> $1"}
	args := []any{filter.ExcludeAuthor.String()}
	if len(filter.CategoryIn) > 0 {
		args = append(args, uuidStrings(filter.CategoryIn))
		conditions = append(conditions, fmt.Sprintf("category_id = ANY($%d::uuid[])", len(args)))
	}
	if len(filter.ExcludeIDs) > 0 {
		args = append(args, uuidStrings(filter.ExcludeIDs))
		conditions = append(conditions, fmt.Sprintf("NOT (id = ANY($%d::uuid[]))", len(args)))
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
SELECT `+letterColumns+`
FROM letters WHERE %s
ORDER BY created_at DESC
LIMIT $%d
`, strings.Join(conditions, " AND "), len(args))

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", "letters_find_candidates", "letters", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var letters []domain.Letter
	for rows.Next() {
		var letter domain.Letter
		if err := scanLetter(rows, &letter); err != nil {
			return nil, err
		}
		letters = append(letters, letter)
	}
	return letters, rows.Err()
}

// SaveLetters сохраняет письма батчем. Уже существующие письма не перезаписываются:
// письмо неизменно после создания.
func (p *Postgres) SaveLetters(ctx context.Context, letters []domain.Letter) error {
	if len(letters) == 0 {
		return nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, letter := range letters {
		batch.Queue(`
INSERT INTO letters (id, author_id, display_name, title, content, category_id, mood_emoji, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),$8)
ON CONFLICT (id) DO NOTHING
`, letter.ID, letter.AuthorID, letter.DisplayName, letter.Title, letter.Content, letter.CategoryID, letter.MoodEmoji, letter.CreatedAt)
	}
	start := time.Now()
	br := p.pool.SendBatch(ctx, batch)
	metrics.ObserveNetworkRequest("postgres", "letters_send_batch", "letters", start, nil)
	defer br.Close()
	for range letters {
		start = time.Now()
		_, err := br.Exec()
		metrics.ObserveNetworkRequest("postgres", "letters_batch_exec", "letters", start, err)
		if err != nil {
			return err
		}
	}
	_ = p.saveBusinessMetric(ctx, domain.BusinessMetric{
		Event:    domain.BusinessMetricEventLettersSeeded,
		Metadata: map[string]any{"count": len(letters)},
	})
	return nil
}

// ListCategories возвращает все категории писем.
func (p *Postgres) ListCategories(ctx context.Context) ([]domain.Category, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT id, name FROM categories ORDER BY name`)
	metrics.ObserveNetworkRequest("postgres", "categories_list", "categories", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var categories []domain.Category
	for rows.Next() {
		var category domain.Category
		if err := rows.Scan(&category.ID, &category.Name); err != nil {
			return nil, err
		}
		categories = append(categories, category)
	}
	return categories, rows.Err()
}

// FindAllocations возвращает доставки пользователя в интервале [since, until).
func (p *Postgres) FindAllocations(ctx context.Context, userID uuid.UUID, since, until time.Time) ([]domain.LetterAllocation, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT user_id, letter_id, received_at, display_order
FROM letter_allocations
WHERE user_id=$1 AND received_at >= $2 AND received_at < $3
ORDER BY display_order DESC
`, userID, since, until)
	metrics.ObserveNetworkRequest("postgres", "allocations_find", "letter_allocations", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var allocations []domain.LetterAllocation
	for rows.Next() {
		var allocation domain.LetterAllocation
		if err := rows.Scan(&allocation.UserID, &allocation.LetterID, &allocation.ReceivedAt, &allocation.DisplayOrder); err != nil {
			return nil, err
		}
		allocations = append(allocations, allocation)
	}
	return allocations, rows.Err()
}

// MaxDisplayOrder возвращает наибольший display_order пользователя, ноль если доставок не было.
func (p *Postgres) MaxDisplayOrder(ctx context.Context, userID uuid.UUID) (int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var max int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT COALESCE(MAX(display_order), 0) FROM letter_allocations WHERE user_id=$1
`, userID).Scan(&max)
	metrics.ObserveNetworkRequest("postgres", "allocations_max_order", "letter_allocations", start, err)
	return max, err
}

// UpsertAllocations идемпотентно сохраняет записи о доставке батчем.
// Конфликт по (user_id, letter_id) обновляет received_at и display_order —
// повторная доставка поднимает письмо в ленте, а не дублирует его.
func (p *Postgres) UpsertAllocations(ctx context.Context, records []domain.LetterAllocation) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, record := range records {
		batch.Queue(`
INSERT INTO letter_allocations (user_id, letter_id, received_at, display_order)
VALUES ($1,$2,$3,$4)
ON CONFLICT (user_id, letter_id) DO UPDATE SET received_at=EXCLUDED.received_at, display_order=EXCLUDED.display_order
`, record.UserID, record.LetterID, record.ReceivedAt, record.DisplayOrder)
	}
	start := time.Now()
	br := p.pool.SendBatch(ctx, batch)
	metrics.ObserveNetworkRequest("postgres", "allocations_send_batch", "letter_allocations", start, nil)
	defer br.Close()
	for range records {
		start = time.Now()
		_, err := br.Exec()
		metrics.ObserveNetworkRequest("postgres", "allocations_batch_exec", "letter_allocations", start, err)
		if err != nil {
			return err
		}
	}
	return nil
}

// FindReadMarks возвращает отметки о прочтении для перечисленных писем.
func (p *Postgres) FindReadMarks(ctx context.Context, userID uuid.UUID, letterIDs []uuid.UUID) (map[uuid.UUID]bool, error) {
	marks := make(map[uuid.UUID]bool, len(letterIDs))
	if len(letterIDs) == 0 {
		return marks, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT letter_id FROM letter_reads WHERE user_id=$1 AND letter_id = ANY($2::uuid[])
`, userID, uuidStrings(letterIDs))
	metrics.ObserveNetworkRequest("postgres", "read_marks_find", "letter_reads", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var letterID uuid.UUID
		if err := rows.Scan(&letterID); err != nil {
			return nil, err
		}
		marks[letterID] = true
	}
	return marks, rows.Err()
}

// FindCategoryPreferences возвращает категории, выбранные пользователем.
func (p *Postgres) FindCategoryPreferences(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT category_id FROM category_preferences WHERE user_id=$1
`, userID)
	metrics.ObserveNetworkRequest("postgres", "preferences_find", "category_preferences", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var categories []uuid.UUID
	for rows.Next() {
		var categoryID uuid.UUID
		if err := rows.Scan(&categoryID); err != nil {
			return nil, err
		}
		categories = append(categories, categoryID)
	}
	return categories, rows.Err()
}

// ListUserIDs возвращает идентификаторы всех пользователей.
func (p *Postgres) ListUserIDs(ctx context.Context) ([]uuid.UUID, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT id FROM user_profiles`)
	metrics.ObserveNetworkRequest("postgres", "user_profiles_list_ids", "user_profiles", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetStarBalance возвращает баланс звёзд пользователя.
func (p *Postgres) GetStarBalance(ctx context.Context, userID uuid.UUID) (int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var stars int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT stars FROM user_profiles WHERE id=$1`, userID).Scan(&stars)
	metrics.ObserveNetworkRequest("postgres", "user_profiles_get_stars", "user_profiles", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("пользователь %s не найден", userID)
	}
	return stars, err
}

// AdjustStarBalance атомарно меняет баланс звёзд. Условие stars + delta >= 0
// в самом UPDATE — единственная защита от ухода баланса в минус при
// конкурентных списаниях с разных устройств.
func (p *Postgres) AdjustStarBalance(ctx context.Context, userID uuid.UUID, delta int) (int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var stars int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
UPDATE user_profiles SET stars = stars + $2, updated_at = now()
WHERE id=$1 AND stars + $2 >= 0
RETURNING stars
`, userID, delta).Scan(&stars)
	metrics.ObserveNetworkRequest("postgres", "user_profiles_adjust_stars", "user_profiles", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		// Либо пользователя нет, либо не хватило баланса.
		if _, lookupErr := p.GetStarBalance(ctx, userID); lookupErr != nil {
			return 0, lookupErr
		}
		return 0, domain.ErrNotEnoughStars
	}
	if err != nil {
		return 0, err
	}
	if delta < 0 {
		uID := userID
		_ = p.saveBusinessMetric(ctx, domain.BusinessMetric{
			Event:    domain.BusinessMetricEventStarsSpent,
			UserID:   &uID,
			Metadata: map[string]any{"delta": delta, "balance": stars},
		})
	}
	return stars, nil
}

// AcquireDeliveryTask вставляет запись о поставленной задаче и возвращает true, если удалось.
func (p *Postgres) AcquireDeliveryTask(ctx context.Context, userID uuid.UUID, windowStart time.Time) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
INSERT INTO delivery_tasks (user_id, window_start)
VALUES ($1, $2)
ON CONFLICT (user_id, window_start) DO NOTHING
`, userID, windowStart)
	metrics.ObserveNetworkRequest("postgres", "delivery_tasks_acquire", "delivery_tasks", start, err)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// EnsureDeliveryJob регистрирует попытку обработки задачи доставки.
func (p *Postgres) EnsureDeliveryJob(ctx context.Context, jobID string) (bool, int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		done     sql.NullTime
		attempts int
	)

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO delivery_job_statuses (job_id, attempts, updated_at)
VALUES ($1, 1, now())
ON CONFLICT (job_id) DO UPDATE
    SET attempts = delivery_job_statuses.attempts + 1,
        updated_at = now()
RETURNING done_at, attempts
`, jobID).Scan(&done, &attempts)
	metrics.ObserveNetworkRequest("postgres", "delivery_job_statuses_upsert", "delivery_job_statuses", start, err)
	if err != nil {
		return false, 0, err
	}

	return done.Valid, attempts, nil
}

// MarkDeliveryJobDone помечает задачу доставки как выполненную.
func (p *Postgres) MarkDeliveryJobDone(ctx context.Context, jobID string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE delivery_job_statuses
SET done_at = COALESCE(done_at, now()),
    updated_at = now()
WHERE job_id = $1
`, jobID)
	metrics.ObserveNetworkRequest("postgres", "delivery_job_statuses_mark_done", "delivery_job_statuses", start, err)
	return err
}

func (p *Postgres) saveBusinessMetric(ctx context.Context, metric domain.BusinessMetric) error {
	if metric.Event == "" {
		return nil
	}

	if metric.OccurredAt.IsZero() {
		metric.OccurredAt = time.Now().UTC()
	}

	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var userID, letterID any
	if metric.UserID != nil {
		userID = *metric.UserID
	}
	if metric.LetterID != nil {
		letterID = *metric.LetterID
	}

	var payload []byte
	if metric.Metadata != nil {
		if data, err := json.Marshal(metric.Metadata); err == nil {
			payload = data
		}
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO business_metrics (event, user_id, letter_id, metadata, occurred_at)
VALUES ($1, $2, $3, $4, $5)
`, metric.Event, userID, letterID, payload, metric.OccurredAt)
	metrics.ObserveNetworkRequest("postgres", "business_metrics_insert", "business_metrics", start, err)
	return err
}

// RecordBusinessMetric сохраняет бизнесовую метрику в БД.
func (p *Postgres) RecordBusinessMetric(ctx context.Context, metric domain.BusinessMetric) error {
	return p.saveBusinessMetric(ctx, metric)
}
