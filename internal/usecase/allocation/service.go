package allocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"heard-backend/internal/domain"
	"heard-backend/internal/infra/metrics"
)

// ErrNoLettersAvailable возвращается, когда ни одна стратегия не нашла ни одного письма.
// Это ожидаемый отказ: звезда за пустую ручную доставку не списывается.
var ErrNoLettersAvailable = errors.New("нет доступных писем")

const (
	cacheKeyPrefix  = "letters:batch:"
	cacheTTL        = 13 * time.Hour
	manualBatchSize = 1
)

// Названия стратегий подбора в порядке убывания приоритета.
const (
	strategyPreferredUnseen     = "preferred_unseen"
	strategyPreferredSeenUnread = "preferred_seen_unread"
	strategyAnyUnseen           = "any_unseen"
	strategyAnyRecent           = "any_recent"
)

// Service реализует политику выдачи писем: идемпотентную выдачу пачки в рамках
// окна доставки и каскад стратегий подбора при нехватке кандидатов.
type Service struct {
	letters     domain.LetterRepo
	allocations domain.AllocationRepo
	reads       domain.ReadMarkRepo
	prefs       domain.PreferenceRepo
	profiles    domain.ProfileRepo
	cache       domain.Cache
	log         zerolog.Logger

	initialBatch int
	now          func() time.Time
}

// NewService создаёт сервис выдачи. cache может быть nil — тогда каждая выдача
// идёт в репозиторий.
func NewService(letters domain.LetterRepo, allocations domain.AllocationRepo, reads domain.ReadMarkRepo, prefs domain.PreferenceRepo, profiles domain.ProfileRepo, cache domain.Cache, logger zerolog.Logger, initialBatch int) *Service {
	if initialBatch <= 0 {
		initialBatch = 5
	}
	return &Service{
		letters:      letters,
		allocations:  allocations,
		reads:        reads,
		prefs:        prefs,
		profiles:     profiles,
		cache:        cache,
		log:          logger,
		initialBatch: initialBatch,
		now:          time.Now,
	}
}

// GetForWindow возвращает пачку писем пользователя для окна доставки.
// Существующие доставки окна возвращаются как есть — этот путь ничего не пишет.
// Свежая выдача выполняется только при переходе в новое окно; пустой результат
// в середине окна защищает от повторной выдачи после перезапуска приложения.
func (s *Service) GetForWindow(ctx context.Context, userID uuid.UUID, win domain.DeliveryWindow) ([]domain.DeliveredLetter, error) {
	if batch, ok := s.cachedBatch(userID, win); ok {
		metrics.IncCachedBatch("hit")
		return batch, nil
	}

	allocs, err := s.allocations.FindAllocations(ctx, userID, win.Start, win.End)
	if err != nil {
		return nil, fmt.Errorf("поиск доставок окна: %w", err)
	}
	if len(allocs) > 0 {
		batch, err := s.lettersForAllocations(ctx, userID, allocs)
		if err != nil {
			return nil, err
		}
		s.storeBatch(userID, batch)
		return batch, nil
	}

	if !win.IsNew {
		return nil, nil
	}

	batch, err := s.Allocate(ctx, userID, s.initialBatch)
	if err != nil {
		return nil, err
	}
	s.storeBatch(userID, batch)
	return batch, nil
}

// Allocate подбирает count писем каскадом стратегий и идемпотентно сохраняет
// записи о доставке. Ни одна стратегия не возвращает письма самого пользователя.
// Сбой выборки предпочтений или отметок о прочтении деградирует подбор, сбой
// финальной выборки писем или upsert прерывает операцию: отдать письма без
// записи о доставке нельзя — сломается идемпотентность следующего вызова.
func (s *Service) Allocate(ctx context.Context, userID uuid.UUID, count int) ([]domain.DeliveredLetter, error) {
	if count <= 0 {
		return nil, nil
	}
	buildStart := time.Now()
	defer func() {
		metrics.AllocationBuildSeconds.Observe(time.Since(buildStart).Seconds())
	}()

	// Предпочтения и история доставок не зависят друг от друга — выбираем параллельно.
	var (
		prefs    []uuid.UUID
		prior    []domain.LetterAllocation
		prefsErr error
		priorErr error
		wg       sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		prefs, prefsErr = s.prefs.FindCategoryPreferences(ctx, userID)
	}()
	go func() {
		defer wg.Done()
		prior, priorErr = s.allocations.FindAllocations(ctx, userID, time.Time{}, s.now().Add(time.Hour))
	}()
	wg.Wait()
	if prefsErr != nil {
		s.log.Warn().Err(prefsErr).Str("user_id", userID.String()).Msg("allocation: предпочтения недоступны, подбор без категорий")
		prefs = nil
	}
	if priorErr != nil {
		s.log.Warn().Err(priorErr).Str("user_id", userID.String()).Msg("allocation: история доставок недоступна, считаем её пустой")
		prior = nil
	}

	allocated := make(map[uuid.UUID]bool, len(prior))
	priorIDs := make([]uuid.UUID, 0, len(prior))
	for _, record := range prior {
		allocated[record.LetterID] = true
		priorIDs = append(priorIDs, record.LetterID)
	}

	reads, err := s.reads.FindReadMarks(ctx, userID, priorIDs)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID.String()).Msg("allocation: отметки о прочтении недоступны, считаем всё непрочитанным")
		reads = map[uuid.UUID]bool{}
	}

	chosen := make([]domain.Letter, 0, count)
	seen := make(map[uuid.UUID]bool, count)
	var firstErr error

	take := func(candidates []domain.Letter, strategy string) {
		picked := 0
		for _, letter := range candidates {
			if len(chosen) >= count {
				break
			}
			if seen[letter.ID] || letter.AuthorID == userID {
				continue
			}
			seen[letter.ID] = true
			chosen = append(chosen, letter)
			picked++
		}
		metrics.IncStrategy(strategy, picked)
	}

	// Стратегия 1: непрочитанные и ещё не доставлявшиеся письма из любимых категорий.
	if len(prefs) > 0 && len(chosen) < count {
		candidates, err := s.letters.FindCandidateLetters(ctx, domain.CandidateFilter{
			ExcludeAuthor: userID,
			CategoryIn:    prefs,
			ExcludeIDs:    mergeIDs(allocated, reads, seen),
		}, count-len(chosen))
		if err != nil {
			s.log.Warn().Err(err).Msg("allocation: стратегия preferred_unseen недоступна")
			firstErr = err
		} else {
			take(candidates, strategyPreferredUnseen)
		}
	}

	// Стратегия 2: уже доставленные, но не прочитанные письма из любимых категорий.
	if len(prefs) > 0 && len(chosen) < count {
		unreadIDs := make([]uuid.UUID, 0, len(priorIDs))
		for _, id := range priorIDs {
			if !reads[id] && !seen[id] {
				unreadIDs = append(unreadIDs, id)
			}
		}
		if len(unreadIDs) > 0 {
			letters, err := s.letters.FindLettersByID(ctx, unreadIDs)
			if err != nil {
				s.log.Warn().Err(err).Msg("allocation: стратегия preferred_seen_unread недоступна")
				if firstErr == nil {
					firstErr = err
				}
			} else {
				preferred := make(map[uuid.UUID]bool, len(prefs))
				for _, id := range prefs {
					preferred[id] = true
				}
				filtered := letters[:0]
				for _, letter := range letters {
					if preferred[letter.CategoryID] {
						filtered = append(filtered, letter)
					}
				}
				sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].CreatedAt.After(filtered[j].CreatedAt) })
				take(filtered, strategyPreferredSeenUnread)
			}
		}
	}

	// Стратегия 3: непрочитанные и не доставлявшиеся письма без фильтра категории.
	if len(chosen) < count {
		candidates, err := s.letters.FindCandidateLetters(ctx, domain.CandidateFilter{
			ExcludeAuthor: userID,
			ExcludeIDs:    mergeIDs(allocated, reads, seen),
		}, count-len(chosen))
		if err != nil {
			s.log.Warn().Err(err).Msg("allocation: стратегия any_unseen недоступна")
			if firstErr == nil {
				firstErr = err
			}
		} else {
			take(candidates, strategyAnyUnseen)
		}
	}

	// Стратегия 4: самые свежие письма без фильтров — может повторить уже виденные.
	if len(chosen) < count {
		candidates, err := s.letters.FindCandidateLetters(ctx, domain.CandidateFilter{
			ExcludeAuthor: userID,
			ExcludeIDs:    mergeIDs(nil, nil, seen),
		}, count-len(chosen))
		if err != nil {
			s.log.Warn().Err(err).Msg("allocation: стратегия any_recent недоступна")
			if firstErr == nil {
				firstErr = err
			}
		} else {
			take(candidates, strategyAnyRecent)
		}
	}

	if len(chosen) == 0 {
		if firstErr != nil {
			return nil, fmt.Errorf("подбор писем: %w", firstErr)
		}
		return nil, nil
	}

	return s.persist(ctx, userID, chosen, reads)
}

// AllocateDegraded — упрощённый подбор по таймауту: самые свежие чужие письма
// без каскада стратегий и фильтров прочитанности. Записи о доставке
// сохраняются тем же upsert, чтобы не ломать идемпотентность.
func (s *Service) AllocateDegraded(ctx context.Context, userID uuid.UUID, count int) ([]domain.DeliveredLetter, error) {
	if count <= 0 {
		count = s.initialBatch
	}
	metrics.AllocationDegradedTotal.Inc()

	candidates, err := s.letters.FindCandidateLetters(ctx, domain.CandidateFilter{ExcludeAuthor: userID}, count)
	if err != nil {
		return nil, fmt.Errorf("упрощённый подбор: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	batch, err := s.persist(ctx, userID, candidates, nil)
	if err != nil {
		return nil, err
	}
	s.invalidateBatch(userID)
	return batch, nil
}

// DeliverMore выдаёт одно дополнительное письмо за звезду. Баланс списывается
// только после того, как подбор дал хотя бы одно письмо: звезда не тратится
// на пустой результат.
func (s *Service) DeliverMore(ctx context.Context, userID uuid.UUID) ([]domain.DeliveredLetter, error) {
	balance, err := s.profiles.GetStarBalance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("баланс звёзд: %w", err)
	}
	if balance < 1 {
		metrics.IncManualDeclined("not_enough_stars")
		return nil, domain.ErrNotEnoughStars
	}

	batch, err := s.Allocate(ctx, userID, manualBatchSize)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		metrics.IncManualDeclined("no_letters")
		return nil, ErrNoLettersAvailable
	}

	if _, err := s.profiles.AdjustStarBalance(ctx, userID, -1); err != nil {
		// Доставка уже записана; при гонке за последнюю звезду письма пользователю
		// остаются, а расхождение фиксируем в логе.
		s.log.Warn().Err(err).Str("user_id", userID.String()).Msg("allocation: не удалось списать звезду после доставки")
	}
	metrics.ManualDeliveriesTotal.Inc()
	s.invalidateBatch(userID)
	return batch, nil
}

// persist присваивает выбранным письмам display_order строго выше текущего
// максимума пользователя и сохраняет записи одним идемпотентным батчем.
// Возвращаемая пачка упорядочена по убыванию display_order — так же, как её
// отдаст повторный GetForWindow.
func (s *Service) persist(ctx context.Context, userID uuid.UUID, chosen []domain.Letter, reads map[uuid.UUID]bool) ([]domain.DeliveredLetter, error) {
	maxOrder, err := s.allocations.MaxDisplayOrder(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("текущий максимум display_order: %w", err)
	}

	receivedAt := s.now()
	records := make([]domain.LetterAllocation, 0, len(chosen))
	for i, letter := range chosen {
		records = append(records, domain.LetterAllocation{
			UserID:       userID,
			LetterID:     letter.ID,
			ReceivedAt:   receivedAt,
			DisplayOrder: maxOrder + i + 1,
		})
	}
	if err := s.allocations.UpsertAllocations(ctx, records); err != nil {
		return nil, fmt.Errorf("сохранение доставок: %w", err)
	}

	batch := make([]domain.DeliveredLetter, 0, len(chosen))
	for i := len(chosen) - 1; i >= 0; i-- {
		batch = append(batch, domain.DeliveredLetter{
			Letter:       chosen[i],
			Read:         reads[chosen[i].ID],
			ReceivedAt:   receivedAt,
			DisplayOrder: records[i].DisplayOrder,
		})
	}
	return batch, nil
}

// lettersForAllocations превращает записи о доставке в пачку писем с отметками
// о прочтении, сохраняя порядок display_order.
func (s *Service) lettersForAllocations(ctx context.Context, userID uuid.UUID, allocs []domain.LetterAllocation) ([]domain.DeliveredLetter, error) {
	ids := make([]uuid.UUID, 0, len(allocs))
	for _, record := range allocs {
		ids = append(ids, record.LetterID)
	}

	letters, err := s.letters.FindLettersByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("выборка писем пачки: %w", err)
	}
	byID := make(map[uuid.UUID]domain.Letter, len(letters))
	for _, letter := range letters {
		byID[letter.ID] = letter
	}

	reads, err := s.reads.FindReadMarks(ctx, userID, ids)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID.String()).Msg("allocation: отметки о прочтении недоступны, считаем всё непрочитанным")
		reads = map[uuid.UUID]bool{}
	}

	batch := make([]domain.DeliveredLetter, 0, len(allocs))
	for _, record := range allocs {
		letter, ok := byID[record.LetterID]
		if !ok {
			continue
		}
		batch = append(batch, domain.DeliveredLetter{
			Letter:       letter,
			Read:         reads[record.LetterID],
			ReceivedAt:   record.ReceivedAt,
			DisplayOrder: record.DisplayOrder,
		})
	}
	return batch, nil
}

func (s *Service) cachedBatch(userID uuid.UUID, win domain.DeliveryWindow) ([]domain.DeliveredLetter, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, err := s.cache.Get(cacheKeyPrefix + userID.String())
	if err != nil {
		metrics.IncCachedBatch("miss")
		return nil, false
	}
	var cached domain.CachedBatch
	if err := json.Unmarshal(raw, &cached); err != nil {
		_ = s.cache.Del(cacheKeyPrefix + userID.String())
		metrics.IncCachedBatch("corrupt")
		return nil, false
	}
	if !win.Contains(cached.ReceivedAt) {
		// Пачка из прошлого окна: отбрасываем целиком, без слияния.
		_ = s.cache.Del(cacheKeyPrefix + userID.String())
		metrics.IncCachedBatch("stale")
		return nil, false
	}
	return cached.Letters, true
}

func (s *Service) storeBatch(userID uuid.UUID, batch []domain.DeliveredLetter) {
	if s.cache == nil || len(batch) == 0 {
		return
	}
	raw, err := json.Marshal(domain.CachedBatch{Letters: batch, ReceivedAt: s.now()})
	if err != nil {
		return
	}
	if err := s.cache.Set(cacheKeyPrefix+userID.String(), raw, cacheTTL); err != nil {
		s.log.Debug().Err(err).Str("user_id", userID.String()).Msg("allocation: не удалось сохранить пачку в кэш")
	}
}

func (s *Service) invalidateBatch(userID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(cacheKeyPrefix + userID.String()); err != nil {
		s.log.Debug().Err(err).Str("user_id", userID.String()).Msg("allocation: не удалось сбросить кэш пачки")
	}
}

func mergeIDs(allocated, reads, seen map[uuid.UUID]bool) []uuid.UUID {
	merged := make(map[uuid.UUID]bool, len(allocated)+len(reads)+len(seen))
	for id := range allocated {
		merged[id] = true
	}
	for id := range reads {
		merged[id] = true
	}
	for id := range seen {
		merged[id] = true
	}
	ids := make([]uuid.UUID, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	return ids
}
