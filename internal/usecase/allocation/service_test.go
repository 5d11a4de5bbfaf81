package allocation

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"heard-backend/internal/domain"
)

type stubLetterRepo struct {
	letters      []domain.Letter
	candidateErr error
	byIDErr      error
}

func (r *stubLetterRepo) FindLettersByID(_ context.Context, ids []uuid.UUID) ([]domain.Letter, error) {
	if r.byIDErr != nil {
		return nil, r.byIDErr
	}
	wanted := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	out := make([]domain.Letter, 0, len(ids))
	for _, letter := range r.letters {
		if wanted[letter.ID] {
			out = append(out, letter)
		}
	}
	return out, nil
}

func (r *stubLetterRepo) FindCandidateLetters(_ context.Context, filter domain.CandidateFilter, limit int) ([]domain.Letter, error) {
	if r.candidateErr != nil {
		return nil, r.candidateErr
	}
	excluded := make(map[uuid.UUID]bool, len(filter.ExcludeIDs))
	for _, id := range filter.ExcludeIDs {
		excluded[id] = true
	}
	categories := make(map[uuid.UUID]bool, len(filter.CategoryIn))
	for _, id := range filter.CategoryIn {
		categories[id] = true
	}
	out := make([]domain.Letter, 0, limit)
	for _, letter := range r.letters {
		if letter.AuthorID == filter.ExcludeAuthor {
			continue
		}
		if len(filter.CategoryIn) > 0 && !categories[letter.CategoryID] {
			continue
		}
		if excluded[letter.ID] {
			continue
		}
		out = append(out, letter)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *stubLetterRepo) SaveLetters(context.Context, []domain.Letter) error { return nil }

func (r *stubLetterRepo) ListCategories(context.Context) ([]domain.Category, error) {
	return nil, nil
}

type stubAllocationRepo struct {
	records     []domain.LetterAllocation
	findErr     error
	maxErr      error
	upsertErr   error
	upsertCalls int
}

func (r *stubAllocationRepo) FindAllocations(_ context.Context, userID uuid.UUID, since, until time.Time) ([]domain.LetterAllocation, error) {
	if r.findErr != nil {
		return nil, r.findErr
	}
	out := make([]domain.LetterAllocation, 0, len(r.records))
	for _, record := range r.records {
		if record.UserID != userID {
			continue
		}
		if record.ReceivedAt.Before(since) || !record.ReceivedAt.Before(until) {
			continue
		}
		out = append(out, record)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DisplayOrder > out[j].DisplayOrder })
	return out, nil
}

func (r *stubAllocationRepo) MaxDisplayOrder(_ context.Context, userID uuid.UUID) (int, error) {
	if r.maxErr != nil {
		return 0, r.maxErr
	}
	max := 0
	for _, record := range r.records {
		if record.UserID == userID && record.DisplayOrder > max {
			max = record.DisplayOrder
		}
	}
	return max, nil
}

func (r *stubAllocationRepo) UpsertAllocations(_ context.Context, records []domain.LetterAllocation) error {
	if r.upsertErr != nil {
		return r.upsertErr
	}
	r.upsertCalls++
	for _, record := range records {
		replaced := false
		for i, existing := range r.records {
			if existing.UserID == record.UserID && existing.LetterID == record.LetterID {
				r.records[i] = record
				replaced = true
				break
			}
		}
		if !replaced {
			r.records = append(r.records, record)
		}
	}
	return nil
}

type stubReadMarkRepo struct {
	reads map[uuid.UUID]bool
	err   error
}

func (r *stubReadMarkRepo) FindReadMarks(_ context.Context, _ uuid.UUID, letterIDs []uuid.UUID) (map[uuid.UUID]bool, error) {
	if r.err != nil {
		return nil, r.err
	}
	out := make(map[uuid.UUID]bool, len(letterIDs))
	for _, id := range letterIDs {
		if r.reads[id] {
			out[id] = true
		}
	}
	return out, nil
}

type stubPreferenceRepo struct {
	prefs []uuid.UUID
	err   error
}

func (r *stubPreferenceRepo) FindCategoryPreferences(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.prefs, nil
}

type stubProfileRepo struct {
	stars       int
	adjustCalls int
}

func (r *stubProfileRepo) ListUserIDs(context.Context) ([]uuid.UUID, error) { return nil, nil }

func (r *stubProfileRepo) GetStarBalance(context.Context, uuid.UUID) (int, error) {
	return r.stars, nil
}

func (r *stubProfileRepo) AdjustStarBalance(_ context.Context, _ uuid.UUID, delta int) (int, error) {
	r.adjustCalls++
	if r.stars+delta < 0 {
		return r.stars, domain.ErrNotEnoughStars
	}
	r.stars += delta
	return r.stars, nil
}

type stubCache struct {
	data map[string][]byte
}

func newStubCache() *stubCache { return &stubCache{data: map[string][]byte{}} }

func (c *stubCache) Once(_ string, _ time.Duration, fn func() error) error { return fn() }

func (c *stubCache) Set(key string, value []byte, _ time.Duration) error {
	c.data[key] = value
	return nil
}

func (c *stubCache) Get(key string) ([]byte, error) {
	value, ok := c.data[key]
	if !ok {
		return nil, errors.New("ключ не найден")
	}
	return value, nil
}

func (c *stubCache) Del(key string) error {
	delete(c.data, key)
	return nil
}

type fixture struct {
	svc     *Service
	letters *stubLetterRepo
	allocs  *stubAllocationRepo
	reads   *stubReadMarkRepo
	prefs   *stubPreferenceRepo
	profile *stubProfileRepo
	cache   *stubCache
	now     time.Time
	userID  uuid.UUID
	window  domain.DeliveryWindow
}

func newFixture(t *testing.T, withCache bool) *fixture {
	t.Helper()
	f := &fixture{
		letters: &stubLetterRepo{},
		allocs:  &stubAllocationRepo{},
		reads:   &stubReadMarkRepo{reads: map[uuid.UUID]bool{}},
		prefs:   &stubPreferenceRepo{},
		profile: &stubProfileRepo{},
		now:     time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC),
		userID:  uuid.New(),
	}
	f.window = domain.DeliveryWindow{
		Start: time.Date(2024, 3, 14, 8, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 14, 20, 0, 0, 0, time.UTC),
		IsNew: true,
	}
	var cache domain.Cache
	if withCache {
		f.cache = newStubCache()
		cache = f.cache
	}
	f.svc = NewService(f.letters, f.allocs, f.reads, f.prefs, f.profile, cache, zerolog.Nop(), 5)
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) addLetter(author uuid.UUID, category uuid.UUID, age time.Duration) domain.Letter {
	letter := domain.Letter{
		ID:         uuid.New(),
		AuthorID:   author,
		CategoryID: category,
		Title:      "письмо",
		Content:    "текст письма",
		CreatedAt:  f.now.Add(-age),
	}
	f.letters.letters = append(f.letters.letters, letter)
	return letter
}

func TestGetForWindowAllocatesOnNewWindow(t *testing.T) {
	f := newFixture(t, false)
	other := uuid.New()
	category := uuid.New()
	for i := 0; i < 6; i++ {
		f.addLetter(other, category, time.Duration(i)*time.Hour)
	}

	batch, err := f.svc.GetForWindow(context.Background(), f.userID, f.window)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(batch) != 5 {
		t.Fatalf("ожидали пачку из 5 писем, получили %d", len(batch))
	}
	if f.allocs.upsertCalls != 1 {
		t.Fatalf("ожидали одну запись доставок, получили %d", f.allocs.upsertCalls)
	}
	for i := 1; i < len(batch); i++ {
		if batch[i-1].DisplayOrder <= batch[i].DisplayOrder {
			t.Fatalf("пачка должна быть упорядочена по убыванию display_order: %d и %d", batch[i-1].DisplayOrder, batch[i].DisplayOrder)
		}
	}
	for _, delivered := range batch {
		if !f.window.Contains(delivered.ReceivedAt) {
			t.Fatalf("received_at %s вне окна доставки", delivered.ReceivedAt)
		}
	}
}

func TestGetForWindowIdempotent(t *testing.T) {
	f := newFixture(t, false)
	other := uuid.New()
	category := uuid.New()
	for i := 0; i < 5; i++ {
		f.addLetter(other, category, time.Duration(i)*time.Hour)
	}

	first, err := f.svc.GetForWindow(context.Background(), f.userID, f.window)
	if err != nil {
		t.Fatalf("первый вызов: %v", err)
	}
	second, err := f.svc.GetForWindow(context.Background(), f.userID, f.window)
	if err != nil {
		t.Fatalf("второй вызов: %v", err)
	}

	if f.allocs.upsertCalls != 1 {
		t.Fatalf("повторный вызов не должен выдавать письма заново, записей: %d", f.allocs.upsertCalls)
	}
	if len(first) != len(second) {
		t.Fatalf("размер пачки изменился: %d и %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Letter.ID != second[i].Letter.ID {
			t.Fatalf("порядок пачки изменился на позиции %d", i)
		}
	}
}

func TestGetForWindowEmptyMidWindow(t *testing.T) {
	f := newFixture(t, false)
	other := uuid.New()
	f.addLetter(other, uuid.New(), time.Hour)
	f.window.IsNew = false

	batch, err := f.svc.GetForWindow(context.Background(), f.userID, f.window)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("в середине окна без доставок пачка должна быть пустой, получили %d", len(batch))
	}
	if f.allocs.upsertCalls != 0 {
		t.Fatalf("в середине окна выдача запрещена, записей: %d", f.allocs.upsertCalls)
	}
}

func TestAllocateFallsBackAcrossStrategies(t *testing.T) {
	f := newFixture(t, false)
	other := uuid.New()
	preferred := uuid.New()
	fallback := uuid.New()
	f.prefs.prefs = []uuid.UUID{preferred}

	inPreferred := []domain.Letter{
		f.addLetter(other, preferred, time.Hour),
		f.addLetter(other, preferred, 2*time.Hour),
	}
	for i := 0; i < 4; i++ {
		f.addLetter(other, fallback, time.Duration(3+i)*time.Hour)
	}

	batch, err := f.svc.Allocate(context.Background(), f.userID, 5)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(batch) != 5 {
		t.Fatalf("ожидали 5 писем, получили %d", len(batch))
	}

	seen := map[uuid.UUID]bool{}
	preferredCount := 0
	for _, delivered := range batch {
		if seen[delivered.Letter.ID] {
			t.Fatalf("письмо %s попало в пачку дважды", delivered.Letter.ID)
		}
		seen[delivered.Letter.ID] = true
		if delivered.Letter.CategoryID == preferred {
			preferredCount++
		}
	}
	if preferredCount != len(inPreferred) {
		t.Fatalf("ожидали %d письма из любимой категории, получили %d", len(inPreferred), preferredCount)
	}
}

func TestAllocateSkipsOwnLetters(t *testing.T) {
	f := newFixture(t, false)
	category := uuid.New()
	f.addLetter(f.userID, category, time.Hour)
	f.addLetter(f.userID, category, 2*time.Hour)
	foreign := f.addLetter(uuid.New(), category, 3*time.Hour)

	batch, err := f.svc.Allocate(context.Background(), f.userID, 3)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("ожидали одно чужое письмо, получили %d", len(batch))
	}
	if batch[0].Letter.ID != foreign.ID {
		t.Fatalf("в пачке должно быть чужое письмо, а не собственное")
	}
}

func TestAllocateDisplayOrderAboveExistingMax(t *testing.T) {
	f := newFixture(t, false)
	other := uuid.New()
	category := uuid.New()
	old := f.addLetter(other, category, 48*time.Hour)
	f.allocs.records = []domain.LetterAllocation{{
		UserID:       f.userID,
		LetterID:     old.ID,
		ReceivedAt:   f.now.Add(-24 * time.Hour),
		DisplayOrder: 7,
	}}
	f.reads.reads[old.ID] = true

	f.addLetter(other, category, time.Hour)
	f.addLetter(other, category, 2*time.Hour)

	batch, err := f.svc.Allocate(context.Background(), f.userID, 2)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("ожидали 2 письма, получили %d", len(batch))
	}
	for _, delivered := range batch {
		if delivered.DisplayOrder <= 7 {
			t.Fatalf("display_order %d не выше прежнего максимума 7", delivered.DisplayOrder)
		}
	}
	if batch[0].DisplayOrder == batch[1].DisplayOrder {
		t.Fatalf("display_order внутри пачки должен быть уникальным")
	}
}

func TestAllocateRedeliversUnreadPreferred(t *testing.T) {
	f := newFixture(t, false)
	other := uuid.New()
	preferred := uuid.New()
	f.prefs.prefs = []uuid.UUID{preferred}

	unread := f.addLetter(other, preferred, 24*time.Hour)
	f.allocs.records = []domain.LetterAllocation{{
		UserID:       f.userID,
		LetterID:     unread.ID,
		ReceivedAt:   f.now.Add(-24 * time.Hour),
		DisplayOrder: 1,
	}}
	fresh := f.addLetter(other, uuid.New(), time.Hour)

	batch, err := f.svc.Allocate(context.Background(), f.userID, 2)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("ожидали 2 письма, получили %d", len(batch))
	}
	got := map[uuid.UUID]bool{}
	for _, delivered := range batch {
		got[delivered.Letter.ID] = true
	}
	if !got[unread.ID] {
		t.Fatalf("непрочитанное письмо из любимой категории должно вернуться в пачку")
	}
	if !got[fresh.ID] {
		t.Fatalf("свежее письмо должно дополнить пачку")
	}
}

func TestAllocateDegradesWithoutPreferences(t *testing.T) {
	f := newFixture(t, false)
	f.prefs.err = errors.New("predpochteniya nedostupny")
	other := uuid.New()
	f.addLetter(other, uuid.New(), time.Hour)
	f.addLetter(other, uuid.New(), 2*time.Hour)

	batch, err := f.svc.Allocate(context.Background(), f.userID, 2)
	if err != nil {
		t.Fatalf("сбой предпочтений не должен ломать выдачу: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("ожидали 2 письма, получили %d", len(batch))
	}
}

func TestAllocateAbortsOnUpsertFailure(t *testing.T) {
	f := newFixture(t, false)
	f.allocs.upsertErr = errors.New("postgres nedostupen")
	f.addLetter(uuid.New(), uuid.New(), time.Hour)

	if _, err := f.svc.Allocate(context.Background(), f.userID, 1); err == nil {
		t.Fatalf("сбой записи доставок должен прерывать выдачу")
	}
}

func TestDeliverMoreRequiresStars(t *testing.T) {
	f := newFixture(t, false)
	f.profile.stars = 0
	f.addLetter(uuid.New(), uuid.New(), time.Hour)

	_, err := f.svc.DeliverMore(context.Background(), f.userID)
	if !errors.Is(err, domain.ErrNotEnoughStars) {
		t.Fatalf("ожидали ErrNotEnoughStars, получили %v", err)
	}
	if f.allocs.upsertCalls != 0 {
		t.Fatalf("без звёзд выдача запрещена, записей: %d", f.allocs.upsertCalls)
	}
	if f.profile.adjustCalls != 0 {
		t.Fatalf("без звёзд баланс трогать нельзя")
	}
}

func TestDeliverMoreKeepsStarWhenNoLetters(t *testing.T) {
	f := newFixture(t, false)
	f.profile.stars = 2

	_, err := f.svc.DeliverMore(context.Background(), f.userID)
	if !errors.Is(err, ErrNoLettersAvailable) {
		t.Fatalf("ожидали ErrNoLettersAvailable, получили %v", err)
	}
	if f.profile.stars != 2 {
		t.Fatalf("звезда не должна списываться за пустой результат, баланс %d", f.profile.stars)
	}
	if f.profile.adjustCalls != 0 {
		t.Fatalf("баланс трогать нельзя, если писем нет")
	}
}

func TestDeliverMoreSpendsOneStar(t *testing.T) {
	f := newFixture(t, true)
	f.profile.stars = 2
	f.cache.data[cacheKeyPrefix+f.userID.String()] = []byte("{}")
	extra := f.addLetter(uuid.New(), uuid.New(), time.Hour)

	batch, err := f.svc.DeliverMore(context.Background(), f.userID)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(batch) != 1 || batch[0].Letter.ID != extra.ID {
		t.Fatalf("ожидали одно дополнительное письмо")
	}
	if f.profile.stars != 1 {
		t.Fatalf("ожидали баланс 1 после списания, получили %d", f.profile.stars)
	}
	if _, ok := f.cache.data[cacheKeyPrefix+f.userID.String()]; ok {
		t.Fatalf("кэш пачки должен сбрасываться после ручной доставки")
	}
}

func TestGetForWindowServesCachedBatch(t *testing.T) {
	f := newFixture(t, true)
	letter := f.addLetter(uuid.New(), uuid.New(), time.Hour)
	cached := domain.CachedBatch{
		Letters: []domain.DeliveredLetter{{
			Letter:       letter,
			ReceivedAt:   f.window.Start.Add(30 * time.Minute),
			DisplayOrder: 1,
		}},
		ReceivedAt: f.window.Start.Add(30 * time.Minute),
	}
	raw, err := json.Marshal(cached)
	if err != nil {
		t.Fatalf("маршалинг кэша: %v", err)
	}
	f.cache.data[cacheKeyPrefix+f.userID.String()] = raw
	// Если кэш не сработает, сервис упадёт на запросе доставок.
	f.allocs.findErr = errors.New("postgres nedostupen")

	batch, err := f.svc.GetForWindow(context.Background(), f.userID, f.window)
	if err != nil {
		t.Fatalf("валидный кэш должен обслуживать запрос без репозитория: %v", err)
	}
	if len(batch) != 1 || batch[0].Letter.ID != letter.ID {
		t.Fatalf("ожидали пачку из кэша")
	}
}

func TestGetForWindowDiscardsStaleCache(t *testing.T) {
	f := newFixture(t, true)
	letter := f.addLetter(uuid.New(), uuid.New(), 24*time.Hour)
	stale := domain.CachedBatch{
		Letters:    []domain.DeliveredLetter{{Letter: letter, DisplayOrder: 1}},
		ReceivedAt: f.window.Start.Add(-time.Hour),
	}
	raw, err := json.Marshal(stale)
	if err != nil {
		t.Fatalf("маршалинг кэша: %v", err)
	}
	key := cacheKeyPrefix + f.userID.String()
	f.cache.data[key] = raw
	f.window.IsNew = false

	batch, err := f.svc.GetForWindow(context.Background(), f.userID, f.window)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("протухшая пачка должна отбрасываться целиком, получили %d писем", len(batch))
	}
	if _, ok := f.cache.data[key]; ok {
		t.Fatalf("протухший ключ должен удаляться из кэша")
	}
}

func TestAllocateDegradedTakesMostRecent(t *testing.T) {
	f := newFixture(t, false)
	other := uuid.New()
	newest := f.addLetter(other, uuid.New(), time.Hour)
	f.addLetter(other, uuid.New(), 2*time.Hour)
	f.addLetter(other, uuid.New(), 3*time.Hour)
	f.addLetter(f.userID, uuid.New(), time.Minute)

	batch, err := f.svc.AllocateDegraded(context.Background(), f.userID, 2)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("ожидали 2 письма, получили %d", len(batch))
	}
	got := map[uuid.UUID]bool{}
	for _, delivered := range batch {
		if delivered.Letter.AuthorID == f.userID {
			t.Fatalf("собственные письма исключаются даже в упрощённом подборе")
		}
		got[delivered.Letter.ID] = true
	}
	if !got[newest.ID] {
		t.Fatalf("упрощённый подбор должен начинать с самого свежего письма")
	}
	if f.allocs.upsertCalls != 1 {
		t.Fatalf("упрощённый подбор тоже записывает доставки, записей: %d", f.allocs.upsertCalls)
	}
}
