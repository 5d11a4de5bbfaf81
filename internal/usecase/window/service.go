package window

import (
	"errors"
	"fmt"
	"time"

	"heard-backend/internal/domain"
)

// ErrInvalidSchedule возвращается при некорректной конфигурации расписания.
// Расписание проверяется один раз на старте сервиса.
var ErrInvalidSchedule = errors.New("некорректное расписание окон доставки")

const (
	// newWindowGrace — период после начала окна, в течение которого окно считается новым.
	newWindowGrace = 5 * time.Minute
	// morningTolerance — симметричный допуск вокруг утреннего перехода.
	morningTolerance = 30 * time.Second
)

// Schedule задаёт два окна доставки в сутках: утреннее и вечернее.
// MorningMinute используется в коротких тестовых циклах; в проде равен нулю.
type Schedule struct {
	MorningHour   int
	MorningMinute int
	EveningHour   int
}

// Calculator детерминированно отображает текущее время в активное окно доставки.
// Не хранит состояния: одно и то же now всегда даёт одно и то же окно.
type Calculator struct {
	schedule Schedule
}

// NewCalculator проверяет расписание и создаёт калькулятор.
func NewCalculator(s Schedule) (*Calculator, error) {
	if s.MorningHour < 0 || s.MorningHour > 23 || s.EveningHour < 0 || s.EveningHour > 23 {
		return nil, fmt.Errorf("%w: час вне диапазона 0..23", ErrInvalidSchedule)
	}
	if s.MorningMinute < 0 || s.MorningMinute > 59 {
		return nil, fmt.Errorf("%w: минута вне диапазона 0..59", ErrInvalidSchedule)
	}
	if s.MorningHour*60+s.MorningMinute >= s.EveningHour*60 {
		return nil, fmt.Errorf("%w: утренний переход должен быть раньше вечернего", ErrInvalidSchedule)
	}
	return &Calculator{schedule: s}, nil
}

// Current возвращает окно доставки, содержащее момент now.
// Вечернее окно переходит через полночь, поэтому граница «завтра»/«вчера»
// вычисляется через AddDate, а не арифметикой часов.
func (c *Calculator) Current(now time.Time) domain.DeliveryWindow {
	morning, evening := c.boundaries(now)

	var start, end time.Time
	switch {
	case !now.Before(evening):
		// Вечернее окно, начавшееся сегодня: до завтрашнего утра.
		start = evening
		end = morning.AddDate(0, 0, 1)
	case !now.Before(morning):
		// Утреннее окно сегодняшнего дня.
		start = morning
		end = evening
	default:
		// До утреннего перехода действует вчерашнее вечернее окно.
		start = evening.AddDate(0, 0, -1)
		end = morning
	}

	isNew := false
	if diff := now.Sub(morning); diff >= -morningTolerance && diff <= morningTolerance {
		isNew = true
	}
	if start.After(now.Add(-newWindowGrace)) {
		isNew = true
	}

	return domain.DeliveryWindow{Start: start, End: end, IsNew: isNew}
}

// UntilNext возвращает неотрицательный обратный отсчёт до ближайшего перехода.
// На самой границе отсчёт равен нулю.
func (c *Calculator) UntilNext(now time.Time) domain.Countdown {
	morning, evening := c.boundaries(now)

	var next time.Time
	switch {
	case !morning.Before(now):
		next = morning
	case !evening.Before(now):
		next = evening
	default:
		next = morning.AddDate(0, 0, 1)
	}

	diff := next.Sub(now)
	if diff < 0 {
		diff = 0
	}
	return domain.Countdown{
		Hours:   int(diff / time.Hour),
		Minutes: int(diff % time.Hour / time.Minute),
		Seconds: int(diff % time.Minute / time.Second),
	}
}

// FormatWindow строит подпись окна в 12-часовом формате, например "8am-8pm, Mar 14".
func FormatWindow(start, end time.Time) string {
	return fmt.Sprintf("%s-%s, %s", formatClock(start), formatClock(end), start.Format("Jan 2"))
}

func formatClock(t time.Time) string {
	if t.Minute() == 0 {
		return t.Format("3pm")
	}
	return t.Format("3:04pm")
}

// boundaries возвращает утренний и вечерний переходы календарного дня now.
func (c *Calculator) boundaries(now time.Time) (morning, evening time.Time) {
	year, month, day := now.Date()
	loc := now.Location()
	morning = time.Date(year, month, day, c.schedule.MorningHour, c.schedule.MorningMinute, 0, 0, loc)
	evening = time.Date(year, month, day, c.schedule.EveningHour, 0, 0, 0, loc)
	return morning, evening
}
