package throttle

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"tg-mailing-bot/internal/domain"
)

// Значения ночного режима по умолчанию.
const (
	DefaultStartHour  = 21
	DefaultEndHour    = 5
	DefaultMultiplier = 2.0
)

// DefaultWindow возвращает выключенный ночной режим с настройками по умолчанию.
func DefaultWindow() domain.ThrottleWindow {
	return domain.ThrottleWindow{
		Enabled:    false,
		StartHour:  DefaultStartHour,
		EndHour:    DefaultEndHour,
		Multiplier: DefaultMultiplier,
	}
}

// Validate проверяет часы и множитель окна.
func Validate(w domain.ThrottleWindow) error {
	if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 23 {
		return fmt.Errorf("%w: часы должны быть от 0 до 23", domain.ErrInvalidJob)
	}
	if !(w.Multiplier > 0) || math.IsInf(w.Multiplier, 0) {
		return fmt.Errorf("%w: множитель должен быть больше 0", domain.ErrInvalidJob)
	}
	return nil
}

// Contains сообщает, попадает ли час в окно [start, end).
// При start > end окно переходит через полночь, при start == end оно пустое.
func Contains(w domain.ThrottleWindow, hour int) bool {
	if w.StartHour > w.EndHour {
		return hour >= w.StartHour || hour < w.EndHour
	}
	return w.StartHour <= hour && hour < w.EndHour
}

// DrawFunc возвращает случайное число из [lo, hi] включительно.
type DrawFunc func(lo, hi int) int

// ComputeInterval возвращает интервал в минутах для текущего часа.
func ComputeInterval(minMinutes, maxMinutes int, w domain.ThrottleWindow, hour int, draw DrawFunc) int {
	value := minMinutes
	if maxMinutes > minMinutes {
		value = draw(minMinutes, maxMinutes)
	}
	if !w.Enabled || !Contains(w, hour) {
		return value
	}
	scaled := int(math.Round(float64(value) * w.Multiplier))
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}

// Policy считает интервалы по настенным часам в заданной зоне.
type Policy struct {
	loc *time.Location
	now func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewPolicy создаёт политику. nil-зона означает time.Local.
func NewPolicy(loc *time.Location) *Policy {
	if loc == nil {
		loc = time.Local
	}
	return &Policy{
		loc: loc,
		now: time.Now,
		rnd: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// WithClock подменяет источник времени.
func (p *Policy) WithClock(now func() time.Time) *Policy {
	p.now = now
	return p
}

// WithSeed делает выбор интервалов воспроизводимым.
func (p *Policy) WithSeed(seed uint64) *Policy {
	p.mu.Lock()
	p.rnd = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	p.mu.Unlock()
	return p
}

// Hour возвращает текущий час в зоне политики.
func (p *Policy) Hour() int {
	return p.now().In(p.loc).Hour()
}

// Minutes возвращает интервал в минутах для текущего момента.
func (p *Policy) Minutes(minMinutes, maxMinutes int, w domain.ThrottleWindow) int {
	return ComputeInterval(minMinutes, maxMinutes, w, p.Hour(), p.draw)
}

// Interval возвращает интервал как time.Duration.
func (p *Policy) Interval(minMinutes, maxMinutes int, w domain.ThrottleWindow) time.Duration {
	return time.Duration(p.Minutes(minMinutes, maxMinutes, w)) * time.Minute
}

func (p *Policy) draw(lo, hi int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo + p.rnd.IntN(hi-lo+1)
}
