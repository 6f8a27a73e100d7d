package throttle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-mailing-bot/internal/domain"
)

func TestComputeIntervalFixedBounds(t *testing.T) {
	draw := func(lo, hi int) int {
		t.Fatalf("при равных границах розыгрыш не нужен")
		return 0
	}
	for m := 1; m <= 30; m++ {
		for hour := 0; hour < 24; hour++ {
			if got := ComputeInterval(m, m, DefaultWindow(), hour, draw); got != m {
				t.Fatalf("ожидали %d, получили %d (час %d)", m, got, hour)
			}
		}
	}
}

func TestComputeIntervalMultiplierInsideWindow(t *testing.T) {
	cases := []struct {
		name   string
		min    int
		max    int
		draw   int
		window domain.ThrottleWindow
		hour   int
		want   int
	}{
		{"ночь через полночь", 10, 20, 15, domain.ThrottleWindow{Enabled: true, StartHour: 21, EndHour: 5, Multiplier: 2}, 23, 30},
		{"после полуночи", 10, 20, 15, domain.ThrottleWindow{Enabled: true, StartHour: 21, EndHour: 5, Multiplier: 2}, 3, 30},
		{"округление", 3, 3, 3, domain.ThrottleWindow{Enabled: true, StartHour: 0, EndHour: 12, Multiplier: 1.5}, 6, 5},
		{"минимум одна минута", 1, 1, 1, domain.ThrottleWindow{Enabled: true, StartHour: 0, EndHour: 12, Multiplier: 0.1}, 6, 1},
		{"вне окна", 10, 20, 15, domain.ThrottleWindow{Enabled: true, StartHour: 21, EndHour: 5, Multiplier: 2}, 12, 15},
		{"конец окна не входит", 10, 20, 15, domain.ThrottleWindow{Enabled: true, StartHour: 21, EndHour: 5, Multiplier: 2}, 5, 15},
		{"выключено", 10, 20, 15, domain.ThrottleWindow{Enabled: false, StartHour: 21, EndHour: 5, Multiplier: 2}, 23, 15},
		{"пустое окно", 10, 20, 15, domain.ThrottleWindow{Enabled: true, StartHour: 8, EndHour: 8, Multiplier: 2}, 8, 15},
	}
	for _, tc := range cases {
		draw := func(lo, hi int) int {
			if lo != tc.min || hi != tc.max {
				t.Fatalf("%s: неверные границы розыгрыша %d..%d", tc.name, lo, hi)
			}
			return tc.draw
		}
		if got := ComputeInterval(tc.min, tc.max, tc.window, tc.hour, draw); got != tc.want {
			t.Fatalf("%s: ожидали %d, получили %d", tc.name, tc.want, got)
		}
	}
}

func TestContainsSameDayWindow(t *testing.T) {
	w := domain.ThrottleWindow{StartHour: 9, EndHour: 18}
	for hour := 0; hour < 24; hour++ {
		want := hour >= 9 && hour < 18
		if Contains(w, hour) != want {
			t.Fatalf("час %d: ожидали %v", hour, want)
		}
	}
}

func TestPolicyStaysWithinBounds(t *testing.T) {
	noon := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := NewPolicy(time.UTC).WithClock(func() time.Time { return noon }).WithSeed(42)
	seen := map[int]bool{}
	for i := 0; i < 2000; i++ {
		got := p.Minutes(3, 7, DefaultWindow())
		if got < 3 || got > 7 {
			t.Fatalf("значение %d вне границ 3..7", got)
		}
		seen[got] = true
	}
	for v := 3; v <= 7; v++ {
		if !seen[v] {
			t.Fatalf("значение %d ни разу не выпало", v)
		}
	}
}

func TestPolicyUsesLocationHour(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	// 20:00 UTC соответствует 23:00 по UTC+3, внутри окна 21..5.
	at := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
	p := NewPolicy(loc).WithClock(func() time.Time { return at })
	w := domain.ThrottleWindow{Enabled: true, StartHour: 21, EndHour: 5, Multiplier: 2}
	if got := p.Interval(4, 4, w); got != 8*time.Minute {
		t.Fatalf("ожидали 8m, получили %s", got)
	}
}

func TestValidate(t *testing.T) {
	bad := []domain.ThrottleWindow{
		{StartHour: -1, EndHour: 5, Multiplier: 2},
		{StartHour: 21, EndHour: 24, Multiplier: 2},
		{StartHour: 21, EndHour: 5, Multiplier: 0},
	}
	for _, w := range bad {
		if err := Validate(w); !errors.Is(err, domain.ErrInvalidJob) {
			t.Fatalf("ожидали ErrInvalidJob для %+v, получили %v", w, err)
		}
	}
	if err := Validate(DefaultWindow()); err != nil {
		t.Fatalf("окно по умолчанию должно быть корректным: %v", err)
	}
}

type memoryStore struct {
	saved domain.ThrottleWindow
	has   bool
	fail  error
}

func (m *memoryStore) LoadWindow(context.Context) (domain.ThrottleWindow, bool, error) {
	return m.saved, m.has, m.fail
}

func (m *memoryStore) SaveWindow(_ context.Context, w domain.ThrottleWindow) error {
	if m.fail != nil {
		return m.fail
	}
	m.saved, m.has = w, true
	return nil
}

func TestSettingsUpdateAndLoad(t *testing.T) {
	store := &memoryStore{}
	s := NewSettings(DefaultWindow(), store, zerolog.Nop())
	if s.Current().Enabled {
		t.Fatalf("по умолчанию ночной режим выключен")
	}
	if _, err := s.SetEnabled(context.Background(), true); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !store.saved.Enabled {
		t.Fatalf("окно должно быть сохранено")
	}

	restored := NewSettings(DefaultWindow(), store, zerolog.Nop())
	if err := restored.Load(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !restored.Current().Enabled {
		t.Fatalf("ожидали восстановленное окно")
	}
}

func TestSettingsRejectsInvalidWindow(t *testing.T) {
	s := NewSettings(DefaultWindow(), nil, zerolog.Nop())
	err := s.Update(context.Background(), domain.ThrottleWindow{Enabled: true, StartHour: 1, EndHour: 2, Multiplier: -1})
	if err == nil {
		t.Fatalf("ожидали ошибку валидации")
	}
	if s.Current() != DefaultWindow() {
		t.Fatalf("некорректное окно не должно публиковаться")
	}
}

func TestSettingsKeepsWindowOnStoreFailure(t *testing.T) {
	store := &memoryStore{fail: errors.New("redis down")}
	s := NewSettings(DefaultWindow(), store, zerolog.Nop())
	w := DefaultWindow()
	w.Enabled = true
	if err := s.Update(context.Background(), w); err == nil {
		t.Fatalf("ожидали ошибку хранилища")
	}
	if s.Current().Enabled {
		t.Fatalf("окно не должно меняться при ошибке сохранения")
	}
}

func TestSettingsPatchKeepsConcurrentChanges(t *testing.T) {
	s := NewSettings(DefaultWindow(), nil, zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Patch(context.Background(), func(w *domain.ThrottleWindow) { w.Multiplier++ }); err != nil {
				t.Errorf("не ожидали ошибку: %v", err)
			}
		}()
	}
	wg.Wait()
	if got, want := s.Current().Multiplier, DefaultWindow().Multiplier+20; got != want {
		t.Fatalf("правки потерялись: ожидали множитель %v, получили %v", want, got)
	}
}

func TestSettingsPatchRejectsInvalidResult(t *testing.T) {
	s := NewSettings(DefaultWindow(), nil, zerolog.Nop())
	_, err := s.Patch(context.Background(), func(w *domain.ThrottleWindow) { w.EndHour = 24 })
	if !errors.Is(err, domain.ErrInvalidJob) {
		t.Fatalf("ожидали ErrInvalidJob, получили %v", err)
	}
	if s.Current() != DefaultWindow() {
		t.Fatalf("некорректная правка не должна публиковаться")
	}
}
