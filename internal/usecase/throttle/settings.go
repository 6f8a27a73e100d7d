package throttle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"tg-mailing-bot/internal/domain"
)

// Settings хранит текущее окно ночного режима.
// Читатели получают снимок без блокировок, запись сериализуется.
type Settings struct {
	current atomic.Pointer[domain.ThrottleWindow]
	store   domain.ThrottleStore
	log     zerolog.Logger
	writeMu sync.Mutex
}

// NewSettings создаёт настройки с начальным окном. store может быть nil.
func NewSettings(initial domain.ThrottleWindow, store domain.ThrottleStore, logger zerolog.Logger) *Settings {
	s := &Settings{store: store, log: logger}
	w := initial
	s.current.Store(&w)
	return s
}

// Current возвращает актуальное окно.
func (s *Settings) Current() domain.ThrottleWindow {
	return *s.current.Load()
}

// Load подтягивает сохранённое окно. Отсутствие записи не ошибка.
func (s *Settings) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	w, ok, err := s.store.LoadWindow(ctx)
	if err != nil {
		return fmt.Errorf("загрузка ночного режима: %w", err)
	}
	if !ok {
		return nil
	}
	if err := Validate(w); err != nil {
		s.log.Warn().Err(err).Msg("throttle: сохранённое окно некорректно, оставляем текущее")
		return nil
	}
	s.current.Store(&w)
	return nil
}

// Update проверяет, сохраняет и публикует новое окно.
func (s *Settings) Update(ctx context.Context, w domain.ThrottleWindow) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.updateLocked(ctx, w)
}

// Patch применяет fn к текущему окну и публикует результат. Чтение и запись
// выполняются под одной блокировкой, поэтому параллельные правки не теряются.
func (s *Settings) Patch(ctx context.Context, fn func(w *domain.ThrottleWindow)) (domain.ThrottleWindow, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	w := s.Current()
	fn(&w)
	if err := s.updateLocked(ctx, w); err != nil {
		return domain.ThrottleWindow{}, err
	}
	return w, nil
}

// SetEnabled включает или выключает ночной режим, сохраняя часы.
func (s *Settings) SetEnabled(ctx context.Context, enabled bool) (domain.ThrottleWindow, error) {
	return s.Patch(ctx, func(w *domain.ThrottleWindow) { w.Enabled = enabled })
}

func (s *Settings) updateLocked(ctx context.Context, w domain.ThrottleWindow) error {
	if err := Validate(w); err != nil {
		return err
	}
	if s.store != nil {
		if err := s.store.SaveWindow(ctx, w); err != nil {
			return fmt.Errorf("сохранение ночного режима: %w", err)
		}
	}
	s.current.Store(&w)
	s.log.Info().
		Bool("enabled", w.Enabled).
		Int("start", w.StartHour).
		Int("end", w.EndHour).
		Float64("multiplier", w.Multiplier).
		Msg("throttle: окно обновлено")
	return nil
}
