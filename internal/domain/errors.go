package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound возвращается, если рассылка, аккаунт или чат не существует.
	ErrNotFound = errors.New("не найдено")
	// ErrAlreadyActive возвращается при повторном запуске работающей рассылки.
	ErrAlreadyActive = errors.New("рассылка уже запущена")
	// ErrNotAuthorized возвращается, если сессия аккаунта недействительна.
	ErrNotAuthorized = errors.New("аккаунт не авторизован")
	// ErrPermissionDenied возвращается, если у аккаунта нет прав писать в чат.
	ErrPermissionDenied = errors.New("нет прав на отправку")
	// ErrDestinationUnavailable возвращается, если чат не найден среди диалогов аккаунта.
	ErrDestinationUnavailable = errors.New("чат недоступен аккаунту")
	// ErrInvalidJob возвращается при некорректных параметрах рассылки.
	ErrInvalidJob = errors.New("некорректные параметры рассылки")
	// ErrNotReady возвращается до очистки состояния после перезапуска.
	ErrNotReady = errors.New("планировщик ещё не готов")
	// ErrAccountDisabled возвращается для отключённых аккаунтов.
	ErrAccountDisabled = errors.New("аккаунт отключён")
)

// RateLimitedError передаёт требование провайдера подождать перед следующим запросом.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("flood wait %s", e.RetryAfter)
}

// TransportError оборачивает прочие ошибки транспорта.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// AsRateLimited извлекает время ожидания из ошибки.
func AsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// ErrorCode возвращает машинный код ошибки для API и очереди команд.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyActive):
		return "already_active"
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, ErrInvalidJob):
		return "invalid"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, ErrAccountDisabled):
		return "account_disabled"
	default:
		return "internal"
	}
}
