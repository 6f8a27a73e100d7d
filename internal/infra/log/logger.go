package log

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// NewLogger создаёт JSON-логгер сервиса. Уровень берётся из level, а если он
// пуст или не распознан, то из окружения: debug для dev, info для остальных.
// Глобальный логгер zerolog/log получает те же настройки.
func NewLogger(appEnv, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	logger := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("env", appEnv).
		Logger().
		Level(parseLevel(appEnv, level))
	zlog.Logger = logger
	return logger
}

func parseLevel(appEnv, level string) zerolog.Level {
	if level != "" {
		if parsed, err := zerolog.ParseLevel(level); err == nil && parsed != zerolog.NoLevel {
			return parsed
		}
	}
	if appEnv == "dev" {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

// Component возвращает дочерний логгер с полем component.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
