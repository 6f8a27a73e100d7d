package config

import (
	"fmt"
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"

	"tg-mailing-bot/internal/domain"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	LogLevel    string `envconfig:"LOG_LEVEL"`
	TZ          string `envconfig:"TZ" default:"Europe/Moscow"`
	Port        int    `envconfig:"PORT" default:"8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
	AdminToken  string `envconfig:"ADMIN_TOKEN"`

	Telegram struct {
		Token       string `envconfig:"TG_BOT_TOKEN"`
		AlertChatID int64  `envconfig:"ALERT_CHAT_ID"`
		APIID       int    `envconfig:"TG_API_ID"`
		APIHash     string `envconfig:"TG_API_HASH"`
	} `envconfig:""`

	MTProto struct {
		GlobalRPS      float64       `envconfig:"MTPROTO_GLOBAL_RPS" default:"20"`
		ConnectTimeout time.Duration `envconfig:"MTPROTO_CONNECT_TIMEOUT" default:"30s"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	Queues struct {
		Driver      string `envconfig:"QUEUE_DRIVER" default:"redis"`
		RabbitURL   string `envconfig:"RABBITMQ_URL"`
		Commands    string `envconfig:"COMMAND_QUEUE_KEY" default:"mailing_commands"`
		ThrottleKey string `envconfig:"THROTTLE_KEY" default:"mailing:throttle"`
	} `envconfig:""`

	Mailing struct {
		StartDelay   time.Duration `envconfig:"MAILING_START_DELAY" default:"1s"`
		FloodMargin  time.Duration `envconfig:"MAILING_FLOOD_MARGIN" default:"5s"`
		MinInterval  int           `envconfig:"MAILING_MIN_INTERVAL" default:"5"`
		MaxInterval  int           `envconfig:"MAILING_MAX_INTERVAL" default:"15"`
		ProgressSpec string        `envconfig:"MAILING_PROGRESS_SPEC" default:"@every 1m"`
		ErrorStreak  int           `envconfig:"MAILING_ERROR_STREAK" default:"3"`
	} `envconfig:""`

	Night struct {
		Enabled    bool    `envconfig:"NIGHT_ENABLED" default:"false"`
		StartHour  int     `envconfig:"NIGHT_START_HOUR" default:"21"`
		EndHour    int     `envconfig:"NIGHT_END_HOUR" default:"5"`
		Multiplier float64 `envconfig:"NIGHT_MULTIPLIER" default:"2"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}

// Location возвращает часовой пояс для ночного режима и расписания отчётов.
func (c AppConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TZ)
	if err != nil {
		return nil, fmt.Errorf("часовой пояс %q: %w", c.TZ, err)
	}
	return loc, nil
}

// NightWindow возвращает настройки ночного режима по умолчанию.
func (c AppConfig) NightWindow() domain.ThrottleWindow {
	return domain.ThrottleWindow{
		Enabled:    c.Night.Enabled,
		StartHour:  c.Night.StartHour,
		EndHour:    c.Night.EndHour,
		Multiplier: c.Night.Multiplier,
	}
}

// DefaultIntervals возвращает интервал рассылки по умолчанию в минутах.
func (c AppConfig) DefaultIntervals() (int, int) {
	return c.Mailing.MinInterval, c.Mailing.MaxInterval
}
