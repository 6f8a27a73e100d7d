package telegram

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-mailing-bot/internal/domain"
	"tg-mailing-bot/internal/infra/metrics"
)

// Sender покрывает часть BotAPI, которой достаточно для отправки предупреждений.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Alerter отправляет предупреждения оператору через Bot API.
type Alerter struct {
	bot    Sender
	chatID int64
	log    zerolog.Logger
}

var _ domain.Alerter = (*Alerter)(nil)

// NewAlerter создаёт отправителя предупреждений в чат chatID.
func NewAlerter(bot Sender, chatID int64, log zerolog.Logger) *Alerter {
	return &Alerter{bot: bot, chatID: chatID, log: log}
}

// Alert отправляет текст, при необходимости несколькими сообщениями.
func (a *Alerter) Alert(ctx context.Context, text string) error {
	for _, part := range SplitMessage(text) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(a.chatID, part)
		msg.DisableWebPagePreview = true
		start := time.Now()
		_, err := a.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(a.chatID, 10), start, err)
		if err != nil {
			return fmt.Errorf("отправка предупреждения: %w", err)
		}
	}
	return nil
}

// LogAlerter пишет предупреждения только в журнал. Используется, когда бот не настроен.
type LogAlerter struct {
	log zerolog.Logger
}

// NewLogAlerter создаёт журнальный отправитель.
func NewLogAlerter(log zerolog.Logger) *LogAlerter {
	return &LogAlerter{log: log}
}

// Alert записывает предупреждение.
func (a *LogAlerter) Alert(_ context.Context, text string) error {
	a.log.Warn().Str("alert", text).Msg("alert: предупреждение оператору")
	return nil
}
