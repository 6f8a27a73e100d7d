package mailing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-mailing-bot/internal/domain"
	"tg-mailing-bot/internal/infra/metrics"
	"tg-mailing-bot/internal/usecase/throttle"
)

const (
	commandResultTTL = 24 * time.Hour
	commandDoneTTL   = 24 * time.Hour
	receiveBackoff   = time.Second
)

// CommandResultKey задаёт ключ кэша с результатом команды.
func CommandResultKey(id string) string {
	return "mailing:command:result:" + id
}

func commandDoneKey(id string) string {
	return "mailing:command:done:" + id
}

// CommandWorker выполняет команды из очереди через планировщик.
type CommandWorker struct {
	queue     domain.CommandQueue
	cache     domain.Cache
	scheduler *Scheduler
	settings  *throttle.Settings
	log       zerolog.Logger
}

// NewCommandWorker создаёт обработчик очереди. cache может быть nil,
// тогда повторные команды не отсекаются.
func NewCommandWorker(queue domain.CommandQueue, cache domain.Cache, scheduler *Scheduler, settings *throttle.Settings, logger zerolog.Logger) *CommandWorker {
	return &CommandWorker{queue: queue, cache: cache, scheduler: scheduler, settings: settings, log: logger}
}

// Run читает очередь до отмены ctx.
func (w *CommandWorker) Run(ctx context.Context) {
	for {
		cmd, ack, err := w.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("worker: ошибка чтения очереди")
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveBackoff):
			}
			continue
		}

		cmdLog := w.log.With().Str("command_id", cmd.ID).Str("kind", string(cmd.Kind)).Logger()
		if cmd.ID == "" {
			cmdLog.Error().Msg("worker: команда без идентификатора, подтверждаем и пропускаем")
			if err := ack(true); err != nil {
				cmdLog.Error().Err(err).Msg("worker: не удалось подтвердить команду")
			}
			continue
		}

		if err := w.handle(ctx, cmd, cmdLog); err != nil {
			cmdLog.Error().Err(err).Msg("worker: команда не обработана, возвращаем в очередь")
			if ackErr := ack(false); ackErr != nil {
				cmdLog.Error().Err(ackErr).Msg("worker: не удалось вернуть команду")
			}
			continue
		}
		if err := ack(true); err != nil {
			cmdLog.Error().Err(err).Msg("worker: не удалось подтвердить команду")
		}
	}
}

// handle выполняет команду один раз; ошибка означает, что её стоит повторить.
func (w *CommandWorker) handle(ctx context.Context, cmd domain.Command, cmdLog zerolog.Logger) error {
	run := func() error {
		result := w.Execute(ctx, cmd)
		if !result.OK {
			cmdLog.Warn().Str("code", result.Code).Str("error", result.Error).Msg("worker: команда завершилась ошибкой")
		} else {
			cmdLog.Info().Int("count", result.Count).Msg("worker: команда выполнена")
		}
		return w.storeResult(result)
	}
	if w.cache == nil {
		return run()
	}
	return w.cache.Once(commandDoneKey(cmd.ID), commandDoneTTL, run)
}

func (w *CommandWorker) storeResult(result domain.CommandResult) error {
	if w.cache == nil {
		return nil
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := w.cache.Set(CommandResultKey(result.CommandID), payload, commandResultTTL); err != nil {
		return fmt.Errorf("сохранение результата: %w", err)
	}
	return nil
}

// Execute выполняет команду и возвращает её итог.
func (w *CommandWorker) Execute(ctx context.Context, cmd domain.Command) domain.CommandResult {
	result := domain.CommandResult{CommandID: cmd.ID}
	var err error
	switch cmd.Kind {
	case domain.CommandStart:
		err = w.scheduler.Start(ctx, cmd.JobID)
		result.JobIDs = []int64{cmd.JobID}
	case domain.CommandStop:
		err = w.scheduler.Stop(ctx, cmd.JobID)
		result.JobIDs = []int64{cmd.JobID}
	case domain.CommandStopAll:
		result.Count, err = w.scheduler.StopAll(ctx)
	case domain.CommandDelete:
		err = w.scheduler.Delete(ctx, cmd.JobID)
		result.JobIDs = []int64{cmd.JobID}
	case domain.CommandCampaign:
		if cmd.Fanout == nil {
			err = fmt.Errorf("%w: нет параметров кампании", domain.ErrInvalidJob)
			break
		}
		var campaign Campaign
		campaign, err = w.scheduler.StartCampaign(ctx, *cmd.Fanout)
		result.CampaignID = campaign.ID
		result.JobIDs = campaign.JobIDs
		result.Count = len(campaign.JobIDs)
	case domain.CommandThrottle:
		if cmd.Window == nil {
			err = fmt.Errorf("%w: нет параметров ночного режима", domain.ErrInvalidJob)
			break
		}
		err = w.settings.Update(ctx, *cmd.Window)
	default:
		err = fmt.Errorf("%w: неизвестная команда %q", domain.ErrInvalidJob, cmd.Kind)
	}
	metrics.ObserveCommand(string(cmd.Kind), err)
	result.OK = err == nil
	if err != nil {
		result.Code = domain.ErrorCode(err)
		result.Error = err.Error()
	}
	result.FinishedAt = time.Now().UTC()
	return result
}
