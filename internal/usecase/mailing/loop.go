package mailing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-mailing-bot/internal/domain"
	"tg-mailing-bot/internal/infra/metrics"
	"tg-mailing-bot/internal/usecase/registry"
	"tg-mailing-bot/internal/usecase/transportpool"
)

const alertTimeout = 10 * time.Second

// run крутит цикл одной рассылки. Завершается при отмене ctx, удалении рассылки
// или снятии флага активности. Ошибки отправки не останавливают цикл.
func (s *Scheduler) run(ctx context.Context, task *registry.Task, handle *transportpool.Handle, job domain.Job) {
	defer s.wg.Done()
	logger := s.logger.With().Int64("job", task.JobID).Int64("account", task.AccountID).Logger()
	metrics.ActiveLoops.Inc()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("mailing: цикл рассылки упал, рассылка остановлена")
			s.markStopped(task.JobID, logger)
		}
		s.registry.UnregisterTask(task.JobID, task)
		s.pool.Release(task.AccountID)
		metrics.ActiveLoops.Dec()
		task.Finish()
	}()

	logger.Info().Msg("mailing: цикл рассылки запущен")
	for {
		current, ok := s.reload(ctx, job, logger)
		if !ok {
			return
		}
		job = current
		if !s.cycle(ctx, task, handle, job, logger) {
			return
		}
	}
}

func (s *Scheduler) reload(ctx context.Context, last domain.Job, logger zerolog.Logger) (domain.Job, bool) {
	if ctx.Err() != nil {
		return last, false
	}
	job, err := s.jobs.GetJob(ctx, last.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		logger.Info().Msg("mailing: рассылка удалена, цикл завершён")
		return last, false
	case err != nil:
		if ctx.Err() != nil {
			return last, false
		}
		logger.Warn().Err(err).Msg("mailing: не удалось перечитать рассылку, продолжаем с прежними настройками")
		return last, true
	case !job.Active:
		logger.Info().Msg("mailing: рассылка неактивна, цикл завершён")
		return job, false
	}
	return job, true
}

// cycle выполняет одну итерацию: ожидание, поиск чата, отправка, запись исхода.
// Возвращает false, если цикл нужно завершить.
func (s *Scheduler) cycle(ctx context.Context, task *registry.Task, handle *transportpool.Handle, job domain.Job, logger zerolog.Logger) bool {
	minutes := s.policy.Minutes(job.MinInterval, job.MaxInterval, s.settings.Current())
	metrics.IntervalMinutes.Observe(float64(minutes))
	logger.Debug().Int("minutes", minutes).Msg("mailing: ждём интервал")
	if err := s.clock.Sleep(ctx, time.Duration(minutes)*time.Minute); err != nil {
		return false
	}

	dest, err := s.destinations.GetDestination(ctx, job.DestinationID)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.record(ctx, task, job, domain.OutcomeError, fmt.Sprintf("чат %d: %v", job.DestinationID, err), logger)
		return true
	}
	peer, err := handle.Resolve(ctx, dest.ExternalID)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.record(ctx, task, job, domain.OutcomeError, fmt.Sprintf("чат %s: %v", dest.Title, err), logger)
		return true
	}

	err = s.send(ctx, handle, peer, job.Payload)
	if err == nil {
		s.record(ctx, task, job, domain.OutcomeSent, "", logger)
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	if retryAfter, ok := domain.AsRateLimited(err); ok {
		s.record(ctx, task, job, domain.OutcomeRateLimited, err.Error(), logger)
		wait := retryAfter + s.opts.FloodMargin
		logger.Warn().Dur("wait", wait).Msg("mailing: flood wait, ждём")
		return s.clock.Sleep(ctx, wait) == nil
	}
	if errors.Is(err, domain.ErrPermissionDenied) {
		s.record(ctx, task, job, domain.OutcomePermissionDenied, err.Error(), logger)
		return true
	}
	s.record(ctx, task, job, domain.OutcomeError, err.Error(), logger)
	return true
}

func (s *Scheduler) send(ctx context.Context, handle *transportpool.Handle, peer domain.Peer, payload domain.Payload) error {
	text := payload.PickText(s.pick)
	if payload.HasPhoto() {
		return handle.SendPhoto(ctx, peer, payload.Photo, text)
	}
	return handle.SendText(ctx, peer, text)
}

func (s *Scheduler) record(ctx context.Context, task *registry.Task, job domain.Job, outcome domain.Outcome, detail string, logger zerolog.Logger) {
	s.log.Record(ctx, job.ID, job.DestinationID, outcome, detail)
	streak := task.Observe(outcome, s.clock.Now())

	event := logger.Info()
	if outcome != domain.OutcomeSent {
		event = logger.Warn().Str("detail", detail)
	}
	event.Str("outcome", string(outcome)).Msg("mailing: попытка отправки")

	if outcome == domain.OutcomeError && streak >= s.opts.ErrorStreak && streak%s.opts.ErrorStreak == 0 {
		s.warnStreak(ctx, job, streak, detail, logger)
	}
}

func (s *Scheduler) warnStreak(ctx context.Context, job domain.Job, streak int, detail string, logger zerolog.Logger) {
	logger.Warn().Int("streak", streak).Str("last_error", detail).Msg("mailing: серия ошибок отправки")
	if s.alerter == nil {
		return
	}
	text := fmt.Sprintf("Рассылка %d (аккаунт %d, чат %d): %d ошибок подряд.\nПоследняя: %s",
		job.ID, job.AccountID, job.DestinationID, streak, detail)
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()
	if err := s.alerter.Alert(alertCtx, text); err != nil {
		logger.Warn().Err(err).Msg("mailing: не удалось отправить предупреждение")
	}
}

func (s *Scheduler) markStopped(id int64, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.jobs.MarkStopped(ctx, id, s.clock.Now().UTC()); err != nil {
		logger.Error().Err(err).Msg("mailing: не удалось пометить рассылку остановленной")
	}
}
