package mailing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"tg-mailing-bot/internal/domain"
)

const reportTimeout = 30 * time.Second

// Reporter периодически публикует прогресс активных кампаний.
type Reporter struct {
	scheduler *Scheduler
	alerter   domain.Alerter
	log       zerolog.Logger
	cron      *cron.Cron
}

// NewReporter создаёт отчётчик по cron-выражению (поддерживаются дескрипторы вроде "@every 1m").
func NewReporter(scheduler *Scheduler, spec string, loc *time.Location, alerter domain.Alerter, logger zerolog.Logger) (*Reporter, error) {
	if loc == nil {
		loc = time.Local
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	r := &Reporter{
		scheduler: scheduler,
		alerter:   alerter,
		log:       logger,
		cron:      cron.New(cron.WithParser(parser), cron.WithLocation(loc)),
	}
	if _, err := r.cron.AddFunc(spec, r.tick); err != nil {
		return nil, fmt.Errorf("расписание отчётов %q: %w", spec, err)
	}
	return r, nil
}

// Start запускает расписание.
func (r *Reporter) Start() {
	r.cron.Start()
	r.log.Info().Msg("reporter: запущен")
}

// Stop останавливает расписание и ждёт текущий отчёт.
func (r *Reporter) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (r *Reporter) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	r.Report(ctx)
}

// Report собирает и публикует снимки всех активных кампаний.
func (r *Reporter) Report(ctx context.Context) []CampaignProgress {
	var snapshots []CampaignProgress
	for _, id := range r.scheduler.ActiveCampaigns() {
		progress, err := r.scheduler.Progress(ctx, id)
		if err != nil {
			r.log.Warn().Err(err).Str("campaign", id).Msg("reporter: не удалось собрать прогресс")
			continue
		}
		snapshots = append(snapshots, progress)
		r.log.Info().
			Str("campaign", id).
			Int("running", progress.Running).
			Int("sent", progress.Counts[domain.OutcomeSent]).
			Int("errors", progress.Counts[domain.OutcomeError]).
			Msg("reporter: прогресс кампании")
		if r.alerter == nil {
			continue
		}
		if err := r.alerter.Alert(ctx, FormatProgress(progress)); err != nil {
			r.log.Warn().Err(err).Str("campaign", id).Msg("reporter: не удалось отправить отчёт")
		}
	}
	return snapshots
}

// FormatProgress формирует текст отчёта для оператора.
func FormatProgress(p CampaignProgress) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Кампания %s\n", p.ID)
	fmt.Fprintf(&b, "Рассылок: %d, работает: %d\n", p.Jobs, p.Running)
	fmt.Fprintf(&b, "Отправлено: %d\n", p.Counts[domain.OutcomeSent])
	fmt.Fprintf(&b, "Flood wait: %d\n", p.Counts[domain.OutcomeRateLimited])
	fmt.Fprintf(&b, "Нет прав: %d\n", p.Counts[domain.OutcomePermissionDenied])
	fmt.Fprintf(&b, "Ошибки: %d", p.Counts[domain.OutcomeError])
	return b.String()
}
