package deliverylog

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-mailing-bot/internal/domain"
	"tg-mailing-bot/internal/infra/metrics"
)

const (
	detailLimit    = 200
	writeTimeout   = 5 * time.Second
	recentForStats = 5
)

// Inventory считает аккаунты, чаты и активные рассылки для сводки.
type Inventory interface {
	CountAccounts(ctx context.Context) (int, error)
	CountDestinations(ctx context.Context) (int, error)
	CountJobs(ctx context.Context, filter domain.JobFilter) (int, error)
}

// Log ведёт журнал попыток отправки. Ошибки записи не доходят до вызывающего.
type Log struct {
	repo      domain.DeliveryRepo
	inventory Inventory
	log       zerolog.Logger
	now       func() time.Time
}

// New создаёт журнал. inventory может быть nil, тогда сводка без счётчиков сущностей.
func New(repo domain.DeliveryRepo, inventory Inventory, logger zerolog.Logger) *Log {
	return &Log{repo: repo, inventory: inventory, log: logger, now: time.Now}
}

// WithClock подменяет источник времени.
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

// Record добавляет запись. Запись переживает отмену ctx вызывающего.
func (l *Log) Record(ctx context.Context, jobID, destinationID int64, outcome domain.Outcome, detail string) {
	metrics.ObserveDelivery(string(outcome))
	record := domain.DeliveryRecord{
		JobID:         jobID,
		DestinationID: destinationID,
		Outcome:       outcome,
		Detail:        domain.Truncate(detail, detailLimit),
		CreatedAt:     l.now().UTC(),
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := l.repo.AppendDelivery(writeCtx, record); err != nil {
		metrics.LogWriteErrors.Inc()
		l.log.Error().
			Err(err).
			Int64("job", jobID).
			Str("outcome", string(outcome)).
			Msg("deliverylog: не удалось записать исход")
	}
}

// Recent возвращает последние записи, новые первыми.
func (l *Log) Recent(ctx context.Context, limit int) ([]domain.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	records, err := l.repo.RecentDeliveries(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("чтение журнала: %w", err)
	}
	return records, nil
}

// CountByOutcome считает записи рассылки по исходам. Все исходы присутствуют в ответе.
func (l *Log) CountByOutcome(ctx context.Context, jobID int64) (domain.OutcomeCounts, error) {
	return l.CountUntil(ctx, jobID, time.Time{})
}

// CountUntil считает записи рассылки, сделанные не позже until.
// Нулевой until означает весь журнал.
func (l *Log) CountUntil(ctx context.Context, jobID int64, until time.Time) (domain.OutcomeCounts, error) {
	counts, err := l.repo.CountDeliveriesByOutcome(ctx, jobID, until)
	if err != nil {
		return nil, fmt.Errorf("подсчёт исходов: %w", err)
	}
	return normalize(counts), nil
}

// Stats собирает сводку для администратора.
func (l *Log) Stats(ctx context.Context) (domain.DeliveryStats, error) {
	var stats domain.DeliveryStats
	counts, err := l.CountByOutcome(ctx, 0)
	if err != nil {
		return stats, err
	}
	stats.Counts = counts
	if stats.Recent, err = l.Recent(ctx, recentForStats); err != nil {
		return stats, err
	}
	if l.inventory == nil {
		return stats, nil
	}
	if stats.Accounts, err = l.inventory.CountAccounts(ctx); err != nil {
		return stats, fmt.Errorf("подсчёт аккаунтов: %w", err)
	}
	if stats.Destinations, err = l.inventory.CountDestinations(ctx); err != nil {
		return stats, fmt.Errorf("подсчёт чатов: %w", err)
	}
	active := true
	if stats.ActiveJobs, err = l.inventory.CountJobs(ctx, domain.JobFilter{Active: &active}); err != nil {
		return stats, fmt.Errorf("подсчёт рассылок: %w", err)
	}
	return stats, nil
}

// Clear очищает журнал и возвращает число удалённых записей.
func (l *Log) Clear(ctx context.Context) (int, error) {
	n, err := l.repo.ClearDeliveries(ctx)
	if err != nil {
		return 0, fmt.Errorf("очистка журнала: %w", err)
	}
	l.log.Info().Int("deleted", n).Msg("deliverylog: журнал очищен")
	return n, nil
}

func normalize(counts domain.OutcomeCounts) domain.OutcomeCounts {
	out := make(domain.OutcomeCounts, len(domain.Outcomes))
	for _, outcome := range domain.Outcomes {
		out[outcome] = counts[outcome]
	}
	return out
}
