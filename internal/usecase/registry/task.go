package registry

import (
	"context"
	"sync"
	"time"

	"tg-mailing-bot/internal/domain"
)

// LoopStats хранит счётчики исходов одного цикла рассылки.
type LoopStats struct {
	Sent              int       `json:"sent"`
	RateLimited       int       `json:"rate_limited"`
	PermissionDenied  int       `json:"permission_denied"`
	Errors            int       `json:"errors"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastOutcome       string    `json:"last_outcome,omitempty"`
	LastAt            time.Time `json:"last_at,omitempty"`
}

// Counts переводит счётчики в формат журнала доставки.
func (s LoopStats) Counts() domain.OutcomeCounts {
	return domain.OutcomeCounts{
		domain.OutcomeSent:             s.Sent,
		domain.OutcomeRateLimited:      s.RateLimited,
		domain.OutcomePermissionDenied: s.PermissionDenied,
		domain.OutcomeError:            s.Errors,
	}
}

// Task описывает запущенный цикл рассылки.
type Task struct {
	JobID      int64
	AccountID  int64
	CampaignID string
	StartedAt  time.Time

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	stats LoopStats
}

// NewTask создаёт описатель задачи. cancel останавливает её контекст.
func NewTask(jobID, accountID int64, campaignID string, cancel context.CancelFunc, startedAt time.Time) *Task {
	return &Task{
		JobID:      jobID,
		AccountID:  accountID,
		CampaignID: campaignID,
		StartedAt:  startedAt,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Cancel запрашивает остановку задачи.
func (t *Task) Cancel() {
	if t.cancel != nil {
		t.cancel()
	}
}

// Done закрывается, когда цикл полностью завершился.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Finish отмечает завершение цикла. Повторные вызовы безопасны.
func (t *Task) Finish() {
	t.once.Do(func() { close(t.done) })
}

// Wait ждёт завершения задачи или отмены ctx.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Observe учитывает исход отправки и возвращает длину текущей серии ошибок.
func (t *Task) Observe(outcome domain.Outcome, at time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch outcome {
	case domain.OutcomeSent:
		t.stats.Sent++
	case domain.OutcomeRateLimited:
		t.stats.RateLimited++
	case domain.OutcomePermissionDenied:
		t.stats.PermissionDenied++
	case domain.OutcomeError:
		t.stats.Errors++
	}
	if outcome == domain.OutcomeError {
		t.stats.ConsecutiveErrors++
	} else {
		t.stats.ConsecutiveErrors = 0
	}
	t.stats.LastOutcome = string(outcome)
	t.stats.LastAt = at
	return t.stats.ConsecutiveErrors
}

// Stats возвращает копию счётчиков.
func (t *Task) Stats() LoopStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
